package httpapi

import "testing"

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{header: "bearer   abc", want: "abc"},
		{header: "", wantErr: true},
		{header: "Bearer ", wantErr: true},
		{header: "Basic dXNlcjpwYXNz", wantErr: true},
		{header: "Bear", wantErr: true},
	}
	for _, tt := range tests {
		got, err := extractBearerToken(tt.header)
		if tt.wantErr {
			if err == nil {
				t.Errorf("extractBearerToken(%q) expected error", tt.header)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("extractBearerToken(%q) = %q, %v; want %q", tt.header, got, err, tt.want)
		}
	}
}
