package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"tollgate.org/internal/ids"
)

func TestCanonicalPath(t *testing.T) {
	id := ids.New()
	cases := map[string]string{
		"":                                  "/",
		"/metrics":                          "/metrics",
		"/v1/groups/" + id:                  "/v1/groups/:id",
		"/v1/groups/" + id + "/permissions": "/v1/groups/:id/permissions",
		"/v1/groups/not-an-id":              "/v1/groups/not-an-id",
		"/v1/users?page.size=10":            "/v1/users",
		"/v1/auth/login":                    "/v1/auth/login",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLogRequestWritesJSON(t *testing.T) {
	l := Logger()
	orig := l.Out
	var buf bytes.Buffer
	l.SetOutput(&buf)
	defer l.SetOutput(orig)

	LogRequest(map[string]any{"method": "GET", "status": 200})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["msg"] != "request_complete" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if _, ok := entry["ts"]; !ok {
		t.Fatalf("expected ts field, got %v", entry)
	}
	if entry["method"] != "GET" {
		t.Fatalf("unexpected method: %v", entry["method"])
	}
}

func TestInitBuildInfoIsIdempotent(t *testing.T) {
	InitBuildInfo("1.2.3", "")
	InitBuildInfo("1.2.3", "abc123")
}
