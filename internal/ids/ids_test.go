package ids

import (
	"encoding/base64"
	"testing"
)

func TestNewIsSortableAndValid(t *testing.T) {
	a := New()
	b := New()
	if !Valid(a) || !Valid(b) {
		t.Fatalf("expected valid ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %q then %q", a, b)
	}
	if Valid("not-an-id") {
		t.Fatalf("expected malformed id to be rejected")
	}
}

func TestOpaque(t *testing.T) {
	tok, err := Opaque(32)
	if err != nil {
		t.Fatalf("Opaque: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(raw))
	}
	other, _ := Opaque(32)
	if other == tok {
		t.Fatalf("expected distinct tokens")
	}
	if _, err := Opaque(0); err == nil {
		t.Fatalf("expected error for zero length")
	}
}
