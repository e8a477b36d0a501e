package internal

import (
	"strings"
	"testing"
)

// FuzzSplitAPIKey exercises API key parsing with arbitrary strings.
// Goal: no panics; accepted keys must round-trip through EncodeAPIKey.
func FuzzSplitAPIKey(f *testing.F) {
	f.Add("")
	f.Add("abc")
	f.Add("_")
	f.Add("abcdefgh_")
	f.Add("ABCDEFGH_" + strings.Repeat("A", 43))

	prefix, err := NewKeyPrefix()
	if err == nil {
		secret, err := NewKeySecret()
		if err == nil {
			f.Add(EncodeAPIKey(prefix, secret))
		}
	}

	f.Fuzz(func(t *testing.T, input string) {
		p, s, err := SplitAPIKey(input)
		if err != nil {
			return
		}
		if EncodeAPIKey(p, s) != input {
			t.Fatalf("split/encode mismatch for %q", input)
		}
	})
}

func TestKeyPartsRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		prefix, err := NewKeyPrefix()
		if err != nil {
			t.Fatalf("prefix: %v", err)
		}
		if len(prefix) != 8 || strings.Contains(prefix, KeySeparator) {
			t.Fatalf("bad prefix %q", prefix)
		}
		secret, err := NewKeySecret()
		if err != nil {
			t.Fatalf("secret: %v", err)
		}
		p, s, err := SplitAPIKey(EncodeAPIKey(prefix, secret))
		if err != nil || p != prefix || s != secret {
			t.Fatalf("round trip failed: %q %q %v", p, s, err)
		}
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("new session id: %v", err)
	}
	parsed, err := ParseSessionID(sid.String())
	if err != nil || parsed != sid {
		t.Fatalf("parse session id: %v", err)
	}
	if _, err := ParseSessionID("short"); err == nil {
		t.Fatal("expected invalid session id to fail")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("203.0.113.9")
	if a != Fingerprint("203.0.113.9") || len(a) != 24 {
		t.Fatalf("unexpected fingerprint %q", a)
	}
	if a == Fingerprint("203.0.113.10") {
		t.Fatal("distinct inputs must not collide")
	}
}
