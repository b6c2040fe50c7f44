package signer

import (
	"strings"
	"testing"
)

func challengeFields() map[string]string {
	return map[string]string{
		"amount":          "1000",
		"chain_id":        "8453",
		"expiry":          "1748800000",
		"nonce":           "7f3e9a10-25cd-4b52-a5a4-2f4f64c9a111",
		"recipient":       "0x9a1bc0de22f9e4a55cf0d6f00bb11aa22cc33dd4",
		"request_binding": "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		"request_method":  "post",
		"request_path":    "/agent/chat",
		"token":           "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
	}
}

func TestCanonicalOrdering(t *testing.T) {
	got := Canonical(challengeFields())
	want := "1000|8453|1748800000|7f3e9a10-25cd-4b52-a5a4-2f4f64c9a111|" +
		"0x9a1bc0de22f9e4a55cf0d6f00bb11aa22cc33dd4|" +
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855|" +
		"post|/agent/chat|0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	if got != want {
		t.Errorf("Canonical() = %q, want %q", got, want)
	}
}

func TestCanonicalExcludesSignatureField(t *testing.T) {
	fields := challengeFields()
	withSig := Canonical(fields)
	fields[SignatureField] = strings.Repeat("a", 64)
	if Canonical(fields) != withSig {
		t.Error("hmac field leaked into canonical form")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s, err := New("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	fields := challengeFields()
	sig := s.Sign(fields)

	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64", len(sig))
	}
	if sig != strings.ToLower(sig) {
		t.Error("signature is not lowercase hex")
	}
	if !s.Verify(fields, sig) {
		t.Error("genuine signature rejected")
	}
}

func TestVerifyRejectsFieldTamper(t *testing.T) {
	s, _ := New("test-secret")
	fields := challengeFields()
	sig := s.Sign(fields)

	for key := range fields {
		mutated := challengeFields()
		mutated[key] = mutated[key] + "x"
		if s.Verify(mutated, sig) {
			t.Errorf("signature verified after mutating %q", key)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signerA, _ := New("secret-a")
	signerB, _ := New("secret-b")
	fields := challengeFields()

	if signerB.Verify(fields, signerA.Sign(fields)) {
		t.Error("signature verified under unrelated secret")
	}
}

func TestVerifyFormatGuards(t *testing.T) {
	s, _ := New("test-secret")
	fields := challengeFields()

	tests := []struct {
		name string
		sig  string
	}{
		{name: "too short", sig: "abcd"},
		{name: "too long", sig: strings.Repeat("ab", 40)},
		{name: "non-hex", sig: strings.Repeat("zz", 32)},
		{name: "empty", sig: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if s.Verify(fields, tt.sig) {
				t.Errorf("malformed signature %q accepted", tt.sig)
			}
		})
	}
}

func TestRotationWindow(t *testing.T) {
	s, _ := New("gen-1")
	fields := challengeFields()
	sigGen1 := s.Sign(fields)

	if err := s.Rotate("gen-2"); err != nil {
		t.Fatal(err)
	}
	// Previous-generation signatures verify until the next rotation.
	if !s.Verify(fields, sigGen1) {
		t.Error("gen-1 signature rejected immediately after rotation")
	}
	sigGen2 := s.Sign(fields)
	if !s.Verify(fields, sigGen2) {
		t.Error("gen-2 signature rejected")
	}

	if err := s.Rotate("gen-3"); err != nil {
		t.Fatal(err)
	}
	if s.Verify(fields, sigGen1) {
		t.Error("gen-1 signature survived two rotations")
	}
	if !s.Verify(fields, sigGen2) {
		t.Error("gen-2 signature rejected after one rotation")
	}
}

func TestNewWithPrevious(t *testing.T) {
	old, _ := New("old-secret")
	fields := challengeFields()
	oldSig := old.Sign(fields)

	s, err := NewWithPrevious("new-secret", "old-secret")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Verify(fields, oldSig) {
		t.Error("previous-secret signature rejected at boot")
	}

	if _, err := New(""); err != ErrEmptySecret {
		t.Errorf("New(\"\") error = %v, want ErrEmptySecret", err)
	}
}
