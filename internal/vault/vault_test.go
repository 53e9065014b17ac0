package vault

import (
	"bytes"
	"encoding/base64"
	"testing"
	"testing/quick"
)

func TestRoundTripProperty(t *testing.T) {
	f := func(pass string, secret []byte) bool {
		v := New(pass)
		got, err := v.Unprotect(v.Protect(secret))
		if err != nil {
			return false
		}
		return bytes.Equal(got, secret)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Fatalf("round trip: %v", err)
	}
}

func TestEmptyPassphraseIsPlainBase64(t *testing.T) {
	v := New("")
	secret := "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	got := v.ProtectString(secret)
	want := base64.URLEncoding.EncodeToString([]byte(secret))
	if got != want {
		t.Fatalf("Protect = %q, want %q", got, want)
	}
}

func TestTokenHidesSecret(t *testing.T) {
	v := New("operator-pass")
	secret := "123456:ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	tok := v.ProtectString(secret)
	if tok == base64.URLEncoding.EncodeToString([]byte(secret)) {
		t.Fatalf("token equals unkeyed encoding")
	}
	back, err := v.UnprotectString(tok)
	if err != nil {
		t.Fatalf("UnprotectString: %v", err)
	}
	if back != secret {
		t.Fatalf("UnprotectString = %q, want %q", back, secret)
	}
}

func TestWrongPassphraseDoesNotRecover(t *testing.T) {
	tok := New("a").ProtectString("secret-value")
	got, err := New("b").UnprotectString(tok)
	if err != nil {
		t.Fatalf("UnprotectString: %v", err)
	}
	if got == "secret-value" {
		t.Fatalf("different passphrase recovered the secret")
	}
}

func TestUnprotectRejectsGarbage(t *testing.T) {
	if _, err := New("k").Unprotect("not base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
}
