// Package vault obfuscates worker credentials before they are persisted.
//
// The transform is a repeating-key XOR followed by padded URL-safe base64.
// It keeps credentials out of casual view in the database; it is not
// encryption and must not be treated as such.
package vault

import (
	"encoding/base64"
	"fmt"
)

type Vault struct {
	key []byte
}

// New returns a vault keyed by passphrase. An empty passphrase makes the XOR
// step an identity, so tokens are plain base64 of the secret.
func New(passphrase string) *Vault {
	return &Vault{key: []byte(passphrase)}
}

func (v *Vault) Protect(secret []byte) string {
	return base64.URLEncoding.EncodeToString(v.xor(secret))
}

func (v *Vault) Unprotect(token string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("vault: decode token: %w", err)
	}
	return v.xor(raw), nil
}

func (v *Vault) ProtectString(secret string) string { return v.Protect([]byte(secret)) }

func (v *Vault) UnprotectString(token string) (string, error) {
	b, err := v.Unprotect(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (v *Vault) xor(in []byte) []byte {
	out := make([]byte, len(in))
	if v == nil || len(v.key) == 0 {
		copy(out, in)
		return out
	}
	for i, b := range in {
		out[i] = b ^ v.key[i%len(v.key)]
	}
	return out
}
