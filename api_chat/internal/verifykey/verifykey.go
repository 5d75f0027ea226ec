// Package verifykey holds the process-wide HMAC key shared with the
// upstream provider as the webhook subscription secret.
package verifykey

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Key is 32 random bytes generated once at process startup and held for
// the process's lifetime. Its hex form is the shared secret registered
// with every subscription created by the Subscription Controller.
type Key struct {
	bytes [32]byte
}

// Generate produces a fresh Verification Key from a CSPRNG.
func Generate() (Key, error) {
	var k Key
	if _, err := rand.Read(k.bytes[:]); err != nil {
		return Key{}, fmt.Errorf("generate verification key: %w", err)
	}
	return k, nil
}

// Bytes returns the raw key material, used directly as the HMAC key.
func (k Key) Bytes() []byte {
	return k.bytes[:]
}

// Hex returns the lowercase hex encoding registered with the provider as
// the subscription secret.
func (k Key) Hex() string {
	return hex.EncodeToString(k.bytes[:])
}
