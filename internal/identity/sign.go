// ABOUTME: Signing and verification over device identity keys
// ABOUTME: Uses unpadded base64url for signatures and public keys on the wire

package identity

import (
	"crypto/ed25519"
	"encoding/base64"
)

// Sign signs payload with the device private key and returns the
// signature in unpadded base64url, the transport encoding for all
// signature and key material.
func Sign(priv ed25519.PrivateKey, payload string) string {
	if len(priv) != ed25519.PrivateKeySize {
		return ""
	}
	sig := ed25519.Sign(priv, []byte(payload))
	return base64.RawURLEncoding.EncodeToString(sig)
}

// Verify checks a base64url signature over payload. Malformed key or
// signature material verifies false rather than erroring, so callers
// treat "verification failed" uniformly with "signature absent."
func Verify(pub ed25519.PublicKey, payload, signature string) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, []byte(payload), sig)
}

// EncodePublicKey returns the raw public key in unpadded base64url for
// transport.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a transported public key. Returns nil for
// anything that is not a valid raw Ed25519 key.
func DecodePublicKey(s string) ed25519.PublicKey {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(raw)
}
