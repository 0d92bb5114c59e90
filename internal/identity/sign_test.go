// ABOUTME: Unit tests for device signature round-trips and transport encodings
// ABOUTME: Verifies tampered payloads and signatures fail closed

package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	payloads := []string{"", "a", "device|client|operator|12345|nonce", string(make([]byte, 4096))}
	for _, payload := range payloads {
		sig := Sign(priv, payload)
		if sig == "" {
			t.Fatalf("Sign(%q) returned empty signature", payload)
		}
		if !Verify(pub, payload, sig) {
			t.Errorf("Verify failed for payload %q", payload)
		}
	}
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	payload := "challenge-payload"
	sig := Sign(priv, payload)

	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decoding signature: %v", err)
	}
	for i := range raw {
		flipped := make([]byte, len(raw))
		copy(flipped, raw)
		flipped[i] ^= 0x01
		if Verify(pub, payload, base64.RawURLEncoding.EncodeToString(flipped)) {
			t.Fatalf("signature with byte %d flipped still verified", i)
		}
	}
}

func TestVerify_TamperedPayloadFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	sig := Sign(priv, "original")
	if Verify(pub, "0riginal", sig) {
		t.Error("modified payload verified against original signature")
	}
}

func TestVerify_MalformedInputsFailClosed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	if Verify(pub, "payload", "not!base64url%%") {
		t.Error("malformed base64 verified")
	}
	if Verify(pub, "payload", "c2hvcnQ") {
		t.Error("wrong-length signature verified")
	}
	if Verify(ed25519.PublicKey(nil), "payload", Sign(priv, "payload")) {
		t.Error("nil public key verified")
	}
	if Sign(ed25519.PrivateKey([]byte("short")), "payload") != "" {
		t.Error("Sign with malformed key should return empty string")
	}
}

func TestPublicKeyTransportEncoding(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	encoded := EncodePublicKey(pub)
	decoded := DecodePublicKey(encoded)
	if decoded == nil || !decoded.Equal(pub) {
		t.Errorf("public key did not survive transport encoding")
	}

	if DecodePublicKey("too-short") != nil {
		t.Error("DecodePublicKey accepted wrong-length input")
	}
}
