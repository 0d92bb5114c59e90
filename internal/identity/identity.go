// ABOUTME: Persistent Ed25519 device identity for gateway clients
// ABOUTME: Loads or creates the keypair file and derives the device id from the public key

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// identityFileVersion is the on-disk schema version.
const identityFileVersion = 1

// DeviceIdentity is the long-lived keypair naming one client
// installation. The private key never leaves the identity file; only
// the public key and signatures cross the wire.
type DeviceIdentity struct {
	DeviceID   string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	CreatedAt  time.Time
}

// identityFile is the persisted JSON document.
type identityFile struct {
	Version       int    `json:"version"`
	DeviceID      string `json:"deviceId"`
	PublicKeyPem  string `json:"publicKeyPem"`
	PrivateKeyPem string `json:"privateKeyPem"`
	CreatedAtMs   int64  `json:"createdAtMs"`
}

// DeriveDeviceID computes the device id for a raw 32-byte Ed25519
// public key: lowercase hex SHA-256 over the raw key bytes. The server
// derives the id itself rather than trusting the one a client asserts.
func DeriveDeviceID(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// LoadOrCreate reads the identity file at path, creating a fresh
// identity on first run. A missing, unparseable, or incomplete file is
// treated as absence: a new keypair is generated and written with
// owner-only permissions. A stored identity whose deviceId no longer
// matches the public key has only the id recomputed and rewritten; the
// keypair itself is preserved.
func LoadOrCreate(path string) (*DeviceIdentity, error) {
	if id := loadExisting(path); id != nil {
		expect := DeriveDeviceID(id.PublicKey)
		if id.DeviceID != expect {
			id.DeviceID = expect
			if err := write(path, id); err != nil {
				return nil, fmt.Errorf("rewriting identity with recomputed id: %w", err)
			}
		}
		return id, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating device keypair: %w", err)
	}

	id := &DeviceIdentity{
		DeviceID:   DeriveDeviceID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  time.Now().UTC(),
	}
	if err := write(path, id); err != nil {
		return nil, fmt.Errorf("writing identity file: %w", err)
	}
	return id, nil
}

// loadExisting parses the identity file, returning nil for any file
// that is absent or unusable. Corruption is treated as first run: a
// fresh identity is safe because the gateway will simply see a new
// device requiring re-pairing.
func loadExisting(path string) *DeviceIdentity {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil
	}
	if f.PublicKeyPem == "" || f.PrivateKeyPem == "" {
		return nil
	}

	pub := parsePublicKeyPem(f.PublicKeyPem)
	priv := parsePrivateKeyPem(f.PrivateKeyPem)
	if pub == nil || priv == nil {
		return nil
	}

	var createdAt time.Time
	if f.CreatedAtMs > 0 {
		createdAt = time.UnixMilli(f.CreatedAtMs).UTC()
	}

	return &DeviceIdentity{
		DeviceID:   f.DeviceID,
		PublicKey:  pub,
		PrivateKey: priv,
		CreatedAt:  createdAt,
	}
}

// write persists the identity atomically: temp file in the same
// directory, 0600, then rename over the target.
func write(path string, id *DeviceIdentity) error {
	pubPem, err := encodePublicKeyPem(id.PublicKey)
	if err != nil {
		return err
	}
	privPem, err := encodePrivateKeyPem(id.PrivateKey)
	if err != nil {
		return err
	}

	createdAt := id.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	f := identityFile{
		Version:       identityFileVersion,
		DeviceID:      id.DeviceID,
		PublicKeyPem:  pubPem,
		PrivateKeyPem: privPem,
		CreatedAtMs:   createdAt.UnixMilli(),
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	// Best-effort on platforms without POSIX permissions.
	_ = tmp.Chmod(0o600)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing identity file: %w", err)
	}
	return nil
}

func encodePublicKeyPem(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func encodePrivateKeyPem(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshaling private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

// parsePublicKeyPem returns nil for anything that is not a PEM-wrapped
// Ed25519 public key.
func parsePublicKeyPem(s string) ed25519.PublicKey {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return nil
	}
	return pub
}

// parsePrivateKeyPem returns nil for anything that is not a PEM-wrapped
// Ed25519 private key.
func parsePrivateKeyPem(s string) ed25519.PrivateKey {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok || len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return priv
}
