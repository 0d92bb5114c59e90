// ABOUTME: Unit tests for device identity creation, persistence, and id derivation
// ABOUTME: Covers first run, reload, corruption recovery, and id recomputation

package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadOrCreate_FirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	if len(id.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("public key size = %d, want %d", len(id.PublicKey), ed25519.PublicKeySize)
	}
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		t.Errorf("private key size = %d, want %d", len(id.PrivateKey), ed25519.PrivateKeySize)
	}

	sum := sha256.Sum256(id.PublicKey)
	if want := hex.EncodeToString(sum[:]); id.DeviceID != want {
		t.Errorf("DeviceID = %q, want sha256 of raw public key %q", id.DeviceID, want)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat identity file: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("identity file mode = %o, want 0600", perm)
		}
	}
}

func TestLoadOrCreate_ReloadsSameIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() reload error = %v", err)
	}

	if first.DeviceID != second.DeviceID {
		t.Errorf("reload changed device id: %q != %q", first.DeviceID, second.DeviceID)
	}
	if !first.PublicKey.Equal(second.PublicKey) {
		t.Error("reload changed public key")
	}
	if !first.PrivateKey.Equal(second.PrivateKey) {
		t.Error("reload changed private key")
	}
}

func TestLoadOrCreate_CorruptFileRegenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seeding corrupt file: %v", err)
	}

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	if id.DeviceID == "" {
		t.Error("expected a fresh identity from corrupt file")
	}
}

func TestLoadOrCreate_RecomputesStaleDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	id, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	// Tamper with the stored id, as if the derivation algorithm changed.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading identity file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parsing identity file: %v", err)
	}
	doc["deviceId"] = "stale-legacy-id"
	tampered, _ := json.Marshal(doc)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("writing tampered file: %v", err)
	}

	reloaded, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() after tamper error = %v", err)
	}

	if reloaded.DeviceID != id.DeviceID {
		t.Errorf("DeviceID = %q, want recomputed %q", reloaded.DeviceID, id.DeviceID)
	}
	if !reloaded.PublicKey.Equal(id.PublicKey) {
		t.Error("keypair must be preserved on id mismatch, got a different public key")
	}

	// The rewrite must be persisted, not just in memory.
	data, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-reading identity file: %v", err)
	}
	var persisted struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("parsing rewritten file: %v", err)
	}
	if persisted.DeviceID != id.DeviceID {
		t.Errorf("persisted deviceId = %q, want %q", persisted.DeviceID, id.DeviceID)
	}
}

func TestDeriveDeviceID_Deterministic(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	first := DeriveDeviceID(pub)
	second := DeriveDeviceID(pub)
	if first != second {
		t.Errorf("DeriveDeviceID not deterministic: %q != %q", first, second)
	}
	if len(first) != 64 {
		t.Errorf("device id length = %d, want 64 hex chars", len(first))
	}

	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating second key: %v", err)
	}
	if DeriveDeviceID(otherPub) == first {
		t.Error("distinct keys derived the same device id")
	}
}
