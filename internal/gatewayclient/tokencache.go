// ABOUTME: File-backed cache of device tokens issued by gateways
// ABOUTME: Keyed by (deviceId, role) and replaced atomically on every change

package gatewayclient

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// TokenCache stores device tokens returned in hello-ok so reconnects
// can present them instead of the shared secret. An empty path keeps
// the cache in memory only.
type TokenCache struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string
}

// NewTokenCache opens the cache at path, tolerating a missing or
// corrupt file as empty.
func NewTokenCache(path string) *TokenCache {
	c := &TokenCache{path: path, tokens: make(map[string]string)}
	if path == "" {
		return c
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c
	}
	if err := json.Unmarshal(data, &c.tokens); err != nil {
		c.tokens = make(map[string]string)
	}
	return c
}

func cacheKey(deviceID, role string) string {
	return deviceID + ":" + role
}

// Get returns the stored token for (deviceID, role), or "".
func (c *TokenCache) Get(deviceID, role string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[cacheKey(deviceID, role)]
}

// Put stores a token and persists the cache.
func (c *TokenCache) Put(deviceID, role, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[cacheKey(deviceID, role)] = token
	return c.persistLocked()
}

// Delete removes a token. Used when a stored token was rejected: the
// next attempt falls back to the shared secret instead of replaying a
// known-bad token.
func (c *TokenCache) Delete(deviceID, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, cacheKey(deviceID, role))
	return c.persistLocked()
}

func (c *TokenCache) persistLocked() error {
	if c.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(c.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling token cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(c.path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_ = tmp.Chmod(0o600)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return fmt.Errorf("replacing token cache: %w", err)
	}
	return nil
}
