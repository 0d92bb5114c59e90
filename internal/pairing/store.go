// ABOUTME: Durable store for pending pairing requests and paired devices
// ABOUTME: Serializes mutations behind one mutex and persists two JSON files atomically

package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tether-gateway/internal/auth"
)

const (
	// PendingTTL is how long a pairing request stays answerable.
	PendingTTL = 5 * time.Minute

	pendingFileName = "pairing-pending.json"
	pairedFileName  = "pairing-devices.json"
)

// Verification failure reasons. Machine-readable so the client-facing
// layer can decide between re-pairing and retrying.
const (
	ReasonDeviceNotPaired = "device-not-paired"
	ReasonRoleMissing     = "role-missing"
	ReasonTokenMissing    = "token-missing"
	ReasonTokenRevoked    = "token-revoked"
	ReasonTokenMismatch   = "token-mismatch"
	ReasonScopeMismatch   = "scope-mismatch"
)

// Store keeps pending pairing requests and paired devices, persisted as
// two JSON documents under dir. All operations serialize behind a
// single mutex so read-then-write sequences are atomic at store level.
type Store struct {
	mu      sync.Mutex
	dir     string
	pending map[string]*PendingRequest // keyed by request id
	paired  map[string]*PairedDevice   // keyed by device id
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore opens the pairing store in dir, creating it if needed.
// Unparseable state files are treated as empty, not as errors.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating pairing directory: %w", err)
	}

	s := &Store{
		dir:     dir,
		pending: make(map[string]*PendingRequest),
		paired:  make(map[string]*PairedDevice),
		logger:  logger.With("component", "pairing"),
		now:     time.Now,
	}
	s.loadFile(filepath.Join(dir, pendingFileName), &s.pending)
	s.loadFile(filepath.Join(dir, pairedFileName), &s.paired)
	return s, nil
}

// loadFile reads a JSON map file into dst, logging and ignoring
// corruption. A fresh map is safe: affected devices simply re-pair.
func (s *Store) loadFile(path string, dst any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Warn("discarding unparseable pairing state", "path", path, "error", err)
	}
}

// RequestResult is the outcome of RequestPairing.
type RequestResult struct {
	Request *PendingRequest
	// Created is false when an unexpired request for the same device
	// already existed and was returned instead.
	Created bool
}

// RequestPairing records a pairing request. Idempotent per device id:
// a repeat before approval returns the existing pending entry.
func (s *Store) RequestPairing(req PendingRequest) (*RequestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	for _, p := range s.pending {
		if p.DeviceID == req.DeviceID {
			return &RequestResult{Request: p, Created: false}, nil
		}
	}

	entry := req
	entry.RequestID = uuid.New().String()
	if entry.Role == "" {
		entry.Role = DefaultRole
	}
	_, entry.IsRepair = s.paired[req.DeviceID]
	entry.CreatedAtMs = s.now().UnixMilli()
	s.pending[entry.RequestID] = &entry

	if err := s.persistPendingLocked(); err != nil {
		delete(s.pending, entry.RequestID)
		return nil, err
	}

	s.logger.Info("pairing requested",
		"request_id", entry.RequestID,
		"device_id", entry.DeviceID,
		"role", entry.Role,
		"repair", entry.IsRepair,
	)
	return &RequestResult{Request: &entry, Created: true}, nil
}

// ApproveResult is the outcome of ApprovePairing.
type ApproveResult struct {
	RequestID string
	Device    *PairedDevice
	Token     *AuthToken
}

// ApprovePairing promotes a pending request into a paired device.
// Roles and scopes merge into any pre-existing device record; the
// requested role gets a fresh or rotated token. Returns nil if the
// request no longer exists (already handled or expired).
func (s *Store) ApprovePairing(requestID string) (*ApproveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	req, ok := s.pending[requestID]
	if !ok {
		return nil, nil
	}

	nowMs := s.now().UnixMilli()
	device, exists := s.paired[req.DeviceID]
	if !exists {
		device = &PairedDevice{
			DeviceID:    req.DeviceID,
			PublicKey:   req.PublicKey,
			CreatedAtMs: nowMs,
			Tokens:      make(map[string]*AuthToken),
		}
		s.paired[req.DeviceID] = device
	}
	if device.Tokens == nil {
		device.Tokens = make(map[string]*AuthToken)
	}

	device.PublicKey = req.PublicKey
	if req.DisplayName != "" {
		device.DisplayName = req.DisplayName
	}
	if req.Platform != "" {
		device.Platform = req.Platform
	}
	device.Roles = mergeStrings(device.Roles, []string{req.Role})
	device.Scopes = mergeStrings(device.Scopes, req.Scopes)
	device.ApprovedAtMs = nowMs

	token := s.mintTokenLocked(device, req.Role, req.Scopes)

	delete(s.pending, requestID)
	if err := s.persistAllLocked(); err != nil {
		return nil, err
	}

	s.logger.Info("pairing approved",
		"request_id", requestID,
		"device_id", device.DeviceID,
		"role", req.Role,
	)
	return &ApproveResult{RequestID: requestID, Device: device, Token: token}, nil
}

// RejectResult is the outcome of RejectPairing.
type RejectResult struct {
	RequestID string
	DeviceID  string
}

// RejectPairing deletes a pending request without creating a device.
// Returns nil if the request no longer exists.
func (s *Store) RejectPairing(requestID string) (*RejectResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	req, ok := s.pending[requestID]
	if !ok {
		return nil, nil
	}
	delete(s.pending, requestID)
	if err := s.persistPendingLocked(); err != nil {
		return nil, err
	}

	s.logger.Info("pairing rejected", "request_id", requestID, "device_id", req.DeviceID)
	return &RejectResult{RequestID: requestID, DeviceID: req.DeviceID}, nil
}

// VerifyRequest is the input to VerifyDeviceToken.
type VerifyRequest struct {
	DeviceID string
	Token    string
	Role     string
	Scopes   []string // scopes the caller presents; all must be allowed
}

// VerifyResult is the outcome of VerifyDeviceToken. Reason is one of
// the Reason* constants when OK is false.
type VerifyResult struct {
	OK     bool
	Reason string
}

// VerifyDeviceToken checks a presented device token. Fails closed with
// a specific reason; on success updates the token's lastUsedAtMs
// (best-effort: a persistence failure is logged, not surfaced).
func (s *Store) VerifyDeviceToken(req VerifyRequest) VerifyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.paired[req.DeviceID]
	if !ok {
		return VerifyResult{Reason: ReasonDeviceNotPaired}
	}
	token, ok := device.Tokens[req.Role]
	if !ok {
		return VerifyResult{Reason: ReasonRoleMissing}
	}
	if req.Token == "" {
		return VerifyResult{Reason: ReasonTokenMissing}
	}
	if token.Revoked() {
		return VerifyResult{Reason: ReasonTokenRevoked}
	}
	if !auth.SecretEqual(req.Token, token.Token) {
		return VerifyResult{Reason: ReasonTokenMismatch}
	}
	if !containsAll(token.Scopes, req.Scopes) {
		return VerifyResult{Reason: ReasonScopeMismatch}
	}

	token.LastUsedAtMs = s.now().UnixMilli()
	if err := s.persistPairedLocked(); err != nil {
		s.logger.Warn("persisting lastUsedAt failed", "device_id", req.DeviceID, "error", err)
	}
	return VerifyResult{OK: true}
}

// EnsureDeviceToken returns an existing non-revoked token for the role
// if its scopes already cover the request, otherwise mints a new one.
// Returns nil if the device is unknown.
func (s *Store) EnsureDeviceToken(deviceID, role string, scopes []string) (*AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.paired[deviceID]
	if !ok {
		return nil, nil
	}
	if device.Tokens == nil {
		device.Tokens = make(map[string]*AuthToken)
	}

	if existing, ok := device.Tokens[role]; ok && !existing.Revoked() && containsAll(existing.Scopes, scopes) {
		return existing, nil
	}

	token := s.mintTokenLocked(device, role, scopes)
	device.Roles = mergeStrings(device.Roles, []string{role})
	if err := s.persistPairedLocked(); err != nil {
		return nil, err
	}
	return token, nil
}

// RotateDeviceToken issues a new secret for an existing role token,
// preserving createdAtMs and lastUsedAtMs. Returns nil if the device
// or role is unknown.
func (s *Store) RotateDeviceToken(deviceID, role string) (*AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.paired[deviceID]
	if !ok {
		return nil, nil
	}
	token, ok := device.Tokens[role]
	if !ok {
		return nil, nil
	}

	token.Token = newSecret()
	token.RotatedAtMs = s.now().UnixMilli()
	token.RevokedAtMs = 0
	if err := s.persistPairedLocked(); err != nil {
		return nil, err
	}

	s.logger.Info("device token rotated", "device_id", deviceID, "role", role)
	return token, nil
}

// RevokeDeviceToken marks a role token revoked. The record stays for
// audit. Returns false if the device or role is unknown.
func (s *Store) RevokeDeviceToken(deviceID, role string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.paired[deviceID]
	if !ok {
		return false, nil
	}
	token, ok := device.Tokens[role]
	if !ok {
		return false, nil
	}

	token.RevokedAtMs = s.now().UnixMilli()
	if err := s.persistPairedLocked(); err != nil {
		return false, err
	}

	s.logger.Info("device token revoked", "device_id", deviceID, "role", role)
	return true, nil
}

// Snapshot is the result of List: pending requests newest-first and
// paired devices newest-approved-first.
type Snapshot struct {
	Pending []*PendingRequest
	Paired  []*PairedDevice
}

// List returns a consistent snapshot, pruning expired pending entries
// first.
func (s *Store) List() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()

	snap := Snapshot{
		Pending: make([]*PendingRequest, 0, len(s.pending)),
		Paired:  make([]*PairedDevice, 0, len(s.paired)),
	}
	for _, p := range s.pending {
		snap.Pending = append(snap.Pending, p)
	}
	for _, d := range s.paired {
		snap.Paired = append(snap.Paired, d)
	}
	sort.Slice(snap.Pending, func(i, j int) bool {
		return snap.Pending[i].CreatedAtMs > snap.Pending[j].CreatedAtMs
	})
	sort.Slice(snap.Paired, func(i, j int) bool {
		return snap.Paired[i].ApprovedAtMs > snap.Paired[j].ApprovedAtMs
	})
	return snap
}

// Device returns the paired device for id, or nil.
func (s *Store) Device(deviceID string) *PairedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paired[deviceID]
}

// mintTokenLocked creates or rotates the token for (device, role).
// A brand-new role token gets a fresh createdAtMs; replacing an
// existing one preserves createdAtMs and sets rotatedAtMs.
func (s *Store) mintTokenLocked(device *PairedDevice, role string, scopes []string) *AuthToken {
	nowMs := s.now().UnixMilli()
	existing, ok := device.Tokens[role]
	if !ok {
		token := &AuthToken{
			Token:       newSecret(),
			Role:        role,
			Scopes:      mergeStrings(nil, scopes),
			CreatedAtMs: nowMs,
		}
		device.Tokens[role] = token
		return token
	}

	existing.Token = newSecret()
	existing.Scopes = mergeStrings(existing.Scopes, scopes)
	existing.RotatedAtMs = nowMs
	existing.RevokedAtMs = 0
	return existing
}

// pruneLocked drops pending entries older than PendingTTL. Lazy expiry:
// runs on store access rather than a timer, which is enough because
// staleness only matters when something reads the store.
func (s *Store) pruneLocked() {
	cutoff := s.now().Add(-PendingTTL).UnixMilli()
	removed := false
	for id, req := range s.pending {
		if req.CreatedAtMs < cutoff {
			delete(s.pending, id)
			removed = true
		}
	}
	if removed {
		if err := s.persistPendingLocked(); err != nil {
			s.logger.Warn("persisting pruned pending state failed", "error", err)
		}
	}
}

func (s *Store) persistAllLocked() error {
	if err := s.persistPendingLocked(); err != nil {
		return err
	}
	return s.persistPairedLocked()
}

func (s *Store) persistPendingLocked() error {
	return writeJSONFile(filepath.Join(s.dir, pendingFileName), s.pending)
}

func (s *Store) persistPairedLocked() error {
	return writeJSONFile(filepath.Join(s.dir, pairedFileName), s.paired)
}

// writeJSONFile replaces path atomically: temp file in the same
// directory, 0600, rename. Readers never observe a half-written file.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_ = tmp.Chmod(0o600)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// newSecret returns a fresh opaque token secret.
func newSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; if it does,
		// refusing to mint is the only safe behavior.
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return "tok_" + base64.RawURLEncoding.EncodeToString(buf)
}
