// ABOUTME: SQLite-backed audit trail of pairing and connection events
// ABOUTME: Append-only log with filtered, newest-first listing

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Action identifies an auditable event.
type Action string

const (
	ActionPairingRequested Action = "pairing_requested"
	ActionPairingApproved  Action = "pairing_approved"
	ActionPairingRejected  Action = "pairing_rejected"
	ActionTokenRotated     Action = "token_rotated"
	ActionTokenRevoked     Action = "token_revoked"
	ActionConnectAccepted  Action = "connect_accepted"
	ActionConnectRejected  Action = "connect_rejected"
)

// Entry is a single audit record. Detail holds event-specific context
// such as the auth method or rejection reason; secrets never go in.
type Entry struct {
	ID        string
	Action    Action
	DeviceID  string
	Timestamp time.Time
	Detail    map[string]any
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Action   Action
	DeviceID string
	Since    time.Time
	Limit    int // default 100, capped at 1000
}

// Log is the append-only audit store.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the audit database at path, creating parent
// directories and the schema as needed.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			ts TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_device ON audit_log(device_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	logger.Debug("audit log opened", "path", path)
	return &Log{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append records an entry. ID and Timestamp are generated when unset.
func (l *Log) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		s := string(data)
		detailJSON = &s
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (audit_id, action, device_id, ts, detail_json) VALUES (?, ?, ?, ?, ?)`,
		e.ID, string(e.Action), e.DeviceID, e.Timestamp.UTC().Format(time.RFC3339Nano), detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	l.logger.Debug("audit entry appended", "action", e.Action, "device_id", e.DeviceID)
	return nil
}

// Record is the fire-and-forget variant used on hot paths: failures
// are logged, never surfaced, so auditing cannot break connects.
func (l *Log) Record(ctx context.Context, action Action, deviceID string, detail map[string]any) {
	if err := l.Append(ctx, Entry{Action: action, DeviceID: deviceID, Detail: detail}); err != nil {
		l.logger.Warn("appending audit entry failed", "action", action, "error", err)
	}
}

// List returns entries matching the filter, newest first.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	var sinceStr *string
	if !f.Since.IsZero() {
		s := f.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &s
	}
	var actionStr *string
	if f.Action != "" {
		s := string(f.Action)
		actionStr = &s
	}
	var deviceStr *string
	if f.DeviceID != "" {
		d := f.DeviceID
		deviceStr = &d
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT audit_id, action, device_id, ts, detail_json
		FROM audit_log
		WHERE (? IS NULL OR ts >= ?)
		  AND (? IS NULL OR action = ?)
		  AND (? IS NULL OR device_id = ?)
		ORDER BY ts DESC
		LIMIT ?`,
		sinceStr, sinceStr,
		actionStr, actionStr,
		deviceStr, deviceStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var actionStr, tsStr string
		var detailJSON *string
		if err := rows.Scan(&e.ID, &actionStr, &e.DeviceID, &tsStr, &detailJSON); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = Action(actionStr)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}
