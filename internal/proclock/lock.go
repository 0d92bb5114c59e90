// ABOUTME: Single-instance process lock keyed by resolved configuration path
// ABOUTME: Classifies lock owners as alive, dead, or unknown and reclaims stale locks

package proclock

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Defaults applied when Options fields are zero.
const (
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 250 * time.Millisecond
	DefaultStaleAge     = 5 * time.Minute
)

// startTimeTolerance absorbs rounding between the recorded and the
// re-read process start time.
const startTimeTolerance = 2 * time.Second

// ErrTimeout marks a lock acquisition that gave up while another
// process held the lock.
var ErrTimeout = errors.New("gateway lock held by another process")

// Options tune acquisition behavior.
type Options struct {
	// Dir is where lock files live; defaults to the OS temp directory.
	Dir string
	// Timeout bounds the total wait; PollInterval the retry cadence.
	Timeout      time.Duration
	PollInterval time.Duration
	// StaleAge is the lock age past which an owner of unknown liveness
	// is presumed dead. This trades strict exclusivity for
	// availability on platforms where start-time introspection is
	// unavailable; raise it if double-acquisition is worse than
	// waiting.
	StaleAge time.Duration
}

// Record is the persisted lock file content.
type Record struct {
	PID        int    `json:"pid"`
	CreatedAt  string `json:"createdAt"` // ISO-8601
	ConfigPath string `json:"configPath"`
	// StartTime is the owner's process start timestamp in unix millis,
	// recorded where the platform exposes it. It disambiguates PID
	// reuse: an alive PID with a different start time is a recycled
	// PID, not the original owner.
	StartTime int64 `json:"startTime,omitempty"`
}

// Handle is an acquired lock. Release is safe to call more than once
// and after external removal of the file.
type Handle struct {
	path   string
	logger *slog.Logger
}

// Path returns the lock file location, for diagnostics.
func (h *Handle) Path() string { return h.path }

// Release deletes the lock file.
func (h *Handle) Release() {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		h.logger.Warn("removing gateway lock failed", "path", h.path, "error", err)
	}
}

// ownerState classifies the process named in an existing lock record.
type ownerState int

const (
	ownerAlive ownerState = iota
	ownerDead
	ownerUnknown
)

// LockPath computes the lock file location for a configuration path.
// Distinct configurations hash to distinct files and never contend.
func LockPath(dir, configPath string) string {
	sum := sha1.Sum([]byte(configPath))
	return filepath.Join(dir, fmt.Sprintf("gateway.%s.lock", hex.EncodeToString(sum[:])[:8]))
}

// Acquire takes the exclusive gateway lock for configPath, waiting up
// to the configured timeout for a live owner to go away. Dead and
// recycled-PID owners are reclaimed immediately; owners of unknown
// liveness only after StaleAge.
func Acquire(configPath string, opts Options, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "proclock")

	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = DefaultStaleAge
	}

	path := LockPath(opts.Dir, configPath)
	deadline := time.Now().Add(opts.Timeout)
	var blockingPID int

	for {
		handle, err := tryCreate(path, configPath, logger)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}

		rec, readErr := readRecord(path)
		if readErr != nil {
			// Unreadable record: either mid-write or garbage. Retry;
			// garbage older than StaleAge is handled via file mtime.
			if age, ok := fileAge(path); ok && age > opts.StaleAge {
				logger.Warn("reclaiming unreadable gateway lock", "path", path)
				_ = os.Remove(path)
				continue
			}
		} else {
			blockingPID = rec.PID
			switch classifyOwner(rec) {
			case ownerDead:
				logger.Info("reclaiming gateway lock from dead process", "path", path, "pid", rec.PID)
				_ = os.Remove(path)
				continue
			case ownerUnknown:
				if age, ok := recordAge(rec); ok && age > opts.StaleAge {
					logger.Warn("reclaiming gateway lock of unknown liveness", "path", path, "pid", rec.PID, "age", age)
					_ = os.Remove(path)
					continue
				}
			}
		}

		if time.Now().After(deadline) {
			if blockingPID != 0 {
				return nil, fmt.Errorf("%w: pid %d (lock %s)", ErrTimeout, blockingPID, path)
			}
			return nil, fmt.Errorf("%w: lock %s", ErrTimeout, path)
		}
		time.Sleep(opts.PollInterval)
	}
}

// tryCreate attempts the exclusive create. Returns (nil, nil) when the
// lock already exists.
func tryCreate(path, configPath string, logger *slog.Logger) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("creating gateway lock: %w", err)
	}

	rec := Record{
		PID:        os.Getpid(),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		ConfigPath: configPath,
		StartTime:  ownStartTime(),
	}
	data, err := json.Marshal(rec)
	if err == nil {
		_, err = f.Write(data)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("writing gateway lock: %w", err)
	}

	return &Handle{path: path, logger: logger}, nil
}

// classifyOwner decides whether the recorded owner still holds the
// lock legitimately.
func classifyOwner(rec Record) ownerState {
	if rec.PID <= 0 {
		return ownerDead
	}

	p, err := process.NewProcess(int32(rec.PID))
	if err != nil {
		// NewProcess fails when the pid does not exist.
		return ownerDead
	}

	running, err := p.IsRunning()
	if err != nil {
		return ownerUnknown
	}
	if !running {
		return ownerDead
	}

	// Alive, but the pid may have been recycled since the record was
	// written. Where start times are available, a mismatch proves the
	// original owner is gone.
	if rec.StartTime > 0 {
		if created, err := p.CreateTime(); err == nil {
			delta := time.Duration(created-rec.StartTime) * time.Millisecond
			if delta < 0 {
				delta = -delta
			}
			if delta > startTimeTolerance {
				return ownerDead
			}
		}
	}
	return ownerAlive
}

// ownStartTime returns this process's start timestamp in unix millis,
// or zero where the platform does not expose it.
func ownStartTime() int64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	created, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return created
}

func readRecord(path string) (Record, error) {
	var rec Record
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("parsing lock record: %w", err)
	}
	return rec, nil
}

// recordAge derives the lock age from the record's createdAt stamp.
func recordAge(rec Record) (time.Duration, bool) {
	created, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return 0, false
	}
	return time.Since(created), true
}

// fileAge falls back to filesystem mtime when the record is unreadable.
func fileAge(path string) (time.Duration, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return time.Since(info.ModTime()), true
}
