// Package store persists task records: one row per background job,
// tracking its lifecycle from PENDING through a terminal SUCCESS or
// FAILURE. Records outlive the in-memory engine queue so clients can
// poll job status after a restart, and are pruned on a TTL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logx "coursed/pkg/logx"
)

// Task lifecycle states. PROGRESS is a non-terminal state carrying a
// meta payload; SUCCESS and FAILURE are terminal.
const (
	StatePending  = "PENDING"
	StateStarted  = "STARTED"
	StateProgress = "PROGRESS"
	StateSuccess  = "SUCCESS"
	StateFailure  = "FAILURE"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("task record not found")

// Record is one persisted task.
type Record struct {
	ID       string
	Kind     string
	State    string
	Meta     json.RawMessage
	Result   json.RawMessage
	Error    string
	Attempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the record reached a final state.
func (r *Record) Terminal() bool {
	return r.State == StateSuccess || r.State == StateFailure
}

// Store persists task records. Writes for a given id come from a single
// goroutine (the worker executing that task), reads can be concurrent.
type Store interface {
	Create(ctx context.Context, rec Record) error
	MarkStarted(ctx context.Context, id string, now time.Time) error
	SetProgress(ctx context.Context, id string, meta json.RawMessage, now time.Time) error
	MarkSuccess(ctx context.Context, id string, result json.RawMessage, now time.Time) error
	MarkFailure(ctx context.Context, id string, errMsg string, attempts int, now time.Time) error
	Get(ctx context.Context, id string) (*Record, error)
	Prune(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Config selects and configures the task store driver.
type Config struct {
	Driver string        `json:"driver"`
	Path   string        `json:"path"`
	TTL    time.Duration `json:"ttl"`
}

// Open creates a Store for the configured driver. An empty driver means
// memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("task store: sqlite driver requires path")
		}
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("task store: unknown driver %q", cfg.Driver)
	}
}
