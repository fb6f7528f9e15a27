package engine

import (
	"context"
	"time"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// HardTimeout is the forcible per-task execution limit used when
	// Task.HardTimeout is 0. When it fires, the task's context is canceled
	// and the run is recorded as failed.
	HardTimeout time.Duration

	// SoftTimeout is the graceful limit used when Task.SoftTimeout is 0.
	// Tasks observe it via SoftDeadline/SoftLimitExceeded and get the
	// remaining window up to the hard limit to persist partial progress.
	SoftTimeout time.Duration

	HistorySize int
	RetryMax    int
}

type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	} else if o.RetryMax == 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

type HistoryItem struct {
	ID       string
	Name     string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Run receives a context carrying the hard deadline; the soft deadline is
// available through SoftDeadline(ctx). Done, if set, is invoked exactly once
// from the executing worker after the final attempt, with the terminal error
// (nil on success). Task-record bookkeeping hangs off Done so the record has
// a single writer.
type Task struct {
	ID          string
	Name        string
	HardTimeout time.Duration
	SoftTimeout time.Duration
	Run         func(ctx context.Context) error
	Done        func(err error, attempts int)
	Opt         TaskOptions
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped uint64

	HardTimeout time.Duration
	SoftTimeout time.Duration
	RetryMax    int

	History []HistoryItem
}
