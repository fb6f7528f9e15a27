package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	HTTP    HTTPConfig    `json:"http"`
	Storage StorageConfig `json:"storage"`
	Blob    BlobConfig    `json:"blob,omitempty"`

	// TaskStore selects where task status records live. If omitted,
	// records are kept in memory and do not survive a restart.
	TaskStore *TaskStoreConfig `json:"task_store,omitempty"`

	// TaskEngine controls execution settings for background jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Fanout  FanoutConfig  `json:"fanout,omitempty"`
	Janitor JanitorConfig `json:"janitor,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the API server.
//
// All timeouts are Go duration strings (e.g. "10s", "1m").
type HTTPConfig struct {
	Addr string `json:"addr"` // default ":8080"

	// BaseURL, when set, is used instead of the request host when
	// absolutizing download URLs in task results (useful behind a proxy).
	BaseURL string `json:"base_url,omitempty"`

	CORSOrigins []string `json:"cors_origins,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the relational store.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// BlobConfig controls where export files land and how they are served.
type BlobConfig struct {
	Dir       string `json:"dir"`                  // default "./data/media"
	URLPrefix string `json:"url_prefix,omitempty"` // default "/media"
	// FetchTimeout bounds remote CSV fetches on import (default "30s").
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

// TaskStoreConfig selects the task record driver.
type TaskStoreConfig struct {
	Driver string `json:"driver"`         // "memory" or "sqlite"
	Path   string `json:"path,omitempty"` // sqlite only
	TTL    string `json:"ttl,omitempty"`  // retention for terminal records, default "24h"
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - hard_timeout: "10m"
//   - soft_timeout: "9m"
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// HardTimeout forcibly stops a task; "0s" disables the limit.
	HardTimeout string `json:"hard_timeout,omitempty"`
	// SoftTimeout asks a task to wrap up and persist progress; must be
	// below hard_timeout to have any effect.
	SoftTimeout string `json:"soft_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// FanoutConfig tunes announcement delivery expansion.
type FanoutConfig struct {
	BatchSize int `json:"batch_size,omitempty"` // default 1000
	// BatchesPerSec paces bulk inserts; 0 disables pacing.
	BatchesPerSec float64 `json:"batches_per_sec,omitempty"`
}

// JanitorConfig controls periodic cleanup of finished task records and
// old export files.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron expression (default "@every 1h").
	Spec string `json:"spec,omitempty"`
	// ExportMaxAge prunes export files older than this (default "168h").
	ExportMaxAge string `json:"export_max_age,omitempty"`
}
