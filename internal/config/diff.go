package config

import (
	"reflect"
	"sort"
	"strings"

	logx "coursed/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// HTTP
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.base_url_set", strings.TrimSpace(newCfg.HTTP.BaseURL) != ""),
			logx.Int("http.cors_origins", len(newCfg.HTTP.CORSOrigins)),
		)
	}

	// Storage
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Blob
	if !reflect.DeepEqual(oldCfg.Blob, newCfg.Blob) {
		changed = append(changed, "blob")
		attrs = append(attrs,
			logx.Bool("blob.dir_set", strings.TrimSpace(newCfg.Blob.Dir) != ""),
			logx.String("blob.url_prefix", strings.TrimSpace(newCfg.Blob.URLPrefix)),
		)
	}

	// Task store
	oTS := derefTaskStore(oldCfg.TaskStore)
	nTS := derefTaskStore(newCfg.TaskStore)
	if (oldCfg.TaskStore != nil) != (newCfg.TaskStore != nil) || !reflect.DeepEqual(oTS, nTS) {
		changed = append(changed, "task_store")
		attrs = append(attrs,
			logx.String("task_store.driver", nTS.Driver),
			logx.String("task_store.ttl", strings.TrimSpace(nTS.TTL)),
		)
	}

	// Task engine
	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.hard_timeout", strings.TrimSpace(nTE.HardTimeout)),
			logx.String("task_engine.soft_timeout", strings.TrimSpace(nTE.SoftTimeout)),
			logx.Int("task_engine.history_size", nTE.HistorySize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	// Fanout
	if !reflect.DeepEqual(oldCfg.Fanout, newCfg.Fanout) {
		changed = append(changed, "fanout")
		attrs = append(attrs,
			logx.Int("fanout.batch_size", newCfg.Fanout.BatchSize),
			logx.Float64("fanout.batches_per_sec", newCfg.Fanout.BatchesPerSec),
		)
	}

	// Janitor
	if !reflect.DeepEqual(oldCfg.Janitor, newCfg.Janitor) {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", newCfg.Janitor.Enabled),
			logx.String("janitor.spec", strings.TrimSpace(newCfg.Janitor.Spec)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func derefTaskStore(ts *TaskStoreConfig) TaskStoreConfig {
	if ts == nil {
		return TaskStoreConfig{}
	}
	return *ts
}
