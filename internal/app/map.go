package app

import (
	"fmt"
	"strings"
	"time"

	"coursed/internal/blob"
	"coursed/internal/httpapi"
	"coursed/internal/notices"
	"coursed/internal/storage"
	"coursed/internal/task/engine"
	tstore "coursed/internal/task/store"
)

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapBlobConfig(cfg *Config) (blob.Config, error) {
	dir := strings.TrimSpace(cfg.Blob.Dir)
	if dir == "" {
		dir = "./data/media"
	}
	fetch, err := parseDurationField("blob.fetch_timeout", cfg.Blob.FetchTimeout)
	if err != nil {
		return blob.Config{}, err
	}
	return blob.Config{
		Dir:          dir,
		URLPrefix:    strings.TrimSpace(cfg.Blob.URLPrefix),
		FetchTimeout: fetch,
	}, nil
}

func mapTaskStoreConfig(cfg *Config) (tstore.Config, error) {
	if cfg.TaskStore == nil {
		return tstore.Config{Driver: "memory", TTL: 24 * time.Hour}, nil
	}
	ttl, err := parseDurationOrDefault("task_store.ttl", cfg.TaskStore.TTL, 24*time.Hour)
	if err != nil {
		return tstore.Config{}, err
	}
	return tstore.Config{
		Driver: strings.TrimSpace(cfg.TaskStore.Driver),
		Path:   strings.TrimSpace(cfg.TaskStore.Path),
		TTL:    ttl,
	}, nil
}

func mapTaskEngineConfig(cfg *Config) (engine.Config, error) {
	workers := 2
	queueSize := 256
	historySize := 200
	retryMax := 3
	hardStr := "10m"
	softStr := "9m"

	if te := cfg.TaskEngine; te != nil {
		if te.Workers != 0 {
			workers = te.Workers
		}
		if te.QueueSize != 0 {
			queueSize = te.QueueSize
		}
		if te.HistorySize != 0 {
			historySize = te.HistorySize
		}
		if te.RetryMax != 0 {
			retryMax = te.RetryMax
		}
		if strings.TrimSpace(te.HardTimeout) != "" {
			hardStr = te.HardTimeout
		}
		if strings.TrimSpace(te.SoftTimeout) != "" {
			softStr = te.SoftTimeout
		}
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if retryMax < 0 {
		retryMax = 0
	}

	hard, err := parseDurationField("task_engine.hard_timeout", hardStr)
	if err != nil {
		return engine.Config{}, err
	}
	soft, err := parseDurationField("task_engine.soft_timeout", softStr)
	if err != nil {
		return engine.Config{}, err
	}
	if hard > 0 && soft >= hard {
		return engine.Config{}, fmt.Errorf("task_engine.soft_timeout must be below hard_timeout")
	}

	return engine.Config{
		Workers:     workers,
		QueueSize:   queueSize,
		HardTimeout: hard,
		SoftTimeout: soft,
		HistorySize: historySize,
		RetryMax:    retryMax,
	}, nil
}

func mapFanoutConfig(cfg *Config) notices.Config {
	return notices.Config{
		BatchSize:     cfg.Fanout.BatchSize,
		BatchesPerSec: cfg.Fanout.BatchesPerSec,
	}
}

func mapHTTPConfig(cfg *Config) (httpapi.Config, error) {
	read, err := parseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := parseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := parseDurationField("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(cfg.HTTP.Addr),
		BaseURL:      strings.TrimSpace(cfg.HTTP.BaseURL),
		CORSOrigins:  cfg.HTTP.CORSOrigins,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}
