package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

// janitor periodically prunes finished task records past their TTL and
// export files past their retention window.
type janitor struct {
	tasks     tstore.Store
	taskTTL   time.Duration
	exportDir string
	exportAge time.Duration
	log       logx.Logger

	cron *cron.Cron
}

func newJanitor(cfg *Config, tasks tstore.Store, taskTTL time.Duration, blobDir string, log logx.Logger) (*janitor, error) {
	if !cfg.Janitor.Enabled {
		return nil, nil
	}
	spec := strings.TrimSpace(cfg.Janitor.Spec)
	if spec == "" {
		spec = "@every 1h"
	}
	exportAge, err := parseDurationOrDefault("janitor.export_max_age", cfg.Janitor.ExportMaxAge, 7*24*time.Hour)
	if err != nil {
		return nil, err
	}

	j := &janitor{
		tasks:     tasks,
		taskTTL:   taskTTL,
		exportDir: filepath.Join(blobDir, "exports"),
		exportAge: exportAge,
		log:       log,
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, j.sweep); err != nil {
		return nil, err
	}
	j.cron = c
	return j, nil
}

func (j *janitor) Start() {
	if j == nil {
		return
	}
	j.cron.Start()
	j.log.Info("janitor started",
		logx.Duration("task_ttl", j.taskTTL),
		logx.Duration("export_max_age", j.exportAge))
}

func (j *janitor) Stop(ctx context.Context) {
	if j == nil {
		return
	}
	done := j.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (j *janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if j.taskTTL > 0 {
		n, err := j.tasks.Prune(ctx, time.Now().Add(-j.taskTTL))
		if err != nil {
			j.log.Warn("task record prune failed", logx.Any("err", err))
		} else if n > 0 {
			j.log.Info("task records pruned", logx.Int("count", n))
		}
	}

	j.sweepExports()
}

func (j *janitor) sweepExports() {
	if j.exportAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-j.exportAge)
	removed := 0
	entries, err := os.ReadDir(j.exportDir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.Warn("export dir scan failed", logx.Any("err", err))
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.exportDir, e.Name())); err != nil {
			j.log.Warn("stale export remove failed", logx.String("name", e.Name()), logx.Any("err", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		j.log.Info("stale exports removed", logx.Int("count", removed))
	}
}
