package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  console: true
http:
  addr: ":9090"
  base_url: https://lms.example.com
storage:
  path: ./data/coursed.db
task_engine:
  workers: 4
  hard_timeout: 5m
fanout:
  batch_size: 500
`)
	m := NewConfigManager(path)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.BaseURL != "https://lms.example.com" {
		t.Fatalf("http = %+v", cfg.HTTP)
	}
	if cfg.TaskEngine == nil || cfg.TaskEngine.Workers != 4 || cfg.TaskEngine.HardTimeout != "5m" {
		t.Fatalf("task_engine = %+v", cfg.TaskEngine)
	}
	if cfg.Fanout.BatchSize != 500 {
		t.Fatalf("fanout = %+v", cfg.Fanout)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
storage:
  path: ./db
typo_section:
  oops: true
`)
	m := NewConfigManager(path)
	if _, err := m.Parse(); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		HTTP:    HTTPConfig{Addr: ":8080"},
		Storage: StorageConfig{Path: "./a.db"},
	}
	newCfg := &Config{
		Logging:    LoggingConfig{Level: "debug"},
		HTTP:       HTTPConfig{Addr: ":8080"},
		Storage:    StorageConfig{Path: "./a.db"},
		TaskEngine: &TaskEngineConfig{Workers: 8},
	}
	sections, _ := SummarizeConfigChange(oldCfg, newCfg)
	joined := strings.Join(sections, ",")
	if !strings.Contains(joined, "logging") || !strings.Contains(joined, "task_engine") {
		t.Fatalf("sections = %v", sections)
	}
	if strings.Contains(joined, "http") || strings.Contains(joined, "storage") {
		t.Fatalf("unchanged sections reported: %v", sections)
	}

	sections, fields := SummarizeConfigChange(newCfg, newCfg)
	if len(sections) != 0 || len(fields) != 0 {
		t.Fatalf("no-op change reported: %v", sections)
	}
}

func TestDurationFields(t *testing.T) {
	if _, err := ParseDurationField("http.read_timeout", "nope"); err == nil {
		t.Fatal("bad duration accepted")
	}
	d, err := ParseDurationOrDefault("janitor.export_max_age", "", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if d.Hours() != 168 {
		t.Fatalf("default = %v", d)
	}
}
