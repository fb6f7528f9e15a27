package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "coursed/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			if err := st.Create(ctx, Record{ID: "t1", Kind: "courses.import", CreatedAt: now}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			rec, err := st.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if rec.State != StatePending {
				t.Fatalf("state = %q, want PENDING", rec.State)
			}

			if err := st.MarkStarted(ctx, "t1", now); err != nil {
				t.Fatalf("MarkStarted: %v", err)
			}
			meta := json.RawMessage(`{"ok":100,"fail":2}`)
			if err := st.SetProgress(ctx, "t1", meta, now); err != nil {
				t.Fatalf("SetProgress: %v", err)
			}
			rec, _ = st.Get(ctx, "t1")
			if rec.State != StateProgress {
				t.Fatalf("state = %q, want PROGRESS", rec.State)
			}
			var counters struct {
				OK   int `json:"ok"`
				Fail int `json:"fail"`
			}
			if err := json.Unmarshal(rec.Meta, &counters); err != nil {
				t.Fatalf("meta unmarshal: %v", err)
			}
			if counters.OK != 100 || counters.Fail != 2 {
				t.Fatalf("meta = %+v", counters)
			}

			result := json.RawMessage(`{"status":"success","ok":150,"fail":2}`)
			if err := st.MarkSuccess(ctx, "t1", result, now); err != nil {
				t.Fatalf("MarkSuccess: %v", err)
			}
			rec, _ = st.Get(ctx, "t1")
			if rec.State != StateSuccess || !rec.Terminal() {
				t.Fatalf("state = %q, want terminal SUCCESS", rec.State)
			}
			if len(rec.Result) == 0 {
				t.Fatal("result missing after MarkSuccess")
			}
		})
	}
}

func TestFailureKeepsErrorAndAttempts(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			if err := st.Create(ctx, Record{ID: "t2", Kind: "courses.export", CreatedAt: now}); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := st.MarkFailure(ctx, "t2", "hard time limit exceeded", 2, now); err != nil {
				t.Fatalf("MarkFailure: %v", err)
			}
			rec, err := st.Get(ctx, "t2")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if rec.State != StateFailure || rec.Error != "hard time limit exceeded" || rec.Attempts != 2 {
				t.Fatalf("rec = %+v", rec)
			}
		})
	}
}

func TestFailureKeepsLastCheckpoint(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			if err := st.Create(ctx, Record{ID: "t5", Kind: "courses.import", CreatedAt: now}); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := st.MarkStarted(ctx, "t5", now); err != nil {
				t.Fatalf("MarkStarted: %v", err)
			}
			if err := st.SetProgress(ctx, "t5", json.RawMessage(`{"ok":100,"fail":3}`), now); err != nil {
				t.Fatalf("SetProgress: %v", err)
			}
			if err := st.MarkFailure(ctx, "t5", "hard time limit exceeded", 1, now); err != nil {
				t.Fatalf("MarkFailure: %v", err)
			}
			rec, err := st.Get(ctx, "t5")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if rec.State != StateFailure {
				t.Fatalf("state = %q, want FAILURE", rec.State)
			}
			var counters struct {
				OK   int `json:"ok"`
				Fail int `json:"fail"`
			}
			if err := json.Unmarshal(rec.Meta, &counters); err != nil {
				t.Fatalf("meta unmarshal: %v", err)
			}
			if counters.OK != 100 || counters.Fail != 3 {
				t.Fatalf("checkpoint lost: meta = %s", rec.Meta)
			}
		})
	}
}

func TestUnknownID(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
			if err := st.MarkStarted(ctx, "missing", time.Now()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("update err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestPruneOnlyTerminalPastCutoff(t *testing.T) {
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			old := time.Now().Add(-2 * time.Hour)
			recent := time.Now()

			mk := func(id, state string, ts time.Time) {
				if err := st.Create(ctx, Record{ID: id, Kind: "courses.import", State: state, CreatedAt: ts, UpdatedAt: ts}); err != nil {
					t.Fatalf("Create %s: %v", id, err)
				}
			}
			mk("old-done", StateSuccess, old)
			mk("old-failed", StateFailure, old)
			mk("old-running", StateProgress, old)
			mk("new-done", StateSuccess, recent)

			n, err := st.Prune(ctx, time.Now().Add(-time.Hour))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if n != 2 {
				t.Fatalf("pruned = %d, want 2", n)
			}
			if _, err := st.Get(ctx, "old-running"); err != nil {
				t.Fatalf("non-terminal record must survive prune: %v", err)
			}
			if _, err := st.Get(ctx, "new-done"); err != nil {
				t.Fatalf("recent record must survive prune: %v", err)
			}
			if _, err := st.Get(ctx, "old-done"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("old terminal record should be gone, got %v", err)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("want error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("want error for sqlite without path")
	}
}
