package jobs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coursed/internal/blob"
	"coursed/internal/eventbus"
	"coursed/internal/storage"
	"coursed/internal/task/engine"
	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

type fixture struct {
	db     storage.Store
	blobs  blob.Store
	tasks  tstore.Store
	runner *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.Open(storage.Config{Path: filepath.Join(dir, "coursed.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	blobs, err := blob.NewFS(blob.Config{Dir: filepath.Join(dir, "media")})
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	tasks := tstore.NewMemory()

	eng := engine.New(engine.Config{Workers: 1, QueueSize: 16}, logx.Nop(), eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		eng.Stop(stopCtx)
		stopCancel()
		cancel()
	})

	return &fixture{
		db:     db,
		blobs:  blobs,
		tasks:  tasks,
		runner: NewRunner(db, blobs, tasks, eng, logx.Nop()),
	}
}

func (f *fixture) waitTerminal(t *testing.T, id string) *tstore.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := f.tasks.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("task record: %v", err)
		}
		if rec.Terminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return nil
}

func TestImportCreatesAndCountsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	csv := "code,title,description,credits\nCS101,Intro,,3.0\n,Bad,,3.0\n"
	src, err := f.blobs.Put(ctx, "imports/test.csv", []byte(csv))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	id, err := f.runner.EnqueueImport(ctx, ImportParams{Source: src})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec := f.waitTerminal(t, id)
	if rec.State != tstore.StateSuccess {
		t.Fatalf("state = %q, error = %q", rec.State, rec.Error)
	}

	var res ImportResult
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != "success" || res.OK != 1 || res.Fail != 1 {
		t.Fatalf("result = %+v, want success ok=1 fail=1", res)
	}

	c, err := f.db.GetCourseByCode(ctx, "CS101")
	if err != nil {
		t.Fatalf("course missing: %v", err)
	}
	if c.Title != "Intro" {
		t.Fatalf("course = %+v", c)
	}
}

func TestImportIsIdempotentUpsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run := func(csv string) ImportResult {
		src, err := f.blobs.Put(ctx, "imports/round.csv", []byte(csv))
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		id, err := f.runner.EnqueueImport(ctx, ImportParams{Source: src})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		rec := f.waitTerminal(t, id)
		if rec.State != tstore.StateSuccess {
			t.Fatalf("state = %q, error = %q", rec.State, rec.Error)
		}
		var res ImportResult
		if err := json.Unmarshal(rec.Result, &res); err != nil {
			t.Fatalf("result: %v", err)
		}
		return res
	}

	res := run("code,title,credits\nCS101,Intro,3.0\n")
	if res.OK != 1 || res.Fail != 0 {
		t.Fatalf("first run = %+v", res)
	}
	res = run("code,title,description,credits\nCS101,Intro v2,updated,4.0\n")
	if res.OK != 1 || res.Fail != 0 {
		t.Fatalf("second run = %+v", res)
	}

	all, err := f.db.ListCourses(ctx, storage.CourseFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("courses = %d, want 1 (merge, not duplicate)", len(all))
	}
	if all[0].Title != "Intro v2" || all[0].Credits != "4.0" {
		t.Fatalf("merged course = %+v", all[0])
	}
}

func TestImportMissingSourceFails(t *testing.T) {
	f := newFixture(t)

	id, err := f.runner.EnqueueImport(context.Background(), ImportParams{Source: "/media/imports/nope.csv"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec := f.waitTerminal(t, id)
	if rec.State != tstore.StateFailure {
		t.Fatalf("state = %q, want FAILURE", rec.State)
	}
	if rec.Error == "" {
		t.Fatal("failure must carry an error description")
	}
}

func TestExportRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, c := range []storage.Course{
		{Code: "CS101", Title: "Intro", Description: "basics", Credits: "3.0"},
		{Code: "CS201", Title: "Data Structures", Credits: "4.0"},
	} {
		if err := f.db.UpsertCourse(ctx, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	id, err := f.runner.EnqueueExport(ctx, ExportParams{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec := f.waitTerminal(t, id)
	if rec.State != tstore.StateSuccess {
		t.Fatalf("state = %q, error = %q", rec.State, rec.Error)
	}

	var res ExportResult
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Count != 2 || res.Status != "success" {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.DownloadURL, "exports/courses_") {
		t.Fatalf("download url = %q", res.DownloadURL)
	}

	// The exported file must be importable again.
	data, err := f.blobs.Get(ctx, res.DownloadURL)
	if err != nil {
		t.Fatalf("fetch export: %v", err)
	}
	rr, err := newRowReader(data)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	row, err := rr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if row.Code != "CS101" {
		t.Fatalf("first row = %+v, want CS101 (id ascending)", row)
	}
}

func TestExportFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, c := range []storage.Course{
		{Code: "CS101", Title: "Intro", Credits: "3.0"},
		{Code: "MA101", Title: "Calculus", Credits: "5.0"},
	} {
		if err := f.db.UpsertCourse(ctx, c); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	id, err := f.runner.EnqueueExport(ctx, ExportParams{Code: "CS"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec := f.waitTerminal(t, id)

	var res ExportResult
	if err := json.Unmarshal(rec.Result, &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("filtered count = %d, want 1", res.Count)
	}
}
