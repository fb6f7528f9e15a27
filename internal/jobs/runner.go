// Package jobs runs the long catalog operations off the request path:
// CSV export and import of the course table. Each operation is enqueued
// as an engine task with a persisted record in the task store, so callers
// can poll status while the work runs and after it finishes.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coursed/internal/blob"
	"coursed/internal/storage"
	"coursed/internal/task/engine"
	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

// Task kinds as recorded in the task store.
const (
	KindExport = "courses.export"
	KindImport = "courses.import"
)

const defaultProgressEvery = 100

// Runner binds catalog jobs to the task engine and task store.
type Runner struct {
	db     storage.Store
	blobs  blob.Store
	tasks  tstore.Store
	engine *engine.Service
	log    logx.Logger

	progressEvery int
}

func NewRunner(db storage.Store, blobs blob.Store, tasks tstore.Store, eng *engine.Service, log logx.Logger) *Runner {
	return &Runner{
		db:            db,
		blobs:         blobs,
		tasks:         tasks,
		engine:        eng,
		log:           log,
		progressEvery: defaultProgressEvery,
	}
}

// EnqueueExport schedules a catalog export and returns the task id to
// poll.
func (r *Runner) EnqueueExport(ctx context.Context, p ExportParams) (string, error) {
	return r.enqueue(ctx, KindExport, func(runCtx context.Context, _ string) (json.RawMessage, error) {
		return r.runExport(runCtx, p)
	})
}

// EnqueueImport schedules a catalog import from p.Source and returns the
// task id to poll.
func (r *Runner) EnqueueImport(ctx context.Context, p ImportParams) (string, error) {
	if p.Source == "" {
		return "", errors.New("jobs: import source required")
	}
	return r.enqueue(ctx, KindImport, func(runCtx context.Context, id string) (json.RawMessage, error) {
		return r.runImport(runCtx, id, p)
	})
}

func (r *Runner) enqueue(ctx context.Context, kind string, run func(context.Context, string) (json.RawMessage, error)) (string, error) {
	id := uuid.NewString()
	now := time.Now()
	rec := tstore.Record{ID: id, Kind: kind, State: tstore.StatePending, CreatedAt: now}
	if err := r.tasks.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("jobs: create task record: %w", err)
	}

	// result is written by Run and read by Done; both execute on the same
	// worker goroutine.
	var result json.RawMessage

	t := engine.Task{
		ID:   id,
		Name: kind,
		Run: func(runCtx context.Context) error {
			if err := r.tasks.MarkStarted(runCtx, id, time.Now()); err != nil {
				r.log.Warn("task record start update failed", logx.String("task", id), logx.Any("err", err))
			}
			res, err := run(runCtx, id)
			if err != nil {
				return err
			}
			result = res
			return nil
		},
		Done: func(err error, attempts int) {
			// The run context may already be canceled; finalize with a
			// fresh bounded one.
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err != nil {
				if merr := r.tasks.MarkFailure(fctx, id, taskErrText(err), attempts, time.Now()); merr != nil {
					r.log.Error("task record failure update failed", logx.String("task", id), logx.Any("err", merr))
				}
				return
			}
			if merr := r.tasks.MarkSuccess(fctx, id, result, time.Now()); merr != nil {
				r.log.Error("task record success update failed", logx.String("task", id), logx.Any("err", merr))
			}
		},
	}
	if err := r.engine.Enqueue(t); err != nil {
		now := time.Now()
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if merr := r.tasks.MarkFailure(fctx, id, err.Error(), 0, now); merr != nil {
			r.log.Error("task record failure update failed", logx.String("task", id), logx.Any("err", merr))
		}
		return "", fmt.Errorf("jobs: enqueue %s: %w", kind, err)
	}
	r.log.Info("task enqueued", logx.String("task", id), logx.String("kind", kind))
	return id, nil
}

func taskErrText(err error) string {
	switch {
	case errors.Is(err, engine.ErrSoftLimit):
		return "soft time limit exceeded"
	case errors.Is(err, engine.ErrHardLimit):
		return "hard time limit exceeded"
	default:
		return err.Error()
	}
}
