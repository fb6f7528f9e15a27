package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"coursed/internal/blob"
	"coursed/internal/storage"
	"coursed/internal/task/engine"
	logx "coursed/pkg/logx"
)

// ImportParams names the CSV source: a blob path previously returned by
// an export, or an absolute http(s) URL.
type ImportParams struct {
	Source string `json:"source"`
}

// ImportResult is the terminal payload of a finished import.
type ImportResult struct {
	Status string `json:"status"`
	OK     int    `json:"ok"`
	Fail   int    `json:"fail"`
}

// progressMeta is the running counter snapshot reported while an import
// is underway.
type progressMeta struct {
	OK   int `json:"ok"`
	Fail int `json:"fail"`
}

func (r *Runner) runImport(ctx context.Context, taskID string, p ImportParams) (json.RawMessage, error) {
	data, err := r.blobs.Get(ctx, p.Source)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			// A missing source will stay missing; retrying wastes attempts.
			return nil, engine.NoRetry(fmt.Errorf("import: source %s: %w", p.Source, err))
		}
		return nil, fmt.Errorf("import: fetch %s: %w", p.Source, err)
	}

	rows, err := newRowReader(data)
	if err != nil {
		return nil, engine.NoRetry(fmt.Errorf("import: %w", err))
	}

	var ok, fail, processed int
	checkpoint := func() error {
		meta, _ := json.Marshal(progressMeta{OK: ok, Fail: fail})
		if perr := r.tasks.SetProgress(ctx, taskID, meta, time.Now()); perr != nil {
			r.log.Warn("import progress update failed", logx.String("task", taskID), logx.Any("err", perr))
		}
		if engine.SoftLimitExceeded(ctx) {
			return engine.ErrSoftLimit
		}
		return ctx.Err()
	}

	for {
		row, rerr := rows.Next()
		if rerr == io.EOF {
			break
		}
		processed++
		switch {
		case rerr != nil:
			fail++
		case row.Code == "" || row.Title == "":
			fail++
		default:
			c := storage.Course{
				Code:        row.Code,
				Title:       row.Title,
				Description: row.Description,
				Credits:     normalizeCredits(row.Credits),
			}
			// Merging by code makes a whole-file retry a no-op for rows
			// that already landed.
			if uerr := r.db.UpsertCourse(ctx, c); uerr != nil {
				r.log.Warn("import row upsert failed", logx.String("code", row.Code), logx.Any("err", uerr))
				fail++
			} else {
				ok++
			}
		}
		if processed%r.progressEvery == 0 {
			if cerr := checkpoint(); cerr != nil {
				return nil, cerr
			}
		}
	}

	r.log.Info("course import finished",
		logx.String("source", p.Source),
		logx.Int("ok", ok),
		logx.Int("fail", fail))

	return json.Marshal(ImportResult{Status: "success", OK: ok, Fail: fail})
}
