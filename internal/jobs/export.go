package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coursed/internal/storage"
	logx "coursed/pkg/logx"
)

// ExportParams narrows which courses are exported. Empty fields export
// the whole catalog.
type ExportParams struct {
	Code  string `json:"code,omitempty"`
	Title string `json:"title,omitempty"`
}

// ExportResult is the terminal payload of a finished export.
type ExportResult struct {
	Status      string `json:"status"`
	DownloadURL string `json:"download_url"`
	Count       int    `json:"count"`
}

func (r *Runner) runExport(ctx context.Context, p ExportParams) (json.RawMessage, error) {
	courses, err := r.db.ListCourses(ctx, storage.CourseFilter{Code: p.Code, Title: p.Title})
	if err != nil {
		return nil, fmt.Errorf("export: list courses: %w", err)
	}

	data, err := encodeCourses(courses)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("exports/courses_%s.csv", time.Now().UTC().Format("20060102T150405"))
	url, err := r.blobs.Put(ctx, key, data)
	if err != nil {
		return nil, fmt.Errorf("export: store %s: %w", key, err)
	}

	r.log.Info("course export written",
		logx.String("key", key),
		logx.Int("count", len(courses)),
		logx.Int("bytes", len(data)))

	return json.Marshal(ExportResult{Status: "success", DownloadURL: url, Count: len(courses)})
}
