package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"coursed/internal/jobs"
	"coursed/internal/storage"
	logx "coursed/pkg/logx"
)

// maxUploadBytes bounds import uploads.
const maxUploadBytes = 32 << 20

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var p jobs.ExportParams
	if r.ContentLength > 0 {
		if err := decodeBody(r, &p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
	}
	id, err := s.runner.EnqueueExport(r.Context(), p)
	if err != nil {
		s.log.Error("export enqueue failed", logx.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "export queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// handleImport accepts either a multipart upload (field "file", stored to
// the blob store first) or a JSON body {"file_url": ...} pointing at a
// blob path or remote URL.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var source string

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file field")
			return
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
			return
		}
		name := filepath.Base(hdr.Filename)
		if name == "" || name == "." {
			name = "upload.csv"
		}
		key := fmt.Sprintf("imports/courses/%s_%s", time.Now().UTC().Format("20060102T150405"), name)
		url, err := s.blobs.Put(r.Context(), key, data)
		if err != nil {
			s.log.Error("import upload store failed", logx.Any("err", err))
			writeError(w, http.StatusInternalServerError, "store upload")
			return
		}
		source = url
	} else {
		var body struct {
			FileURL string `json:"file_url"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		source = body.FileURL
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "file or file_url required")
		return
	}

	id, err := s.runner.EnqueueImport(r.Context(), jobs.ImportParams{Source: source})
	if err != nil {
		s.log.Error("import enqueue failed", logx.Any("err", err))
		writeError(w, http.StatusServiceUnavailable, "import queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleListCourses(w http.ResponseWriter, r *http.Request) {
	f := storage.CourseFilter{
		Code:  r.URL.Query().Get("code"),
		Title: r.URL.Query().Get("title"),
	}
	courses, err := s.db.ListCourses(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]courseView, 0, len(courses))
	for _, c := range courses {
		out = append(out, newCourseView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type courseView struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Credits     string `json:"credits"`
	UpdatedAt   string `json:"updated_at"`
}

func newCourseView(c storage.Course) courseView {
	return courseView{
		ID:          c.ID,
		Code:        c.Code,
		Title:       c.Title,
		Description: c.Description,
		Credits:     c.Credits,
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
