package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

// handleTaskStatus maps a task record to the external polling payload:
// {state} for PENDING/STARTED, {state, meta} while PROGRESS,
// {state, result} on SUCCESS, {state, error} on FAILURE. An unknown id
// is indistinguishable from not-yet-started and reports PENDING.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.tasks.Get(r.Context(), id)
	if errors.Is(err, tstore.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{"state": tstore.StatePending})
		return
	}
	if err != nil {
		s.log.Error("task status read failed", logx.String("task", id), logx.Any("err", err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := map[string]any{"state": rec.State}
	switch rec.State {
	case tstore.StateProgress:
		if m := s.absolutize(r, rec.Meta); m != nil {
			out["meta"] = m
		}
	case tstore.StateSuccess:
		out["result"] = s.absolutize(r, rec.Result)
	case tstore.StateFailure:
		out["error"] = rec.Error
	}
	writeJSON(w, http.StatusOK, out)
}

// absolutize decodes a stored payload and rewrites relative URL values
// ("/media/...") to absolute ones using the caller's request. This is
// the reporter's only transformation of the payload.
func (s *Server) absolutize(r *http.Request, raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Opaque payload; return as-is.
		return raw
	}
	base := s.requestBase(r)
	return rewriteURLs(v, base)
}

// requestBase derives "scheme://host" for the current request, honoring
// a configured external base URL and proxy headers.
func (s *Server) requestBase(r *http.Request) string {
	if s.cfg.BaseURL != "" {
		return strings.TrimRight(s.cfg.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fp := r.Header.Get("X-Forwarded-Proto"); fp != "" {
		scheme = fp
	}
	return scheme + "://" + r.Host
}

func rewriteURLs(v any, base string) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			if str, ok := val.(string); ok && strings.HasSuffix(k, "url") && strings.HasPrefix(str, "/") {
				x[k] = base + str
				continue
			}
			x[k] = rewriteURLs(val, base)
		}
		return x
	case []any:
		for i := range x {
			x[i] = rewriteURLs(x[i], base)
		}
		return x
	default:
		return v
	}
}
