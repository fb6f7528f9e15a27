package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"coursed/internal/storage"
	logx "coursed/pkg/logx"
)

type announcementView struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Audience  string `json:"audience"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func newAnnouncementView(a storage.Announcement) announcementView {
	return announcementView{
		ID:        a.ID,
		Title:     a.Title,
		Body:      a.Body,
		Audience:  a.Audience,
		Status:    a.Status,
		CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleCreateAnnouncement(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID required")
		return
	}
	var body struct {
		Title    string `json:"title"`
		Body     string `json:"body"`
		Audience string `json:"audience"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	a := storage.Announcement{
		Title:       body.Title,
		Body:        body.Body,
		Audience:    body.Audience,
		PublisherID: uid,
	}
	if err := s.notices.Create(r.Context(), &a); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newAnnouncementView(a))
}

func (s *Server) handleListAnnouncements(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	items, err := s.notices.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]announcementView, 0, len(items))
	for _, a := range items {
		out = append(out, newAnnouncementView(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	taskID, err := s.notices.Publish(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.notices.Withdraw(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "withdrawn"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	stats, err := s.notices.Stats(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRemind(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	n, err := s.notices.Remind(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	s.log.Debug("remind requested", logx.Int64("announcement", id), logx.Int("reminded", n))
	writeJSON(w, http.StatusOK, map[string]int{"reminded": n})
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
