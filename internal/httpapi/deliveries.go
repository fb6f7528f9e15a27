package httpapi

import (
	"context"
	"net/http"
	"time"

	"coursed/internal/storage"
)

type deliveryView struct {
	ID             int64  `json:"id"`
	AnnouncementID int64  `json:"announcement_id"`
	State          string `json:"state"`
	DeliveredAt    string `json:"delivered_at,omitempty"`
	AckAt          string `json:"ack_at,omitempty"`
	RetryCount     int    `json:"retry_count"`
	CreatedAt      string `json:"created_at"`
}

func newDeliveryView(d storage.Delivery) deliveryView {
	v := deliveryView{
		ID:             d.ID,
		AnnouncementID: d.AnnouncementID,
		State:          d.State,
		RetryCount:     d.RetryCount,
		CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.DeliveredAt != nil {
		v.DeliveredAt = d.DeliveredAt.UTC().Format(time.RFC3339)
	}
	if d.AckAt != nil {
		v.AckAt = d.AckAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID required")
		return
	}
	pendingOnly := r.URL.Query().Get("state") == "pending"
	limit := queryInt(r, "limit", 50)
	items, err := s.notices.Deliveries(r.Context(), uid, pendingOnly, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	out := make([]deliveryView, 0, len(items))
	for _, d := range items {
		out = append(out, newDeliveryView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID required")
		return
	}
	n, err := s.notices.UnreadCount(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) handleDelivered(w http.ResponseWriter, r *http.Request) {
	s.handleDeliveryTransition(w, r, s.notices.MarkDelivered)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.handleDeliveryTransition(w, r, s.notices.Acknowledge)
}

func (s *Server) handleDeliveryTransition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, deliveryID, userID int64) error) {
	uid, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "X-User-ID required")
		return
	}
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := fn(r.Context(), id, uid); err != nil {
		writeServiceError(w, err)
		return
	}
	d, err := s.db.GetDelivery(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDeliveryView(*d))
}
