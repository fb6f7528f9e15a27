package notices

import (
	"context"
	"time"

	"coursed/internal/storage"
)

// MarkDelivered records that the recipient's client has received the
// delivery. Already-delivered or acknowledged deliveries are left
// untouched; the call is idempotent.
func (s *Service) MarkDelivered(ctx context.Context, deliveryID, userID int64) error {
	d, err := s.db.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.UserID != userID {
		return ErrNotOwner
	}
	if d.State != storage.DeliveryQueued {
		return nil
	}
	return s.db.MarkDelivered(ctx, deliveryID, time.Now())
}

// Acknowledge records that the recipient has read the announcement. A
// queued delivery jumps straight to acknowledged; re-acknowledging is a
// no-op.
func (s *Service) Acknowledge(ctx context.Context, deliveryID, userID int64) error {
	d, err := s.db.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if d.UserID != userID {
		return ErrNotOwner
	}
	if d.State == storage.DeliveryAcknowledged {
		return nil
	}
	return s.db.AckDelivery(ctx, deliveryID, time.Now())
}

// Deliveries lists the recipient's deliveries, newest first. With
// pendingOnly set, acknowledged ones are filtered out.
func (s *Service) Deliveries(ctx context.Context, userID int64, pendingOnly bool, limit int) ([]storage.Delivery, error) {
	return s.db.ListDeliveries(ctx, userID, pendingOnly, limit)
}

// UnreadCount is the recipient's badge number: deliveries not yet
// acknowledged.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.db.UnreadCount(ctx, userID)
}
