// Package notices implements the announcement side of the system: a
// teacher publishes an announcement, a background task fans it out into
// one tracked delivery per student, and recipients advance their copy
// through queued -> delivered -> acknowledged.
package notices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"coursed/internal/storage"
	"coursed/internal/task/engine"
	tstore "coursed/internal/task/store"
	logx "coursed/pkg/logx"
)

var (
	// ErrNotOwner is returned when a recipient touches a delivery that
	// belongs to someone else.
	ErrNotOwner = errors.New("notices: delivery belongs to another user")

	// ErrBadTransition is returned when an announcement status change is
	// not allowed from its current state.
	ErrBadTransition = errors.New("notices: status transition not allowed")
)

// KindFanout is the task-store kind for announcement fan-out jobs.
const KindFanout = "announcements.fanout"

// Config tunes the fan-out engine.
type Config struct {
	// BatchSize is how many recipients are expanded per round trip
	// (default 1000).
	BatchSize int
	// BatchesPerSec paces fan-out batches to keep bulk inserts from
	// starving interactive queries (0 disables pacing).
	BatchesPerSec float64
}

// Service exposes announcement and delivery operations.
type Service struct {
	db     storage.Store
	tasks  tstore.Store
	engine *engine.Service
	log    logx.Logger

	batchSize int
	limiter   *rate.Limiter
}

func New(cfg Config, db storage.Store, tasks tstore.Store, eng *engine.Service, log logx.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	var lim *rate.Limiter
	if cfg.BatchesPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.BatchesPerSec), 1)
	}
	return &Service{
		db:        db,
		tasks:     tasks,
		engine:    eng,
		log:       log,
		batchSize: cfg.BatchSize,
		limiter:   lim,
	}
}

// Create stores a draft announcement for publisher.
func (s *Service) Create(ctx context.Context, a *storage.Announcement) error {
	if a.Title == "" {
		return errors.New("notices: title required")
	}
	if a.Audience == "" {
		a.Audience = storage.AudienceAllStudents
	}
	a.Status = storage.AnnouncementDraft
	return s.db.CreateAnnouncement(ctx, a)
}

// Publish flips a draft announcement to published and schedules the
// fan-out task. It returns the task id for status polling.
func (s *Service) Publish(ctx context.Context, announcementID int64) (string, error) {
	a, err := s.db.GetAnnouncement(ctx, announcementID)
	if err != nil {
		return "", err
	}
	if a.Status != storage.AnnouncementDraft {
		return "", fmt.Errorf("%w: publish from %q", ErrBadTransition, a.Status)
	}
	if err := s.db.SetAnnouncementStatus(ctx, announcementID, storage.AnnouncementPublished); err != nil {
		return "", err
	}
	taskID, err := s.enqueueFanout(ctx, announcementID)
	if err != nil {
		return "", err
	}
	s.log.Info("announcement published",
		logx.Int64("announcement", announcementID),
		logx.String("task", taskID))
	return taskID, nil
}

// Withdraw retracts a published announcement. Existing deliveries stay
// in place; recipients simply stop seeing it as pending.
func (s *Service) Withdraw(ctx context.Context, announcementID int64) error {
	a, err := s.db.GetAnnouncement(ctx, announcementID)
	if err != nil {
		return err
	}
	if a.Status != storage.AnnouncementPublished {
		return fmt.Errorf("%w: withdraw from %q", ErrBadTransition, a.Status)
	}
	if err := s.db.SetAnnouncementStatus(ctx, announcementID, storage.AnnouncementWithdrawn); err != nil {
		return err
	}
	s.log.Info("announcement withdrawn", logx.Int64("announcement", announcementID))
	return nil
}

// Get returns one announcement.
func (s *Service) Get(ctx context.Context, announcementID int64) (*storage.Announcement, error) {
	return s.db.GetAnnouncement(ctx, announcementID)
}

// List returns announcements, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string, limit int) ([]storage.Announcement, error) {
	return s.db.ListAnnouncements(ctx, status, limit)
}

// Stats summarizes acknowledgment progress for the publisher.
func (s *Service) Stats(ctx context.Context, announcementID int64) (storage.AnnouncementStats, error) {
	if _, err := s.db.GetAnnouncement(ctx, announcementID); err != nil {
		return storage.AnnouncementStats{}, err
	}
	return s.db.GetAnnouncementStats(ctx, announcementID)
}

// Remind bumps the retry counter and push timestamp on every delivery of
// the announcement that has not been acknowledged, and returns how many
// were touched.
func (s *Service) Remind(ctx context.Context, announcementID int64) (int, error) {
	a, err := s.db.GetAnnouncement(ctx, announcementID)
	if err != nil {
		return 0, err
	}
	if a.Status != storage.AnnouncementPublished {
		return 0, fmt.Errorf("%w: remind on %q", ErrBadTransition, a.Status)
	}
	n, err := s.db.RemindUnacked(ctx, announcementID, time.Now())
	if err != nil {
		return 0, err
	}
	s.log.Info("reminders pushed", logx.Int64("announcement", announcementID), logx.Int("count", n))
	return n, nil
}
