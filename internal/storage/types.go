package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the relational store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Delivery lifecycle. Transitions only move forward:
// queued -> delivered -> acknowledged.
const (
	DeliveryQueued       = "queued"
	DeliveryDelivered    = "delivered"
	DeliveryAcknowledged = "acknowledged"
)

// Announcement lifecycle. One-directional: draft -> published -> withdrawn.
const (
	AnnouncementDraft     = "draft"
	AnnouncementPublished = "published"
	AnnouncementWithdrawn = "withdrawn"
)

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

const AudienceAllStudents = "all_students"

// Course is one row of the course catalog. Code is the natural key:
// imports merge by code and never create a second row for an existing one.
// Credits is kept as a plain decimal string (e.g. "3.0"); the store does not
// interpret it.
type Course struct {
	ID          int64
	Code        string
	Title       string
	Description string
	Credits     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CourseFilter narrows exports by substring match on code and/or title.
// Empty fields match everything.
type CourseFilter struct {
	Code  string
	Title string
}

type User struct {
	ID       int64
	Username string
	Role     string
}

type Announcement struct {
	ID          int64
	Title       string
	Body        string
	Audience    string
	PublisherID int64
	Status      string
	PublishAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AnnouncementStats is the publisher-facing acknowledgment summary.
type AnnouncementStats struct {
	Total    int     `json:"total"`
	AckCount int     `json:"ack_count"`
	AckRate  float64 `json:"ack_rate"`
}

// Delivery is one tracked per-recipient copy of an announcement.
// (AnnouncementID, UserID) is unique; rows are never deleted, only advanced.
type Delivery struct {
	ID             int64
	AnnouncementID int64
	UserID         int64
	State          string
	DeliveredAt    *time.Time
	AckAt          *time.Time
	LastPushAt     *time.Time
	RetryCount     int
	CreatedAt      time.Time
}

// Store is the persistence API used by the jobs and notices services.
type Store interface {
	// Catalog.
	ListCourses(ctx context.Context, f CourseFilter) ([]Course, error)
	UpsertCourse(ctx context.Context, c Course) error
	GetCourseByCode(ctx context.Context, code string) (*Course, error)

	// Users (recipient set source).
	AddUser(ctx context.Context, u User) (int64, error)
	StudentIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)

	// Announcements.
	CreateAnnouncement(ctx context.Context, a *Announcement) error
	GetAnnouncement(ctx context.Context, id int64) (*Announcement, error)
	ListAnnouncements(ctx context.Context, status string, limit int) ([]Announcement, error)
	SetAnnouncementStatus(ctx context.Context, id int64, status string) error
	GetAnnouncementStats(ctx context.Context, id int64) (AnnouncementStats, error)

	// Deliveries.
	InsertDeliveryIfAbsent(ctx context.Context, announcementID, userID int64, now time.Time) (created bool, err error)
	GetDelivery(ctx context.Context, id int64) (*Delivery, error)
	MarkDelivered(ctx context.Context, id int64, now time.Time) error
	AckDelivery(ctx context.Context, id int64, now time.Time) error
	RemindUnacked(ctx context.Context, announcementID int64, now time.Time) (int, error)
	ListDeliveries(ctx context.Context, userID int64, pendingOnly bool, limit int) ([]Delivery, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)

	Close() error
}

// DeliveryBulkInserter is the optional fast path for fan-out: one
// conflict-ignoring bulk insert per batch. Backends that cannot ignore
// duplicate-key conflicts natively simply don't implement it and the
// fan-out engine falls back to InsertDeliveryIfAbsent per row.
type DeliveryBulkInserter interface {
	BulkInsertDeliveries(ctx context.Context, announcementID int64, userIDs []int64, now time.Time) (created int, err error)
}
