package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "coursed/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (creating if needed) the SQLite database at cfg.Path and applies
// the embedded schema.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Catalog ----

func (s *sqliteStore) ListCourses(ctx context.Context, f CourseFilter) ([]Course, error) {
	// Ascending id keeps export output deterministic across runs.
	q := `SELECT id, code, title, description, credits, created_at, updated_at FROM courses`
	var (
		conds []string
		args  []any
	)
	if c := strings.TrimSpace(f.Code); c != "" {
		conds = append(conds, `code LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(c)+"%")
	}
	if t := strings.TrimSpace(f.Title); t != "" {
		conds = append(conds, `title LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(t)+"%")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Course
	for rows.Next() {
		var (
			c        Course
			cAt, uAt string
		)
		if err := rows.Scan(&c.ID, &c.Code, &c.Title, &c.Description, &c.Credits, &cAt, &uAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(cAt)
		c.UpdatedAt = parseTime(uAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCourse merges by course code. An existing row keeps its id and
// created_at; only title, description and credits are overwritten. The single
// statement keeps the merge atomic per row.
func (s *sqliteStore) UpsertCourse(ctx context.Context, c Course) error {
	now := fmtTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses(code, title, description, credits, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(code) DO UPDATE SET
		   title=excluded.title,
		   description=excluded.description,
		   credits=excluded.credits,
		   updated_at=excluded.updated_at`,
		c.Code, c.Title, c.Description, c.Credits, now, now,
	)
	return err
}

func (s *sqliteStore) GetCourseByCode(ctx context.Context, code string) (*Course, error) {
	var (
		c        Course
		cAt, uAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, title, description, credits, created_at, updated_at
		 FROM courses WHERE code = ?`, code,
	).Scan(&c.ID, &c.Code, &c.Title, &c.Description, &c.Credits, &cAt, &uAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(cAt)
	c.UpdatedAt = parseTime(uAt)
	return &c, nil
}

// ---- Users ----

func (s *sqliteStore) AddUser(ctx context.Context, u User) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(username, role) VALUES(?,?)`, u.Username, u.Role)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// StudentIDs returns up to limit student ids greater than afterID, ascending.
// Keyset pagination keeps fan-out batches stable without OFFSET scans.
func (s *sqliteStore) StudentIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE role = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		RoleStudent, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- Announcements ----

func (s *sqliteStore) CreateAnnouncement(ctx context.Context, a *Announcement) error {
	now := time.Now()
	if a.Audience == "" {
		a.Audience = AudienceAllStudents
	}
	if a.Status == "" {
		a.Status = AnnouncementPublished
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements(title, body, audience, publisher_id, status, publish_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.Title, a.Body, a.Audience, a.PublisherID, a.Status, fmtNullTime(a.PublishAt), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (s *sqliteStore) GetAnnouncement(ctx context.Context, id int64) (*Announcement, error) {
	var (
		a        Announcement
		pubAt    sql.NullString
		cAt, uAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, audience, publisher_id, status, publish_at, created_at, updated_at
		 FROM announcements WHERE id = ?`, id,
	).Scan(&a.ID, &a.Title, &a.Body, &a.Audience, &a.PublisherID, &a.Status, &pubAt, &cAt, &uAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.PublishAt = parseNullTime(pubAt)
	a.CreatedAt = parseTime(cAt)
	a.UpdatedAt = parseTime(uAt)
	return &a, nil
}

func (s *sqliteStore) ListAnnouncements(ctx context.Context, status string, limit int) ([]Announcement, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, title, body, audience, publisher_id, status, publish_at, created_at, updated_at
	      FROM announcements`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		var (
			a        Announcement
			pubAt    sql.NullString
			cAt, uAt string
		)
		if err := rows.Scan(&a.ID, &a.Title, &a.Body, &a.Audience, &a.PublisherID, &a.Status, &pubAt, &cAt, &uAt); err != nil {
			return nil, err
		}
		a.PublishAt = parseNullTime(pubAt)
		a.CreatedAt = parseTime(cAt)
		a.UpdatedAt = parseTime(uAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetAnnouncementStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetAnnouncementStats(ctx context.Context, id int64) (AnnouncementStats, error) {
	var st AnnouncementStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
		 FROM deliveries WHERE announcement_id = ?`,
		DeliveryAcknowledged, id,
	).Scan(&st.Total, &st.AckCount)
	if err != nil {
		return AnnouncementStats{}, err
	}
	if st.Total > 0 {
		st.AckRate = float64(st.AckCount) / float64(st.Total)
	}
	return st, nil
}

// ---- Deliveries ----

// BulkInsertDeliveries inserts one queued delivery per user id, silently
// skipping pairs that already exist. The returned count covers only rows
// actually created, so retried fan-outs don't double-count.
func (s *sqliteStore) BulkInsertDeliveries(ctx context.Context, announcementID int64, userIDs []int64, now time.Time) (int, error) {
	if len(userIDs) == 0 {
		return 0, nil
	}
	var b strings.Builder
	b.WriteString(`INSERT OR IGNORE INTO deliveries(announcement_id, user_id, state, retry_count, created_at) VALUES `)
	args := make([]any, 0, len(userIDs)*3)
	ts := fmtTime(now)
	for i, uid := range userIDs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?,?,'queued',0,?)")
		args = append(args, announcementID, uid, ts)
	}
	res, err := s.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// InsertDeliveryIfAbsent is the slow-path equivalent of BulkInsertDeliveries
// for a single row. The UNIQUE(announcement_id, user_id) constraint remains
// the actual correctness guarantee under concurrent fan-out.
func (s *sqliteStore) InsertDeliveryIfAbsent(ctx context.Context, announcementID, userID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries(announcement_id, user_id, state, retry_count, created_at)
		 VALUES(?,?,?,0,?)`,
		announcementID, userID, DeliveryQueued, fmtTime(now),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) GetDelivery(ctx context.Context, id int64) (*Delivery, error) {
	var (
		d             Delivery
		dAt, aAt, pAt sql.NullString
		cAt           string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, announcement_id, user_id, state, delivered_at, ack_at, last_push_at, retry_count, created_at
		 FROM deliveries WHERE id = ?`, id,
	).Scan(&d.ID, &d.AnnouncementID, &d.UserID, &d.State, &dAt, &aAt, &pAt, &d.RetryCount, &cAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.DeliveredAt = parseNullTime(dAt)
	d.AckAt = parseNullTime(aAt)
	d.LastPushAt = parseNullTime(pAt)
	d.CreatedAt = parseTime(cAt)
	return &d, nil
}

// MarkDelivered advances queued -> delivered. Any other current state makes
// this a no-op, which keeps repeated marks idempotent and never regresses
// an acknowledged row.
func (s *sqliteStore) MarkDelivered(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET state = ?, delivered_at = ? WHERE id = ? AND state = ?`,
		DeliveryDelivered, fmtTime(now), id, DeliveryQueued,
	)
	return err
}

// AckDelivery advances to acknowledged unless already there, so ack_at is
// stamped exactly once.
func (s *sqliteStore) AckDelivery(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET state = ?, ack_at = ? WHERE id = ? AND state != ?`,
		DeliveryAcknowledged, fmtTime(now), id, DeliveryAcknowledged,
	)
	return err
}

// RemindUnacked bumps the push bookkeeping on every not-yet-acknowledged
// delivery of an announcement without touching state.
func (s *sqliteStore) RemindUnacked(ctx context.Context, announcementID int64, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET retry_count = retry_count + 1, last_push_at = ?
		 WHERE announcement_id = ? AND state != ?`,
		fmtTime(now), announcementID, DeliveryAcknowledged,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, userID int64, pendingOnly bool, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, announcement_id, user_id, state, delivered_at, ack_at, last_push_at, retry_count, created_at
	      FROM deliveries WHERE user_id = ?`
	args := []any{userID}
	if pendingOnly {
		q += ` AND state != ?`
		args = append(args, DeliveryAcknowledged)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d             Delivery
			dAt, aAt, pAt sql.NullString
			cAt           string
		)
		if err := rows.Scan(&d.ID, &d.AnnouncementID, &d.UserID, &d.State, &dAt, &aAt, &pAt, &d.RetryCount, &cAt); err != nil {
			return nil, err
		}
		d.DeliveredAt = parseNullTime(dAt)
		d.AckAt = parseNullTime(aAt)
		d.LastPushAt = parseNullTime(pAt)
		d.CreatedAt = parseTime(cAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE user_id = ? AND state != ?`,
		userID, DeliveryAcknowledged,
	).Scan(&n)
	return n, err
}

// ---- helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
