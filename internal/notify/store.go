package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// ── Issue lookups ───────────────────────────────────────────────────────

// GetIssue loads the fields of a bug the engine needs. It returns nil, nil
// when the bug does not exist.
func GetIssue(ctx context.Context, db *sql.DB, id int64) (*Issue, error) {
	var is Issue
	err := db.QueryRowContext(ctx, `
		SELECT b.id, b.project_id, COALESCE(p.name, ''), b.reporter_id, b.handler_id,
		       b.severity, b.priority, b.status, b.category_id, COALESCE(c.name, ''), b.summary
		FROM bugs b
		LEFT JOIN projects p ON p.id = b.project_id
		LEFT JOIN categories c ON c.id = b.category_id
		WHERE b.id = ?`, id).
		Scan(&is.ID, &is.ProjectID, &is.ProjectName, &is.ReporterID, &is.HandlerID,
			&is.Severity, &is.Priority, &is.Status, &is.CategoryID, &is.Category, &is.Summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", id, err)
	}

	rows, err := db.QueryContext(ctx, `SELECT tag FROM bug_tags WHERE bug_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("get issue %d tags: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		is.Tags = append(is.Tags, tag)
	}
	return &is, rows.Err()
}

// ── Users ───────────────────────────────────────────────────────────────

const memberColumns = `u.id, u.username, u.realname, u.email, u.enabled,
	u.pushover_enabled, u.rocketchat_enabled, u.teams_enabled`

// ListProjectMembers returns every member of a project joined to its user,
// disabled users included.
func ListProjectMembers(ctx context.Context, db *sql.DB, projectID int64) ([]Member, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+memberColumns+`
		FROM project_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.project_id = ?
		ORDER BY u.username`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetUser returns a single user, or nil if unknown.
func GetUser(ctx context.Context, db *sql.DB, id int64) (*Member, error) {
	row := db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM users u WHERE u.id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMember(s scannable) (Member, error) {
	var m Member
	var enabled, pushover, rocket, teams int
	err := s.Scan(&m.UserID, &m.Username, &m.Realname, &m.Email, &enabled, &pushover, &rocket, &teams)
	if errors.Is(err, sql.ErrNoRows) {
		return m, err
	}
	if err != nil {
		return m, fmt.Errorf("scan member: %w", err)
	}
	m.Enabled = enabled == 1
	m.Pushover = pushover == 1
	m.RocketChat = rocket == 1
	m.Teams = teams == 1
	return m, nil
}

// ── Web push subscriptions ──────────────────────────────────────────────

// WebPushSubscription is a browser push endpoint registered by a user.
type WebPushSubscription struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
	Enabled  bool   `json:"enabled"`
}

// SaveSubscription registers or re-enables a push endpoint.
func SaveSubscription(ctx context.Context, db *sql.DB, s *WebPushSubscription) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO webpush_subscriptions (user_id, endpoint, p256dh, auth, enabled)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh  = excluded.p256dh,
			auth    = excluded.auth,
			enabled = 1`,
		s.UserID, s.Endpoint, s.P256dh, s.Auth)
	if err != nil {
		return 0, fmt.Errorf("save webpush subscription: %w", err)
	}
	return res.LastInsertId()
}

// ListSubscriptions batch-loads enabled push subscriptions keyed by user.
func ListSubscriptions(ctx context.Context, db *sql.DB, userIDs []int64) (map[int64][]WebPushSubscription, error) {
	out := make(map[int64][]WebPushSubscription)
	if len(userIDs) == 0 {
		return out, nil
	}
	marks, args := inClause(userIDs)
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_id, endpoint, p256dh, auth
		FROM webpush_subscriptions
		WHERE enabled = 1 AND user_id IN (`+marks+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list webpush subscriptions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		s := WebPushSubscription{Enabled: true}
		if err := rows.Scan(&s.ID, &s.UserID, &s.Endpoint, &s.P256dh, &s.Auth); err != nil {
			return nil, fmt.Errorf("scan webpush subscription: %w", err)
		}
		out[s.UserID] = append(out[s.UserID], s)
	}
	return out, rows.Err()
}

// DisableSubscription marks an endpoint the push service has rejected as gone.
func DisableSubscription(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx, `UPDATE webpush_subscriptions SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("disable webpush subscription: %w", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────

type scannable interface {
	Scan(dest ...interface{}) error
}

// sqlTime scans DATETIME columns whether the driver hands back a
// time.Time or the stored text.
type sqlTime struct {
	Time  time.Time
	Valid bool
}

func (t *sqlTime) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
	case time.Time:
		t.Time, t.Valid = x.UTC(), true
	case string:
		t.Time, t.Valid = parseTime(x), true
	case []byte:
		t.Time, t.Valid = parseTime(string(x)), true
	default:
		return fmt.Errorf("unsupported time value %T", v)
	}
	return nil
}

func (t sqlTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{timeFormat, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func expectOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
