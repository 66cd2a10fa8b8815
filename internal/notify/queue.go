package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// NextDigestSlot returns the first digest send time strictly after now for
// the given preference, evaluated in loc.
func NextDigestSlot(p DigestPreference, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()

	var next time.Time
	switch p.Frequency {
	case FrequencyHourly:
		next = time.Date(y, m, d, local.Hour()+1, 0, 0, 0, loc)
	case FrequencyWeekly:
		target := time.Weekday(p.DayOfWeek % 7) // 7 (Sunday) maps to time.Sunday
		days := (int(target) - int(local.Weekday()) + 7) % 7
		next = time.Date(y, m, d+days, p.TimeOfDay, 0, 0, 0, loc)
		if !next.After(local) {
			next = next.AddDate(0, 0, 7)
		}
	default:
		next = time.Date(y, m, d, p.TimeOfDay, 0, 0, 0, loc)
		if !next.After(local) {
			next = time.Date(y, m, d+1, p.TimeOfDay, 0, 0, 0, loc)
		}
	}
	return next.UTC()
}

// DigestQueue stores notifications routed to digest mode.
type DigestQueue struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

// NewDigestQueue creates a queue whose schedules are computed in loc.
func NewDigestQueue(db *sql.DB, loc *time.Location) *DigestQueue {
	if loc == nil {
		loc = time.UTC
	}
	return &DigestQueue{db: db, loc: loc, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue records a pending notification scheduled for the user's next
// digest slot. Users without a digest preference get the default schedule.
func (q *DigestQueue) Enqueue(ctx context.Context, userID, bugID int64, e EventType, subject, body string) (*QueuedNotification, error) {
	pref, err := GetDigestPreference(ctx, q.db, userID)
	if err != nil {
		return nil, fmt.Errorf("enqueue digest: %w", err)
	}
	if pref == nil {
		def := DefaultDigestPreference(userID)
		pref = &def
	}

	now := q.now()
	n := &QueuedNotification{
		UserID:        userID,
		BugID:         bugID,
		EventType:     e,
		Subject:       subject,
		Body:          body,
		Status:        QueuePending,
		DateCreated:   now,
		DateScheduled: NextDigestSlot(*pref, now, q.loc),
	}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO notification_queue
			(user_id, bug_id, event_type, subject, body, status, date_created, date_scheduled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UserID, n.BugID, n.EventType.String(), n.Subject, n.Body, string(n.Status),
		formatTime(n.DateCreated), formatTime(n.DateScheduled))
	if err != nil {
		return nil, fmt.Errorf("enqueue digest: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("enqueue digest: %w", err)
	}
	return n, nil
}

// ── queue store ─────────────────────────────────────────────────────────

const queueColumns = `id, user_id, bug_id, event_type, subject, body, status,
	date_created, date_scheduled, date_sent`

// ListQueue returns every queued notification of a user, oldest first.
func ListQueue(ctx context.Context, db *sql.DB, userID int64) ([]QueuedNotification, error) {
	return queryQueue(ctx, db, `SELECT `+queueColumns+` FROM notification_queue
		WHERE user_id = ? ORDER BY date_created, id`, userID)
}

// dueDigestUsers lists users with an enabled digest and at least one
// pending row whose slot has arrived.
func dueDigestUsers(ctx context.Context, db *sql.DB, now time.Time) ([]int64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT q.user_id
		FROM notification_queue q
		JOIN digest_preferences d ON d.user_id = q.user_id AND d.enabled = 1
		WHERE q.status = 'pending' AND q.date_scheduled <= ?
		ORDER BY q.user_id`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list due digest users: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan due digest user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pendingForUser returns the user's pending rows created up to now.
func pendingForUser(ctx context.Context, db *sql.DB, userID int64, now time.Time) ([]QueuedNotification, error) {
	return queryQueue(ctx, db, `SELECT `+queueColumns+` FROM notification_queue
		WHERE user_id = ? AND status = 'pending' AND date_created <= ?
		ORDER BY date_created, id`, userID, formatTime(now))
}

// claimRows moves the given pending rows to sending under token. Rows
// another processor already claimed are left alone.
func claimRows(ctx context.Context, db *sql.DB, ids []int64, token string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks, args := inClause(ids)
	args = append([]interface{}{token, formatTime(now)}, args...)
	res, err := db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'sending', claim_token = ?, claimed_at = ?
		WHERE status = 'pending' AND id IN (`+marks+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("claim digest rows: %w", err)
	}
	return res.RowsAffected()
}

func claimedRows(ctx context.Context, db *sql.DB, token string) ([]QueuedNotification, error) {
	return queryQueue(ctx, db, `SELECT `+queueColumns+` FROM notification_queue
		WHERE claim_token = ? AND status = 'sending'
		ORDER BY date_created, id`, token)
}

// finishClaim settles every row held by token as sent or failed.
func finishClaim(ctx context.Context, db *sql.DB, token string, status QueueStatus, now time.Time) error {
	var sent interface{}
	if status == QueueSent {
		sent = formatTime(now)
	}
	_, err := db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = ?, date_sent = ?, claim_token = NULL
		WHERE claim_token = ? AND status = 'sending'`,
		string(status), sent, token)
	if err != nil {
		return fmt.Errorf("finish digest claim: %w", err)
	}
	return nil
}

// releaseStaleClaims returns rows stuck in sending since before cutoff to
// pending, recovering from a processor that died mid-batch.
func releaseStaleClaims(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'pending', claim_token = NULL, claimed_at = NULL
		WHERE status = 'sending' AND claimed_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release stale digest claims: %w", err)
	}
	return res.RowsAffected()
}

// deleteQueuedBefore removes rows created strictly before cutoff, except
// rows currently claimed by a processor.
func deleteQueuedBefore(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM notification_queue
		WHERE date_created < ? AND status != 'sending'`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old digests: %w", err)
	}
	return res.RowsAffected()
}

func queryQueue(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]QueuedNotification, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query digest queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedNotification
	for rows.Next() {
		var n QueuedNotification
		var event, status string
		var created, scheduled, sent sqlTime
		if err := rows.Scan(&n.ID, &n.UserID, &n.BugID, &event, &n.Subject, &n.Body,
			&status, &created, &scheduled, &sent); err != nil {
			return nil, fmt.Errorf("scan queued notification: %w", err)
		}
		n.EventType, _ = ParseEventType(event)
		n.Status = QueueStatus(status)
		n.DateCreated = created.Time
		n.DateScheduled = scheduled.Time
		n.DateSent = sent.ptr()
		out = append(out, n)
	}
	return out, rows.Err()
}
