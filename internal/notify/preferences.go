package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ── NotificationPreference ──────────────────────────────────────────────

// preferenceSelect lists user_id followed by each event's column pair.
func preferenceSelect() string {
	cols := []string{"user_id"}
	for _, c := range eventColumns {
		cols = append(cols, c.enabled, c.minSeverity)
	}
	return strings.Join(cols, ", ")
}

func scanPreference(s scannable) (*NotificationPreference, error) {
	p := &NotificationPreference{Rules: make(map[EventType]EventRule, len(eventColumns))}
	enabled := make([]int, len(eventColumns))
	minSev := make([]int, len(eventColumns))
	dest := []interface{}{&p.UserID}
	for i := range eventColumns {
		dest = append(dest, &enabled[i], &minSev[i])
	}
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}
	for i := range eventColumns {
		p.Rules[EventType(i)] = EventRule{Enabled: enabled[i] == 1, MinSeverity: minSev[i]}
	}
	return p, nil
}

// GetPreference returns a user's preference row, or nil if none is stored.
func GetPreference(ctx context.Context, db *sql.DB, userID int64) (*NotificationPreference, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+preferenceSelect()+` FROM notification_preferences WHERE user_id = ?`, userID)
	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return p, nil
}

// LoadPreferences batch-loads preferences for many users in one query.
// Users without a row are absent from the map.
func LoadPreferences(ctx context.Context, db *sql.DB, userIDs []int64) (map[int64]*NotificationPreference, error) {
	out := make(map[int64]*NotificationPreference, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	marks, args := inClause(userIDs)
	rows, err := db.QueryContext(ctx,
		`SELECT `+preferenceSelect()+` FROM notification_preferences WHERE user_id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out[p.UserID] = p
	}
	return out, rows.Err()
}

// SavePreference upserts a user's preference row. Thresholds below the
// severity floor are raised to it; thresholds above the ceiling are rejected.
func SavePreference(ctx context.Context, db *sql.DB, p *NotificationPreference) error {
	cols := []string{"user_id"}
	args := []interface{}{p.UserID}
	updates := make([]string, 0, 2*len(eventColumns))
	for i, c := range eventColumns {
		rule := p.Rule(EventType(i))
		sev, err := normaliseMinSeverity(rule.MinSeverity)
		if err != nil {
			return fmt.Errorf("save preference for %s: %w", c.name, err)
		}
		if p.Rules != nil {
			if _, ok := p.Rules[EventType(i)]; ok {
				p.Rules[EventType(i)] = EventRule{Enabled: rule.Enabled, MinSeverity: sev}
			}
		}
		cols = append(cols, c.enabled, c.minSeverity)
		args = append(args, boolInt(rule.Enabled), sev)
		updates = append(updates,
			fmt.Sprintf("%s = excluded.%s", c.enabled, c.enabled),
			fmt.Sprintf("%s = excluded.%s", c.minSeverity, c.minSeverity))
	}

	query := fmt.Sprintf(`INSERT INTO notification_preferences (%s) VALUES (%s)
		ON CONFLICT(user_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// ── DigestPreference ────────────────────────────────────────────────────

const digestColumns = `user_id, enabled, frequency, time_of_day, day_of_week,
	min_notifications, include_channels`

func scanDigest(s scannable) (*DigestPreference, error) {
	var d DigestPreference
	var enabled int
	var freq, channels string
	if err := s.Scan(&d.UserID, &enabled, &freq, &d.TimeOfDay, &d.DayOfWeek,
		&d.MinNotifications, &channels); err != nil {
		return nil, err
	}
	d.Enabled = enabled == 1
	d.Frequency = DigestFrequency(freq)
	d.IncludeChannels = decodeChannels(channels)
	return &d, nil
}

// GetDigestPreference returns the digest preference for a user, or nil if unset.
func GetDigestPreference(ctx context.Context, db *sql.DB, userID int64) (*DigestPreference, error) {
	row := db.QueryRowContext(ctx, `SELECT `+digestColumns+` FROM digest_preferences WHERE user_id = ?`, userID)
	d, err := scanDigest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get digest preference: %w", err)
	}
	return d, nil
}

// LoadDigestPreferences batch-loads digest preferences keyed by user.
func LoadDigestPreferences(ctx context.Context, db *sql.DB, userIDs []int64) (map[int64]*DigestPreference, error) {
	out := make(map[int64]*DigestPreference, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	marks, args := inClause(userIDs)
	rows, err := db.QueryContext(ctx,
		`SELECT `+digestColumns+` FROM digest_preferences WHERE user_id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load digest preferences: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan digest preference: %w", err)
		}
		out[d.UserID] = d
	}
	return out, rows.Err()
}

// SaveDigestPreference validates and upserts a user's digest preference.
func SaveDigestPreference(ctx context.Context, db *sql.DB, d *DigestPreference) error {
	if d.DayOfWeek == 0 {
		d.DayOfWeek = 1
	}
	if err := d.Validate(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO digest_preferences (`+digestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled           = excluded.enabled,
			frequency         = excluded.frequency,
			time_of_day       = excluded.time_of_day,
			day_of_week       = excluded.day_of_week,
			min_notifications = excluded.min_notifications,
			include_channels  = excluded.include_channels`,
		d.UserID, boolInt(d.Enabled), string(d.Frequency), d.TimeOfDay, d.DayOfWeek,
		d.MinNotifications, encodeChannels(d.IncludeChannels))
	if err != nil {
		return fmt.Errorf("save digest preference: %w", err)
	}
	return nil
}
