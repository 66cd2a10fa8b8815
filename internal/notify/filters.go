package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FilterVerdict is the Filter Engine outcome for one recipient.
type FilterVerdict struct {
	Action   FilterAction
	Channels ChannelSet
	Matched  *NotificationFilter // nil when no filter matched
}

// ApplyFilters loads the user's enabled filters that apply to the issue's
// project and evaluates them. defaults is the channel set used when no
// filter matches or the matching filter names no channels.
func ApplyFilters(ctx context.Context, db *sql.DB, userID int64, is *Issue, defaults ChannelSet) (FilterVerdict, error) {
	filters, err := ListActiveFilters(ctx, db, userID, is.ProjectID)
	if err != nil {
		return FilterVerdict{}, err
	}
	return EvaluateFilters(filters, is, defaults), nil
}

// EvaluateFilters picks the winning filter among those matching is.
// Project-scoped filters beat global ones; among equals the most recently
// created wins, with the higher ID breaking a same-instant tie.
func EvaluateFilters(filters []NotificationFilter, is *Issue, defaults ChannelSet) FilterVerdict {
	var best *NotificationFilter
	for i := range filters {
		f := &filters[i]
		if !f.Enabled || (f.ProjectID != 0 && f.ProjectID != is.ProjectID) {
			continue
		}
		if !filterMatches(f, is) {
			continue
		}
		if best == nil || outranks(f, best) {
			best = f
		}
	}
	if best == nil {
		return FilterVerdict{Action: ActionNotify, Channels: defaults}
	}
	channels := defaults
	if len(best.Channels) > 0 {
		channels = NewChannelSet(best.Channels...)
	}
	return FilterVerdict{Action: best.Action, Channels: channels, Matched: best}
}

func outranks(a, b *NotificationFilter) bool {
	aScoped, bScoped := a.ProjectID != 0, b.ProjectID != 0
	if aScoped != bScoped {
		return aScoped
	}
	if !a.DateCreated.Equal(b.DateCreated) {
		return a.DateCreated.After(b.DateCreated)
	}
	return a.ID > b.ID
}

func filterMatches(f *NotificationFilter, is *Issue) bool {
	v := strings.TrimSpace(f.FilterValue)
	switch f.FilterType {
	case FilterCategory:
		return matchCategory(v, is)
	case FilterPriority:
		n, ok := levelValue(v, priorityNames)
		return ok && n == is.Priority
	case FilterSeverity:
		n, ok := levelValue(v, severityNames)
		return ok && n == is.Severity
	case FilterTag:
		return hasTag(is.Tags, v)
	case FilterProject:
		n, err := strconv.ParseInt(v, 10, 64)
		return err == nil && n == is.ProjectID
	case FilterCustom:
		clauses, err := parsePredicate(v)
		if err != nil {
			return false
		}
		for _, c := range clauses {
			if !c.eval(is) {
				return false
			}
		}
		return true
	}
	return false
}

func matchCategory(v string, is *Issue) bool {
	if strings.EqualFold(v, is.Category) && v != "" {
		return true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return err == nil && n == is.CategoryID
}

func hasTag(tags []string, v string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, v) {
			return true
		}
	}
	return false
}

var priorityNames = map[string]int{
	"none": 10, "low": 20, "normal": 30, "high": 40, "urgent": 50, "immediate": 60,
}

var severityNames = map[string]int{
	"feature": SeverityFeature, "trivial": SeverityTrivial, "text": SeverityText,
	"tweak": SeverityTweak, "minor": SeverityMinor, "major": SeverityMajor,
	"crash": SeverityCrash, "block": SeverityBlock,
}

// levelValue accepts either a number or a named level.
func levelValue(v string, names map[string]int) (int, bool) {
	if n, err := strconv.Atoi(v); err == nil {
		return n, true
	}
	n, ok := names[strings.ToLower(v)]
	return n, ok
}

// ── custom predicates ───────────────────────────────────────────────────

// clause is one "field op value" term of a custom filter, e.g. "severity>=major".
type clause struct {
	field string
	op    string
	value string
}

var predicateOps = []string{"!=", ">=", "<=", "=", ">", "<", "~"}

var predicateFields = map[string]bool{
	"category": true, "priority": true, "severity": true, "status": true,
	"tag": true, "project": true, "summary": true,
}

// parsePredicate parses clauses joined by "&&".
func parsePredicate(s string) ([]clause, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty custom predicate", ErrInvalidFilter)
	}
	var out []clause
	for _, term := range strings.Split(s, "&&") {
		term = strings.TrimSpace(term)
		c, ok := splitClause(term)
		if !ok {
			return nil, fmt.Errorf("%w: cannot parse %q", ErrInvalidFilter, term)
		}
		if !predicateFields[c.field] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, c.field)
		}
		switch c.field {
		case "priority", "severity", "status", "project":
			if _, ok := c.number(); !ok {
				return nil, fmt.Errorf("%w: %s needs a numeric value", ErrInvalidFilter, c.field)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func splitClause(term string) (clause, bool) {
	best, bestOp := -1, ""
	for _, op := range predicateOps {
		if i := strings.Index(term, op); i > 0 && (best == -1 || i < best) {
			best, bestOp = i, op
		}
	}
	if best == -1 {
		return clause{}, false
	}
	value := strings.TrimSpace(term[best+len(bestOp):])
	value = strings.Trim(value, `"'`)
	if value == "" {
		return clause{}, false
	}
	return clause{
		field: strings.ToLower(strings.TrimSpace(term[:best])),
		op:    bestOp,
		value: value,
	}, true
}

func (c clause) number() (int, bool) {
	switch c.field {
	case "priority":
		return levelValue(c.value, priorityNames)
	case "severity":
		return levelValue(c.value, severityNames)
	case "status":
		return levelValue(c.value, statusNames)
	}
	n, err := strconv.Atoi(c.value)
	return n, err == nil
}

func (c clause) eval(is *Issue) bool {
	switch c.field {
	case "priority":
		return c.compare(is.Priority)
	case "severity":
		return c.compare(is.Severity)
	case "status":
		return c.compare(is.Status)
	case "project":
		return c.compare(int(is.ProjectID))
	case "category":
		eq := matchCategory(c.value, is)
		switch c.op {
		case "=":
			return eq
		case "!=":
			return !eq
		case "~":
			return strings.Contains(strings.ToLower(is.Category), strings.ToLower(c.value))
		}
	case "tag":
		switch c.op {
		case "=":
			return hasTag(is.Tags, c.value)
		case "!=":
			return !hasTag(is.Tags, c.value)
		case "~":
			for _, t := range is.Tags {
				if strings.Contains(strings.ToLower(t), strings.ToLower(c.value)) {
					return true
				}
			}
		}
	case "summary":
		switch c.op {
		case "=":
			return strings.EqualFold(is.Summary, c.value)
		case "!=":
			return !strings.EqualFold(is.Summary, c.value)
		case "~":
			return strings.Contains(strings.ToLower(is.Summary), strings.ToLower(c.value))
		}
	}
	return false
}

func (c clause) compare(actual int) bool {
	want, ok := c.number()
	if !ok {
		return false
	}
	switch c.op {
	case "=":
		return actual == want
	case "!=":
		return actual != want
	case ">=":
		return actual >= want
	case "<=":
		return actual <= want
	case ">":
		return actual > want
	case "<":
		return actual < want
	}
	return false
}

// ── NotificationFilter CRUD ─────────────────────────────────────────────

// ValidateFilter checks type, action, channels and custom predicate syntax.
func ValidateFilter(f *NotificationFilter) error {
	switch f.FilterType {
	case FilterCategory, FilterPriority, FilterSeverity, FilterTag, FilterProject:
		if strings.TrimSpace(f.FilterValue) == "" {
			return fmt.Errorf("%w: filter_value is required", ErrInvalidFilter)
		}
	case FilterCustom:
		if _, err := parsePredicate(f.FilterValue); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown filter_type %q", ErrInvalidFilter, f.FilterType)
	}
	switch f.Action {
	case ActionNotify, ActionIgnore, ActionDigestOnly:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidFilter, f.Action)
	}
	for _, c := range f.Channels {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidFilter, c)
		}
	}
	return nil
}

// CreateFilter inserts a filter. A zero DateCreated is set to now.
func CreateFilter(ctx context.Context, db *sql.DB, f *NotificationFilter) (int64, error) {
	if err := ValidateFilter(f); err != nil {
		return 0, err
	}
	if f.DateCreated.IsZero() {
		f.DateCreated = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO notification_filters
			(user_id, project_id, filter_type, filter_value, action, channels, enabled, date_created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.UserID, f.ProjectID, string(f.FilterType), f.FilterValue, string(f.Action),
		encodeChannels(f.Channels), boolInt(f.Enabled), formatTime(f.DateCreated))
	if err != nil {
		return 0, fmt.Errorf("create filter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create filter: %w", err)
	}
	f.ID = id
	return id, nil
}

const filterColumns = `id, user_id, project_id, filter_type, filter_value, action, channels, enabled, date_created`

// ListFilters returns every filter owned by a user.
func ListFilters(ctx context.Context, db *sql.DB, userID int64) ([]NotificationFilter, error) {
	return queryFilters(ctx, db, `
		SELECT `+filterColumns+` FROM notification_filters
		WHERE user_id = ? ORDER BY date_created, id`, userID)
}

// ListActiveFilters returns enabled filters that are global or scoped to projectID.
func ListActiveFilters(ctx context.Context, db *sql.DB, userID, projectID int64) ([]NotificationFilter, error) {
	return queryFilters(ctx, db, `
		SELECT `+filterColumns+` FROM notification_filters
		WHERE user_id = ? AND enabled = 1 AND (project_id = 0 OR project_id = ?)
		ORDER BY date_created, id`, userID, projectID)
}

// DeleteFilter removes a filter owned by userID.
func DeleteFilter(ctx context.Context, db *sql.DB, userID, id int64) error {
	res, err := db.ExecContext(ctx, `DELETE FROM notification_filters WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return expectOneRow(res, "delete filter")
}

func queryFilters(ctx context.Context, db *sql.DB, query string, args ...interface{}) ([]NotificationFilter, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list filters: %w", err)
	}
	defer rows.Close()

	var out []NotificationFilter
	for rows.Next() {
		var f NotificationFilter
		var ftype, action, channels string
		var enabled int
		var created sqlTime
		if err := rows.Scan(&f.ID, &f.UserID, &f.ProjectID, &ftype, &f.FilterValue,
			&action, &channels, &enabled, &created); err != nil {
			return nil, fmt.Errorf("scan filter: %w", err)
		}
		f.FilterType = FilterType(ftype)
		f.Action = FilterAction(action)
		f.Channels = decodeChannels(channels)
		f.Enabled = enabled == 1
		f.DateCreated = created.Time
		out = append(out, f)
	}
	return out, rows.Err()
}
