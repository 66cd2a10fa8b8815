package notify

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidSeverity = errors.New("invalid severity")
	ErrInvalidFilter   = errors.New("invalid filter")
	ErrInvalidDigest   = errors.New("invalid digest preference")
	ErrNotFound        = errors.New("not found")
)

// ── Event types ─────────────────────────────────────────────────────────

// EventType is an issue lifecycle change that can trigger a notification.
type EventType int

const (
	EventNew EventType = iota
	EventAssigned
	EventFeedback
	EventResolved
	EventClosed
	EventReopened
	EventBugnote
	EventStatus
	EventPriority
)

// eventColumn binds an event type to its two preference columns.
type eventColumn struct {
	name        string
	enabled     string
	minSeverity string
}

// eventColumns is indexed by EventType.
var eventColumns = [...]eventColumn{
	EventNew:      {"new", "email_on_new", "email_on_new_min_severity"},
	EventAssigned: {"assigned", "email_on_assigned", "email_on_assigned_min_severity"},
	EventFeedback: {"feedback", "email_on_feedback", "email_on_feedback_min_severity"},
	EventResolved: {"resolved", "email_on_resolved", "email_on_resolved_min_severity"},
	EventClosed:   {"closed", "email_on_closed", "email_on_closed_min_severity"},
	EventReopened: {"reopened", "email_on_reopened", "email_on_reopened_min_severity"},
	EventBugnote:  {"bugnote", "email_on_bugnote", "email_on_bugnote_min_severity"},
	EventStatus:   {"status", "email_on_status", "email_on_status_min_severity"},
	EventPriority: {"priority", "email_on_priority", "email_on_priority_min_severity"},
}

// AllEventTypes lists every event type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, len(eventColumns))
	for i := range eventColumns {
		out[i] = EventType(i)
	}
	return out
}

func (e EventType) Valid() bool {
	return e >= 0 && int(e) < len(eventColumns)
}

func (e EventType) String() string {
	if !e.Valid() {
		return "unknown"
	}
	return eventColumns[e].name
}

// ParseEventType maps a name such as "bugnote" to its EventType.
func ParseEventType(s string) (EventType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, c := range eventColumns {
		if c.name == s {
			return EventType(i), true
		}
	}
	return 0, false
}

func (e EventType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *EventType) UnmarshalText(b []byte) error {
	t, ok := ParseEventType(string(b))
	if !ok {
		return errors.New("unknown event type " + string(b))
	}
	*e = t
	return nil
}

// ── Severity ────────────────────────────────────────────────────────────

const (
	SeverityFeature = 10
	SeverityTrivial = 20
	SeverityText    = 30
	SeverityTweak   = 40
	SeverityMinor   = 50
	SeverityMajor   = 60
	SeverityCrash   = 70
	SeverityBlock   = 80

	MinSeverity = SeverityFeature
	MaxSeverity = SeverityBlock
)

// ── Preferences ─────────────────────────────────────────────────────────

// EventRule is the per-event-type part of a NotificationPreference.
type EventRule struct {
	Enabled     bool `json:"enabled"`
	MinSeverity int  `json:"min_severity"`
}

// NotificationPreference holds one user's per-event-type switches.
type NotificationPreference struct {
	UserID int64                   `json:"user_id"`
	Rules  map[EventType]EventRule `json:"rules"`
}

// Rule returns the rule for e. Event types absent from Rules are disabled.
func (p *NotificationPreference) Rule(e EventType) EventRule {
	if p == nil || p.Rules == nil {
		return EventRule{MinSeverity: MinSeverity}
	}
	r, ok := p.Rules[e]
	if !ok {
		return EventRule{MinSeverity: MinSeverity}
	}
	return r
}

// DigestFrequency selects how often a user's digest is sent.
type DigestFrequency string

const (
	FrequencyHourly DigestFrequency = "hourly"
	FrequencyDaily  DigestFrequency = "daily"
	FrequencyWeekly DigestFrequency = "weekly"
)

// DigestPreference controls batching of a user's notifications.
type DigestPreference struct {
	UserID           int64           `json:"user_id"`
	Enabled          bool            `json:"enabled"`
	Frequency        DigestFrequency `json:"frequency"`
	TimeOfDay        int             `json:"time_of_day"` // 0-23
	DayOfWeek        int             `json:"day_of_week"` // 1=Monday … 7=Sunday
	MinNotifications int             `json:"min_notifications"`
	IncludeChannels  []Channel       `json:"include_channels"`
}

// DefaultDigestPreference is used when a user routed to digest has no row.
func DefaultDigestPreference(userID int64) DigestPreference {
	return DigestPreference{
		UserID:           userID,
		Frequency:        FrequencyDaily,
		TimeOfDay:        9,
		DayOfWeek:        1,
		MinNotifications: 1,
		IncludeChannels:  []Channel{ChannelEmail},
	}
}

// Channels returns the channels routed to the digest, email when unset.
func (d DigestPreference) Channels() ChannelSet {
	if cs := NewChannelSet(d.IncludeChannels...); len(cs) > 0 {
		return cs
	}
	return ChannelSet{ChannelEmail}
}

// Validate checks ranges for a digest preference.
func (d DigestPreference) Validate() error {
	switch d.Frequency {
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly:
	default:
		return errors.Join(ErrInvalidDigest, errors.New("frequency must be hourly, daily or weekly"))
	}
	if d.TimeOfDay < 0 || d.TimeOfDay > 23 {
		return errors.Join(ErrInvalidDigest, errors.New("time_of_day must be 0-23"))
	}
	if d.Frequency == FrequencyWeekly && (d.DayOfWeek < 1 || d.DayOfWeek > 7) {
		return errors.Join(ErrInvalidDigest, errors.New("day_of_week must be 1-7"))
	}
	if d.MinNotifications < 0 {
		return errors.Join(ErrInvalidDigest, errors.New("min_notifications must not be negative"))
	}
	for _, c := range d.IncludeChannels {
		if !c.Valid() {
			return errors.Join(ErrInvalidDigest, errors.New("unknown channel "+string(c)))
		}
	}
	return nil
}

// ── Filters ─────────────────────────────────────────────────────────────

type FilterType string

const (
	FilterCategory FilterType = "category"
	FilterPriority FilterType = "priority"
	FilterSeverity FilterType = "severity"
	FilterTag      FilterType = "tag"
	FilterProject  FilterType = "project"
	FilterCustom   FilterType = "custom"
)

type FilterAction string

const (
	ActionNotify     FilterAction = "notify"
	ActionIgnore     FilterAction = "ignore"
	ActionDigestOnly FilterAction = "digest_only"
)

// NotificationFilter narrows or reroutes notifications for one user.
// ProjectID 0 means the filter applies to every project.
type NotificationFilter struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"user_id"`
	ProjectID   int64        `json:"project_id"`
	FilterType  FilterType   `json:"filter_type"`
	FilterValue string       `json:"filter_value"`
	Action      FilterAction `json:"action"`
	Channels    []Channel    `json:"channels"`
	Enabled     bool         `json:"enabled"`
	DateCreated time.Time    `json:"date_created"`
}

// ── Issues and users ────────────────────────────────────────────────────

// Issue is the projection of a bug row the engine needs.
type Issue struct {
	ID          int64
	ProjectID   int64
	ProjectName string
	ReporterID  int64
	HandlerID   int64
	Severity    int
	Priority    int
	Status      int
	CategoryID  int64
	Category    string
	Summary     string
	Tags        []string
}

// Member is a project member joined to its user row.
type Member struct {
	UserID     int64
	Username   string
	Realname   string
	Email      string
	Enabled    bool
	Pushover   bool
	RocketChat bool
	Teams      bool
}

// NotificationRecipient is one annotated resolution result.
type NotificationRecipient struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	Realname    string `json:"realname"`
	Email       string `json:"email"`
	WillReceive bool   `json:"will_receive"`
	Reason      string `json:"reason"`

	pushover   bool
	rocketChat bool
	teams      bool
}

// sortRecipients orders eligible recipients first, then by username.
func sortRecipients(rs []NotificationRecipient) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].WillReceive != rs[j].WillReceive {
			return rs[i].WillReceive
		}
		return rs[i].Username < rs[j].Username
	})
}

// ── Digest queue and audit ──────────────────────────────────────────────

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSending QueueStatus = "sending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// QueuedNotification is a pre-rendered notification waiting for a digest.
type QueuedNotification struct {
	ID            int64       `json:"id"`
	UserID        int64       `json:"user_id"`
	BugID         int64       `json:"bug_id"`
	EventType     EventType   `json:"event_type"`
	Subject       string      `json:"subject"`
	Body          string      `json:"body"`
	Status        QueueStatus `json:"status"`
	DateCreated   time.Time   `json:"date_created"`
	DateScheduled time.Time   `json:"date_scheduled"`
	DateSent      *time.Time  `json:"date_sent,omitempty"`
}

type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditFailed  AuditStatus = "failed"
	AuditPending AuditStatus = "pending"
)

// EmailAuditEntry records one channel delivery attempt.
type EmailAuditEntry struct {
	ID           int64       `json:"id"`
	BugID        int64       `json:"bug_id"`
	UserID       int64       `json:"user_id"`
	Recipient    string      `json:"recipient"`
	Subject      string      `json:"subject"`
	Channel      Channel     `json:"channel"`
	Status       AuditStatus `json:"status"`
	ErrorMessage string      `json:"error_message"`
	DateSent     time.Time   `json:"date_sent"`
}
