package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Resolver turns an issue event into an ordered, annotated recipient list.
type Resolver struct {
	db           *sql.DB
	emailEnabled bool
}

// NewResolver creates a resolver. emailEnabled is the deployment-wide
// email switch; when false nobody is eligible.
func NewResolver(db *sql.DB, emailEnabled bool) *Resolver {
	return &Resolver{db: db, emailEnabled: emailEnabled}
}

// Resolve returns the recipients for an event on bug bugID. A missing
// bug yields an empty list; lookup failures are returned as errors.
func (r *Resolver) Resolve(ctx context.Context, bugID int64, e EventType) ([]NotificationRecipient, error) {
	is, err := GetIssue(ctx, r.db, bugID)
	if err != nil {
		return nil, err
	}
	if is == nil {
		return []NotificationRecipient{}, nil
	}
	return r.ResolveIssue(ctx, is, e)
}

// ResolveIssue is Resolve for an already loaded issue.
func (r *Resolver) ResolveIssue(ctx context.Context, is *Issue, e EventType) ([]NotificationRecipient, error) {
	members, err := ListProjectMembers(ctx, r.db, is.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients for bug %d: %w", is.ID, err)
	}

	candidates := members[:0:0]
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if !m.Enabled || strings.TrimSpace(m.Email) == "" {
			continue
		}
		candidates = append(candidates, m)
		ids = append(ids, m.UserID)
	}

	prefs, err := LoadPreferences(ctx, r.db, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve recipients for bug %d: %w", is.ID, err)
	}

	out := make([]NotificationRecipient, 0, len(candidates))
	for _, m := range candidates {
		var d Decision
		if !r.emailEnabled {
			d = Decision{false, "Email notifications disabled globally"}
		} else {
			d = Decide(e, is.Severity, prefs[m.UserID])
		}
		reason := d.Reason
		if d.ShouldNotify {
			reason = roleLabel(is, m.UserID) + " (" + d.Reason + ")"
		}
		out = append(out, NotificationRecipient{
			ID:          m.UserID,
			Username:    m.Username,
			Realname:    m.Realname,
			Email:       m.Email,
			WillReceive: d.ShouldNotify,
			Reason:      reason,
			pushover:    m.Pushover,
			rocketChat:  m.RocketChat,
			teams:       m.Teams,
		})
	}
	sortRecipients(out)
	return out, nil
}

func roleLabel(is *Issue, userID int64) string {
	switch {
	case is.ReporterID != 0 && userID == is.ReporterID:
		return "Reporter"
	case is.HandlerID != 0 && userID == is.HandlerID:
		return "Assignee"
	default:
		return "Project member"
	}
}
