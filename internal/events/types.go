package events

import "time"

// Action identifies the issue mutation being published.
type Action string

const (
	Created       Action = "created"
	Updated       Action = "updated"
	StatusChanged Action = "status_changed"
	Assigned      Action = "assigned"
	Commented     Action = "commented"
	Deleted       Action = "deleted"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case Created, Updated, StatusChanged, Assigned, Commented, Deleted:
		return true
	}
	return false
}

// Change is one field edit carried by an Updated or StatusChanged event.
type Change struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// IssueEvent is the payload published through the bus.
type IssueEvent struct {
	IssueID      int64     `json:"issue_id"`
	IssueSummary string    `json:"issue_summary"`
	ProjectID    int64     `json:"project_id"`
	Action       Action    `json:"action"`
	ActorID      int64     `json:"actor_id"`
	ActorName    string    `json:"actor_name"`
	Changes      []Change  `json:"changes,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Change returns the change for field, if present.
func (e IssueEvent) Change(field string) (Change, bool) {
	for _, c := range e.Changes {
		if c.Field == field {
			return c, true
		}
	}
	return Change{}, false
}
