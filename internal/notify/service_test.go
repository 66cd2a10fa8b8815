package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"nextbt/internal/events"
)

type serviceFixture struct {
	svc   *Service
	email *mockTransport
	teams *mockTransport
	sink  *memorySink
	queue *DigestQueue
}

func newServiceFixture(t *testing.T, cfg ServiceConfig) (*serviceFixture, *Service) {
	t.Helper()
	db := setupTestDB(t)
	f := &serviceFixture{
		email: newMockTransport(ChannelEmail),
		teams: newMockTransport(ChannelTeams),
		sink:  &memorySink{},
		queue: NewDigestQueue(db, time.UTC),
	}
	d := NewDispatcher([]Transport{f.email, f.teams}, f.sink, time.Second, testLogger())
	f.svc = NewService(db, NewResolver(db, true), d, f.queue, cfg, testLogger())
	return f, f.svc
}

// seedIssue creates a project where reporter and handler opt into everything.
func seedIssue(t *testing.T, s *Service) (bug, reporter, handler int64) {
	t.Helper()
	reporter = addUser(t, s.db, testUser{name: "rep", email: "rep@example.com"})
	handler = addUser(t, s.db, testUser{name: "han", email: "han@example.com", teams: true})
	proj := addProject(t, s.db, "Core", reporter, handler)
	bug = addBug(t, s.db, testBug{project: proj, reporter: reporter, handler: handler,
		severity: SeverityMajor, summary: "Login fails", tags: []string{"auth"}})
	enableAll(t, s.db, reporter, 10)
	enableAll(t, s.db, handler, 10)
	return bug, reporter, handler
}

func TestNotifyIssueActionSkipsActor(t *testing.T) {
	f, svc := newServiceFixture(t, ServiceConfig{BaseURL: "https://bt.example.com"})
	bug, reporter, _ := seedIssue(t, svc)

	out, err := svc.NotifyIssueAction(context.Background(), events.IssueEvent{
		IssueID: bug, Action: events.Created, ActorID: reporter, ActorName: "rep",
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != EventNew || out.Recipients != 1 || out.Immediate != 1 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	// han gets email and teams.
	if out.Report.Attempts != 2 || f.email.count() != 1 || f.teams.count() != 1 {
		t.Errorf("unexpected deliveries: %+v email=%d teams=%d", out.Report, f.email.count(), f.teams.count())
	}
	for _, e := range f.sink.all() {
		if e.UserID == reporter {
			t.Error("actor should not be notified")
		}
		if e.Subject != "[Core #1] Login fails" {
			t.Errorf("unexpected subject %q", e.Subject)
		}
	}
}

func TestNotifyIssueActionNotifySelf(t *testing.T) {
	f, svc := newServiceFixture(t, ServiceConfig{NotifySelf: true})
	bug, reporter, _ := seedIssue(t, svc)

	out, err := svc.NotifyIssueAction(context.Background(), events.IssueEvent{
		IssueID: bug, Action: events.Commented, ActorID: reporter,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != EventBugnote || out.Recipients != 2 || f.email.count() != 2 {
		t.Errorf("expected both users notified: %+v", out)
	}
}

func TestNotifyIssueActionFilters(t *testing.T) {
	f, svc := newServiceFixture(t, ServiceConfig{})
	bug, reporter, handler := seedIssue(t, svc)
	ctx := context.Background()

	if _, err := CreateFilter(ctx, svc.db, &NotificationFilter{UserID: reporter, FilterType: FilterTag,
		FilterValue: "auth", Action: ActionIgnore, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateFilter(ctx, svc.db, &NotificationFilter{UserID: handler, FilterType: FilterCustom,
		FilterValue: "severity>=major", Action: ActionDigestOnly, Enabled: true}); err != nil {
		t.Fatal(err)
	}

	out, err := svc.NotifyIssueAction(ctx, events.IssueEvent{IssueID: bug, Action: events.Assigned})
	if err != nil {
		t.Fatal(err)
	}
	if out.Ignored != 1 || out.Queued != 1 || out.Immediate != 0 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if f.email.count() != 0 || f.teams.count() != 0 {
		t.Error("nothing should be sent immediately")
	}
	rows, err := ListQueue(ctx, svc.db, handler)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].EventType != EventAssigned || !strings.Contains(rows[0].Body, "Login fails") {
		t.Errorf("unexpected queue rows: %+v", rows)
	}
}

func TestNotifyIssueActionSplitsDigestChannels(t *testing.T) {
	f, svc := newServiceFixture(t, ServiceConfig{})
	bug, reporter, handler := seedIssue(t, svc)
	ctx := context.Background()

	if err := SaveDigestPreference(ctx, svc.db, &DigestPreference{UserID: handler, Enabled: true,
		Frequency: FrequencyDaily, TimeOfDay: 9, MinNotifications: 1, IncludeChannels: []Channel{ChannelEmail}}); err != nil {
		t.Fatal(err)
	}

	out, err := svc.NotifyIssueAction(ctx, events.IssueEvent{IssueID: bug, Action: events.Updated,
		ActorID: reporter, Changes: []events.Change{{Field: "priority", Old: "normal", New: "high"}}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Event != EventPriority || out.Queued != 1 || out.Immediate != 1 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if f.email.count() != 0 || f.teams.count() != 1 {
		t.Errorf("email should be queued and teams sent: email=%d teams=%d", f.email.count(), f.teams.count())
	}
}

func TestNotifyIssueActionMissingIssue(t *testing.T) {
	_, svc := newServiceFixture(t, ServiceConfig{})
	out, err := svc.NotifyIssueAction(context.Background(), events.IssueEvent{IssueID: 404, Action: events.Deleted})
	if err != nil {
		t.Fatal(err)
	}
	if out.Recipients != 0 || out.Report.Attempts != 0 {
		t.Errorf("unexpected outcome: %+v", out)
	}
}

func TestServiceHandlesBusEvents(t *testing.T) {
	f, svc := newServiceFixture(t, ServiceConfig{})
	bug, _, _ := seedIssue(t, svc)
	bus := events.NewBus(testLogger())

	svc.Start(bus)
	bus.Publish(events.IssueEvent{IssueID: bug, Action: events.Commented})
	bus.Publish(events.IssueEvent{IssueID: bug, Action: events.StatusChanged,
		Changes: []events.Change{{Field: "status", Old: "confirmed", New: "resolved"}}})
	svc.Stop()

	if f.email.count() != 4 {
		t.Errorf("expected 2 events x 2 recipients by email, got %d", f.email.count())
	}
}

func TestEventTypeFor(t *testing.T) {
	status := func(old, new string) []events.Change {
		return []events.Change{{Field: "status", Old: old, New: new}}
	}
	tests := []struct {
		name string
		ev   events.IssueEvent
		want EventType
	}{
		{"created", events.IssueEvent{Action: events.Created}, EventNew},
		{"assigned", events.IssueEvent{Action: events.Assigned}, EventAssigned},
		{"commented", events.IssueEvent{Action: events.Commented}, EventBugnote},
		{"deleted", events.IssueEvent{Action: events.Deleted}, EventStatus},
		{"resolved", events.IssueEvent{Action: events.StatusChanged, Changes: status("assigned", "resolved")}, EventResolved},
		{"closed numeric", events.IssueEvent{Action: events.StatusChanged, Changes: status("80", "90")}, EventClosed},
		{"feedback", events.IssueEvent{Action: events.StatusChanged, Changes: status("new", "feedback")}, EventFeedback},
		{"reopened", events.IssueEvent{Action: events.StatusChanged, Changes: status("closed", "assigned")}, EventReopened},
		{"plain status", events.IssueEvent{Action: events.StatusChanged, Changes: status("new", "confirmed")}, EventStatus},
		{"status without change", events.IssueEvent{Action: events.StatusChanged}, EventStatus},
		{"priority update", events.IssueEvent{Action: events.Updated,
			Changes: []events.Change{{Field: "summary"}, {Field: "priority", Old: "low", New: "high"}}}, EventPriority},
		{"other update", events.IssueEvent{Action: events.Updated, Changes: []events.Change{{Field: "summary"}}}, EventStatus},
	}
	for _, tt := range tests {
		if got := EventTypeFor(tt.ev); got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestRenderMessage(t *testing.T) {
	is := &Issue{ID: 12, ProjectID: 3, ProjectName: "Web", Summary: "<script>alert(1)</script>"}
	ev := events.IssueEvent{IssueID: 12, Action: events.Updated, ActorName: "Ola",
		Changes: []events.Change{{Field: "severity", Old: "minor", New: "major"}, {Field: "priority", Old: "low", New: "high"}}}

	msg, err := RenderMessage(is, ev, "https://bt.example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "[Web #12] <script>alert(1)</script>" || msg.BugID != 12 {
		t.Errorf("unexpected subject %q", msg.Subject)
	}
	if !strings.Contains(msg.Text, "Ola updated issue #12") || !strings.Contains(msg.Text, "https://bt.example.com/issues/12") {
		t.Errorf("unexpected text:\n%s", msg.Text)
	}
	if strings.Index(msg.Text, "priority") > strings.Index(msg.Text, "severity") {
		t.Errorf("changes should be sorted by field:\n%s", msg.Text)
	}
	if strings.Contains(msg.HTML, "<script>") || !strings.Contains(msg.HTML, "&lt;script&gt;") {
		t.Errorf("summary not escaped in HTML:\n%s", msg.HTML)
	}

	fallback, _ := RenderMessage(&Issue{ID: 1, ProjectID: 9}, events.IssueEvent{Action: events.Created, IssueSummary: "From event"}, "")
	if fallback.Subject != "[project 9 #1] From event" || strings.Contains(fallback.Text, "/issues/") {
		t.Errorf("unexpected fallback message: %+v", fallback)
	}
}
