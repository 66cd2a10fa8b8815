package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type digestFixture struct {
	queue *DigestQueue
	proc  *DigestProcessor
	email *mockTransport
	teams *mockTransport
	sink  *memorySink
	user  int64
	t0    time.Time
}

// setupDigest creates a user with an enabled daily 09:00 digest and a
// processor whose clock is one day after t0.
func setupDigest(t *testing.T, minimum int, channels ...Channel) (*digestFixture, func() int64) {
	t.Helper()
	db := setupTestDB(t)
	ctx := context.Background()
	f := &digestFixture{
		email: newMockTransport(ChannelEmail),
		teams: newMockTransport(ChannelTeams),
		sink:  &memorySink{},
		t0:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.user = addUser(t, db, testUser{name: "dina", email: "dina@example.com", teams: true})
	if err := SaveDigestPreference(ctx, db, &DigestPreference{
		UserID: f.user, Enabled: true, Frequency: FrequencyDaily, TimeOfDay: 9,
		MinNotifications: minimum, IncludeChannels: channels,
	}); err != nil {
		t.Fatal(err)
	}
	f.queue = NewDigestQueue(db, time.UTC)
	f.queue.now = func() time.Time { return f.t0 }
	d := NewDispatcher([]Transport{f.email, f.teams}, f.sink, time.Second, testLogger())
	f.proc = NewDigestProcessor(db, d, testLogger())
	f.proc.now = func() time.Time { return f.t0.Add(24 * time.Hour) }

	count := func() int64 {
		var n int64
		db.QueryRow(`SELECT COUNT(*) FROM notification_queue`).Scan(&n)
		return n
	}
	return f, count
}

func (f *digestFixture) enqueue(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.queue.now = func() time.Time { return f.t0.Add(time.Duration(i) * time.Minute) }
		subj := fmt.Sprintf("[Core #%d] item", i+1)
		if _, err := f.queue.Enqueue(context.Background(), f.user, int64(i+1), EventBugnote, subj, "body "+subj); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *digestFixture) statuses(t *testing.T) map[QueueStatus]int {
	t.Helper()
	rows, err := ListQueue(context.Background(), f.proc.db, f.user)
	if err != nil {
		t.Fatal(err)
	}
	out := map[QueueStatus]int{}
	for _, r := range rows {
		out[r.Status]++
	}
	return out
}

func TestDigestBelowMinimumStaysPending(t *testing.T) {
	f, _ := setupDigest(t, 5)
	f.enqueue(t, 3)

	run, err := f.proc.ProcessPendingDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Skipped != 1 || run.Sent != 0 {
		t.Errorf("unexpected run: %+v", run)
	}
	if f.email.count() != 0 {
		t.Errorf("nothing should be sent, got %d", f.email.count())
	}
	if st := f.statuses(t); st[QueuePending] != 3 {
		t.Errorf("expected 3 pending, got %v", st)
	}
}

func TestDigestSendsAndMarksSent(t *testing.T) {
	f, _ := setupDigest(t, 2, ChannelEmail, ChannelTeams)
	f.enqueue(t, 3)

	run, err := f.proc.ProcessPendingDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Sent != 1 || run.Notifications != 3 {
		t.Errorf("unexpected run: %+v", run)
	}
	if f.email.count() != 1 || f.teams.count() != 1 {
		t.Errorf("expected one digest per channel, email=%d teams=%d", f.email.count(), f.teams.count())
	}

	rows, _ := ListQueue(context.Background(), f.proc.db, f.user)
	for _, r := range rows {
		if r.Status != QueueSent || r.DateSent == nil {
			t.Errorf("row %d not marked sent: %+v", r.ID, r)
		}
	}

	entries := f.sink.all()
	if len(entries) != 2 || entries[0].Subject != "Daily digest: 3 update(s)" {
		t.Errorf("unexpected audit entries: %+v", entries)
	}

	// A second run finds nothing to do.
	run, err = f.proc.ProcessPendingDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Users != 0 || f.email.count() != 1 {
		t.Errorf("sent rows must not be resent: %+v", run)
	}
}

func TestDigestFailedDeliveryMarksFailed(t *testing.T) {
	f, _ := setupDigest(t, 1)
	f.email.failFor["dina"] = errors.New("smtp down")
	f.enqueue(t, 2)

	run, err := f.proc.ProcessPendingDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 {
		t.Errorf("unexpected run: %+v", run)
	}
	if st := f.statuses(t); st[QueueFailed] != 2 || st[QueuePending] != 0 {
		t.Errorf("expected all rows failed, got %v", st)
	}

	// Failed is terminal: no retry on the next run.
	f.email.failFor = map[string]error{}
	if _, err := f.proc.ProcessPendingDigests(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.email.count() != 1 {
		t.Errorf("failed batch was retried: %d sends", f.email.count())
	}
}

func TestDigestNotYetDue(t *testing.T) {
	f, _ := setupDigest(t, 1)
	f.enqueue(t, 1)
	f.proc.now = func() time.Time { return f.t0.Add(time.Hour) } // before tomorrow 09:00

	run, err := f.proc.ProcessPendingDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Users != 0 || f.email.count() != 0 {
		t.Errorf("nothing should be due: %+v", run)
	}
}

func TestDigestDisabledPreferenceLeavesRows(t *testing.T) {
	f, _ := setupDigest(t, 1)
	f.enqueue(t, 2)
	if err := SaveDigestPreference(context.Background(), f.proc.db, &DigestPreference{
		UserID: f.user, Enabled: false, Frequency: FrequencyDaily,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.proc.ProcessPendingDigests(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := f.statuses(t); st[QueuePending] != 2 {
		t.Errorf("disabled digest should leave rows pending, got %v", st)
	}
}

func TestDigestDisabledUserFailsBatch(t *testing.T) {
	f, _ := setupDigest(t, 1)
	f.enqueue(t, 1)
	if _, err := f.proc.db.Exec(`UPDATE users SET enabled = 0 WHERE id = ?`, f.user); err != nil {
		t.Fatal(err)
	}

	run, err := f.proc.ProcessPendingDigests(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Failed != 1 || f.email.count() != 0 {
		t.Errorf("unexpected run: %+v", run)
	}
	if st := f.statuses(t); st[QueueFailed] != 1 {
		t.Errorf("expected failed row, got %v", st)
	}
}

func TestDigestReleasesStaleClaims(t *testing.T) {
	f, _ := setupDigest(t, 1)
	f.enqueue(t, 2)
	ctx := context.Background()
	now := f.proc.now()

	rows, _ := ListQueue(ctx, f.proc.db, f.user)
	ids := []int64{rows[0].ID, rows[1].ID}
	if n, err := claimRows(ctx, f.proc.db, ids, "dead-worker", now.Add(-time.Hour)); err != nil || n != 2 {
		t.Fatalf("claimRows = %d, %v", n, err)
	}
	// A concurrent claim on the same rows gets nothing.
	if n, _ := claimRows(ctx, f.proc.db, ids, "other", now); n != 0 {
		t.Errorf("rows claimed twice: %d", n)
	}

	run, err := f.proc.ProcessPendingDigests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if run.Released != 2 || run.Sent != 1 {
		t.Errorf("expected released claims to be sent, got %+v", run)
	}
	if st := f.statuses(t); st[QueueSent] != 2 {
		t.Errorf("expected 2 sent, got %v", st)
	}
}

func TestComposeDigestOldestFirst(t *testing.T) {
	base := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	msg := composeDigest(FrequencyWeekly, []QueuedNotification{
		{Subject: "first", Body: "one", DateCreated: base},
		{Subject: "second", Body: " ", DateCreated: base.Add(time.Hour)},
	})
	if msg.Subject != "Weekly digest: 2 update(s)" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if i, j := strings.Index(msg.Text, "first"), strings.Index(msg.Text, "second"); i < 0 || j < i {
		t.Errorf("sections out of order:\n%s", msg.Text)
	}
	if !strings.HasPrefix(msg.Text, "You have 2 new notifications.") {
		t.Errorf("unexpected header:\n%s", msg.Text)
	}
}

func TestCleanupOldDigests(t *testing.T) {
	f, count := setupDigest(t, 1)
	ctx := context.Background()
	f.enqueue(t, 2)

	// Age one row out of the window and park another in sending.
	old := formatTime(f.t0.AddDate(0, 0, -40))
	f.proc.db.Exec(`UPDATE notification_queue SET date_created = ?, status = 'sent' WHERE bug_id = 1`, old)
	f.proc.db.Exec(`UPDATE notification_queue SET date_created = ?, status = 'sending', claimed_at = ? WHERE bug_id = 2`, old, old)

	n, err := f.proc.CleanupOldDigests(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 deletion, got %d", n)
	}
	n, err = f.proc.CleanupOldDigests(ctx, 30)
	if err != nil || n != 0 {
		t.Errorf("second cleanup = %d, %v; want 0", n, err)
	}
	if count() != 1 {
		t.Errorf("claimed row should survive cleanup, %d rows left", count())
	}
	if _, err := f.proc.CleanupOldDigests(ctx, 0); err == nil {
		t.Error("expected error for zero retention")
	}
}
