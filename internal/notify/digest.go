package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DispatchFunc is the subset of the Dispatcher the digest processor needs.
type DispatchFunc interface {
	Dispatch(ctx context.Context, targets []Target, msg Message) Report
}

// DigestRun summarises one ProcessPendingDigests call.
type DigestRun struct {
	Users         int   `json:"users"`
	Sent          int   `json:"sent"`
	Failed        int   `json:"failed"`
	Skipped       int   `json:"skipped"`
	Notifications int   `json:"notifications"`
	Released      int64 `json:"released"`
}

// DigestProcessor batches due queue rows into one message per user.
type DigestProcessor struct {
	db         *sql.DB
	dispatcher DispatchFunc
	log        logrus.FieldLogger
	claimTTL   time.Duration
	now        func() time.Time
}

// NewDigestProcessor creates a processor. Claims older than 15 minutes are
// considered abandoned.
func NewDigestProcessor(db *sql.DB, d DispatchFunc, log logrus.FieldLogger) *DigestProcessor {
	return &DigestProcessor{
		db:         db,
		dispatcher: d,
		log:        log,
		claimTTL:   15 * time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ProcessPendingDigests sends one digest for every user whose batch is due
// and large enough. Per-user failures do not stop other users; they are
// joined into the returned error.
func (p *DigestProcessor) ProcessPendingDigests(ctx context.Context) (DigestRun, error) {
	var run DigestRun
	now := p.now()

	released, err := releaseStaleClaims(ctx, p.db, now.Add(-p.claimTTL))
	if err != nil {
		return run, err
	}
	run.Released = released
	if released > 0 {
		p.log.Warnf("digest: released %d stale claims", released)
	}

	users, err := dueDigestUsers(ctx, p.db, now)
	if err != nil {
		return run, err
	}

	var errs []error
	for _, userID := range users {
		run.Users++
		if err := p.processUser(ctx, userID, now, &run); err != nil {
			errs = append(errs, fmt.Errorf("digest for user %d: %w", userID, err))
		}
	}
	return run, errors.Join(errs...)
}

func (p *DigestProcessor) processUser(ctx context.Context, userID int64, now time.Time, run *DigestRun) error {
	log := p.log.WithField("user_id", userID)

	pref, err := GetDigestPreference(ctx, p.db, userID)
	if err != nil {
		return err
	}
	if pref == nil || !pref.Enabled {
		return nil
	}

	pending, err := pendingForUser(ctx, p.db, userID, now)
	if err != nil {
		return err
	}
	threshold := pref.MinNotifications
	if threshold < 1 {
		threshold = 1
	}
	if len(pending) < threshold {
		run.Skipped++
		log.Debugf("digest: %d pending below minimum %d", len(pending), threshold)
		return nil
	}

	ids := make([]int64, len(pending))
	for i, n := range pending {
		ids[i] = n.ID
	}
	token := uuid.NewString()
	claimed, err := claimRows(ctx, p.db, ids, token, now)
	if err != nil {
		return err
	}
	if claimed == 0 {
		log.Debug("digest: batch already claimed by another run")
		return nil
	}
	batch, err := claimedRows(ctx, p.db, token)
	if err != nil {
		return err
	}

	user, err := GetUser(ctx, p.db, userID)
	if err != nil {
		return err
	}
	if user == nil || !user.Enabled {
		run.Failed++
		return finishClaim(ctx, p.db, token, QueueFailed, now)
	}

	channels := pref.Channels()
	var subs []WebPushSubscription
	if channels.Has(ChannelWebPush) {
		all, err := ListSubscriptions(ctx, p.db, []int64{userID})
		if err != nil {
			return err
		}
		subs = all[userID]
	}

	msg := composeDigest(pref.Frequency, batch)
	var total Report
	for _, c := range channels {
		target := TargetForMember(*user, subs, ChannelSet{c})
		rep := p.dispatcher.Dispatch(ctx, []Target{target}, msg)
		total.Attempts += rep.Attempts
		total.Succeeded += rep.Succeeded
		total.Failed += rep.Failed
	}

	status := QueueSent
	if total.Succeeded == 0 {
		status = QueueFailed
		run.Failed++
		log.Warnf("digest: no channel delivered %d notifications (%d attempts)", len(batch), total.Attempts)
	} else {
		run.Sent++
		run.Notifications += len(batch)
		log.Infof("digest: sent %d notifications over %d channels", len(batch), total.Succeeded)
	}
	return finishClaim(ctx, p.db, token, status, now)
}

// composeDigest renders one section per queued notification, oldest first.
func composeDigest(freq DigestFrequency, batch []QueuedNotification) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d new notification", len(batch))
	if len(batch) != 1 {
		b.WriteString("s")
	}
	b.WriteString(".\n")
	for _, n := range batch {
		fmt.Fprintf(&b, "\n── %s  %s\n", n.DateCreated.Format("2006-01-02 15:04"), n.Subject)
		if body := strings.TrimSpace(n.Body); body != "" {
			b.WriteString(body)
			b.WriteString("\n")
		}
	}

	label := "Notification"
	switch freq {
	case FrequencyHourly:
		label = "Hourly"
	case FrequencyDaily:
		label = "Daily"
	case FrequencyWeekly:
		label = "Weekly"
	}
	return Message{
		Subject: fmt.Sprintf("%s digest: %d update(s)", label, len(batch)),
		Text:    b.String(),
	}
}

// CleanupOldDigests deletes queue rows created more than days ago,
// whatever their status, and reports how many went.
func (p *DigestProcessor) CleanupOldDigests(ctx context.Context, days int) (int64, error) {
	if days < 1 {
		return 0, fmt.Errorf("cleanup old digests: retention must be at least one day, got %d", days)
	}
	n, err := deleteQueuedBefore(ctx, p.db, p.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Infof("digest: pruned %d queue rows older than %d days", n, days)
	}
	return n, nil
}
