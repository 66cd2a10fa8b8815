package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is a rendered notification ready for any channel.
type Message struct {
	BugID   int64
	Subject string
	Text    string
	HTML    string // optional
}

// Target is a user as seen by the Dispatch Engine: an identity plus the
// channels it can be reached on.
type Target struct {
	UserID        int64
	Username      string
	Email         string
	Pushover      bool
	RocketChat    bool
	Teams         bool
	Subscriptions []WebPushSubscription

	// Channels restricts delivery. Nil means every capable channel.
	Channels ChannelSet
}

// TargetFor projects a resolved recipient into a dispatch target.
func TargetFor(r NotificationRecipient, subs []WebPushSubscription, channels ChannelSet) Target {
	return Target{
		UserID:        r.ID,
		Username:      r.Username,
		Email:         r.Email,
		Pushover:      r.pushover,
		RocketChat:    r.rocketChat,
		Teams:         r.teams,
		Subscriptions: subs,
		Channels:      channels,
	}
}

// TargetForMember projects a user row into a dispatch target.
func TargetForMember(m Member, subs []WebPushSubscription, channels ChannelSet) Target {
	return Target{
		UserID:        m.UserID,
		Username:      m.Username,
		Email:         m.Email,
		Pushover:      m.Pushover,
		RocketChat:    m.RocketChat,
		Teams:         m.Teams,
		Subscriptions: subs,
		Channels:      channels,
	}
}

func (t Target) reachableOn(c Channel) bool {
	switch c {
	case ChannelEmail:
		return t.Email != ""
	case ChannelPushover:
		return t.Pushover
	case ChannelRocketChat:
		return t.RocketChat
	case ChannelTeams:
		return t.Teams
	case ChannelWebPush:
		return len(t.Subscriptions) > 0
	}
	return false
}

// Transport delivers a message over one channel.
type Transport interface {
	Channel() Channel
	Send(ctx context.Context, t Target, msg Message) error
	// Address is what the audit log records as the recipient.
	Address(t Target) string
}

// AuditSink accepts settled delivery results.
type AuditSink interface {
	Enqueue(entries []EmailAuditEntry)
}

// Report summarises one Dispatch call.
type Report struct {
	Attempts  int `json:"attempts"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Dispatcher fans a message out to every reachable channel of every target.
type Dispatcher struct {
	transports map[Channel]Transport
	audit      AuditSink
	timeout    time.Duration
	log        logrus.FieldLogger
	now        func() time.Time
}

// NewDispatcher wires the given transports. A zero timeout means 15s.
func NewDispatcher(transports []Transport, audit AuditSink, timeout time.Duration, log logrus.FieldLogger) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	d := &Dispatcher{
		transports: make(map[Channel]Transport, len(transports)),
		audit:      audit,
		timeout:    timeout,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, t := range transports {
		d.transports[t.Channel()] = t
	}
	return d
}

// Channels returns the channels that have a transport configured.
func (d *Dispatcher) Channels() ChannelSet {
	cs := make([]Channel, 0, len(d.transports))
	for c := range d.transports {
		cs = append(cs, c)
	}
	return NewChannelSet(cs...)
}

type task struct {
	target    Target
	transport Transport
}

// Dispatch starts one task per (target, channel), waits for all of them to
// settle, hands the audit entries to the sink and returns. A failing task
// never affects its siblings and Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Target, msg Message) Report {
	var tasks []task
	for _, t := range targets {
		for _, c := range allChannels {
			tr, ok := d.transports[c]
			if !ok || !t.reachableOn(c) {
				continue
			}
			if t.Channels != nil && !t.Channels.Has(c) {
				continue
			}
			tasks = append(tasks, task{target: t, transport: tr})
		}
	}
	if len(tasks) == 0 {
		return Report{}
	}

	entries := make([]EmailAuditEntry, len(tasks))
	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries[i] = d.run(ctx, tk, msg)
		}()
	}
	wg.Wait()

	rep := Report{Attempts: len(entries)}
	for _, e := range entries {
		if e.Status == AuditSuccess {
			rep.Succeeded++
		} else {
			rep.Failed++
		}
	}
	if d.audit != nil {
		d.audit.Enqueue(entries)
	}
	return rep
}

// run executes one delivery and converts its outcome into an audit entry.
func (d *Dispatcher) run(ctx context.Context, tk task, msg Message) (entry EmailAuditEntry) {
	ch := tk.transport.Channel()
	entry = EmailAuditEntry{
		BugID:     msg.BugID,
		UserID:    tk.target.UserID,
		Recipient: tk.transport.Address(tk.target),
		Subject:   msg.Subject,
		Channel:   ch,
	}

	defer func() {
		if r := recover(); r != nil {
			entry.Status = AuditFailed
			entry.ErrorMessage = fmt.Sprintf("transport panic: %v", r)
			entry.DateSent = d.now()
			d.log.WithField("channel", ch).Errorf("transport panic: %v", r)
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	err := tk.transport.Send(tctx, tk.target, msg)
	entry.DateSent = d.now()
	if err != nil {
		entry.Status = AuditFailed
		entry.ErrorMessage = err.Error()
		d.log.WithFields(logrus.Fields{
			"channel": ch, "user_id": tk.target.UserID, "bug_id": msg.BugID,
		}).Warnf("delivery failed: %v", err)
		return entry
	}
	entry.Status = AuditSuccess
	return entry
}
