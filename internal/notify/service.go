package notify

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"nextbt/internal/events"
)

// Issue status values as stored in bugs.status.
const (
	StatusNew          = 10
	StatusFeedback     = 20
	StatusAcknowledged = 30
	StatusConfirmed    = 40
	StatusAssigned     = 50
	StatusResolved     = 80
	StatusClosed       = 90
)

var statusNames = map[string]int{
	"new": StatusNew, "feedback": StatusFeedback, "acknowledged": StatusAcknowledged,
	"confirmed": StatusConfirmed, "assigned": StatusAssigned,
	"resolved": StatusResolved, "closed": StatusClosed,
}

func statusValue(s string) (int, bool) {
	return levelValue(strings.TrimSpace(s), statusNames)
}

// EventTypeFor maps an issue action to the preference event it triggers.
func EventTypeFor(ev events.IssueEvent) EventType {
	switch ev.Action {
	case events.Created:
		return EventNew
	case events.Assigned:
		return EventAssigned
	case events.Commented:
		return EventBugnote
	case events.StatusChanged:
		return statusEvent(ev)
	case events.Updated:
		if _, ok := ev.Change("priority"); ok {
			return EventPriority
		}
		return EventStatus
	}
	return EventStatus
}

func statusEvent(ev events.IssueEvent) EventType {
	c, ok := ev.Change("status")
	if !ok {
		return EventStatus
	}
	next, ok := statusValue(c.New)
	if !ok {
		return EventStatus
	}
	switch next {
	case StatusResolved:
		return EventResolved
	case StatusClosed:
		return EventClosed
	case StatusFeedback:
		return EventFeedback
	}
	if prev, ok := statusValue(c.Old); ok && prev >= StatusResolved && next < StatusResolved {
		return EventReopened
	}
	return EventStatus
}

// ServiceConfig holds deployment switches for the notification service.
type ServiceConfig struct {
	NotifySelf bool
	BaseURL    string
	QueueSize  int
}

// Outcome summarises one NotifyIssueAction call.
type Outcome struct {
	Event      EventType `json:"event"`
	Recipients int       `json:"recipients"`
	Ignored    int       `json:"ignored"`
	Queued     int       `json:"queued"`
	Immediate  int       `json:"immediate"`
	Report     Report    `json:"report"`
}

// Service turns issue actions into deliveries and digest entries.
type Service struct {
	db         *sql.DB
	resolver   *Resolver
	dispatcher *Dispatcher
	queue      *DigestQueue
	cfg        ServiceConfig
	log        logrus.FieldLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService wires the notification pipeline.
func NewService(db *sql.DB, r *Resolver, d *Dispatcher, q *DigestQueue, cfg ServiceConfig, log logrus.FieldLogger) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Service{
		db:         db,
		resolver:   r,
		dispatcher: d,
		queue:      q,
		cfg:        cfg,
		log:        log,
		stopCh:     make(chan struct{}),
	}
}

// Start subscribes to issue events and handles them on a single worker.
func (s *Service) Start(bus *events.Bus) {
	ch := make(chan events.IssueEvent, s.cfg.QueueSize)

	bus.Subscribe(func(e events.IssueEvent) {
		select {
		case ch <- e:
		default:
			s.log.WithField("bug_id", e.IssueID).Warnf("notify: event queue full, dropping %s event", e.Action)
		}
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case e := <-ch:
				s.handle(e)
			case <-s.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						s.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop finishes queued events and waits for the worker.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) handle(e events.IssueEvent) {
	out, err := s.NotifyIssueAction(context.Background(), e)
	log := s.log.WithFields(logrus.Fields{"bug_id": e.IssueID, "action": e.Action})
	if err != nil {
		log.Errorf("notify: %v", err)
		return
	}
	log.WithField("event", out.Event.String()).Debugf("notify: %d recipients, %d immediate, %d queued, %d ignored",
		out.Recipients, out.Immediate, out.Queued, out.Ignored)
}

// NotifyIssueAction resolves who should hear about ev, applies each
// recipient's filters and digest routing, then sends or queues.
// Lookup failures abort and are returned; delivery failures only show up
// in the report and the audit log.
func (s *Service) NotifyIssueAction(ctx context.Context, ev events.IssueEvent) (Outcome, error) {
	e := EventTypeFor(ev)
	out := Outcome{Event: e}

	is, err := GetIssue(ctx, s.db, ev.IssueID)
	if err != nil {
		return out, fmt.Errorf("notify issue %d: %w", ev.IssueID, err)
	}
	if is == nil {
		s.log.WithField("bug_id", ev.IssueID).Debug("notify: issue not found, nothing to send")
		return out, nil
	}

	recipients, err := s.resolver.ResolveIssue(ctx, is, e)
	if err != nil {
		return out, err
	}
	eligible := recipients[:0:0]
	ids := make([]int64, 0, len(recipients))
	for _, r := range recipients {
		if !r.WillReceive {
			continue
		}
		if !s.cfg.NotifySelf && ev.ActorID != 0 && r.ID == ev.ActorID {
			continue
		}
		eligible = append(eligible, r)
		ids = append(ids, r.ID)
	}
	out.Recipients = len(eligible)
	if len(eligible) == 0 {
		return out, nil
	}

	digests, err := LoadDigestPreferences(ctx, s.db, ids)
	if err != nil {
		return out, fmt.Errorf("notify issue %d: %w", is.ID, err)
	}
	subs, err := ListSubscriptions(ctx, s.db, ids)
	if err != nil {
		return out, fmt.Errorf("notify issue %d: %w", is.ID, err)
	}
	msg, err := RenderMessage(is, ev, s.cfg.BaseURL)
	if err != nil {
		return out, err
	}

	defaults := s.dispatcher.Channels()
	var targets []Target
	for _, r := range eligible {
		v, err := ApplyFilters(ctx, s.db, r.ID, is, defaults)
		if err != nil {
			return out, err
		}

		channels := v.Channels
		switch v.Action {
		case ActionIgnore:
			out.Ignored++
			continue
		case ActionDigestOnly:
			channels = nil
		default:
			if dp := digests[r.ID]; dp != nil && dp.Enabled {
				channels = channels.Minus(dp.Channels())
			}
		}

		if v.Action == ActionDigestOnly || len(channels) < len(v.Channels) {
			if _, err := s.queue.Enqueue(ctx, r.ID, is.ID, e, msg.Subject, msg.Text); err != nil {
				return out, err
			}
			out.Queued++
		}
		if len(channels) > 0 {
			targets = append(targets, TargetFor(r, subs[r.ID], channels))
			out.Immediate++
		}
	}

	out.Report = s.dispatcher.Dispatch(ctx, targets, msg)
	return out, nil
}
