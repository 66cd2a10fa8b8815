package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nextbt/internal/events"
	"nextbt/internal/middleware"
	"nextbt/internal/notify"
)

// DigestRunner is the part of notify.DigestProcessor the trigger endpoint uses.
type DigestRunner interface {
	ProcessPendingDigests(ctx context.Context) (notify.DigestRun, error)
	CleanupOldDigests(ctx context.Context, days int) (int64, error)
}

// Notifier runs the notification pipeline synchronously.
type Notifier interface {
	NotifyIssueAction(ctx context.Context, ev events.IssueEvent) (notify.Outcome, error)
}

// Deps are the components the HTTP surface calls into.
type Deps struct {
	DB            *sql.DB
	Bus           *events.Bus
	Notifier      Notifier
	Resolver      *notify.Resolver
	Digests       DigestRunner
	RetentionDays int
	CronSecret    string
	Log           logrus.FieldLogger
}

// Handler serves the notification API.
type Handler struct {
	db            *sql.DB
	bus           *events.Bus
	notifier      Notifier
	resolver      *notify.Resolver
	digests       DigestRunner
	retentionDays int
	cronSecret    string
	log           logrus.FieldLogger

	mu          sync.Mutex
	lastCleanup string // UTC date of the last retention run
	now         func() time.Time
}

// New creates a Handler.
func New(d Deps) *Handler {
	if d.RetentionDays <= 0 {
		d.RetentionDays = 30
	}
	return &Handler{
		db:            d.DB,
		bus:           d.Bus,
		notifier:      d.Notifier,
		resolver:      d.Resolver,
		digests:       d.Digests,
		retentionDays: d.RetentionDays,
		cronSecret:    d.CronSecret,
		log:           d.Log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the API mux wrapped in CORS and request logging.
// limiter, when set, throttles the write endpoints per client IP.
func (h *Handler) Routes(limiter *middleware.RateLimiter) http.Handler {
	limit := func(f http.HandlerFunc) http.HandlerFunc {
		if limiter == nil {
			return f
		}
		return limiter.Limit(f)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	// Digest trigger
	mux.HandleFunc("POST /api/notifications/process",
		middleware.RequireSecret(h.cronSecret, h.log, limit(h.ProcessNotifications)))
	mux.HandleFunc("GET /api/notifications/audit", h.ListAudit)

	// Issues
	mux.HandleFunc("POST /api/issues/{id}/events", limit(h.PublishIssueEvent))
	mux.HandleFunc("GET /api/issues/{id}/recipients", h.PreviewRecipients)

	// Per-user settings
	mux.HandleFunc("GET /api/users/{id}/preferences", h.GetPreferences)
	mux.HandleFunc("PUT /api/users/{id}/preferences", limit(h.UpdatePreferences))
	mux.HandleFunc("GET /api/users/{id}/digest", h.GetDigest)
	mux.HandleFunc("PUT /api/users/{id}/digest", limit(h.UpdateDigest))
	mux.HandleFunc("GET /api/users/{id}/filters", h.ListFilters)
	mux.HandleFunc("POST /api/users/{id}/filters", limit(h.CreateFilter))
	mux.HandleFunc("DELETE /api/filters/{id}", limit(h.DeleteFilter))
	mux.HandleFunc("POST /api/users/{id}/webpush", limit(h.RegisterWebPush))

	return middleware.CORS(middleware.Logging(h.log)(mux))
}

// Health reports the service and database as reachable.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		JSONError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	JSONResponse(w, h.log, map[string]string{"status": "ok"})
}
