package handlers

import (
	"net/http"

	"nextbt/internal/events"
	"nextbt/internal/notify"
)

const maxAuditLimit = 1000

// ─── Digest trigger ──────────────────────────────────────────────────────

// ProcessNotifications sends due digests and, with ?cleanup=1 or on the
// first call of each UTC day, prunes old queue rows.
// POST /api/notifications/process
func (h *Handler) ProcessNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, err := h.digests.ProcessPendingDigests(ctx)
	if err != nil {
		h.log.Errorf("process digests: %v", err)
		JSONStatus(w, h.log, http.StatusInternalServerError, map[string]interface{}{
			"error":   "Digest processing failed",
			"digests": run,
		})
		return
	}

	resp := map[string]interface{}{"digests": run}
	if h.cleanupDue(r.URL.Query().Get("cleanup") == "1") {
		n, err := h.digests.CleanupOldDigests(ctx, h.retentionDays)
		if err != nil {
			h.log.Errorf("cleanup old digests: %v", err)
			JSONStatus(w, h.log, http.StatusInternalServerError, map[string]interface{}{
				"error":   "Digest cleanup failed",
				"digests": run,
			})
			return
		}
		h.markCleanup()
		resp["cleaned"] = n
	}
	JSONResponse(w, h.log, resp)
}

func (h *Handler) cleanupDue(forced bool) bool {
	if forced {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastCleanup != h.now().Format("2006-01-02")
}

func (h *Handler) markCleanup() {
	h.mu.Lock()
	h.lastCleanup = h.now().Format("2006-01-02")
	h.mu.Unlock()
}

// ListAudit returns delivery history, newest first.
// GET /api/notifications/audit?bug_id=&limit=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	bugID, err := queryInt64(r, "bug_id", 0)
	if err != nil || bugID < 0 {
		JSONError(w, "Invalid bug_id", http.StatusBadRequest)
		return
	}
	limit, err := queryInt64(r, "limit", 100)
	if err != nil || limit < 1 {
		JSONError(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	entries, err := notify.ListAudit(r.Context(), h.db, bugID, int(limit))
	if err != nil {
		h.log.Errorf("list audit: %v", err)
		JSONError(w, "Failed to list audit entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []notify.EmailAuditEntry{}
	}
	JSONResponse(w, h.log, entries)
}

// ─── Issue events ────────────────────────────────────────────────────────

type issueEventRequest struct {
	Action    events.Action   `json:"action"`
	ActorID   int64           `json:"actor_id"`
	ActorName string          `json:"actor_name"`
	Changes   []events.Change `json:"changes"`
}

// PublishIssueEvent accepts an issue action from the tracker. By default
// the event goes through the bus and the call returns 202; with ?sync=1
// the pipeline runs inline and the outcome is returned.
// POST /api/issues/{id}/events
func (h *Handler) PublishIssueEvent(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid issue ID", http.StatusBadRequest)
		return
	}

	var req issueEventRequest
	if err := decodeJSON(r, &req); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Action.Valid() {
		JSONError(w, "Unknown action", http.StatusBadRequest)
		return
	}

	is, err := notify.GetIssue(r.Context(), h.db, id)
	if err != nil {
		h.log.WithField("bug_id", id).Errorf("load issue: %v", err)
		JSONError(w, "Failed to load issue", http.StatusInternalServerError)
		return
	}
	if is == nil {
		JSONError(w, "Issue not found", http.StatusNotFound)
		return
	}

	ev := events.IssueEvent{
		IssueID:      is.ID,
		IssueSummary: is.Summary,
		ProjectID:    is.ProjectID,
		Action:       req.Action,
		ActorID:      req.ActorID,
		ActorName:    req.ActorName,
		Changes:      req.Changes,
	}

	if r.URL.Query().Get("sync") == "1" {
		out, err := h.notifier.NotifyIssueAction(r.Context(), ev)
		if err != nil {
			h.log.WithField("bug_id", id).Errorf("notify issue action: %v", err)
			JSONError(w, "Notification failed", http.StatusInternalServerError)
			return
		}
		JSONResponse(w, h.log, out)
		return
	}

	h.bus.Publish(ev)
	JSONStatus(w, h.log, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"event":    notify.EventTypeFor(ev),
	})
}

// PreviewRecipients lists who would be notified for an event on an issue.
// GET /api/issues/{id}/recipients?event=new
func (h *Handler) PreviewRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid issue ID", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("event")
	if name == "" {
		name = notify.EventNew.String()
	}
	e, ok := notify.ParseEventType(name)
	if !ok {
		JSONError(w, "Unknown event type", http.StatusBadRequest)
		return
	}

	recipients, err := h.resolver.Resolve(r.Context(), id, e)
	if err != nil {
		h.log.WithField("bug_id", id).Errorf("resolve recipients: %v", err)
		JSONError(w, "Failed to resolve recipients", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, h.log, map[string]interface{}{
		"bug_id":     id,
		"event":      e,
		"recipients": recipients,
	})
}
