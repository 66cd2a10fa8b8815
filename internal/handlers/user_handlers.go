package handlers

import (
	"errors"
	"net/http"
	"strings"

	"nextbt/internal/notify"
)

// userFromPath resolves the {id} path value to an existing user. It writes
// the error response itself and returns false when the request should stop.
func (h *Handler) userFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}
	u, err := notify.GetUser(r.Context(), h.db, id)
	if err != nil {
		h.log.WithField("user_id", id).Errorf("get user: %v", err)
		JSONError(w, "Failed to load user", http.StatusInternalServerError)
		return 0, false
	}
	if u == nil {
		JSONError(w, "User not found", http.StatusNotFound)
		return 0, false
	}
	return id, true
}

// ─── Notification preferences ────────────────────────────────────────────

// GetPreferences returns the user's per-event switches. Users without a
// stored row get every event disabled.
// GET /api/users/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	p, err := notify.GetPreference(r.Context(), h.db, userID)
	if err != nil {
		h.log.WithField("user_id", userID).Errorf("get preference: %v", err)
		JSONError(w, "Failed to load preferences", http.StatusInternalServerError)
		return
	}
	if p == nil {
		p = &notify.NotificationPreference{UserID: userID, Rules: map[notify.EventType]notify.EventRule{}}
	}
	for _, e := range notify.AllEventTypes() {
		p.Rules[e] = p.Rule(e)
	}
	JSONResponse(w, h.log, p)
}

// UpdatePreferences replaces the user's per-event switches.
// PUT /api/users/{id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var p notify.NotificationPreference
	if err := decodeJSON(r, &p); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	p.UserID = userID
	if err := notify.SavePreference(r.Context(), h.db, &p); err != nil {
		if errors.Is(err, notify.ErrInvalidSeverity) {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.WithField("user_id", userID).Errorf("save preference: %v", err)
		JSONError(w, "Failed to save preferences", http.StatusInternalServerError)
		return
	}
	h.log.WithField("user_id", userID).Info("notification preferences updated")
	h.GetPreferences(w, r)
}

// ─── Digest preference ───────────────────────────────────────────────────

// GetDigest returns the user's digest preference or the disabled default.
// GET /api/users/{id}/digest
func (h *Handler) GetDigest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	d, err := notify.GetDigestPreference(r.Context(), h.db, userID)
	if err != nil {
		h.log.WithField("user_id", userID).Errorf("get digest preference: %v", err)
		JSONError(w, "Failed to load digest preference", http.StatusInternalServerError)
		return
	}
	if d == nil {
		def := notify.DefaultDigestPreference(userID)
		d = &def
	}
	JSONResponse(w, h.log, d)
}

// UpdateDigest upserts the user's digest preference.
// PUT /api/users/{id}/digest
func (h *Handler) UpdateDigest(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var d notify.DigestPreference
	if err := decodeJSON(r, &d); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	d.UserID = userID
	if err := notify.SaveDigestPreference(r.Context(), h.db, &d); err != nil {
		if errors.Is(err, notify.ErrInvalidDigest) {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.WithField("user_id", userID).Errorf("save digest preference: %v", err)
		JSONError(w, "Failed to save digest preference", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, h.log, d)
}

// ─── Filters ─────────────────────────────────────────────────────────────

// ListFilters returns every filter owned by the user.
// GET /api/users/{id}/filters
func (h *Handler) ListFilters(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	filters, err := notify.ListFilters(r.Context(), h.db, userID)
	if err != nil {
		h.log.WithField("user_id", userID).Errorf("list filters: %v", err)
		JSONError(w, "Failed to list filters", http.StatusInternalServerError)
		return
	}
	if filters == nil {
		filters = []notify.NotificationFilter{}
	}
	JSONResponse(w, h.log, filters)
}

type filterRequest struct {
	ProjectID   int64               `json:"project_id"`
	FilterType  notify.FilterType   `json:"filter_type"`
	FilterValue string              `json:"filter_value"`
	Action      notify.FilterAction `json:"action"`
	Channels    []notify.Channel    `json:"channels"`
	Enabled     *bool               `json:"enabled"`
}

// CreateFilter adds a filter for the user. Filters are enabled unless the
// request says otherwise.
// POST /api/users/{id}/filters
func (h *Handler) CreateFilter(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if err := decodeJSON(r, &req); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	f := notify.NotificationFilter{
		UserID:      userID,
		ProjectID:   req.ProjectID,
		FilterType:  req.FilterType,
		FilterValue: strings.TrimSpace(req.FilterValue),
		Action:      req.Action,
		Channels:    req.Channels,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}
	if f.Action == "" {
		f.Action = notify.ActionNotify
	}
	if _, err := notify.CreateFilter(r.Context(), h.db, &f); err != nil {
		if errors.Is(err, notify.ErrInvalidFilter) {
			JSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.WithField("user_id", userID).Errorf("create filter: %v", err)
		JSONError(w, "Failed to create filter", http.StatusInternalServerError)
		return
	}
	JSONStatus(w, h.log, http.StatusCreated, f)
}

// DeleteFilter removes a filter. The owner must be given as ?user_id=.
// DELETE /api/filters/{id}
func (h *Handler) DeleteFilter(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		JSONError(w, "Invalid filter ID", http.StatusBadRequest)
		return
	}
	userID, err := queryInt64(r, "user_id", 0)
	if err != nil || userID <= 0 {
		JSONError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if err := notify.DeleteFilter(r.Context(), h.db, userID, id); err != nil {
		if errors.Is(err, notify.ErrNotFound) {
			JSONError(w, "Filter not found", http.StatusNotFound)
			return
		}
		h.log.WithField("user_id", userID).Errorf("delete filter %d: %v", id, err)
		JSONError(w, "Failed to delete filter", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Web push ────────────────────────────────────────────────────────────

// pushSubscriptionRequest is the browser's PushSubscription.toJSON() shape.
type pushSubscriptionRequest struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// RegisterWebPush stores a browser push subscription for the user.
// POST /api/users/{id}/webpush
func (h *Handler) RegisterWebPush(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userFromPath(w, r)
	if !ok {
		return
	}
	var req pushSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		JSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		JSONError(w, "endpoint (https) and keys.p256dh, keys.auth are required", http.StatusBadRequest)
		return
	}

	sub := notify.WebPushSubscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
		Enabled:  true,
	}
	if _, err := notify.SaveSubscription(r.Context(), h.db, &sub); err != nil {
		h.log.WithField("user_id", userID).Errorf("save webpush subscription: %v", err)
		JSONError(w, "Failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}
