package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// VAPIDConfig identifies this server to browser push services.
type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // mailto: or https: contact
	TTL        int
}

type pushFunc func(ctx context.Context, payload []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error)

// WebPushTransport delivers to every stored subscription of a target.
type WebPushTransport struct {
	cfg     VAPIDConfig
	baseURL string
	push    pushFunc
	onGone  func(ctx context.Context, sub WebPushSubscription)
}

// NewWebPushTransport creates the transport. onGone, if set, is called for
// subscriptions the push service reports as expired (404/410).
func NewWebPushTransport(cfg VAPIDConfig, baseURL string, onGone func(context.Context, WebPushSubscription)) *WebPushTransport {
	if cfg.TTL <= 0 {
		cfg.TTL = 3600
	}
	return &WebPushTransport{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		push:    webpush.SendNotificationWithContext,
		onGone:  onGone,
	}
}

func (*WebPushTransport) Channel() Channel { return ChannelWebPush }

func (*WebPushTransport) Address(t Target) string { return "webpush:" + t.Username }

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	BugID int64  `json:"bug_id,omitempty"`
}

// Send succeeds when at least one subscription accepted the message.
func (w *WebPushTransport) Send(ctx context.Context, t Target, msg Message) error {
	if w.cfg.PublicKey == "" || w.cfg.PrivateKey == "" {
		return fmt.Errorf("web push is not configured: VAPID keys missing")
	}
	if len(t.Subscriptions) == 0 {
		return fmt.Errorf("no web push subscriptions for %s", t.Username)
	}

	p := pushPayload{Title: msg.Subject, Body: firstLine(msg.Text), BugID: msg.BugID}
	if w.baseURL != "" && msg.BugID > 0 {
		p.URL = fmt.Sprintf("%s/issues/%d", w.baseURL, msg.BugID)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	opts := &webpush.Options{
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             w.cfg.TTL,
	}

	var errs []error
	delivered := 0
	for _, sub := range t.Subscriptions {
		s := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
		}
		resp, err := w.push(ctx, payload, s, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			if w.onGone != nil {
				w.onGone(ctx, sub)
			}
			errs = append(errs, fmt.Errorf("subscription %d expired (%s)", sub.ID, resp.Status))
		case resp.StatusCode >= 400:
			errs = append(errs, fmt.Errorf("push service returned %s", resp.Status))
		default:
			delivered++
		}
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
