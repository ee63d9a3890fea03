package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport delivers a payload to a recipient on one channel
type Transport interface {
	Send(ctx context.Context, channel Channel, recipient string, payload Payload) error
}

// Router hands each channel to its own transport
type Router struct {
	transports map[Channel]Transport
}

func NewRouter() *Router {
	return &Router{transports: make(map[Channel]Transport)}
}

// Handle registers t for the channel, replacing any earlier registration
func (r *Router) Handle(channel Channel, t Transport) *Router {
	r.transports[channel] = t
	return r
}

func (r *Router) Send(ctx context.Context, channel Channel, recipient string, payload Payload) error {
	t, ok := r.transports[channel]
	if !ok {
		return fmt.Errorf("no transport for channel %s", channel)
	}
	return t.Send(ctx, channel, recipient, payload)
}

// WebhookTransport posts JSON to an email/SMS/push gateway
type WebhookTransport struct {
	URL  string
	HTTP *http.Client
}

type webhookBody struct {
	Channel   Channel `json:"channel"`
	Recipient string  `json:"recipient"`
	Payload
}

func (w WebhookTransport) Send(ctx context.Context, channel Channel, recipient string, payload Payload) error {
	b, err := json.Marshal(webhookBody{Channel: channel, Recipient: recipient, Payload: payload})
	if err != nil {
		return err
	}
	client := w.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode}
	}
	return nil
}

type httpError struct {
	StatusCode int
}

func (e *httpError) Error() string {
	return "webhook http status " + http.StatusText(e.StatusCode)
}

// LogTransport writes notifications to the log. Used for channels with no
// gateway configured.
type LogTransport struct {
	logger zerolog.Logger
}

func NewLogTransport() *LogTransport {
	return &LogTransport{logger: log.With().Str("component", "notification_log_transport").Logger()}
}

func (t *LogTransport) Send(_ context.Context, channel Channel, recipient string, payload Payload) error {
	t.logger.Info().
		Str("channel", string(channel)).
		Str("recipient", recipient).
		Str("event", string(payload.Event)).
		Str("log_id", payload.LogID).
		Msg(payload.Message)
	return nil
}
