package fallback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AlertEventType identifies depth alerts on the wire.
const AlertEventType = "audit.fallback.depth"

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the HMAC-SHA256
// of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// AlertPayload is the JSON body posted for each alert.
type AlertPayload struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	QueueDepth int64     `json:"queue_depth"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebhookOption configures a WebhookAlerter.
type WebhookOption func(*WebhookAlerter)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(a *WebhookAlerter) { a.client = c }
}

// WithRetryDelays sets the wait before each retry. The number of delays is
// the number of retries.
func WithRetryDelays(delays ...time.Duration) WebhookOption {
	return func(a *WebhookAlerter) { a.delays = delays }
}

// WebhookAlerter logs every alert and posts it, signed, to an operator
// endpoint. Delivery runs in the background so the enqueue path never waits
// on the network.
type WebhookAlerter struct {
	url    string
	secret string
	client *http.Client
	delays []time.Duration
	log    *LogAlerter
	logger zerolog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewWebhookAlerter(rawURL, secret string, logger zerolog.Logger, opts ...WebhookOption) (*WebhookAlerter, error) {
	if err := validateWebhookURL(rawURL); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, errors.New("fallback: webhook secret is required")
	}
	a := &WebhookAlerter{
		url:    rawURL,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		delays: []time.Duration{time.Second, 5 * time.Second},
		log:    NewLogAlerter(logger),
		logger: logger.With().Str("component", "fallback-alert-webhook").Logger(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// validateWebhookURL checks that the URL is absolute and uses http or https.
func validateWebhookURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("fallback: webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("fallback: invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("fallback: webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("fallback: webhook url must include a host")
	}
	return nil
}

func (a *WebhookAlerter) Alert(ctx context.Context, level AlertLevel, depth int64, msg string) {
	a.log.Alert(ctx, level, depth, msg)

	p := AlertPayload{
		ID:         uuid.NewString(),
		Type:       AlertEventType,
		Level:      level.String(),
		QueueDepth: depth,
		Message:    msg,
		Timestamp:  a.now().UTC(),
	}
	body, err := json.Marshal(p)
	if err != nil {
		a.logger.Error().Err(err).Msg("encode alert payload")
		return
	}

	dctx := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for attempt := 0; ; attempt++ {
			err := a.deliver(dctx, p.ID, body)
			if err == nil {
				return
			}
			if attempt >= len(a.delays) {
				a.logger.Error().Err(err).
					Str("alert_id", p.ID).
					Int("attempts", attempt+1).
					Msg("alert webhook delivery failed")
				return
			}
			a.logger.Warn().Err(err).Str("alert_id", p.ID).Int("attempt", attempt+1).Msg("alert webhook delivery failed, retrying")
			time.Sleep(a.delays[attempt])
		}
	}()
}

// Wait blocks until in-flight deliveries finish.
func (a *WebhookAlerter) Wait() {
	a.wg.Wait()
}

func (a *WebhookAlerter) deliver(ctx context.Context, id string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, a.secret))
	req.Header.Set("X-Webhook-ID", id)
	req.Header.Set("X-Webhook-Timestamp", a.now().UTC().Format(time.RFC3339))

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain at most 1KB so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
