// Package webhook posts signed session events to partner endpoints.
//
// Each request body is the JSON event. The X-Telecare-Signature header
// carries "sha256=" followed by the hex HMAC-SHA256 of the body under the
// endpoint secret.
package webhook

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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	SignatureHeader = "X-Telecare-Signature"
	EventIDHeader   = "X-Telecare-Event-ID"
	TimestampHeader = "X-Telecare-Timestamp"
)

// Endpoint is a partner URL and the secret its deliveries are signed with.
type Endpoint struct {
	URL    string
	Secret string
}

// Event is the envelope posted to every endpoint.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature (with or without the "sha256="
// prefix) matches payload.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// Option configures a Publisher.
type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) { p.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. The number of delays is
// the number of retries after the first attempt.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(p *Publisher) { p.retryDelays = delays }
}

// Publisher delivers events to a fixed set of endpoints.
type Publisher struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

// NewPublisher validates the endpoint URLs. It returns nil, nil when no
// endpoints are configured.
func NewPublisher(endpoints []Endpoint, logger zerolog.Logger, opts ...Option) (*Publisher, error) {
	if len(endpoints) == 0 {
		return nil, nil
	}
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
		if ep.Secret == "" {
			return nil, fmt.Errorf("webhook %s: secret is required", ep.URL)
		}
	}
	p := &Publisher{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 5 * time.Second},
		logger:      logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", rawURL)
	}
	return nil
}

// Publish wraps payload in an Event and delivers it to every endpoint.
// Failures on one endpoint do not stop delivery to the others; the errors
// are joined.
func (p *Publisher) Publish(ctx context.Context, eventType, resourceID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	evt := Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	var errs []error
	for _, ep := range p.endpoints {
		if err := p.deliver(ctx, ep, evt, body); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", ep.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) deliver(ctx context.Context, ep Endpoint, evt Event, body []byte) error {
	sig := "sha256=" + SignPayload(body, ep.Secret)
	var err error
	for attempt := 0; ; attempt++ {
		var status int
		status, err = p.post(ctx, ep.URL, evt, body, sig)
		if err == nil {
			p.logger.Debug().Str("event_id", evt.ID).Str("type", evt.Type).
				Str("url", ep.URL).Int("attempt", attempt+1).Msg("webhook delivered")
			return nil
		}
		// 4xx other than 408 and 429 will not succeed on retry.
		if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			return err
		}
		if attempt >= len(p.retryDelays) {
			return err
		}
		p.logger.Warn().Err(err).Str("event_id", evt.ID).Str("url", ep.URL).
			Int("attempt", attempt+1).Msg("webhook delivery failed, retrying")
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(p.retryDelays[attempt]):
		}
	}
}

func (p *Publisher) post(ctx context.Context, target string, evt Event, body []byte, sig string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(EventIDHeader, evt.ID)
	req.Header.Set(TimestampHeader, evt.Timestamp.Format(time.RFC3339))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, fmt.Errorf("non-2xx response: %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
