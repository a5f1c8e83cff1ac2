// Package notification renders session notices from templates and delivers
// them by email, and optionally to partner webhooks.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind identifies what happened to a session.
type Kind string

const (
	KindSessionBooked    Kind = "session.booked"
	KindSessionCancelled Kind = "session.cancelled"
)

// Recipient is a person who receives a notice.
type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Event carries everything needed to render a notice without further lookups,
// so it can be queued and delivered later.
type Event struct {
	Kind            Kind      `json:"kind"`
	SessionID       uuid.UUID `json:"session_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Timezone        string    `json:"timezone"`
	DurationMinutes int       `json:"duration_minutes"`
	RoomURL         string    `json:"room_url,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Patient         Recipient `json:"patient"`
	Therapist       Recipient `json:"therapist"`
}

// EmailSender sends one plain-text email.
type EmailSender interface {
	SendEmail(ctx context.Context, to Recipient, subject, body string) error
}

// EventPublisher forwards session events to external systems.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, resourceID string, payload any) error
}

// ---------------------------------------------------------------------------
// Templates
// ---------------------------------------------------------------------------

// Template is a subject and body with {{key}} placeholders.
type Template struct {
	Subject string
	Body    string
}

// TemplateEngine holds one template per event kind.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]Template
}

// NewTemplateEngine returns an engine with the booked and cancelled notices
// registered.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{templates: map[Kind]Template{
		KindSessionBooked: {
			Subject: "Session booked for {{date}} at {{time}}",
			Body: "Hi {{name}},\n\nYour session with {{counterpart}} is booked for {{date}} at {{time}} ({{timezone}}), " +
				"lasting {{duration}} minutes.\n\nJoin link: {{room_url}}\n",
		},
		KindSessionCancelled: {
			Subject: "Session on {{date}} at {{time}} cancelled",
			Body: "Hi {{name}},\n\nYour session with {{counterpart}} on {{date}} at {{time}} ({{timezone}}) " +
				"has been cancelled.{{reason}}\n",
		},
	}}
}

func (e *TemplateEngine) Register(kind Kind, t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[kind] = t
}

// Render replaces {{key}} placeholders with data. Unknown placeholders are
// left as they are.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for %q", kind)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Delivery
// ---------------------------------------------------------------------------

// Deliverer renders an event once per participant and emails it.
type Deliverer struct {
	email     EmailSender
	templates *TemplateEngine
	webhooks  EventPublisher
	logger    zerolog.Logger
}

func NewDeliverer(email EmailSender, templates *TemplateEngine, logger zerolog.Logger) *Deliverer {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	return &Deliverer{email: email, templates: templates, logger: logger}
}

// WithWebhooks also publishes every delivered event through p.
func (d *Deliverer) WithWebhooks(p EventPublisher) *Deliverer {
	d.webhooks = p
	return d
}

// webhookEvent is the partner-facing view of an event. It carries no
// participant contact details.
type webhookEvent struct {
	SessionID       string    `json:"session_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	Timezone        string    `json:"timezone"`
	DurationMinutes int       `json:"duration_minutes"`
	Reason          string    `json:"reason,omitempty"`
}

// Notify delivers evt synchronously. It satisfies the scheduling notifier
// when no queue is configured.
func (d *Deliverer) Notify(ctx context.Context, evt Event) error {
	return d.Deliver(ctx, evt)
}

// Deliver emails the patient and the therapist. Recipients without an email
// address are skipped. Errors from both sends are joined. Webhook failures
// are logged, not returned: a queued retry would re-send both emails.
func (d *Deliverer) Deliver(ctx context.Context, evt Event) error {
	var errs []error
	for _, pair := range [][2]Recipient{{evt.Patient, evt.Therapist}, {evt.Therapist, evt.Patient}} {
		to, counterpart := pair[0], pair[1]
		if to.Email == "" {
			continue
		}
		subject, body, err := d.templates.Render(evt.Kind, templateData(evt, to, counterpart))
		if err != nil {
			return err
		}
		if err := d.email.SendEmail(ctx, to, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("email %s: %w", to.Email, err))
			continue
		}
		d.logger.Debug().
			Str("kind", string(evt.Kind)).
			Str("session_id", evt.SessionID.String()).
			Str("to", to.Email).
			Msg("notification sent")
	}
	d.publish(ctx, evt)
	return errors.Join(errs...)
}

func (d *Deliverer) publish(ctx context.Context, evt Event) {
	if d.webhooks == nil {
		return
	}
	payload := webhookEvent{
		SessionID:       evt.SessionID.String(),
		ScheduledAt:     evt.ScheduledAt,
		Timezone:        evt.Timezone,
		DurationMinutes: evt.DurationMinutes,
		Reason:          evt.Reason,
	}
	if err := d.webhooks.Publish(ctx, string(evt.Kind), evt.SessionID.String(), payload); err != nil {
		d.logger.Warn().Err(err).
			Str("kind", string(evt.Kind)).
			Str("session_id", evt.SessionID.String()).
			Msg("webhook publish failed")
	}
}

func templateData(evt Event, to, counterpart Recipient) map[string]string {
	loc, err := time.LoadLocation(evt.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := evt.ScheduledAt.In(loc)
	reason := ""
	if evt.Reason != "" {
		reason = " Reason: " + evt.Reason
	}
	roomURL := evt.RoomURL
	if roomURL == "" {
		roomURL = "will be shared before the session"
	}
	return map[string]string{
		"name":        to.Name,
		"counterpart": counterpart.Name,
		"date":        local.Format("Monday, 2 January 2006"),
		"time":        local.Format("15:04"),
		"timezone":    loc.String(),
		"duration":    fmt.Sprintf("%d", evt.DurationMinutes),
		"room_url":    roomURL,
		"reason":      reason,
	}
}

// LogSender writes emails to the log instead of sending them. It is used
// when no email provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) SendEmail(_ context.Context, to Recipient, subject, _ string) error {
	s.Logger.Info().Str("to", to.Email).Str("subject", subject).Msg("email not sent: no provider configured")
	return nil
}
