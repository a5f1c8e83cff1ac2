package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/notification"
	"github.com/telecare/telecare/internal/platform/video"
)

const (
	defaultRoomTimeout  = 10 * time.Second
	notificationTimeout = 30 * time.Second
	defaultPendingRooms = 50
)

// BookingRequest asks for one offered slot. PatientID is required when an
// admin books on behalf of a patient and ignored otherwise.
type BookingRequest struct {
	TherapistID uuid.UUID
	PatientID   uuid.UUID
	Date        Date
	StartTime   TimeOfDay
	EndTime     TimeOfDay
}

// BookingDeps wires a BookingService. Rooms, RoomRetry and Notifier are
// optional.
type BookingDeps struct {
	Sessions     SessionRepository
	Availability *AvailabilityService
	Directory    ParticipantDirectory
	Rooms        RoomProvisioner
	RoomRetry    RoomRetryScheduler
	Notifier     Notifier
	Metrics      *Metrics
	Logger       zerolog.Logger
	RoomTimeout  time.Duration
}

// BookingService commits bookings and moves sessions through their
// lifecycle.
type BookingService struct {
	sessions     SessionRepository
	availability *AvailabilityService
	directory    ParticipantDirectory
	rooms        RoomProvisioner
	roomRetry    RoomRetryScheduler
	notifier     Notifier
	metrics      *Metrics
	logger       zerolog.Logger
	roomTimeout  time.Duration

	// pending tracks notifications still being handed off.
	pending sync.WaitGroup
}

func NewBookingService(deps BookingDeps) *BookingService {
	if deps.RoomTimeout <= 0 {
		deps.RoomTimeout = defaultRoomTimeout
	}
	return &BookingService{
		sessions:     deps.Sessions,
		availability: deps.Availability,
		directory:    deps.Directory,
		rooms:        deps.Rooms,
		roomRetry:    deps.RoomRetry,
		notifier:     deps.Notifier,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		roomTimeout:  deps.RoomTimeout,
	}
}

// Wait blocks until notifications started by earlier calls were handed to
// the notifier.
func (b *BookingService) Wait() {
	b.pending.Wait()
}

// CommitBooking books the requested slot for the patient.
//
// The slot must be one the therapist's schedule offers for the date. The
// availability check and the insert run in one transaction holding the
// therapist's lock for that date, so of two requests for the same slot
// exactly one succeeds and the other gets a ConflictError. Video room
// creation and notification happen after commit; their failure never undoes
// the booking.
func (b *BookingService) CommitBooking(ctx context.Context, p auth.Principal, req BookingRequest) (sess *Session, err error) {
	ctx, span := tracer.Start(ctx, "booking.commit", trace.WithAttributes(
		attribute.String("therapist_id", req.TherapistID.String()),
		attribute.String("date", req.Date.String()),
		attribute.String("start_time", req.StartTime.String()),
	))
	defer func() {
		b.metrics.ObserveBooking(err)
		endSpan(span, err)
	}()

	patientID, err := bookingPatient(p, req.PatientID)
	if err != nil {
		return nil, err
	}
	if req.Date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if req.EndTime <= req.StartTime {
		return nil, invalid("end_time", "must be after start_time")
	}
	if err := b.availability.requireTherapist(ctx, req.TherapistID); err != nil {
		return nil, err
	}

	offered, loc, err := b.availability.offeredSlots(ctx, req.TherapistID, req.Date)
	if err != nil {
		return nil, err
	}
	if req.StartTime.On(req.Date, loc).Before(b.availability.now()) {
		return nil, invalid("date", "slot starts in the past")
	}
	var slot *CandidateSlot
	for i := range offered {
		if offered[i].StartTime == req.StartTime && offered[i].EndTime == req.EndTime {
			slot = &offered[i]
			break
		}
	}
	if slot == nil {
		return nil, invalid("start_time", "%s-%s is not an offered slot on %s", req.StartTime, req.EndTime, req.Date)
	}

	sess = &Session{
		ID:              uuid.New(),
		TherapistID:     req.TherapistID,
		PatientID:       patientID,
		Date:            req.Date,
		StartTime:       slot.StartTime,
		EndTime:         slot.EndTime,
		DurationMinutes: slot.DurationMinutes,
		Status:          StatusScheduled,
		RoomPending:     true,
	}
	err = b.sessions.WithTherapistDayLock(ctx, req.TherapistID, req.Date, func(ctx context.Context) error {
		occupying, err := b.sessions.ListOccupying(ctx, req.TherapistID, req.Date, req.Date)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if !HasAvailable([]CandidateSlot{*slot}, occupying) {
			return errSlotTaken()
		}
		return b.sessions.Create(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sess.ID.String()))
	b.logger.Info().
		Str("session_id", sess.ID.String()).
		Str("therapist_id", sess.TherapistID.String()).
		Str("patient_id", sess.PatientID.String()).
		Str("date", sess.Date.String()).
		Str("start_time", sess.StartTime.String()).
		Msg("session booked")

	if b.rooms != nil {
		if err := b.createRoom(ctx, sess, loc); err != nil {
			b.scheduleRoomRetry(ctx, sess.ID)
		}
	}
	b.notify(ctx, notification.KindSessionBooked, sess, loc, "")
	return sess, nil
}

// bookingPatient decides whom a booking is for. Individuals book for
// themselves; admins must name the patient.
func bookingPatient(p auth.Principal, requested uuid.UUID) (uuid.UUID, error) {
	switch p.Role {
	case auth.RoleIndividual:
		if requested != uuid.Nil && requested != p.UserID {
			return uuid.Nil, ErrForbidden
		}
		return p.UserID, nil
	case auth.RoleAdmin:
		if requested == uuid.Nil {
			return uuid.Nil, invalid("patient_id", "is required when booking for someone else")
		}
		return requested, nil
	default:
		return uuid.Nil, ErrForbidden
	}
}

// -- Transitions --

func (b *BookingService) Confirm(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error) {
	return b.transition(ctx, p, id, ActionConfirm, StatusPatch{})
}

func (b *BookingService) Start(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error) {
	return b.transition(ctx, p, id, ActionStart, StatusPatch{})
}

// End completes an in-progress session. Notes and recordingRef are kept
// only when non-nil.
func (b *BookingService) End(ctx context.Context, p auth.Principal, id uuid.UUID, notes, recordingRef *string) (*Session, error) {
	return b.transition(ctx, p, id, ActionEnd, StatusPatch{Notes: notes, RecordingRef: recordingRef})
}

// Cancel cancels a session that has not finished and notifies both
// participants. The patient may cancel their own session.
func (b *BookingService) Cancel(ctx context.Context, p auth.Principal, id uuid.UUID, reason string) (*Session, error) {
	patch := StatusPatch{CancelledBy: &p.UserID}
	if reason != "" {
		patch.CancellationReason = &reason
	}
	s, err := b.transition(ctx, p, id, ActionCancel, patch)
	if err != nil {
		return nil, err
	}
	b.notify(ctx, notification.KindSessionCancelled, s, b.location(ctx, s.TherapistID), reason)
	return s, nil
}

func (b *BookingService) MarkNoShow(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error) {
	return b.transition(ctx, p, id, ActionNoShow, StatusPatch{})
}

func (b *BookingService) transition(ctx context.Context, p auth.Principal, id uuid.UUID, action Action, patch StatusPatch) (s *Session, err error) {
	ctx, span := tracer.Start(ctx, "booking."+string(action), trace.WithAttributes(
		attribute.String("session_id", id.String()),
	))
	defer func() {
		b.metrics.ObserveTransition(action, err)
		endSpan(span, err)
	}()

	cur, err := b.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	tr := transitions[action]
	if !mayTransition(p, cur, tr) {
		return nil, ErrForbidden
	}
	if !CanTransition(cur.Status, action) {
		return nil, &InvalidStateError{Action: action, From: cur.Status}
	}

	patch.To = tr.to
	s, err = b.sessions.UpdateStatus(ctx, id, tr.from, patch)
	if errors.Is(err, errStatusChanged) {
		// Another transition won; report the status it left behind.
		latest, gerr := b.sessions.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &InvalidStateError{Action: action, From: latest.Status}
	}
	if err != nil {
		return nil, err
	}
	b.logger.Info().
		Str("session_id", id.String()).
		Str("action", string(action)).
		Str("from", string(cur.Status)).
		Str("to", string(s.Status)).
		Str("by", p.UserID.String()).
		Msg("session transition")
	return s, nil
}

func mayTransition(p auth.Principal, s *Session, tr transition) bool {
	switch {
	case p.IsAdmin():
		return true
	case p.Role == auth.RoleTherapist && s.TherapistID == p.UserID:
		return true
	case tr.patientMay && s.PatientID == p.UserID:
		return true
	}
	return false
}

// -- Reads --

// GetSession returns a session to one of its participants or an admin.
func (b *BookingService) GetSession(ctx context.Context, p auth.Principal, id uuid.UUID) (*Session, error) {
	s, err := b.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsAdmin() && !s.HasParticipant(p.UserID) {
		return nil, ErrForbidden
	}
	return s, nil
}

// ListSessions returns the caller's sessions, newest first.
func (b *BookingService) ListSessions(ctx context.Context, p auth.Principal, limit, offset int) ([]*Session, int, error) {
	items, total, err := b.sessions.ListByParticipant(ctx, p.UserID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return items, total, nil
}

// -- Video rooms --

// RetryRoomProvisioning creates the room for a session still waiting for
// one. Sessions that already have a room or no longer occupy their slot are
// skipped.
func (b *BookingService) RetryRoomProvisioning(ctx context.Context, sessionID uuid.UUID) error {
	if b.rooms == nil {
		return nil
	}
	s, err := b.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if !s.RoomPending || !s.Status.Occupying() {
		return nil
	}
	return b.createRoom(ctx, s, b.location(ctx, s.TherapistID))
}

// ProvisionPendingRooms retries room creation for up to limit sessions
// still waiting for a room and returns how many succeeded.
func (b *BookingService) ProvisionPendingRooms(ctx context.Context, limit int) (int, error) {
	if b.rooms == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = defaultPendingRooms
	}
	pending, err := b.sessions.ListRoomPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	created := 0
	var errs []error
	for _, s := range pending {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := b.createRoom(ctx, s, b.location(ctx, s.TherapistID)); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}

// createRoom provisions the room with its own timeout, detached from the
// caller's cancellation, and records it on the session.
func (b *BookingService) createRoom(ctx context.Context, s *Session, loc *time.Location) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.roomTimeout)
	defer cancel()

	patient, therapist := b.participants(ctx, s)
	room, err := b.rooms.CreateRoom(ctx, video.RoomRequest{
		SessionID:        s.ID,
		ParticipantNames: []string{patient.Name, therapist.Name},
		DurationMinutes:  s.DurationMinutes,
		ScheduledTime:    s.StartTime.On(s.Date, loc),
	})
	b.metrics.ObserveRoomProvision(err == nil)
	if err != nil {
		b.logger.Warn().Err(err).Str("session_id", s.ID.String()).Msg("video room provisioning failed")
		return err
	}
	if err := b.sessions.SetRoom(ctx, s.ID, room.URL, room.Name); err != nil {
		b.logger.Error().Err(err).Str("session_id", s.ID.String()).Msg("store video room failed")
		return err
	}
	s.RoomURL = &room.URL
	s.RoomName = &room.Name
	s.RoomPending = false
	return nil
}

func (b *BookingService) scheduleRoomRetry(ctx context.Context, id uuid.UUID) {
	if b.roomRetry == nil {
		return
	}
	if err := b.roomRetry.ScheduleRoomRetry(context.WithoutCancel(ctx), id); err != nil {
		// The periodic sweep still picks the session up.
		b.logger.Error().Err(err).Str("session_id", id.String()).Msg("schedule room retry failed")
	}
}

// -- Notifications --

func (b *BookingService) notify(ctx context.Context, kind notification.Kind, s *Session, loc *time.Location, reason string) {
	if b.notifier == nil {
		return
	}
	snapshot := *s
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationTimeout)
		defer cancel()

		patient, therapist := b.participants(ctx, &snapshot)
		evt := notification.Event{
			Kind:            kind,
			SessionID:       snapshot.ID,
			ScheduledAt:     snapshot.StartTime.On(snapshot.Date, loc),
			Timezone:        loc.String(),
			DurationMinutes: snapshot.DurationMinutes,
			Reason:          reason,
			Patient:         notification.Recipient{Name: patient.Name, Email: patient.Email},
			Therapist:       notification.Recipient{Name: therapist.Name, Email: therapist.Email},
		}
		if snapshot.RoomURL != nil {
			evt.RoomURL = *snapshot.RoomURL
		}
		if err := b.notifier.Notify(ctx, evt); err != nil {
			b.logger.Warn().Err(err).
				Str("kind", string(kind)).
				Str("session_id", snapshot.ID.String()).
				Msg("notification failed")
		}
	}()
}

// participants looks up both parties. Lookup failures yield empty values.
func (b *BookingService) participants(ctx context.Context, s *Session) (patient, therapist Participant) {
	if b.directory == nil {
		return
	}
	if p, err := b.directory.GetParticipant(ctx, s.PatientID); err == nil {
		patient = *p
	}
	if t, err := b.directory.GetParticipant(ctx, s.TherapistID); err == nil {
		therapist = *t
	}
	return
}

// location is the therapist's timezone, or UTC when it cannot be read.
func (b *BookingService) location(ctx context.Context, therapistID uuid.UUID) *time.Location {
	tmpl, err := b.availability.store.GetWeeklyTemplate(ctx, therapistID)
	if err != nil {
		return time.UTC
	}
	return tmpl.Location()
}
