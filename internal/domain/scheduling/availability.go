package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/telecare/telecare/internal/platform/auth"
)

const (
	DefaultHorizonDays = 60
	MaxHorizonDays     = 366
)

// AvailabilityService answers availability queries. Results are computed
// from the current schedule and sessions on every call and never cached.
type AvailabilityService struct {
	store       *ScheduleStore
	sessions    SessionRepository
	directory   ParticipantDirectory
	metrics     *Metrics
	horizonDays int
	now         func() time.Time
}

func NewAvailabilityService(store *ScheduleStore, sessions SessionRepository, directory ParticipantDirectory, metrics *Metrics, horizonDays int) *AvailabilityService {
	if horizonDays <= 0 || horizonDays > MaxHorizonDays {
		horizonDays = DefaultHorizonDays
	}
	return &AvailabilityService{
		store:       store,
		sessions:    sessions,
		directory:   directory,
		metrics:     metrics,
		horizonDays: horizonDays,
		now:         time.Now,
	}
}

// GetAvailableDays lists the dates of the month, as YYYY-MM-DD, that have
// at least one bookable slot.
func (s *AvailabilityService) GetAvailableDays(ctx context.Context, therapistID uuid.UUID, month, year int) (days []string, err error) {
	defer s.metrics.ObserveQuery("days", time.Now())
	ctx, span := tracer.Start(ctx, "availability.available_days", trace.WithAttributes(
		attribute.String("therapist_id", therapistID.String()),
		attribute.Int("month", month),
		attribute.Int("year", year),
	))
	defer func() { endSpan(span, err) }()

	if month < 1 || month > 12 {
		return nil, invalid("month", "must be between 1 and 12")
	}
	if year < 1970 || year > 9999 {
		return nil, invalid("year", "must be between 1970 and 9999")
	}
	if err := s.requireTherapist(ctx, therapistID); err != nil {
		return nil, err
	}

	first := Date{Year: year, Month: time.Month(month), Day: 1}
	last := DateOf(time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC))

	in, err := s.loadRange(ctx, therapistID, first, last)
	if err != nil {
		return nil, err
	}

	days = []string{}
	for d := first; !d.After(last); d = d.AddDays(1) {
		if HasAvailable(in.offered(therapistID, d), in.sessions[d]) {
			days = append(days, d.String())
		}
	}
	span.SetAttributes(attribute.Int("available_days", len(days)))
	return days, nil
}

// GetSlotsForDate returns the free slots of one date in start order.
func (s *AvailabilityService) GetSlotsForDate(ctx context.Context, therapistID uuid.UUID, date Date) (slots []CandidateSlot, err error) {
	defer s.metrics.ObserveQuery("slots", time.Now())
	ctx, span := tracer.Start(ctx, "availability.slots_for_date", trace.WithAttributes(
		attribute.String("therapist_id", therapistID.String()),
		attribute.String("date", date.String()),
	))
	defer func() { endSpan(span, err) }()

	if date.IsZero() {
		return nil, invalid("date", "is required")
	}
	if err := s.requireTherapist(ctx, therapistID); err != nil {
		return nil, err
	}
	offered, _, err := s.offeredSlots(ctx, therapistID, date)
	if err != nil {
		return nil, err
	}
	if len(offered) == 0 {
		return offered, nil
	}
	sessions, err := s.sessions.ListOccupying(ctx, therapistID, date, date)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	slots = FilterAvailable(offered, sessions)
	span.SetAttributes(attribute.Int("slots", len(slots)))
	return slots, nil
}

// GetNextAvailableSlot scans forward from from, or from today when from is
// zero or in the past, and returns the earliest free slot within
// horizonDays. It returns nil when there is none. A horizon of 0 uses the
// configured default.
func (s *AvailabilityService) GetNextAvailableSlot(ctx context.Context, therapistID uuid.UUID, from Date, horizonDays int) (slot *CandidateSlot, err error) {
	defer s.metrics.ObserveQuery("next", time.Now())
	ctx, span := tracer.Start(ctx, "availability.next_slot", trace.WithAttributes(
		attribute.String("therapist_id", therapistID.String()),
	))
	defer func() { endSpan(span, err) }()

	if horizonDays == 0 {
		horizonDays = s.horizonDays
	}
	if horizonDays < 1 || horizonDays > MaxHorizonDays {
		return nil, invalid("horizon_days", "must be between 1 and %d", MaxHorizonDays)
	}
	if err := s.requireTherapist(ctx, therapistID); err != nil {
		return nil, err
	}

	tmpl, err := s.store.GetWeeklyTemplate(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	today := DateOf(s.now().In(tmpl.Location()))
	if from.IsZero() || from.Before(today) {
		from = today
	}
	to := from.AddDays(horizonDays - 1)

	in, err := s.loadRangeWith(ctx, tmpl, therapistID, from, to)
	if err != nil {
		return nil, err
	}
	for d := from; !d.After(to); d = d.AddDays(1) {
		if free := FilterAvailable(in.offered(therapistID, d), in.sessions[d]); len(free) > 0 {
			first := free[0]
			span.SetAttributes(attribute.String("slot_date", first.Date.String()))
			return &first, nil
		}
	}
	return nil, nil
}

// offeredSlots is the schedule's slots for date with past ones removed,
// before any booked session is taken into account. It also returns the
// therapist's timezone.
func (s *AvailabilityService) offeredSlots(ctx context.Context, therapistID uuid.UUID, date Date) ([]CandidateSlot, *time.Location, error) {
	tmpl, ov, err := s.store.dayInputs(ctx, therapistID, date)
	if err != nil {
		return nil, nil, err
	}
	loc := tmpl.Location()
	return dropPast(GenerateSlots(therapistID, date, tmpl, ov), loc, s.now()), loc, nil
}

func (s *AvailabilityService) requireTherapist(ctx context.Context, therapistID uuid.UUID) error {
	if therapistID == uuid.Nil {
		return invalid("therapist_id", "is required")
	}
	if s.directory == nil {
		return nil
	}
	p, err := s.directory.GetParticipant(ctx, therapistID)
	if err != nil {
		if IsNotFound(err) {
			return &NotFoundError{Resource: "therapist", ID: therapistID.String()}
		}
		return fmt.Errorf("get therapist: %w", err)
	}
	if p.Role != auth.RoleTherapist {
		return &NotFoundError{Resource: "therapist", ID: therapistID.String()}
	}
	return nil
}

// rangeInputs holds everything needed to compute availability for a span
// of dates, loaded with one query per table.
type rangeInputs struct {
	tmpl      *WeeklyTemplate
	overrides map[Date]*DateOverride
	sessions  map[Date][]*Session
	loc       *time.Location
	now       time.Time
}

func (in *rangeInputs) offered(therapistID uuid.UUID, d Date) []CandidateSlot {
	return dropPast(GenerateSlots(therapistID, d, in.tmpl, in.overrides[d]), in.loc, in.now)
}

func (s *AvailabilityService) loadRange(ctx context.Context, therapistID uuid.UUID, from, to Date) (*rangeInputs, error) {
	tmpl, err := s.store.GetWeeklyTemplate(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	return s.loadRangeWith(ctx, tmpl, therapistID, from, to)
}

func (s *AvailabilityService) loadRangeWith(ctx context.Context, tmpl *WeeklyTemplate, therapistID uuid.UUID, from, to Date) (*rangeInputs, error) {
	ovs, err := s.store.ListOverrides(ctx, therapistID, from, to)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListOccupying(ctx, therapistID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	in := &rangeInputs{
		tmpl:      tmpl,
		overrides: make(map[Date]*DateOverride, len(ovs)),
		sessions:  SessionsByDate(sessions, from, to),
		loc:       tmpl.Location(),
		now:       s.now(),
	}
	for _, o := range ovs {
		in.overrides[o.Date] = o
	}
	return in, nil
}

// dropPast removes slots that start before now in loc.
func dropPast(slots []CandidateSlot, loc *time.Location, now time.Time) []CandidateSlot {
	out := slots[:0]
	for _, sl := range slots {
		if !sl.StartTime.On(sl.Date, loc).Before(now) {
			out = append(out, sl)
		}
	}
	return out
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
