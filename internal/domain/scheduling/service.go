package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// maxOverrideListDays bounds ListOverrides queries.
const maxOverrideListDays = 366

// ScheduleStore manages weekly templates and date overrides.
type ScheduleStore struct {
	templates TemplateRepository
	overrides OverrideRepository
}

func NewScheduleStore(templates TemplateRepository, overrides OverrideRepository) *ScheduleStore {
	return &ScheduleStore{templates: templates, overrides: overrides}
}

// -- Weekly template --

// GetWeeklyTemplate returns the saved template, or an empty one when the
// therapist has never saved a schedule.
func (s *ScheduleStore) GetWeeklyTemplate(ctx context.Context, therapistID uuid.UUID) (*WeeklyTemplate, error) {
	t, err := s.templates.Get(ctx, therapistID)
	if err != nil {
		return nil, fmt.Errorf("get weekly template: %w", err)
	}
	if t == nil {
		return EmptyTemplate(therapistID), nil
	}
	return t, nil
}

// SaveWeeklyTemplate replaces the therapist's template as a whole.
func (s *ScheduleStore) SaveWeeklyTemplate(ctx context.Context, therapistID uuid.UUID, t *WeeklyTemplate) error {
	if therapistID == uuid.Nil {
		return invalid("therapist_id", "is required")
	}
	t.TherapistID = therapistID
	if err := ValidateTemplate(t); err != nil {
		return err
	}
	if err := s.templates.Save(ctx, t); err != nil {
		return fmt.Errorf("save weekly template: %w", err)
	}
	return nil
}

// -- Overrides --

func (s *ScheduleStore) GetOverride(ctx context.Context, therapistID uuid.UUID, date Date) (*DateOverride, error) {
	o, err := s.overrides.Get(ctx, therapistID, date)
	if err != nil {
		return nil, fmt.Errorf("get override: %w", err)
	}
	return o, nil
}

// SaveOverride creates or replaces the override for (therapist, date).
func (s *ScheduleStore) SaveOverride(ctx context.Context, therapistID uuid.UUID, date Date, o *DateOverride) error {
	if therapistID == uuid.Nil {
		return invalid("therapist_id", "is required")
	}
	o.TherapistID = therapistID
	o.Date = date
	if err := ValidateOverride(o); err != nil {
		return err
	}
	if err := s.overrides.Upsert(ctx, o); err != nil {
		return fmt.Errorf("save override: %w", err)
	}
	return nil
}

func (s *ScheduleStore) ListOverrides(ctx context.Context, therapistID uuid.UUID, from, to Date) ([]*DateOverride, error) {
	if to.Before(from) {
		return nil, invalid("to", "must not be before from")
	}
	if to.After(from.AddDays(maxOverrideListDays)) {
		return nil, invalid("to", "range must not exceed %d days", maxOverrideListDays)
	}
	items, err := s.overrides.List(ctx, therapistID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	return items, nil
}

func (s *ScheduleStore) DeleteOverride(ctx context.Context, therapistID uuid.UUID, date Date) error {
	deleted, err := s.overrides.Delete(ctx, therapistID, date)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if !deleted {
		return &NotFoundError{Resource: "override", ID: date.String()}
	}
	return nil
}

// dayInputs loads the template and the override for one date.
func (s *ScheduleStore) dayInputs(ctx context.Context, therapistID uuid.UUID, date Date) (*WeeklyTemplate, *DateOverride, error) {
	tmpl, err := s.GetWeeklyTemplate(ctx, therapistID)
	if err != nil {
		return nil, nil, err
	}
	ov, err := s.GetOverride(ctx, therapistID, date)
	if err != nil {
		return nil, nil, err
	}
	return tmpl, ov, nil
}
