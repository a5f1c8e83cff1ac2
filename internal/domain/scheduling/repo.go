package scheduling

import (
	"context"

	"github.com/google/uuid"
)

// TemplateRepository stores one weekly template per therapist.
// Get returns nil, nil when the therapist never saved a template.
type TemplateRepository interface {
	Get(ctx context.Context, therapistID uuid.UUID) (*WeeklyTemplate, error)
	Save(ctx context.Context, t *WeeklyTemplate) error
}

// OverrideRepository stores at most one override per therapist and date.
// Get returns nil, nil when there is none.
type OverrideRepository interface {
	Get(ctx context.Context, therapistID uuid.UUID, date Date) (*DateOverride, error)
	List(ctx context.Context, therapistID uuid.UUID, from, to Date) ([]*DateOverride, error)
	Upsert(ctx context.Context, o *DateOverride) error
	Delete(ctx context.Context, therapistID uuid.UUID, date Date) (bool, error)
}

// StatusPatch describes a guarded status update.
type StatusPatch struct {
	To                 SessionStatus
	Notes              *string
	RecordingRef       *string
	CancellationReason *string
	CancelledBy        *uuid.UUID
}

type SessionRepository interface {
	// WithTherapistDayLock runs fn inside one transaction that holds an
	// exclusive lock on (therapist, date). Repository calls made with the
	// context passed to fn join that transaction. If the commit itself
	// fails the error wraps ErrOutcomeUnknown.
	WithTherapistDayLock(ctx context.Context, therapistID uuid.UUID, date Date, fn func(ctx context.Context) error) error
	// Create inserts s. An overlap with an occupying session of the same
	// therapist is reported as a ConflictError.
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	// ListOccupying returns occupying sessions of the therapist dated within
	// [from, to], ordered by date and start time.
	ListOccupying(ctx context.Context, therapistID uuid.UUID, from, to Date) ([]*Session, error)
	ListByParticipant(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Session, int, error)
	// UpdateStatus applies patch only while the session is in one of from.
	// It returns errStatusChanged when the guard matched nothing.
	UpdateStatus(ctx context.Context, id uuid.UUID, from []SessionStatus, patch StatusPatch) (*Session, error)
	SetRoom(ctx context.Context, id uuid.UUID, url, name string) error
	ListRoomPending(ctx context.Context, limit int) ([]*Session, error)
}
