package scheduling

import (
	"context"

	"github.com/google/uuid"

	"github.com/telecare/telecare/internal/platform/notification"
	"github.com/telecare/telecare/internal/platform/video"
)

// RoomProvisioner creates the video room for a booked session.
type RoomProvisioner interface {
	CreateRoom(ctx context.Context, req video.RoomRequest) (*video.Room, error)
}

// RoomRetryScheduler queues another room provisioning attempt.
type RoomRetryScheduler interface {
	ScheduleRoomRetry(ctx context.Context, sessionID uuid.UUID) error
}

// Notifier delivers booking and cancellation notices. Delivery failures
// never undo the booking.
type Notifier interface {
	Notify(ctx context.Context, evt notification.Event) error
}

// ParticipantDirectory looks up users. A missing user is a NotFoundError.
type ParticipantDirectory interface {
	GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error)
}

// CreditChecker answers whether a patient holds a usable session credit.
// Bookings are only attempted for patients who do; the scheduling core
// never spends credits itself.
type CreditChecker interface {
	HasUsableCredit(ctx context.Context, patientID uuid.UUID) (bool, error)
}
