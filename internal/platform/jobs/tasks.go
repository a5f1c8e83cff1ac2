// Package jobs moves work that may fail or must be retried off the request
// path: video room provisioning retries, notification delivery and the
// periodic sweep for sessions still waiting on a room.
package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/telecare/telecare/internal/platform/notification"
)

const (
	TypeRoomRetry    = "session:room_retry"
	TypeRoomSweep    = "session:room_sweep"
	TypeNotification = "notification:deliver"
)

const (
	QueueRooms         = "rooms"
	QueueNotifications = "notifications"
)

const (
	roomRetryDelay    = 30 * time.Second
	roomRetryAttempts = 10
	notifyAttempts    = 5
	taskTimeout       = 2 * time.Minute
)

type roomRetryPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

type roomSweepPayload struct {
	Limit int `json:"limit"`
}

// NewRoomRetryTask builds a delayed room provisioning attempt. The task id
// is derived from the session so a session never has two retries queued.
func NewRoomRetryTask(sessionID uuid.UUID) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(roomRetryPayload{SessionID: sessionID})
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueRooms),
		asynq.ProcessIn(roomRetryDelay),
		asynq.MaxRetry(roomRetryAttempts),
		asynq.Timeout(taskTimeout),
		asynq.TaskID("room-retry:" + sessionID.String()),
	}
	return asynq.NewTask(TypeRoomRetry, b), opts, nil
}

func NewRoomSweepTask(limit int) (*asynq.Task, error) {
	b, err := json.Marshal(roomSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomSweep, b, asynq.Queue(QueueRooms), asynq.MaxRetry(0), asynq.Timeout(taskTimeout)), nil
}

func NewNotificationTask(evt notification.Event) (*asynq.Task, []asynq.Option, error) {
	if evt.Kind == "" {
		return nil, nil, fmt.Errorf("notification task: event kind is required")
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(notifyAttempts),
		asynq.Timeout(taskTimeout),
	}
	return asynq.NewTask(TypeNotification, b), opts, nil
}
