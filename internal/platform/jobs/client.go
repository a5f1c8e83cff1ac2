package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/notification"
)

// Enqueuer is the part of *asynq.Client the producer needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client enqueues background work. It satisfies the scheduling room retry
// scheduler and notifier.
type Client struct {
	queue  Enqueuer
	logger zerolog.Logger
}

func NewClient(queue Enqueuer, logger zerolog.Logger) *Client {
	return &Client{queue: queue, logger: logger}
}

// ScheduleRoomRetry queues a delayed room provisioning attempt. A retry that
// is already queued for the session is left in place.
func (c *Client) ScheduleRoomRetry(ctx context.Context, sessionID uuid.UUID) error {
	task, opts, err := NewRoomRetryTask(sessionID)
	if err != nil {
		return err
	}
	info, err := c.queue.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue room retry: %w", err)
	}
	c.logger.Debug().Str("task_id", info.ID).Str("session_id", sessionID.String()).Msg("room retry queued")
	return nil
}

// Notify queues evt for delivery by the worker.
func (c *Client) Notify(ctx context.Context, evt notification.Event) error {
	task, opts, err := NewNotificationTask(evt)
	if err != nil {
		return err
	}
	if _, err := c.queue.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}
