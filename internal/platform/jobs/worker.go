package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/telecare/telecare/internal/platform/notification"
)

// RoomService provisions video rooms for booked sessions.
type RoomService interface {
	RetryRoomProvisioning(ctx context.Context, sessionID uuid.UUID) error
	ProvisionPendingRooms(ctx context.Context, limit int) (int, error)
}

// Deliverer sends a notification event to its recipients.
type Deliverer interface {
	Deliver(ctx context.Context, evt notification.Event) error
}

// WorkerConfig controls the worker process.
type WorkerConfig struct {
	Concurrency   int
	SweepInterval time.Duration
	SweepLimit    int
}

// NewMux routes task types to their handlers.
func NewMux(rooms RoomService, deliverer Deliverer, logger zerolog.Logger) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeRoomRetry, handleRoomRetry(rooms, logger))
	mux.HandleFunc(TypeRoomSweep, handleRoomSweep(rooms, logger))
	mux.HandleFunc(TypeNotification, handleNotification(deliverer, logger))
	return mux
}

func handleRoomRetry(rooms RoomService, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p roomRetryPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("decode room retry payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := rooms.RetryRoomProvisioning(ctx, p.SessionID); err != nil {
			logger.Warn().Err(err).Str("session_id", p.SessionID.String()).Msg("room provisioning retry failed")
			return err
		}
		return nil
	}
}

func handleRoomSweep(rooms RoomService, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var p roomSweepPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("decode room sweep payload: %v: %w", err, asynq.SkipRetry)
		}
		created, err := rooms.ProvisionPendingRooms(ctx, p.Limit)
		if created > 0 {
			logger.Info().Int("created", created).Msg("pending rooms provisioned")
		}
		// The next sweep picks up whatever failed.
		if err != nil {
			logger.Warn().Err(err).Msg("room sweep incomplete")
		}
		return nil
	}
}

func handleNotification(deliverer Deliverer, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var evt notification.Event
		if err := json.Unmarshal(task.Payload(), &evt); err != nil {
			return fmt.Errorf("decode notification payload: %v: %w", err, asynq.SkipRetry)
		}
		if err := deliverer.Deliver(ctx, evt); err != nil {
			logger.Warn().Err(err).
				Str("kind", string(evt.Kind)).
				Str("session_id", evt.SessionID.String()).
				Msg("notification delivery failed")
			return err
		}
		return nil
	}
}

// Worker runs the task server and the periodic room sweep.
type Worker struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	logger    zerolog.Logger
}

func NewWorker(redis asynq.RedisConnOpt, cfg WorkerConfig, mux *asynq.ServeMux, logger zerolog.Logger) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	alog := asynqLogger{logger.With().Str("component", "asynq").Logger()}

	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueRooms:         6,
			QueueNotifications: 3,
			"default":          1,
		},
		Logger: alog,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried >= maxRetry {
				logger.Error().Err(err).Str("type", task.Type()).Int("attempts", retried+1).Msg("task failed permanently")
			}
		}),
	})

	scheduler := asynq.NewScheduler(redis, &asynq.SchedulerOpts{Logger: alog, Location: time.UTC})
	sweep, err := NewRoomSweepTask(cfg.SweepLimit)
	if err != nil {
		return nil, err
	}
	if _, err := scheduler.Register(fmt.Sprintf("@every %s", cfg.SweepInterval), sweep); err != nil {
		return nil, fmt.Errorf("register room sweep: %w", err)
	}
	return &Worker{server: server, scheduler: scheduler, mux: mux, logger: logger}, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight work.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start task server: %w", err)
	}
	if err := w.scheduler.Start(); err != nil {
		w.server.Shutdown()
		return fmt.Errorf("start scheduler: %w", err)
	}
	w.logger.Info().Msg("worker started")
	<-ctx.Done()
	w.scheduler.Shutdown()
	w.server.Shutdown()
	w.logger.Info().Msg("worker stopped")
	return nil
}

// asynqLogger routes asynq's own logs through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
