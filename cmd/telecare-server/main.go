package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/telecare/telecare/internal/config"
	"github.com/telecare/telecare/internal/domain/scheduling"
	"github.com/telecare/telecare/internal/platform/auth"
	"github.com/telecare/telecare/internal/platform/db"
	"github.com/telecare/telecare/internal/platform/jobs"
	"github.com/telecare/telecare/internal/platform/middleware"
	"github.com/telecare/telecare/internal/platform/notification"
	"github.com/telecare/telecare/internal/platform/telemetry"
	"github.com/telecare/telecare/internal/platform/validate"
	"github.com/telecare/telecare/internal/platform/video"
	"github.com/telecare/telecare/internal/platform/webhook"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "telecare-server",
		Short:        "Telecare scheduling and session API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process room retries, notifications and the pending room sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		if dir == "" {
			dir = cfg.MigrationsDir
		}
		schema, _ := cmd.Flags().GetString("schema")

		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir).WithSchema(schema))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
		cmd.AddCommand(c)
	}
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", version).Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// app holds the dependencies shared by the server and the worker.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	pool      *pgxpool.Pool
	redis     *redis.Client
	queue     *asynq.Client
	redisOpt  asynq.RedisConnOpt
	deliverer *notification.Deliverer
	store     *scheduling.ScheduleStore
	avail     *scheduling.AvailabilityService
	bookings  *scheduling.BookingService
	credits   scheduling.CreditChecker
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)
	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth is active: X-Dev-User/X-Dev-Role headers are trusted, requests without them act as admin")
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	a := &app{cfg: cfg, logger: logger, pool: pool}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		a.redisOpt = asynqRedisOpt(opts)
		a.queue = asynq.NewClient(a.redisOpt)
		logger.Info().Str("addr", opts.Addr).Msg("redis configured")
	} else {
		logger.Warn().Msg("REDIS_URL not set: idempotency keys are ignored and notifications are sent inline")
	}

	var email notification.EmailSender = notification.LogSender{Logger: logger}
	if s := notification.NewSendGridSender(notification.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromAddr,
		FromName:  cfg.SendGridFromName,
	}); s != nil {
		email = s
	}
	a.deliverer = notification.NewDeliverer(email, nil, logger)

	endpoints := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		endpoints = append(endpoints, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret})
	}
	hooks, err := webhook.NewPublisher(endpoints, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if hooks != nil {
		a.deliverer.WithWebhooks(hooks)
		logger.Info().Int("endpoints", len(endpoints)).Msg("partner webhooks configured")
	}

	var rooms scheduling.RoomProvisioner
	if cfg.DailyAPIKey != "" {
		rooms = video.NewClient(video.Config{APIKey: cfg.DailyAPIKey, BaseURL: cfg.DailyAPIURL, Timeout: cfg.RoomTimeout})
	} else {
		logger.Warn().Msg("DAILY_API_KEY not set: sessions are booked without video rooms")
	}

	var (
		notifier  scheduling.Notifier = a.deliverer
		roomRetry scheduling.RoomRetryScheduler
	)
	if a.queue != nil {
		jc := jobs.NewClient(a.queue, logger)
		notifier, roomRetry = jc, jc
	}

	metrics := scheduling.NewMetrics(prometheus.DefaultRegisterer)
	directory := scheduling.NewParticipantDirectoryPG(pool)
	sessions := scheduling.NewSessionRepoPG(pool)
	a.store = scheduling.NewScheduleStore(scheduling.NewTemplateRepoPG(pool), scheduling.NewOverrideRepoPG(pool))
	a.avail = scheduling.NewAvailabilityService(a.store, sessions, directory, metrics, cfg.AvailabilityHorizonDays)
	a.bookings = scheduling.NewBookingService(scheduling.BookingDeps{
		Sessions:     sessions,
		Availability: a.avail,
		Directory:    directory,
		Rooms:        rooms,
		RoomRetry:    roomRetry,
		Notifier:     notifier,
		Metrics:      metrics,
		Logger:       logger.With().Str("component", "bookings").Logger(),
		RoomTimeout:  cfg.RoomTimeout,
	})
	a.credits = scheduling.NewCreditCheckerPG(pool)
	return a, nil
}

func (a *app) Close() {
	if a.bookings != nil {
		a.bookings.Wait()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.pool.Close()
}

func asynqRedisOpt(o *redis.Options) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Network:   o.Network,
		Addr:      o.Addr,
		Username:  o.Username,
		Password:  o.Password,
		DB:        o.DB,
		TLSConfig: o.TLSConfig,
	}
}

// serverDeps are what newServer mounts. Idempotency may be nil.
type serverDeps struct {
	handler     *scheduling.Handler
	health      map[string]db.Check
	idempotency echo.MiddlewareFunc
	httpMetrics *telemetry.HTTPMetrics
}

func newServer(cfg *config.Config, logger zerolog.Logger, deps serverDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware())
	if deps.httpMetrics != nil {
		e.Use(deps.httpMetrics.Middleware())
	}
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, middleware.IdempotencyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, middleware.IdempotencyReplayedHeader, "Retry-After"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", db.HealthHandler(deps.health))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthJWTSecret),
			Skipper:    auth.AuthSkipper,
		})
	}
	api := e.Group("/api/v1", authMW, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	deps.handler.RegisterRoutes(api, deps.idempotency)
	return e
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceVersion: version,
		Environment:    a.cfg.Env,
		OTLPEndpoint:   a.cfg.OTLPEndpoint,
		OTLPInsecure:   a.cfg.OTLPInsecure,
		SampleRate:     a.cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}

	health := map[string]db.Check{"postgres": db.PoolCheck(a.pool)}
	var idem echo.MiddlewareFunc
	if a.redis != nil {
		health["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
		idem = middleware.Idempotency(middleware.NewRedisIdempotencyStore(a.redis, middleware.DefaultIdempotencyTTL), logger)
	}

	e := newServer(a.cfg, logger, serverDeps{
		handler:     scheduling.NewHandler(a.store, a.avail, a.bookings, a.credits, logger),
		health:      health,
		idempotency: idem,
		httpMetrics: telemetry.NewHTTPMetrics(prometheus.DefaultRegisterer),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("env", a.cfg.Env).Msg("starting server")
		var err error
		if a.cfg.TLSEnabled {
			err = e.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return tp.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func runWorker() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.queue == nil {
		return fmt.Errorf("worker requires REDIS_URL")
	}

	mux := jobs.NewMux(a.bookings, a.deliverer, a.logger)
	w, err := jobs.NewWorker(a.redisOpt, jobs.WorkerConfig{
		Concurrency:   a.cfg.WorkerConcurrency,
		SweepInterval: a.cfg.RoomSweepInterval,
	}, mux, a.logger.With().Str("component", "worker").Logger())
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
