package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	DailyAPIKey      string        `mapstructure:"DAILY_API_KEY"`
	DailyAPIURL      string        `mapstructure:"DAILY_API_URL"`
	RoomTimeout      time.Duration `mapstructure:"ROOM_TIMEOUT"`
	SendGridAPIKey   string        `mapstructure:"SENDGRID_API_KEY"`
	SendGridFromAddr string        `mapstructure:"SENDGRID_FROM_EMAIL"`
	SendGridFromName string        `mapstructure:"SENDGRID_FROM_NAME"`
	WebhookURLs      []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`

	AvailabilityHorizonDays int           `mapstructure:"AVAILABILITY_HORIZON_DAYS"`
	WorkerConcurrency       int           `mapstructure:"WORKER_CONCURRENCY"`
	RoomSweepInterval       time.Duration `mapstructure:"ROOM_SWEEP_INTERVAL"`

	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	OTLPInsecure    bool    `mapstructure:"OTLP_INSECURE"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	MigrationsDir   string  `mapstructure:"MIGRATIONS_DIR"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CORS_ORIGINS", "AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"DAILY_API_KEY", "DAILY_API_URL", "ROOM_TIMEOUT",
	"SENDGRID_API_KEY", "SENDGRID_FROM_EMAIL", "SENDGRID_FROM_NAME",
	"WEBHOOK_URLS", "WEBHOOK_SECRET",
	"AVAILABILITY_HORIZON_DAYS", "WORKER_CONCURRENCY", "ROOM_SWEEP_INTERVAL",
	"OTLP_ENDPOINT", "OTLP_INSECURE", "TRACE_SAMPLE_RATE", "MIGRATIONS_DIR",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory and then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("DAILY_API_URL", "https://api.daily.co/v1")
	v.SetDefault("ROOM_TIMEOUT", "10s")
	v.SetDefault("SENDGRID_FROM_NAME", "Telecare")
	v.SetDefault("AVAILABILITY_HORIZON_DAYS", 60)
	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("ROOM_SWEEP_INTERVAL", "5m")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments use "development" (trusted headers) and everything else
// "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if len(c.AuthJWTSecret) < 32 {
			return fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.AvailabilityHorizonDays < 1 || c.AvailabilityHorizonDays > 366 {
		return fmt.Errorf("AVAILABILITY_HORIZON_DAYS must be between 1 and 366, got %d", c.AvailabilityHorizonDays)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.RoomTimeout > 0 && c.RoomTimeout >= c.RequestTimeout {
		// Room creation runs inside the booking request.
		return fmt.Errorf("ROOM_TIMEOUT (%s) must be shorter than REQUEST_TIMEOUT (%s)", c.RoomTimeout, c.RequestTimeout)
	}
	if c.IsProduction() && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required in production")
	}
	if c.SendGridAPIKey != "" && c.SendGridFromAddr == "" {
		return fmt.Errorf("SENDGRID_FROM_EMAIL is required when SENDGRID_API_KEY is set")
	}
	if len(c.WebhookURLs) > 0 && len(c.WebhookSecret) < 16 {
		return fmt.Errorf("WEBHOOK_SECRET must be at least 16 bytes when WEBHOOK_URLS is set")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
