package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the environment configuration the portal binaries start from.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"GRPC_ADDR" envDefault:":9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	PGDSN string `env:"PG_DSN"`

	TokenSecret string        `env:"TOKEN_SECRET"`
	TokenIssuer string        `env:"TOKEN_ISSUER" envDefault:"tourportal"`
	TokenTTL    time.Duration `env:"TOKEN_TTL" envDefault:"12h"`

	OTPTTL            time.Duration `env:"OTP_TTL" envDefault:"5m"`
	OTPResendCooldown time.Duration `env:"OTP_RESEND_COOLDOWN" envDefault:"30s"`

	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	MaxAuthAttempts    int           `env:"MAX_AUTH_ATTEMPTS" envDefault:"5"`
	LockoutDuration    time.Duration `env:"LOCKOUT_DURATION" envDefault:"5m"`

	RateBurst     int `env:"RATE_BURST" envDefault:"40"`
	RatePerSecond int `env:"RATE_PER_SECOND" envDefault:"20"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"no-reply@tourportal.io"`

	TracingEnabled bool `env:"TRACING_ENABLED" envDefault:"false"`
}

const envPrefix = "PORTAL_"

// Load reads an optional .env file and parses PORTAL_* variables.
func Load(dotenvFiles ...string) (Config, error) {
	if err := godotenv.Load(dotenvFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load dotenv: %w", err)
	}
	return Parse()
}

// Parse reads configuration from the process environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot run with.
func (c Config) Validate() error {
	if c.TokenTTL <= 0 {
		return errors.New("config: token ttl must be positive")
	}
	if c.OTPTTL <= 0 {
		return errors.New("config: otp ttl must be positive")
	}
	if c.OTPResendCooldown < 0 || c.LockoutDuration < 0 || c.SessionIdleTimeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.MaxAuthAttempts < 0 {
		return errors.New("config: max auth attempts must not be negative")
	}
	if c.RateBurst <= 0 || c.RatePerSecond <= 0 {
		return errors.New("config: rate limit must be positive")
	}
	return nil
}

// MailEnabled reports whether OTP codes should be delivered over SMTP.
func (c Config) MailEnabled() bool {
	return c.SMTPHost != ""
}
