package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/config"
	"tourportal.io/internal/httpapi"
	"tourportal.io/internal/ledger"
	"tourportal.io/internal/moderation"
	"tourportal.io/internal/notify"
	"tourportal.io/internal/otp"
	"tourportal.io/internal/resource"
	"tourportal.io/internal/session"
	"tourportal.io/internal/store/pg"
)

// app is the wired service graph shared by the HTTP and gRPC listeners.
type app struct {
	api    *httpapi.API
	health *httpapi.HealthServer
	store  *pg.Store

	creds *auth.InMemoryCredentials
	dir   *auth.InMemoryDirectory
	arena *resource.Arena
	led   *ledger.Engine
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// buildApp wires the services. With a PG DSN the identity, ledger and
// moderation stores live in Postgres; otherwise everything is in memory.
func buildApp(ctx context.Context, cfg config.Config, log *zap.Logger, demo bool) (*app, error) {
	a := &app{}

	var (
		creds      auth.CredentialStore
		dir        auth.Directory
		consents   auth.ConsentRecorder
		ledgerData ledger.Store
		modData    moderation.Store
		backups    otp.BackupStore
		ready      httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		st, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		if err := st.Ping(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		a.store = st
		identities := st.Identities(0)
		creds, dir, consents, backups = identities, identities, identities, identities
		ledgerData = st.Ledger()
		modData = st.Moderation()
		ready = httpapi.ReadyProbe{DB: st.DB()}
	} else {
		a.creds = auth.NewInMemoryCredentials()
		a.dir = auth.NewInMemoryDirectory()
		creds, dir, consents = a.creds, a.dir, auth.NewInMemoryConsents()
	}

	sender, err := newSender(cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	factor := otp.NewChallenge(sender,
		otp.WithTTL(cfg.OTPTTL),
		otp.WithCooldown(cfg.OTPResendCooldown),
		otp.WithBackupStore(backups),
	)
	sessions, err := session.NewManager(creds, dir, consents, factor,
		session.WithAttemptLimit(cfg.MaxAuthAttempts, cfg.LockoutDuration),
		session.WithIdleTimeout(cfg.SessionIdleTimeout),
		session.WithLogger(log),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	secret := cfg.TokenSecret
	if secret == "" {
		if !demo {
			_ = a.Close()
			return nil, errors.New("PORTAL_TOKEN_SECRET is required outside demo mode")
		}
		secret = uuid.NewString()
		log.Warn("token_secret_generated", zap.String("reason", "demo mode without PORTAL_TOKEN_SECRET"))
	}
	tokens, err := auth.NewTokenIssuer(secret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.led = ledger.NewEngine(ledgerData)
	hub := notify.NewHub()
	queue, err := moderation.NewQueue(modData, a.led,
		moderation.WithNotifier(hub),
		moderation.WithLogger(log),
	)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.arena = resource.NewArena()

	a.api, err = httpapi.New(httpapi.Deps{
		Sessions:      sessions,
		Tokens:        tokens,
		Resources:     a.arena,
		Notifications: hub,
		Ledger:        a.led,
		Moderation:    queue,
		BackupCodes:   factor,
		Ready:         ready,
		Version:       version,
	}, httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.health = httpapi.NewHealthServer(ready)

	if demo {
		if a.store != nil {
			log.Warn("demo_seed_skipped", zap.String("reason", "postgres mode; use migrate seed and users add"))
		} else if err := seedDemo(ctx, a); err != nil {
			return nil, fmt.Errorf("seed demo data: %w", err)
		}
	}
	return a, nil
}

func newSender(cfg config.Config, log *zap.Logger) (otp.Sender, error) {
	if !cfg.MailEnabled() {
		return otp.NewLogSender(log), nil
	}
	return otp.NewMailSender(otp.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}
