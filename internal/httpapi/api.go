package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"tourportal.io/internal/auth"
	"tourportal.io/internal/ledger"
	"tourportal.io/internal/moderation"
	"tourportal.io/internal/notify"
	"tourportal.io/internal/obs"
	"tourportal.io/internal/resource"
	"tourportal.io/internal/session"
)

const serviceName = "tourportal"

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ReadyProbe reports readiness; with no database configured it is always ready.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// BackupCodeIssuer replaces an identity's backup codes and returns the new
// plaintext set.
type BackupCodeIssuer interface {
	GenerateBackupCodes(ctx context.Context, identityID string, n int) ([]string, error)
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Sessions      *session.Manager
	Tokens        *auth.TokenIssuer
	Resources     *resource.Arena
	Notifications *notify.Hub
	Ledger        ledger.Service
	Moderation    *moderation.Queue
	BackupCodes   BackupCodeIssuer
	Ready         readinessChecker
	Version       string
}

// API is the HTTP transport of the portal.
type API struct {
	sessions      *session.Manager
	tokens        *auth.TokenIssuer
	resources     *resource.Arena
	notifications *notify.Hub
	ledger        ledger.Service
	moderation    *moderation.Queue
	backupCodes   BackupCodeIssuer
	ready         readinessChecker
	version       string

	validate     *validator.Validate
	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
	origins      []string
}

// Option configures an API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst = burst
			a.ratePerSec = perSecond
		}
	}
}

// WithAllowedOrigins replaces the CORS origin allow-list.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) {
		if len(origins) > 0 {
			a.origins = origins
		}
	}
}

// New wires the transport. Sessions and Tokens are required.
func New(d Deps, opts ...Option) (*API, error) {
	if d.Sessions == nil || d.Tokens == nil {
		return nil, errors.New("httpapi: sessions and tokens are required")
	}
	if d.Resources == nil {
		d.Resources = resource.NewArena()
	}
	if d.Notifications == nil {
		d.Notifications = notify.NewHub()
	}
	if d.Ledger == nil || d.Moderation == nil {
		return nil, errors.New("httpapi: ledger and moderation are required")
	}
	if d.Ready == nil {
		d.Ready = ReadyProbe{}
	}
	a := &API{
		sessions:      d.Sessions,
		tokens:        d.Tokens,
		resources:     d.Resources,
		notifications: d.Notifications,
		ledger:        d.Ledger,
		moderation:    d.Moderation,
		backupCodes:   d.BackupCodes,
		ready:         d.Ready,
		version:       d.Version,
		validate:      newValidator(),
		rateBurst:     20,
		ratePerSec:    10,
		maxBodyBytes:  1 << 20,
		origins:       []string{"http://localhost:*", "http://127.0.0.1:*"},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler returns the fully wrapped router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Post("/v1/session/credentials", a.submitCredentials)

	r.Group(func(r chi.Router) {
		r.Use(a.withSession)

		r.Get("/v1/session", a.getSession)
		r.Delete("/v1/session", a.signOut)
		r.Get("/v1/session/roles", a.listSessionRoles)
		r.Post("/v1/session/second-factor", a.submitSecondFactor)
		r.Post("/v1/session/second-factor/resend", a.resendCode)
		r.Post("/v1/session/consent", a.recordConsent)
		r.Post("/v1/session/role", a.selectRole)
		r.Post("/v1/session/switch-role", a.switchRole)

		r.Group(func(r chi.Router) {
			r.Use(a.requireActive)

			r.Get("/v1/me", a.me)
			if a.backupCodes != nil {
				r.Post("/v1/session/backup-codes", a.issueBackupCodes)
			}

			r.Route("/v1/resources/{kind}", func(r chi.Router) {
				r.Get("/", a.listResources)
				r.Post("/", a.createResource)
				r.Get("/{id}", a.getResource)
				r.Patch("/{id}", a.updateResource)
				r.Delete("/{id}", a.deleteResource)
				r.Post("/{id}/publish", a.publishResource)
			})

			r.Route("/v1/notifications", func(r chi.Router) {
				r.Get("/", a.listNotifications)
				r.Post("/", a.publishNotification)
				r.Get("/badge", a.badge)
				r.Get("/stream", a.streamBadges)
				r.Post("/{id}/read", a.markRead)
			})

			r.Route("/v1/ledger/accounts", func(r chi.Router) {
				r.Get("/", a.listAccounts)
				r.Post("/", a.openAccount)
				r.Get("/{id}", a.getAccount)
				r.Get("/{id}/transactions", a.listTransactions)
				r.Post("/{id}/adjustments", a.adjust)
				r.Post("/{id}/reservations", a.reserve)
				r.Post("/{id}/releases", a.release)
			})
			r.Get("/v1/ledger/transactions/{id}", a.getTransaction)

			r.Route("/v1/moderation/requests", func(r chi.Router) {
				r.Get("/", a.listModeration)
				r.Post("/", a.submitModeration)
				r.Get("/{id}", a.getModeration)
				r.Post("/{id}/review", a.reviewModeration)
				r.Post("/{id}/decision", a.resolveModeration)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	var h http.Handler = r
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeError(w, r, http.StatusServiceUnavailable, "not ready")
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    serviceName,
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}
