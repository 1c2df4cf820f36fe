package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/funagig/gigrelay/bridge"
	"github.com/funagig/gigrelay/csrf"
	"github.com/funagig/gigrelay/ratelimit"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions       SessionService
	store          Store
	publisher      bridge.Publisher
	limiter        *ratelimit.Limiter
	csrf           *csrf.Guard
	trustedProxies []netip.Prefix
	logger         *slog.Logger
	audit          *auditLogger
	webhook        *auditWebhook
	webhookURL     string
	webhookAuth    string
	alertFn        AlertFunc
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for handler and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithPublisher sets where relay events go. Without one events are dropped.
func WithPublisher(p bridge.Publisher) Option {
	return func(a *API) {
		a.publisher = p
	}
}

// WithLimiter shares a rate limiter with other components.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *API) {
		a.limiter = l
	}
}

// WithTrustedProxies restricts which peers may supply X-Forwarded-For.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithAuditWebhook forwards audit events and alerts to url. authHeader, if
// set, is a "Header: Value" pair added to every delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithAlertFunc registers a callback for audit spikes such as bursts of
// failed logins. Alerts are always logged.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance.
func New(sessions SessionService, store Store, opts ...Option) *API {
	a := &API{
		sessions:  sessions,
		store:     store,
		publisher: bridge.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.limiter == nil {
		a.limiter = ratelimit.New()
	}
	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	a.audit = newAuditLogger(a.logger, a.webhook, a.alertFn, a.now)
	a.logger = a.logger.With("component", "api")
	a.csrf = csrf.New(sessions, csrf.WithRejectHook(func(r *http.Request, reason string) {
		a.audit.logFailure(AuditCSRFRejected, r, reason)
	}))
	return a
}

// Close flushes queued audit webhook deliveries. Call it after the HTTP
// server has stopped.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

// Router returns a chi.Router with all API routes mounted. Gated routes run
// security headers, then identity resolution, then their rate limit, then the
// CSRF check and finally the session requirement.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Use(a.Identity)

		guard := a.csrf.Middleware(sessionTokenFromRequest)

		r.With(a.RateLimit("login"), guard).Post("/login", a.Login)
		r.With(a.RateLimit("logout"), guard, a.RequireSession).Post("/logout", a.Logout)
		r.With(a.RateLimit("csrf-token"), a.RequireSession).Get("/csrf-token", a.CSRFToken)

		r.With(a.RateLimit("messages"), guard, a.RequireSession).Post("/messages", a.SendMessage)
		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Use(a.RateLimit("conversations"), guard, a.RequireSession)
			r.Post("/read", a.MarkConversationRead)
			r.Post("/typing", a.Typing)
		})
		r.With(a.RateLimit("notifications"), guard, a.RequireSession).Post("/notifications/read", a.MarkNotificationsRead)
	})

	return r
}
