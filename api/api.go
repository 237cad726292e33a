// Package api exposes the WebDAV connector to the browser: credential
// submission, URL inspection, plugin options and lock management.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/davkeeper/connector"
	"github.com/jmcleod/davkeeper/credstore"
	"github.com/jmcleod/davkeeper/davprobe"
	"github.com/jmcleod/davkeeper/options"
)

// DefaultIdleTimeout ends sessions that have been quiet this long.
const DefaultIdleTimeout = 30 * time.Minute

// API holds the dependencies needed by the REST handlers.
type API struct {
	conn     *connector.Connector
	probe    *davprobe.Prober
	options  options.Store
	trusted  *options.TrustedHosts
	sessions *SessionRegistry
	audit    *auditLogger
	logger   *slog.Logger

	idleTimeout time.Duration
	maxSessions int
	rootBudget  time.Duration
	adminToken  string
	alertFn     AlertFunc
	webhookURL  string
	webhookAuth string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithIdleTimeout sets how long a browser session may stay quiet before
// its credentials are dropped. Zero disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		a.idleTimeout = d
	}
}

// WithMaxSessions bounds the number of live browser sessions.
func WithMaxSessions(n int) Option {
	return func(a *API) {
		a.maxSessions = n
	}
}

// WithRootBudget bounds server root discovery in /url-info.
func WithRootBudget(d time.Duration) Option {
	return func(a *API) {
		a.rootBudget = d
	}
}

// WithAdminToken requires "Authorization: Bearer <token>" on option
// updates. Without it options are read-only over HTTP.
func WithAdminToken(token string) Option {
	return func(a *API) {
		a.adminToken = token
	}
}

// WithAlertFunc registers a callback for login failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards audit events to url. authHeader, when set, is
// a "Name: value" header added to every delivery.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// New creates a new API instance. Close must be called to stop the
// session sweeper.
func New(conn *connector.Connector, probe *davprobe.Prober, opts options.Store, apiOpts ...Option) *API {
	a := &API{
		conn:        conn,
		probe:       probe,
		options:     opts,
		idleTimeout: DefaultIdleTimeout,
		maxSessions: credstore.DefaultMaxSessions,
		rootBudget:  davprobe.DefaultBudget,
	}
	for _, opt := range apiOpts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	var webhook *auditWebhook
	if a.webhookURL != "" {
		webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
	}
	a.audit = newAuditLogger(a.logger, newMetricsCollector(a.alertFn), webhook)
	a.trusted = options.NewTrustedHosts(opts, a.logger)
	a.sessions = NewSessionRegistry(a.idleTimeout, a.maxSessions, a.endSession)
	a.logger = a.logger.With("component", "api")
	return a
}

// Close stops background work and flushes pending audit deliveries.
func (a *API) Close() {
	a.sessions.Close()
	a.audit.close()
}

// Sessions returns the registry of live browser sessions.
func (a *API) Sessions() *SessionRegistry { return a.sessions }

// Router returns a chi.Router with all routes mounted. It is meant to be
// mounted at /webdav.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/webdav/openapi.yaml",
		Path:    "webdav/docs",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.SessionMiddleware)
		r.Use(a.CSRFMiddleware)

		r.Post("/login", a.Login)
		r.Get("/url-info", a.URLInfo)
		r.Get("/document", a.GetDocument)
		r.Put("/document", a.PutDocument)
		r.Post("/editing-session", a.EditingSession)
		r.Post("/lock", a.Lock)
		r.Post("/unlock", a.Unlock)
	})

	r.Get("/config", a.GetConfig)
	r.Put("/config", a.PutConfig)
	r.Get("/trusted-host", a.TrustedHost)

	return r
}

// endSession is the single teardown path for logout and expiry.
func (a *API) endSession(id credstore.SessionID, reason EndReason) {
	a.conn.EndSession(id)
	event := AuditLogout
	switch reason {
	case EndExpired:
		event = AuditSessionExpired
	case EndEvicted:
		event = AuditSessionEvicted
	}
	a.audit.logSession(event, id)
}
