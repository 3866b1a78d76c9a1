// Package api exposes an instance's lifecycle operations over HTTP.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/vpnpki/backup"
	"github.com/jmcleod/vpnpki/journal"
	"github.com/jmcleod/vpnpki/pki"
	"github.com/jmcleod/vpnpki/service"
	"github.com/jmcleod/vpnpki/toolchain"
)

// Service is the subset of the façade the handlers drive.
type Service interface {
	Info(ctx context.Context) pki.Info
	Init(ctx context.Context, serverURL string) (pki.Info, error)
	ListClients(ctx context.Context) ([]pki.ClientRecord, error)
	AddClient(ctx context.Context, name string) (pki.ClientRecord, error)
	Client(ctx context.Context, name string) (pki.ClientRecord, error)
	RevokeClient(ctx context.Context, name string) (pki.RevokeResult, error)
	ClientConfig(ctx context.Context, name string) ([]byte, error)
	ClientArchive(ctx context.Context, name string) ([]byte, error)
	RefreshCRL(ctx context.Context, force bool) (toolchain.CRLInfo, bool, error)
	CRL(ctx context.Context) ([]byte, error)
	Backup(ctx context.Context, destination string) (backup.Result, error)
	Restore(ctx context.Context, source string, confirm bool) (pki.Info, error)
	VerifySnapshot(ctx context.Context, source string) (backup.Manifest, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status(ctx context.Context, tail int) service.Status
	AuditLog() ([]journal.Entry, error)
	VerifyAudit() (journal.Result, error)
}

var _ Service = (*service.Service)(nil)

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            Service
	token          *memguard.Enclave
	trustedProxies []netip.Prefix
	limiter        *authLimiter
	audit          *auditLogger
	webhook        *auditWebhook
	alertFn        AlertFunc
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithToken requires "Authorization: Bearer <token>" on every API route.
// Without it the API is unauthenticated and should only listen locally.
func WithToken(token *memguard.Enclave) Option {
	return func(a *API) { a.token = token }
}

// WithTrustedProxies lets requests from these networks name the client
// address through X-Forwarded-For, Forwarded or X-Real-IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAuditWebhook forwards every audit event to url. header, when set, has
// the form "Name: value" and is added to each request.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		if url != "" {
			a.webhook = newAuditWebhook(url, header)
		}
	}
}

// WithAlertFunc is called when auth failures or profile downloads spike.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// New creates a new API instance over svc.
func New(svc Service, opts ...Option) *API {
	a := &API{
		svc:     svc,
		limiter: newAuthLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.Default())
	}
	a.audit.webhook = a.webhook
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	return a
}

// Close stops the audit webhook after delivering queued events.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
		a.webhook = nil
	}
}

// Router returns a chi.Router with all API routes mounted. It is meant to be
// mounted at /api/v1.
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
		r.Use(a.AuthMiddleware)

		r.Get("/instance", a.GetInstance)
		r.Post("/instance/init", a.InitInstance)
		r.Post("/instance/start", a.StartContainer)
		r.Post("/instance/stop", a.StopContainer)
		r.Get("/status", a.GetStatus)

		r.Get("/clients", a.ListClients)
		r.Post("/clients", a.AddClient)
		r.Get("/clients/{name}", a.GetClient)
		r.Get("/clients/{name}/config", a.GetClientConfig)
		r.Post("/clients/{name}/revoke", a.RevokeClient)

		r.Post("/crl/refresh", a.RefreshCRL)
		r.Get("/crl.pem", a.GetCRL)

		r.Post("/backups", a.CreateBackup)
		r.Post("/backups/verify", a.VerifyBackup)
		r.Post("/restores", a.RestoreBackup)

		r.Get("/audit", a.ListAudit)
		r.Get("/audit/verify", a.VerifyAudit)
	})

	return r
}
