// Package api exposes the assistant over HTTP: the query endpoint, rule
// administration, cache statistics, health probes and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qms-assistant/internal/common/auth"
	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/models"
)

// Assistant is the service behind the routes; *assistant.Service implements it.
type Assistant interface {
	Ask(ctx context.Context, question string) (*models.QueryResponse, error)
	ListRules() []models.IntentRule
	Rejected() []rules.Rejection
	UpsertRule(ctx context.Context, rule models.IntentRule) (models.IntentRule, error)
	ReloadRules(ctx context.Context) (rules.LoadReport, error)
	DisableRule(ctx context.Context, id int64) error
	CacheStats() models.CacheStats
	Ready() bool
}

// TokenIntrospector validates admin bearer tokens; *auth.KeycloakClient implements it.
type TokenIntrospector interface {
	Introspect(ctx context.Context, token string) (*auth.TokenInfo, error)
}

// ReadinessCheck reports whether a backing dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

type Config struct {
	RequestTimeout time.Duration
	// AdminRole is required on admin tokens when an introspector is set.
	AdminRole string
	// ReadinessChecks run on every /ready probe, keyed by dependency name.
	ReadinessChecks map[string]ReadinessCheck
}

type Server struct {
	svc    Assistant
	guard  TokenIntrospector
	cfg    Config
	logger logger.Logger
}

// NewRouter builds the HTTP handler. A nil guard leaves the admin routes open.
func NewRouter(svc Assistant, guard TokenIntrospector, cfg Config, log logger.Logger) http.Handler {
	s := &Server{
		svc:    svc,
		guard:  guard,
		cfg:    cfg,
		logger: log.WithFields(map[string]interface{}{"component": "http"}),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", s.query)
		r.Get("/cache/stats", s.cacheStats)

		r.Route("/rules", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/", s.listRules)
			r.Put("/", s.upsertRule)
			r.Post("/reload", s.reloadRules)
			r.Post("/{id}/disable", s.disableRule)
		})
	})

	return r
}
