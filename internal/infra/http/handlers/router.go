package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xavierca1/leadsync/internal/infra/http/middleware"
)

type RouterConfig struct {
	DefaultTenant string
	CORSOrigins   []string
	// Limiter guards the ingestion endpoints; nil disables rate limiting.
	Limiter *RateLimiter
}

func NewRouter(cfg RouterConfig, leads *LeadHandler, sync *SyncHandler, health *HealthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(500 * time.Millisecond))
	r.Use(chimw.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", TenantHeader},
	}))

	r.Get("/health", health.Handle)
	r.Handle("/metrics", promhttp.Handler())

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.Limiter != nil {
		limit = cfg.Limiter.Middleware
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(Tenant(cfg.DefaultTenant))

		r.With(limit).Post("/leads/ingest", leads.Ingest)
		r.With(limit).Post("/leads/ingest/batch", leads.IngestBatch)
		r.Get("/leads/{id}", leads.Get)
		r.Patch("/leads/{id}/status", leads.UpdateStatus)
		r.Patch("/leads/{id}/local", leads.UpdateLocal)
		r.Post("/sync/pending", sync.RunPending)
	})
	return r
}
