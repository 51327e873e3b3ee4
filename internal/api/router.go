package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/otbridge/otbridge/internal/api/handlers"
	"github.com/otbridge/otbridge/internal/api/middleware"
	"github.com/otbridge/otbridge/internal/config"
	"github.com/otbridge/otbridge/internal/metrics"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, met *metrics.Registry) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth().Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Prometheus scrape endpoint
	r.Method(http.MethodGet, "/metrics", met.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/metrics", h.GetMetrics)

		r.Route("/bridge", func(r chi.Router) {
			r.Post("/start", h.StartBridge)
			r.Post("/stop", h.StopBridge)
		})

		// Sources
		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.ListSources)
			r.Post("/", h.AddSource)
			r.Route("/{sourceName}", func(r chi.Router) {
				r.Get("/", h.GetSource)
				r.Put("/", h.UpdateSource)
				r.Delete("/", h.DeleteSource)
				r.Post("/start", h.StartSource)
				r.Post("/stop", h.StopSource)
			})
		})

		// Ingest stream
		r.Route("/zerobus", func(r chi.Router) {
			r.Get("/config", h.GetZerobusConfig)
			r.Post("/config", h.SetZerobusConfig)
			r.Get("/status", h.GetZerobusStatus)
			r.Post("/start", h.StartZerobus)
			r.Post("/stop", h.StopZerobus)
			r.Get("/diagnostics", h.GetZerobusDiagnostics)
		})

		// Pipeline diagnostics
		r.Route("/diagnostics", func(r chi.Router) {
			r.Get("/pipeline", h.GetPipelineDiagnostics)
		})

		// Server discovery
		r.Route("/discovery", func(r chi.Router) {
			r.Post("/scan", h.ScanNetwork)
			r.Get("/servers", h.ListDiscoveredServers)
			r.Post("/test", h.TestConnection)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "otbridge",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "otbridge",
		})
	}
}
