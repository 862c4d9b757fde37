package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lexhq/legal-ai-platform/internal/assistant"
	"github.com/lexhq/legal-ai-platform/internal/batch"
	httpmiddleware "github.com/lexhq/legal-ai-platform/internal/http/middleware"
	"github.com/lexhq/legal-ai-platform/internal/ledger"
	"github.com/lexhq/legal-ai-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	AssistantHandler   *assistant.Handler
	BatchHandler       *batch.Handler
	UsageAdminHandler  *ledger.AdminHandler
	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	RateLimitPerSec    float64
	RateLimitBurst     int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}
	if cfg.RateLimitPerSec > 0 {
		r.Use(httpmiddleware.RateLimit(cfg.RateLimitPerSec, cfg.RateLimitBurst))
	}

	// Public endpoints (health, metrics)
	r.Group(func(public chi.Router) {
		public.Get("/healthz", healthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Firm-scoped API routes
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(requireFirmID)

		if cfg.AssistantHandler != nil {
			v1.Route("/conversations", func(r chi.Router) {
				r.Post("/", cfg.AssistantHandler.Open)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", cfg.AssistantHandler.Get)
					r.Post("/messages", cfg.AssistantHandler.PostMessage)
					r.Post("/actions/{messageID}/confirm", cfg.AssistantHandler.Confirm)
					r.Post("/actions/{messageID}/reject", cfg.AssistantHandler.Reject)
					r.Post("/close", cfg.AssistantHandler.Close)
				})
			})
		}

		if cfg.BatchHandler != nil {
			v1.Route("/batch-jobs", func(r chi.Router) {
				r.Post("/", cfg.BatchHandler.Trigger)
				r.Get("/{id}", cfg.BatchHandler.Get)
			})
		}
	})

	// Admin reporting routes (protected by HMAC JWT)
	if cfg.AdminAuthSecret != "" && cfg.UsageAdminHandler != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/usage/firms/{firmID}", cfg.UsageAdminHandler.FirmUsage)
			admin.Get("/usage/firms/{firmID}/features", cfg.UsageAdminHandler.FirmFeatureUsage)
		})
	}

	return r
}

func healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
