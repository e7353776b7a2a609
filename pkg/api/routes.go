package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.traceRequests)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	// Storefront requests forwarded by the app proxy.
	r.Route("/proxy", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(s.requireProxy)

		r.Route("/fit", func(r chi.Router) {
			r.Post("/presign", s.handlePresign)
			r.Post("/commit", s.handleCommit)
			r.Get("/status", s.handleStatus)
			r.Get("/height", s.handleGetHeight)
			r.Post("/height", s.handleSaveHeight)
			r.Get("/sizing", s.handleSizing)
			r.Get("/recommendation", s.handleRecommendation)
		})

		r.Get("/assets/*", s.handleAsset)
	})

	// Worker completion callback.
	r.Route("/internal", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(s.requireCallbackSecret)

		r.Post("/model-run-callback", s.handleCallback)
	})

	// Platform privacy webhooks.
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Use(s.requireWebhook)

		r.Post("/customers/redact", s.handleCustomerRedact)
		r.Post("/shop/redact", s.handleShopRedact)
		r.Post("/customers/data_request", s.handleCustomerDataRequest)
	})

	// Admin endpoints for the embedded admin pages.
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(s.corsMiddleware())
		r.Use(s.requireAdmin)

		r.Get("/runs", s.handleListRuns)
		r.Get("/sizing", s.handleGetSizing)
		r.Put("/sizing", s.handlePutSizing)
		r.Post("/erasure", s.handleErasure)
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "PUT", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", operatorKeyHeader},
		MaxAge:         300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
