/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP behind proxies
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for dashboards

ROUTE GROUPS:
  /webhooks/stripe      Processor event ingestion
  /api/users/*          Per-user balances, history, wallet, top-ups
  /api/orgs/*           Seat management
  /api/scenarios/*      Demo scenarios (dev only)
  /healthz              Liveness

SECURITY NOTE:
  The webhook route is authenticated by Stripe's signature. The REST
  routes carry no auth; they are meant to sit behind the product's API
  gateway, not on the open internet.

SEE ALSO:
  - handlers.go: Handler implementations
  - webhook.go: Stripe event dispatch
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// Processor webhooks (signature-verified, no CORS concerns)
	r.Post("/webhooks/stripe", h.HandleStripeWebhook)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/credits", h.GetCredits)
			r.Get("/credits/{key}/history", h.GetHistory)
			r.Get("/wallet", h.GetWallet)
			r.Get("/subscription", h.GetSubscription)
			r.Post("/topups", h.CreateTopUp)
		})

		// Org routes
		r.Route("/orgs/{id}/seats", func(r chi.Router) {
			r.Get("/", h.ListSeats)
			r.Post("/", h.AddSeat)
			r.Delete("/{userId}", h.RemoveSeat)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	r.Get("/healthz", h.Healthz)

	return r
}
