/**
 * @description
 * This file sets up the HTTP router for the dispatch-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for the supervisor dashboard.
 */

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fieldops/dispatch-service/internal/config"
)

// DispatchRoutes creates and returns the router for the dispatch service.
func DispatchRoutes(h *DispatchHandlers, cfg config.Config) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if cfg.CORSAllowedOrigins != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Collector-facing routes, authenticated by the identity provider's JWT.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWKSURL, cfg.AuthAudience, cfg.AuthIssuer))

		r.Get("/tasks", h.ListTasksHandler)
		r.Get("/tasks/{taskID}", h.GetTaskHandler)
		r.Post("/tasks/{taskID}/claim", h.ClaimTaskHandler)
		r.Post("/tasks/{taskID}/start", h.StartFieldworkHandler)
		r.Post("/tasks/{taskID}/complete", h.CompleteTaskHandler)

		r.Post("/offers/{offerID}/accept", h.AcceptOfferHandler)
		r.Post("/offers/{offerID}/decline", h.DeclineOfferHandler)

		r.Put("/me/location", h.UpdateLocationHandler)
		r.Put("/me/availability", h.UpdateAvailabilityHandler)

		r.Get("/wallet", h.GetWalletHandler)
		r.Get("/wallet/entries", h.ListWalletEntriesHandler)
		r.Post("/wallet/payouts", h.RequestPayoutHandler)
		r.Post("/wallet/payouts/{payoutID}/cancel", h.CancelPayoutHandler)
	})

	// Service-to-service routes, guarded by the shared internal key. These
	// drive task administration, review decisions, and budget management.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(cfg.InternalAPIKey))

		r.Post("/tasks", h.CreateTaskHandler)
		r.Post("/tasks/{taskID}/offer", h.OfferTaskHandler)
		r.Post("/tasks/{taskID}/cancel", h.CancelTaskHandler)
		r.Get("/tasks/{taskID}/candidates", h.ListCandidatesHandler)
		r.Get("/tasks/{taskID}/attempts", h.ListClaimAttemptsHandler)

		r.Post("/entries/{entryID}/approve", h.ApproveEarningHandler)
		r.Post("/entries/{entryID}/reject", h.RejectEarningHandler)
		r.Post("/entries/{entryID}/reverse", h.ReverseEntryHandler)

		r.Post("/wallets/{collectorID}/adjustments", h.PostAdjustmentHandler)
		r.Post("/wallets/{collectorID}/recompute", h.RecomputeWalletHandler)

		r.Post("/payouts/{payoutID}/{decision}", h.ResolvePayoutHandler)

		r.Post("/budgets", h.CreateBudgetHandler)
		r.Get("/budgets/{budgetID}", h.GetBudgetHandler)
		r.Post("/budgets/{budgetID}/topups", h.TopUpBudgetHandler)
		r.Get("/budgets/{budgetID}/topups", h.ListBudgetTopUpsHandler)
	})

	return r
}
