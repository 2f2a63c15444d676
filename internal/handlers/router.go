package handlers

import (
	"time"

	"github.com/fdip/backend/internal/middleware"
	"github.com/fdip/backend/internal/models"
	"github.com/fdip/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

// RouterConfig wires the ledger API.
type RouterConfig struct {
	Tokens     *TokenHandler
	Admin      *AdminHandler
	Webhooks   map[string]*WebhookHandler
	JWTSecret  string
	Redis      *redis.Client
	RateLimit  int
	RateWindow time.Duration
	Metrics    *services.Metrics
}

// NewAPIRouter returns the routes served under /api/v1.
func NewAPIRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	// Webhooks authenticate with the gateway's signature, not a bearer token.
	for provider, h := range cfg.Webhooks {
		r.Post("/webhooks/"+provider, h.Handle)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(cfg.JWTSecret, cfg.Redis))
		r.Use(middleware.RateLimitMiddleware(cfg.Redis, cfg.RateLimit, cfg.RateWindow, cfg.Metrics))

		r.Route("/tokens", func(r chi.Router) {
			r.Get("/balance", cfg.Tokens.GetBalance)
			r.Get("/transactions", cfg.Tokens.ListTransactions)
			r.Get("/transactions/{txId}", cfg.Tokens.GetTransaction)
			r.Post("/purchase", cfg.Tokens.Purchase)
			r.Post("/purchase/{txId}/cancel", cfg.Tokens.CancelPurchase)
			r.Post("/tip", cfg.Tokens.Tip)
			r.Post("/cashout", cfg.Tokens.Cashout)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(models.RoleAdmin))

			r.Post("/tokens/refund", cfg.Admin.Refund)
			r.Post("/tokens/sweep", cfg.Admin.Sweep)
			r.Get("/tokens/reconcile/{accountId}", cfg.Admin.Reconcile)
			r.Get("/payouts/{txId}/instruction", cfg.Admin.PayoutInstruction)
		})
	})
	return r
}
