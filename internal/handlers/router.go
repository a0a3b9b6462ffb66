package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	mW "github.com/tradelink/settlement/internal/middleware"
)

type RouterConfig struct {
	JWTSecret      string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter mounts the payment API under /api/v1 behind bearer auth and the
// webhook receivers under /webhooks, which authenticate by signature.
func NewRouter(cfg RouterConfig, payments *PaymentHandler, webhooks *WebhookHandler) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"https://*", "http://*"}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.Post("/webhooks/{gateway}", webhooks.Receive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.Auth(cfg.JWTSecret))

		r.Post("/payments/intents", payments.CreateIntent)
		r.Get("/payments/{id}", payments.GetStatus)
		r.Post("/payments/{id}/confirm", payments.Confirm)
		r.Post("/payments/{id}/cancel", payments.Cancel)
		r.Get("/payments/{id}/audit", payments.AuditTrail)
		r.Get("/stats/settlement", payments.SettlementStats)

		r.Group(func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleAdmin))
			r.Post("/payments/{id}/refund", payments.Refund)
			r.Post("/escrow/{id}/release", payments.Release)
		})
	})

	return r
}
