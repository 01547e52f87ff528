/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For (webhook allow-list)
  3. Logger:     Request logging through zerolog
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. instrument: Prometheus request count and latency per route
  6. CORS:       Cross-origin requests from the web frontend (cookies allowed)

ROUTE GROUPS:
  /health, /metrics      Public
  /webhooks/paypay       Public, checked by WebhookHandler
  everything else        RequireUser (session cookie)

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"context"
	stdlog "log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries what the router needs besides the handlers.
type RouterConfig struct {
	CORSOrigins []string
	Sessions    SessionVerifier
	Health      Pinger // nil reports healthy
	Log         zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, wh *WebhookHandler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  stdlog.New(cfg.Log.With().Str("component", "http").Logger(), "", 0),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key"},
		AllowCredentials: true,
	}))

	r.Get("/health", health(cfg.Health))
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodPost, "/webhooks/paypay", wh)

	r.Group(func(r chi.Router) {
		r.Use(RequireUser(cfg.Sessions, cfg.Log))

		r.Post("/checkout", h.Checkout)
		r.Get("/payments/{merchantPaymentID}", h.GetPayment)

		r.Route("/points", func(r chi.Router) {
			r.Get("/", h.GetPoints)
			r.Post("/topup", h.Topup)
			r.Get("/movements", h.GetMovements)
		})
		r.Post("/purchase/{programID}", h.Purchase)

		r.Get("/purchases", h.GetPurchases)
		r.Get("/programs/{programID}/access", h.GetAccess)
	})

	return r
}

func health(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			if err := p.Ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}
