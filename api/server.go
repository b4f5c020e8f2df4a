/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logging:    zap request log
  4. CORS:       Cross-origin requests for the field app

ROUTE GROUPS:
  /api/queue/*          Offline queue: enqueue, pending-items view, retry, delete
  /api/sync/*           Flush now, platform signals
  /api/ledger/{owner}/* KPIs, entries, manual movements, rollover, balance
  /api/loans/{id}       Loan lookup with payment history
  /healthz              Liveness

SECURITY NOTE:
  Authentication happens upstream. The caller's user id arrives in the
  X-User-ID header and is only used for audit records.

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(opts.Logger.Named("http")))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: false,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.ListQueue)
			r.Post("/", h.Enqueue)
			r.Get("/{id}", h.GetQueueItem)
			r.Post("/{id}/retry", h.RetryQueueItem)
			r.Delete("/{id}", h.DeleteQueueItem)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/flush", h.Flush)
			r.Post("/signals/connectivity", h.SignalConnectivity)
			r.Post("/signals/foreground", h.SignalForeground)
		})

		r.Route("/ledger/{owner}", func(r chi.Router) {
			r.Get("/kpis", h.GetKPIs)
			r.Get("/entries", h.ListEntries)
			r.Get("/balance", h.GetBalance)
			r.Post("/movements", h.CreateMovement)
			r.Post("/rollover", h.TriggerRollover)
		})

		r.Get("/loans/{id}", h.GetLoan)
	})

	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
