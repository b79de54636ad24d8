/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Access log: zap request log plus Prometheus request metrics
  4. CORS:       Cross-origin requests for the shop and customer frontends
  5. Auth:       Bearer token parsing (only when a JWT secret is set)

ROUTE GROUPS:
  /api/customers/*      Customer-owned resources (customer role)
  /api/redemptions/*    Customer approval of shop sessions
  /api/shops/*          Shop-initiated rewards and redemptions (shop role)
  /api/mints/*          Mint settlement callbacks (admin role)
  /api/admin/*          Auditor and sweeper (admin role)
  /api/scenarios/*      Demo data (admin role)
  /healthz, /metrics    Operations, unauthenticated

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/jwt.go: Role checks
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/repaircoin/rcn-engine/auth"
	"github.com/repaircoin/rcn-engine/monitoring"
	"go.uber.org/zap"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	// Tokens enables bearer-token auth. Nil leaves every route open.
	Tokens         *auth.Tokens
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(h.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	customer := func(param string) func(http.Handler) http.Handler {
		return auth.Require(auth.RoleCustomer, param, authError)
	}
	shop := auth.Require(auth.RoleShop, "shopID", authError)
	admin := auth.Require(auth.RoleAdmin, "", authError)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Authenticate(opts.Tokens, authError))

		// Customer routes
		r.Route("/customers", func(r chi.Router) {
			r.Post("/", h.CreateCustomer)
			r.Group(func(r chi.Router) {
				r.Use(customer("address"))
				r.Get("/{address}", h.GetCustomer)
				r.Get("/{address}/balance", h.GetBalance)
				r.Get("/{address}/transactions", h.GetTransactions)
				r.Post("/{address}/mints", h.RequestMint)
			})
		})

		// Redemption routes (customer side). Approve and reject act as the
		// token subject, so no path check is needed.
		r.Route("/redemptions", func(r chi.Router) {
			r.Get("/{id}", h.GetRedemption)
			r.With(customer("")).Post("/{id}/approve", h.ApproveRedemption)
			r.With(customer("")).Post("/{id}/reject", h.RejectRedemption)
		})

		// Shop routes
		r.Route("/shops/{shopID}", func(r chi.Router) {
			r.Use(shop)
			r.Post("/rewards", h.IssueReward)
			r.Post("/referrals", h.IssueReferral)
			r.Post("/redemptions/validate", h.ValidateRedemption)
			r.Post("/redemptions", h.CreateRedemption)
			r.Post("/redemptions/{id}/consume", h.ConsumeRedemption)
		})

		// Mint settlement routes
		r.Route("/mints", func(r chi.Router) {
			r.Use(admin)
			r.Post("/{txID}/confirm", h.ConfirmMint)
			r.Post("/{txID}/fail", h.FailMint)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(admin)
			r.Get("/audit/sessions", h.AuditSessions)
			r.Post("/audit/sessions", h.AuditSessions)
			r.Get("/audit/duplicates/{address}", h.AuditDuplicates)
			r.Get("/audit/reconcile", h.ReconcileAll)
			r.Get("/audit/reconcile/{address}", h.Reconcile)
			r.Post("/sweep", h.Sweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Use(admin)
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// accessLog logs each request through zap and records it in the HTTP
// metrics, labeled by the matched route pattern rather than the raw path.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			monitoring.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			monitoring.ResponseTimeHistogram.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
