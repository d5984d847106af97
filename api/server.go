/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/categories       Product catalog
  /api/wallets/*        Wallet views and history
  /api/allocations/*    Sub-allocation, updates, tree navigation
  /api/charges          Usage reports
  /api/transactions/*   Ledger lookups
  /api/scenarios        Demo scenarios (loading is an admin route)
  /api/admin/*          Privileged operations (bearer token)
  /healthz              Liveness

SECURITY NOTE:
  Authentication of end users happens upstream; this surface trusts
  X-Initiated-By. Admin routes require "Authorization: Bearer <token>" and
  are disabled entirely when no token is configured.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AdminToken  string
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", headerInitiatedBy},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/categories", h.ListCategories)

		// Wallet routes
		r.Route("/wallets", func(r chi.Router) {
			r.Get("/", h.ListWallets)
			r.Get("/{owner}/{category}", h.GetWallet)
			r.Get("/{owner}/{category}/transactions", h.GetWalletTransactions)
		})

		// Allocation routes
		r.Route("/allocations", func(r chi.Router) {
			r.Post("/", h.SubAllocate)
			r.Get("/{id}", h.GetAllocation)
			r.Patch("/{id}", h.UpdateAllocation)
			r.Get("/{id}/ancestors", h.GetAncestors)
			r.Get("/{id}/descendants", h.GetDescendants)
		})

		r.Post("/charges", h.Charge)
		r.Get("/transactions/{id}", h.GetTransaction)
		r.Get("/scenarios", h.ListScenarios)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin(opts.AdminToken))
			r.Post("/root-allocations", h.RootAllocate)
			r.Post("/charges", h.AdminCharge)
			r.Post("/reset", h.Reset)
			r.Post("/sweep", h.Sweep)
			r.Post("/scenarios/load", h.LoadScenario)
		})
	})

	return r
}

// RequireAdmin checks the bearer token. An empty token disables the routes.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "Admin API disabled", nil)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "Invalid admin token", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccessLog writes one structured line per request.
func AccessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
