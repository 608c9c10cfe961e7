// Package httpapi mounts the gateway's HTTP surface: the proxy endpoints the
// clients call, the admin control plane, and the operational endpoints
// (health, metrics, events).
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/circuitbreaker"
	"github.com/relaygate/relaygate/internal/dispatch"
	"github.com/relaygate/relaygate/internal/events"
	"github.com/relaygate/relaygate/internal/kv"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
)

// maxBodyBytes caps inbound proxy request bodies.
const maxBodyBytes = 10 << 20

type Dependencies struct {
	Auth       *auth.Authenticator
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	KV         kv.Store
	Breakers   *circuitbreaker.Set
	Sessions   *session.Tracker
	Prices     *pricing.Registry
	Metrics    *metrics.Registry
	EventBus   *events.Bus
	Logger     *slog.Logger

	// RPM is consulted per request when RateLimitEnabled is set.
	RPM              *ratelimit.RPMLimiter
	RateLimitEnabled bool

	// ReloadWords rebuilds the sensitive-word filter after admin edits.
	ReloadWords func()

	// Loc sets the day boundary for the leaderboard and per-provider daily
	// totals. Nil falls back to UTC.
	Loc *time.Location

	Version string
}

func (d Dependencies) location() *time.Location {
	if d.Loc != nil {
		return d.Loc
	}
	return time.UTC
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		kvStatus := "ok"
		if d.KV != nil && !d.KV.Ready(r.Context()) {
			// KV outages degrade limits to fail-open; the gateway still serves.
			kvStatus = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"kv":      kvStatus,
			"version": d.Version,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware(auth.SurfaceProxy))
		if d.RateLimitEnabled && d.RPM != nil {
			r.Use(rpmMiddleware(d))
		}
		r.Post("/messages", ProxyHandler(d))
		r.Post("/chat/completions", ProxyHandler(d))
		r.Post("/responses", ProxyHandler(d))
		r.Post("/*", ProxyHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(d.Auth.Middleware(auth.SurfaceControl))
		r.Use(auth.RequireAdmin)

		r.Get("/version", VersionHandler(d))
		r.Get("/circuits", CircuitsHandler(d))
		r.Post("/circuits/{id}/reset", CircuitResetHandler(d))
		r.Get("/loglevel", LogLevelGetHandler())
		r.Put("/loglevel", LogLevelPutHandler())

		r.Get("/users", UsersListHandler(d))
		r.Post("/users", UsersUpsertHandler(d))
		r.Get("/keys", KeysListHandler(d))
		r.Post("/keys", KeysCreateHandler(d))
		r.Patch("/keys/{id}", KeysPatchHandler(d))
		r.Delete("/keys/{id}", KeysDeleteHandler(d))
		r.Get("/providers", ProvidersListHandler(d))
		r.Post("/providers", ProvidersUpsertHandler(d))
		r.Delete("/providers/{id}", ProvidersDeleteHandler(d))
		r.Get("/words", WordsListHandler(d))
		r.Post("/words", WordsUpsertHandler(d))
		r.Delete("/words/{id}", WordsDeleteHandler(d))
		r.Post("/prices", PricesAppendHandler(d))
		r.Post("/prices/refresh", PricesRefreshHandler(d))

		r.Get("/sessions", SessionsHandler(d))
		r.Get("/sessions/{id}/aggregate", SessionAggregateHandler(d))
		r.Get("/usage", UsageHandler(d))
		r.Get("/leaderboard", LeaderboardHandler(d))
		r.Get("/providers/{id}/today", ProviderTodayHandler(d))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// rpmMiddleware rejects requests over the owning user's per-minute rate. The
// bucket is keyed by key id so two keys of one user do not share a bucket.
func rpmMiddleware(d Dependencies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.FromContext(r.Context())
			if p != nil && p.Key != nil && !d.RPM.Allow(p.Key.ID, p.User.RPMLimit) {
				w.Header().Set("Retry-After", "1")
				jsonError(w, "request rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
