package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/circuitbreaker"
	"github.com/relaygate/relaygate/internal/dispatch"
	"github.com/relaygate/relaygate/internal/events"
	"github.com/relaygate/relaygate/internal/httpapi"
	"github.com/relaygate/relaygate/internal/kv"
	"github.com/relaygate/relaygate/internal/logging"
	"github.com/relaygate/relaygate/internal/metrics"
	"github.com/relaygate/relaygate/internal/pricing"
	"github.com/relaygate/relaygate/internal/ratelimit"
	"github.com/relaygate/relaygate/internal/selector"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/store"
	"github.com/relaygate/relaygate/internal/tracing"
	"github.com/relaygate/relaygate/internal/upstream"
	"github.com/relaygate/relaygate/internal/wordfilter"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server is the composition root: it owns every subsystem and the HTTP mux.
type Server struct {
	cfg    Config
	r      *chi.Mux
	logger *slog.Logger

	store    store.Store
	kv       kv.Store
	bus      *events.Bus
	sessions *session.Tracker
	metrics  *metrics.Registry
	rpm      *ratelimit.RPMLimiter
	prices   *pricing.Registry

	filter      atomic.Pointer[wordfilter.Filter]
	otelStop    func(context.Context) error
	backgroundC chan struct{}
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	otelStop, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "relaygate",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	var kvStore kv.Store
	if cfg.RedisURL != "" {
		redis, err := kv.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			// The limits and session tracker fail open; a dead Redis at boot is
			// degraded service, not a fatal error.
			logger.Warn("redis unreachable at startup, using in-process KV", "error", err)
			kvStore = kv.NewMemory()
		} else {
			kvStore = redis
			logger.Info("redis connected")
		}
	} else {
		kvStore = kv.NewMemory()
		logger.Info("no redis configured, using in-process KV")
	}

	m := metrics.New()
	bus := events.NewBus()

	breakers := circuitbreaker.NewSet()
	breakers.OnStateChange(func(providerID string, from, to circuitbreaker.State) {
		if to == circuitbreaker.Open {
			m.CircuitOpens.WithLabelValues(providerID).Inc()
		}
		bus.Publish(events.Event{
			Type:       events.EventCircuitChange,
			ProviderID: providerID,
			OldState:   from.String(),
			NewState:   to.String(),
		})
	})

	limits := ratelimit.NewCostLimiter(kvStore, logger)
	sessions := session.New(kvStore, logger,
		session.WithExpiry(time.Duration(cfg.SessionTTLSecs)*time.Second))

	prices := pricing.NewRegistry(db, logger, pricing.WithFirstLoadHook(func() {
		logger.Info("model prices loaded")
	}))
	if err := prices.Refresh(ctx); err != nil {
		logger.Warn("initial price load failed", "error", err)
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		store:       db,
		kv:          kvStore,
		bus:         bus,
		sessions:    sessions,
		metrics:     m,
		prices:      prices,
		otelStop:    otelStop,
		backgroundC: make(chan struct{}),
	}

	empty, _ := wordfilter.Compile(nil)
	s.filter.Store(empty)
	s.reloadWords(ctx)

	authn := auth.New(db, cfg.AdminToken)
	client := upstream.NewClient(time.Duration(cfg.UpstreamTimeoutSecs) * time.Second)
	sel := selector.New(db, breakers, limits, sessions, logger)
	disp := dispatch.New(sel, client, breakers, limits, sessions, prices,
		func() *wordfilter.Filter { return s.filter.Load() }, db, bus, logger)

	s.rpm = ratelimit.NewRPMLimiter(ratelimit.WithRejectCounter(m.RateLimited))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "x-api-key", "x-session-id", "anthropic-version", "anthropic-beta"},
		AllowCredentials: cfg.SecureCookies,
		MaxAge:           300,
	}))
	if cfg.SecureCookies {
		r.Use(hstsMiddleware)
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Auth:             authn,
		Dispatcher:       disp,
		Store:            db,
		KV:               kvStore,
		Breakers:         breakers,
		Sessions:         sessions,
		Prices:           prices,
		Metrics:          m,
		EventBus:         bus,
		Logger:           logger,
		RPM:              s.rpm,
		RateLimitEnabled: cfg.RateLimitEnabled,
		ReloadWords:      func() { s.reloadWords(context.Background()) },
		Loc:              cfg.Location(),
		Version:          Version,
	})
	s.r = r

	go s.consumeEvents()
	go s.background(prices)

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload re-reads the hot-reloadable state (sensitive words and model prices)
// from the store, for SIGHUP handling.
func (s *Server) Reload(ctx context.Context) {
	s.reloadWords(ctx)
	if err := s.prices.Refresh(ctx); err != nil {
		s.logger.Warn("price refresh on reload failed", "error", err)
	}
}

func (s *Server) Close() error {
	close(s.backgroundC)
	if s.rpm != nil {
		s.rpm.Stop()
	}
	if s.otelStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.otelStop(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// reloadWords recompiles the sensitive-word filter from the store. An invalid
// stored pattern keeps the previous filter in place.
func (s *Server) reloadWords(ctx context.Context) {
	words, err := s.store.ListSensitiveWords(ctx)
	if err != nil {
		s.logger.Warn("sensitive word load failed", "error", err)
		return
	}
	compiled, err := wordfilter.Compile(words)
	if err != nil {
		s.logger.Error("sensitive word compile failed, keeping previous filter", "error", err)
		return
	}
	s.filter.Store(compiled)
	s.logger.Info("sensitive word filter loaded", slog.Int("words", len(words)))
}

// consumeEvents mirrors bus traffic into Prometheus counters.
func (s *Server) consumeEvents() {
	sub := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(sub)
	for {
		select {
		case <-s.backgroundC:
			return
		case e := <-sub.C:
			s.observe(e)
		}
	}
}

func (s *Server) observe(e events.Event) {
	switch e.Type {
	case events.EventDispatchSuccess:
		status := strconv.Itoa(e.StatusCode)
		s.metrics.RequestsTotal.WithLabelValues(e.Model, e.ProviderID, status).Inc()
		s.metrics.RequestLatency.WithLabelValues(e.Model, e.ProviderID).Observe(e.LatencyMs)
		if cost, err := strconv.ParseFloat(e.CostUSD, 64); err == nil && cost > 0 {
			s.metrics.CostUSD.WithLabelValues(e.Model, e.ProviderID).Add(cost)
		}
		if e.Attempts > 1 {
			s.metrics.RetriesTotal.WithLabelValues(e.ProviderID).Add(float64(e.Attempts - 1))
		}
	case events.EventDispatchError:
		s.metrics.RequestsTotal.WithLabelValues(e.Model, e.ProviderID, strconv.Itoa(e.StatusCode)).Inc()
	case events.EventRequestBlocked:
		s.metrics.BlockedTotal.WithLabelValues(e.Reason).Inc()
	}
}

// background refreshes prices and the active-session gauge on a slow tick.
func (s *Server) background(prices *pricing.Registry) {
	refresh := time.NewTicker(5 * time.Minute)
	gauge := time.NewTicker(30 * time.Second)
	defer refresh.Stop()
	defer gauge.Stop()
	for {
		select {
		case <-s.backgroundC:
			return
		case <-refresh.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := prices.Refresh(ctx); err != nil {
				s.logger.Warn("price refresh failed", "error", err)
			}
			cancel()
		case <-gauge.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.metrics.ActiveSessions.Set(float64(s.sessions.CountActive(ctx)))
			cancel()
		}
	}
}

func hstsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
