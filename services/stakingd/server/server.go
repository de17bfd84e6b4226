package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"riffstake/native/staking"
	"riffstake/observability"
	"riffstake/services/stakingd/auth"
	stakingmw "riffstake/services/stakingd/middleware"
)

// DefaultRevenueScope guards the internal revenue routes.
const DefaultRevenueScope = "revenue:write"

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine       *staking.Engine
	DB           *gorm.DB
	Auth         *auth.Authenticator
	RateLimit    stakingmw.RateLimit
	RevenueScope string
	Logger       *slog.Logger
	Metrics      *observability.HTTPMetrics
	// Ready reports database health for /healthz. Nil means always ready.
	Ready func() error
	Now   func() time.Time
}

// Server exposes the staking engine over HTTP.
type Server struct {
	engine       *staking.Engine
	db           *gorm.DB
	auth         *auth.Authenticator
	limiter      *stakingmw.RateLimiter
	revenueScope string
	logger       *slog.Logger
	metrics      *observability.HTTPMetrics
	ready        func() error
	now          func() time.Time

	router http.Handler
}

// New constructs the router with authentication, rate limiting and
// idempotency support.
func New(cfg Config) *Server {
	if cfg.RevenueScope == "" {
		cfg.RevenueScope = DefaultRevenueScope
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	srv := &Server{
		engine:       cfg.Engine,
		db:           cfg.DB,
		auth:         cfg.Auth,
		limiter:      stakingmw.NewRateLimiter(cfg.RateLimit, cfg.Metrics),
		revenueScope: cfg.RevenueScope,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		ready:        cfg.Ready,
		now:          cfg.Now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "stakingd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(stakingmw.Metrics(s.metrics))

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		protected.Use(s.limiter.Middleware)
		protected.Use(stakingmw.WithIdempotency(s.db))

		protected.Route("/v1", func(api chi.Router) {
			api.Post("/stakes", s.Stake)
			api.Get("/stakers/me/positions", s.MyPositions)
			api.Get("/staking/rewards", s.Rewards)

			api.Route("/positions/{id}", func(pos chi.Router) {
				pos.Get("/", s.GetPosition)
				pos.Post("/unstake", s.Unstake)
				pos.Post("/touch", s.Touch)
				pos.Get("/movements", s.Movements)
				pos.Get("/movements/export", s.ExportMovements)
				pos.Get("/audit", s.Audit)
			})

			api.Route("/assets/{id}", func(asset chi.Router) {
				asset.Get("/stats", s.Stats)
				asset.Get("/staking-config", s.GetAssetConfig)
				asset.Put("/staking-config", s.PutAssetConfig)
			})
		})

		protected.Route("/internal", func(internal chi.Router) {
			internal.Use(auth.RequireScope(s.revenueScope))
			internal.Post("/revenue-events", s.RecordRevenue)
			internal.Get("/revenue-events/{id}", s.GetDistribution)
		})
	})
	return r
}

// Healthz reports readiness.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			s.logger.Warn("readiness check failed", slog.String("error", err.Error()))
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}
