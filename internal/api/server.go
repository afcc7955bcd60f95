package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ReserveLedger/internal/custody"
	"ReserveLedger/internal/engine"
	"ReserveLedger/internal/observability"
	"ReserveLedger/internal/oracle"
	"ReserveLedger/internal/persistence"
)

// Server is the HTTP/JSON command and query surface over the engine. Caller
// identity comes from the X-Caller-ID header; authentication is terminated
// upstream.
type Server struct {
	engine  *engine.Engine
	oracle  *oracle.Store
	vault   *custody.Vault
	events  *persistence.EventLogWriter
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

type Config struct {
	Engine  *engine.Engine
	Oracle  *oracle.Store
	Vault   *custody.Vault
	Events  *persistence.EventLogWriter
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

func NewServer(cfg Config) *Server {
	return &Server{
		engine:  cfg.Engine,
		oracle:  cfg.Oracle,
		vault:   cfg.Vault,
		events:  cfg.Events,
		health:  cfg.Health,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/reserve/deposit", s.handleDeposit)
		v1.Post("/reserve/withdraw", s.handleWithdraw)
		v1.Post("/reserve/borrow", s.handleBorrow)
		v1.Post("/reserve/repay", s.handleRepay)
		v1.Post("/reserve/sweep-dust", s.handleSweepDust)
		v1.Get("/reserve", s.handleReserveSnapshot)

		v1.Post("/collateral/register", s.handleRegisterCollateral)
		v1.Post("/collateral/release", s.handleReleaseCollateral)
		v1.Get("/collateral/{owner}", s.handleCollateralHoldings)

		v1.Post("/liquidations/{borrower}/initiate", s.handleInitiateLiquidation)
		v1.Post("/liquidations/{borrower}/close", s.handleCloseLiquidation)
		v1.Post("/liquidations/{borrower}/finalize", s.handleFinalizeLiquidation)

		v1.Post("/rates/prime", s.handleSetPrimeRate)
		v1.Get("/rates/preview", s.handlePreviewRates)

		v1.Get("/positions/{borrower}", s.handlePosition)
		v1.Get("/events", s.handleEvents)
	})

	return r
}

// instrument records request counts and latency per route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		s.metrics.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}
