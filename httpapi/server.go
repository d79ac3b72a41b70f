package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/health"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/metrics"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/ratelimit"
)

type (
	// ServerOptions configures the shared HTTP surface of one service.
	ServerOptions struct {
		Addr    string
		Metrics *metrics.Metrics
		Health  *health.Aggregator
		// Limiter backs the global rate-limit middleware. Optional; when
		// nil no global limiting applies.
		Limiter *ratelimit.Limiter
		// LogContext is the service's root logger context.
		LogContext context.Context
		// Debug mounts pprof and the debug-log toggles.
		Debug bool
	}

	// Server owns the router and the listener lifecycle.
	Server struct {
		router chi.Router
		api    chi.Router
		addr   string
		logCtx context.Context
	}
)

// NewServer builds the router with the platform middleware chain in its
// fixed order: metrics, rate limit, logging, then per-route auth (declared
// by services when mounting). Health and metrics endpoints bypass limiting.
func NewServer(opts ServerOptions) *Server {
	logCtx := opts.LogContext
	if logCtx == nil {
		logCtx = log.Context(context.Background())
	}

	r := chi.NewRouter()

	// Operational surface outside the middleware chain.
	if opts.Health != nil {
		r.Get("/health", opts.Health.LivenessHandler())
		r.Get("/health/detailed", opts.Health.ReadinessHandler())
		r.Get("/ready", opts.Health.ReadinessHandler())
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}
	if opts.Debug {
		r.Mount("/debug", debugRouter())
	}

	api := chi.NewRouter()
	r.Group(func(g chi.Router) {
		if opts.Metrics != nil {
			g.Use(Instrument(opts.Metrics))
		}
		if opts.Limiter != nil {
			g.Use(RateLimit(opts.Limiter, opts.Metrics, "global"))
		}
		g.Use(Logging(logCtx))
		g.Mount("/api/v1", api)
	})

	return &Server{router: r, api: api, addr: opts.Addr, logCtx: logCtx}
}

// Mount attaches a service's routes under /api/v1. fn receives a sub-router
// already behind the chain's metrics, limiter and logging; per-route auth
// middleware is declared by the service itself.
func (s *Server) Mount(pattern string, fn func(chi.Router)) {
	s.api.Route(pattern, fn)
}

// Router exposes the underlying router, used by tests.
func (s *Server) Router() chi.Router { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 60 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf(s.logCtx, "HTTP server listening on %q", s.addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf(s.logCtx, "shutting down HTTP server at %q", s.addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func debugRouter() http.Handler {
	mux := http.NewServeMux()
	debug.MountPprofHandlers(mux)
	debug.MountDebugLogEnabler(mux)
	return mux
}
