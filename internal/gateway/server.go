package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"claudeproxy/internal/domain"
	"claudeproxy/internal/infra/config"
	"claudeproxy/internal/infra/middleware"
)

// Server wires the API handler, auth, rate limiting and security
// headers into one http.Server.
type Server struct {
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	logger     *slog.Logger
}

// NewServer assembles the full middleware chain.
//
// Liveness and status endpoints sit outside authentication so local
// monitoring keeps working when a token is configured; the API surface
// sits behind auth and per-client rate limiting.
func NewServer(cfg config.ServerConfig, handler *Handler, status *StatusHandler, logger *slog.Logger) *Server {
	api := http.NewServeMux()
	handler.Routes(api)

	auth := NewStaticTokenAuth(cfg.Token, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimit, logger, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, domain.NewDomainError("gateway.ratelimit", domain.ErrRateLimit, "too many requests"))
	})

	root := http.NewServeMux()
	status.Routes(root)
	root.Handle("/", limiter.Middleware(auth.Middleware(api)))

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           middleware.SecurityHeaders(root),
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: SSE responses stay open for the full
			// agent run; the engine enforces the request deadline.
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.limiter.StartCleanup(ctx, time.Minute)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
