package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"accounts/backend/internal/config"
	"accounts/backend/internal/infrastructure/ratelimit"
	authusecase "accounts/backend/internal/usecase/auth"
	userusecase "accounts/backend/internal/usecase/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server wraps the HTTP server lifecycle.
type Server struct {
	httpServer  *http.Server
	router      chi.Router
	authService *authusecase.Service
	userService *userusecase.Service
	healthcheck func(context.Context) error
	limiter     RateLimiter
	logger      *slog.Logger
	addr        string
}

// RateLimiter decides whether a client may make another request.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Result, error)
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthcheck sets the probe behind GET /health.
func WithHealthcheck(fn func(context.Context) error) Option {
	return func(s *Server) {
		s.healthcheck = fn
	}
}

// WithRateLimiter throttles the unauthenticated auth and signup routes.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// NewServer constructs a new Server with configured dependencies.
func NewServer(cfg config.Config, authService *authusecase.Service, userService *userusecase.Service, opts ...Option) *Server {
	srv := &Server{
		authService: authService,
		userService: userService,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		addr:        cfg.Addr(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(withLogging(srv.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(withCORS(cfg.AllowedOrigins))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", srv.handleHealth)
	if prefix := "/" + strings.Trim(cfg.APIPrefix, "/"); prefix != "/" {
		r.Route(prefix, srv.registerRoutes)
	} else {
		srv.registerRoutes(r)
	}

	srv.router = r
	srv.httpServer = &http.Server{
		Addr:         srv.addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(srv.logger.Handler(), slog.LevelError),
	}
	return srv
}

// Start bootstraps the HTTP server on the configured address.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured network address for the HTTP server.
func (s *Server) Addr() string {
	return s.addr
}
