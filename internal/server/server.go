package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mediaforge/internal/api"
	"mediaforge/internal/auth"
	"mediaforge/internal/observability/logging"
	"mediaforge/internal/observability/metrics"
	"mediaforge/internal/ratelimit"
)

type Config struct {
	Addr     string
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Verifier auth.Verifier
	// RateLimiter guards the upload route. Nil disables limiting.
	RateLimiter *ratelimit.Limiter
	// Live serves the WebSocket channel. It authenticates on its own.
	Live     http.Handler
	CORS     CORSConfig
	Security SecurityConfig

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	httpServer *http.Server
	router     chi.Router
	logger     *slog.Logger
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.AllowAnonymous{}
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}

	router := chi.NewRouter()
	router.Use(
		requestIDMiddleware(logger),
		middleware.RealIP,
		metrics.HTTPMiddleware(recorder),
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}),
		middleware.Recoverer,
		securityHeadersMiddleware(cfg.Security),
		corsMiddleware(policy, logger),
	)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, fmt.Errorf("route %s not found", r.URL.Path))
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	})

	router.Get("/healthz", handler.Health)
	router.Handle("/metrics", recorder.Handler())

	requireAuth := auth.Require(verifier)
	router.Route("/api/videos/v1", func(r chi.Router) {
		uploadChain := []func(http.Handler) http.Handler{requireAuth}
		if cfg.RateLimiter != nil {
			uploadChain = append([]func(http.Handler) http.Handler{cfg.RateLimiter.Middleware}, uploadChain...)
		}
		r.With(uploadChain...).Post("/upload", handler.Upload)
		if cfg.Live != nil {
			r.Get("/live", cfg.Live.ServeHTTP)
		}
		r.Get("/stream/{id}", handler.StreamVideo)
		r.Head("/stream/{id}", handler.StreamVideo)
		r.Get("/{id}", handler.GetVideo)
		r.With(requireAuth).Delete("/{id}", handler.DeleteVideo)
	})

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 5 * time.Minute
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	// WriteTimeout stays zero: streams and the live channel are long-lived.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return &Server{httpServer: httpServer, router: router, logger: logger}, nil
}

// Handler returns the routed middleware chain.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}
