// Package server exposes the gateway over HTTP.
//
// Management endpoints let backends register themselves and clients list
// them. Every other client call goes through the dispatch endpoint, which
// hands the request to the dispatcher and writes its response verbatim.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/connect/internal/auth"
	"github.com/vyrodovalexey/connect/internal/dispatch"
	"github.com/vyrodovalexey/connect/internal/observability"
	"github.com/vyrodovalexey/connect/internal/ratelimit"
	"github.com/vyrodovalexey/connect/internal/registry"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid races.
var ginModeOnce sync.Once

// Endpoint paths.
const (
	PathPing     = "/ping"
	PathRegister = "/register"
	PathServices = "/services"
	PathConnect  = "/connect"
	PathHealth   = "/health"
)

// Default server values.
const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodyBytes    = 10 << 20
	DefaultMaxHeaderBytes  = 1 << 20
	DefaultMetricsPath     = "/metrics"
	DefaultTokenCookie     = "token"
)

// Config holds the HTTP server settings.
type Config struct {
	Address         string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	TrustedProxies  []string

	// Version is reported by the health endpoint.
	Version string
	// TokenCookie names the cookie that may carry a bearer token.
	TokenCookie string
	// MetricsPath serves Prometheus metrics when metrics are enabled.
	MetricsPath string
	// RateLimitPaths are throttled when a limiter is configured.
	RateLimitPaths []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Port:            DefaultPort,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		MetricsPath:     DefaultMetricsPath,
		TokenCookie:     DefaultTokenCookie,
		RateLimitPaths:  []string{PathRegister, PathServices},
	}
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Services is the registry as seen by the HTTP layer.
type Services interface {
	Register(svc registry.Service) (previous registry.Service, replaced bool)
	ListPublic() []registry.PublicService
	Len() int
}

// KeyValidator checks the shared API key presented at registration.
type KeyValidator interface {
	ValidateAPIKey(key string) bool
}

// Dispatcher runs the dispatch pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

var (
	_ Services     = (*registry.Registry)(nil)
	_ KeyValidator = (*auth.Authorizer)(nil)
	_ Dispatcher   = (*dispatch.Dispatcher)(nil)
	_ http.Handler = (*Server)(nil)
)

// Server is the gateway's HTTP server.
type Server struct {
	config     Config
	services   Services
	keys       KeyValidator
	dispatcher Dispatcher
	logger     observability.Logger
	metrics    *observability.Metrics
	limiter    ratelimit.Limiter
	tracerName string

	engine     *gin.Engine
	httpServer *http.Server
	mu         sync.Mutex
	running    bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics enables request metrics and the metrics endpoint.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithRateLimiter throttles Config.RateLimitPaths.
func WithRateLimiter(limiter ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithTracerName sets the instrumentation name of server spans.
func WithTracerName(name string) Option {
	return func(s *Server) {
		s.tracerName = name
	}
}

// New creates a server and builds its routes.
func New(cfg Config, services Services, keys KeyValidator, dispatcher Dispatcher, opts ...Option) (*Server, error) {
	if services == nil || keys == nil || dispatcher == nil {
		return nil, errors.New("services, key validator and dispatcher are required")
	}
	if cfg.TokenCookie == "" {
		cfg.TokenCookie = DefaultTokenCookie
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		config:     cfg,
		services:   services,
		keys:       keys,
		dispatcher: dispatcher,
		logger:     observability.NopLogger(),
		tracerName: "connect",
	}
	for _, opt := range opts {
		opt(s)
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s.engine = gin.New()
	if err := s.engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.Use(
		recovery(s.logger),
		requestID(),
		accessLog(s.logger, s.metrics),
		tracing(s.tracerName),
	)
	if s.config.MaxBodyBytes > 0 {
		s.engine.Use(bodyLimit(s.config.MaxBodyBytes))
	}
	if s.limiter != nil {
		s.engine.Use(rateLimit(s.limiter, s.config.RateLimitPaths, s.logger, s.metrics))
	}

	s.engine.GET(PathPing, s.handlePing)
	s.engine.HEAD(PathPing, s.handlePing)
	s.engine.POST(PathRegister, s.handleRegister)
	s.engine.GET(PathServices, s.handleServices)
	s.engine.GET(PathHealth, s.handleHealth)

	for _, m := range registry.Methods {
		s.engine.Handle(m.String(), PathConnect, s.handleConnect)
	}

	if s.metrics != nil && s.config.MetricsPath != "" {
		s.engine.GET(s.config.MetricsPath, gin.WrapH(s.metrics.Handler()))
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("Not Found", "no such endpoint"))
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and blocks until the server is
// stopped or fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln and blocks until the server is stopped or fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = ln.Close()
		return errors.New("server already running")
	}
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
	s.running = true
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.config.ReadTimeout),
		observability.Duration("write_timeout", s.config.WriteTimeout),
	)

	err := srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down. Without a deadline on ctx the
// configured shutdown timeout applies.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	srv := s.httpServer
	s.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.logger.Info("stopping HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
