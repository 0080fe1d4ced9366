// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/magic8ball/internal/auth"
	"github.com/mbd888/magic8ball/internal/config"
	"github.com/mbd888/magic8ball/internal/health"
	"github.com/mbd888/magic8ball/internal/logging"
	"github.com/mbd888/magic8ball/internal/magic8ball"
	"github.com/mbd888/magic8ball/internal/metrics"
	"github.com/mbd888/magic8ball/internal/ratelimit"
	"github.com/mbd888/magic8ball/internal/realtime"
	"github.com/mbd888/magic8ball/internal/security"
	"github.com/mbd888/magic8ball/internal/token"
	"github.com/mbd888/magic8ball/internal/traces"
	"github.com/mbd888/magic8ball/internal/validation"
	"github.com/mbd888/magic8ball/internal/watcher"
	"github.com/mbd888/magic8ball/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	store         magic8ball.Store
	tokens        *token.Bank
	registry      *magic8ball.Service
	realtimeHub   *realtime.Hub
	eventWatcher  *watcher.Watcher
	rateLimiter   *ratelimit.Limiter
	verifier      *auth.Verifier
	checks        *health.Registry
	db            *sql.DB     // nil unless PostgreSQL or SQLite
	sqlite        io.Closer   // SQLite store, closed on shutdown
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	traceShutdown func(context.Context) error
	drainDelay    time.Duration

	// Health state
	ready    atomic.Bool
	healthy  atomic.Bool
	watching atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore sets the question store, bypassing DATABASE_URL and SQLITE_PATH.
func WithStore(store magic8ball.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithTokenBank sets the token bank (for testing)
func WithTokenBank(bank *token.Bank) Option {
	return func(s *Server) {
		s.tokens = bank
	}
}

// WithVersion sets the version reported by /health and traces.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.openStore(ctx); err != nil {
		return nil, err
	}
	if s.tokens == nil {
		s.tokens = token.NewBank()
		if s.db != nil {
			s.logger.Warn("token balances are kept in memory and reset on restart; escrowed bounties stay recorded in the durable store")
		}
	}

	s.registry = magic8ball.NewService(s.store, s.tokens, cfg.Owner(), cfg.Registry()).
		WithLogger(s.logger)
	if err := s.registry.SyncMetrics(ctx); err != nil {
		s.logger.Warn("failed to sync registry metrics", "error", err)
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.eventWatcher = watcher.New(watcher.Config{
		PollInterval: cfg.EventPollInterval,
	}, s.registry, s.realtimeHub, s.logger)

	s.verifier = auth.NewVerifier(cfg.AuthMaxSkew)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		BurstSize:         cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
	})

	s.checks = health.NewRegistry()
	s.checks.Register("registry", health.FuncChecker("registry", func(ctx context.Context) error {
		_, err := s.registry.Status(ctx)
		return err
	}))
	if s.db != nil {
		s.checks.Register("database", health.PingChecker("database", s.db))
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("registry configured",
		"owner", cfg.Owner().Hex(),
		"address", cfg.Registry().Hex(),
	)

	s.healthy.Store(true)

	return s, nil
}

// openStore picks PostgreSQL, then SQLite, then memory.
func (s *Server) openStore(ctx context.Context) error {
	if s.store != nil {
		s.logger.Info("using injected store")
		return nil
	}

	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}

		applied, err := migrations.Up(ctx, db)
		if err != nil {
			_ = db.Close()
			return err
		}

		s.db = db
		s.store = magic8ball.NewPostgresStore(db)
		s.logger.Info("using postgres storage", "dsn", maskDSN(s.cfg.DatabaseURL), "migrations_applied", applied)

	case s.cfg.SQLitePath != "":
		store, err := magic8ball.NewSQLiteStore(s.cfg.SQLitePath)
		if err != nil {
			return err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return err
		}
		s.db = store.DB()
		s.sqlite = store
		s.store = store
		s.logger.Info("using sqlite storage", "path", s.cfg.SQLitePath)

	default:
		s.store = magic8ball.NewMemoryStore()
		s.logger.Warn("using in-memory storage, registry state is lost on restart")
	}
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Request ID first so the recovery log carries it
	s.router.Use(logging.RequestIDMiddleware(s.logger))

	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.AccessLogMiddleware("/health", "/health/live", "/health/ready", "/metrics"))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)
	s.router.GET("/ws", s.rateLimiter.Middleware(), func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware())

	registryHandler := magic8ball.NewHandler(s.registry)
	tokenHandler := token.NewHandler(s.tokens)

	registryHandler.RegisterRoutes(v1)
	tokenHandler.RegisterRoutes(v1)

	signed := v1.Group("")
	signed.Use(s.verifier.Middleware())
	registryHandler.RegisterProtectedRoutes(signed)
	tokenHandler.RegisterProtectedRoutes(signed)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Route not found"})
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":     "magic8ball",
		"version":  s.version,
		"owner":    s.registry.Owner(),
		"registry": s.registry.Address(),
		"realtime": s.realtimeHub.Stats(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)

	if err := s.eventWatcher.Start(runCtx); err != nil {
		s.logger.Error("failed to start event watcher", "error", err)
	} else {
		s.watching.Store(true)
	}

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	var firstErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	// Stops the hub, watcher loop and stats collector
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.watching.CompareAndSwap(true, false) {
		s.eventWatcher.Stop()
		s.logger.Info("event watcher stopped")
	}

	s.rateLimiter.Stop()

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
		cancel()
	}

	switch {
	case s.sqlite != nil:
		if err := s.sqlite.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		}
	case s.db != nil:
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Registry returns the registry service.
func (s *Server) Registry() *magic8ball.Service {
	return s.registry
}
