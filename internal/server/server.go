// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

	"github.com/agroclear/agroclear/internal/circuitbreaker"
	"github.com/agroclear/agroclear/internal/config"
	"github.com/agroclear/agroclear/internal/contract"
	"github.com/agroclear/agroclear/internal/dispute"
	"github.com/agroclear/agroclear/internal/health"
	"github.com/agroclear/agroclear/internal/idgen"
	"github.com/agroclear/agroclear/internal/ledgerd"
	"github.com/agroclear/agroclear/internal/logging"
	"github.com/agroclear/agroclear/internal/mediator"
	"github.com/agroclear/agroclear/internal/metrics"
	"github.com/agroclear/agroclear/internal/milestone"
	"github.com/agroclear/agroclear/internal/notify"
	"github.com/agroclear/agroclear/internal/payments"
	"github.com/agroclear/agroclear/internal/realtime"
	"github.com/agroclear/agroclear/internal/reconcile"
	"github.com/agroclear/agroclear/internal/traces"
	"github.com/agroclear/agroclear/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg       *config.Config
	contracts contract.Store
	cases     dispute.Store
	directory mediator.Directory
	gateway   payments.Gateway
	breaker   *circuitbreaker.Breaker
	ledger    ledgerd.Adapter

	manager     *contract.Manager
	engine      *milestone.Engine
	coordinator *dispute.Coordinator

	emitter *notify.Emitter
	hub     *realtime.Hub

	milestoneTimer *milestone.Timer
	reconcileJob   *reconcile.Job
	reconcileTimer *reconcile.Timer

	checks *health.Registry

	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = gw
	}
}

// WithLedger sets a custom ledger adapter (for testing)
func WithLedger(l ledgerd.Adapter) Option {
	return func(s *Server) {
		s.ledger = l
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		checks: health.NewRegistry(),
	}

	// Apply options first (may set gateway/ledger/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op when endpoint unset)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdown
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.contracts = contract.NewPostgresStore(db)
		s.cases = dispute.NewPostgresStore(db)
		s.directory = mediator.NewPostgresDirectory(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
	} else {
		s.contracts = contract.NewMemoryStore()
		s.cases = dispute.NewMemoryStore()
		s.directory = mediator.NewMemoryDirectory()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Payment rails behind a shared per-provider circuit breaker
	if s.gateway == nil {
		s.breaker = circuitbreaker.New(5, 30*time.Second)
		s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("payment circuit transition",
				"provider", key, "from", from.String(), "to", to.String())
		})

		registry := payments.NewRegistry(s.breaker)
		if cfg.MobileMoneyURL != "" {
			registry.Register("mpesa", payments.NewMpesaGateway(
				cfg.MobileMoneyURL, cfg.MobileMoneyAPIKey, cfg.PaymentTimeout))
			s.logger.Info("mobile money rail enabled", "url", cfg.MobileMoneyURL)
		} else {
			registry.Register("mpesa", payments.NewMockGateway())
			s.logger.Info("mobile money rail mocked (development)")
		}
		if cfg.StripeAPIKey != "" {
			registry.Register("stripe", payments.NewStripeGateway(cfg.StripeAPIKey))
			s.logger.Info("card rail enabled")
		} else if !cfg.IsProduction() {
			registry.Register("stripe", payments.NewMockGateway())
		}
		s.gateway = registry

		s.checks.Register("payments", func(ctx context.Context) health.Status {
			for _, provider := range registry.Providers() {
				if s.breaker.State(provider) == circuitbreaker.StateOpen {
					return health.Status{Name: "payments", Healthy: false,
						Detail: provider + " circuit open"}
				}
			}
			return health.Status{Name: "payments", Healthy: true}
		})
	}

	// Ledger service
	if s.ledger == nil {
		if cfg.LedgerURL != "" {
			s.ledger = ledgerd.NewClient(cfg.LedgerURL, cfg.LedgerAPIKey, cfg.LedgerTimeout)
			s.logger.Info("ledger service enabled", "url", cfg.LedgerURL)
		} else {
			s.ledger = ledgerd.NewMemoryAdapter()
			s.logger.Info("ledger service mocked (development)")
		}
	}

	// Realtime hub and notifications
	s.hub = realtime.NewHub(s.logger)
	s.emitter = notify.NewEmitter(&notify.LogDispatcher{Logger: s.logger}, s.logger).
		WithBroadcaster(s.hub)
	s.logger.Info("realtime streaming enabled")

	// Domain services
	s.manager = contract.NewManager(s.contracts, s.gateway, s.ledger).
		WithLogger(s.logger).
		WithEmitter(s.emitter).
		WithDefaultCurrency(cfg.DefaultCurrency)

	s.coordinator = dispute.NewCoordinator(s.cases, s.contracts, s.directory, s.gateway, s.ledger).
		WithLogger(s.logger).
		WithEmitter(s.emitter)

	s.engine = milestone.NewEngine(s.contracts, s.gateway, s.ledger).
		WithLogger(s.logger).
		WithEmitter(s.emitter).
		WithDisputeOpener(s.coordinator).
		WithMaxRejections(cfg.MaxRejections)

	// Background loops
	s.milestoneTimer = milestone.NewTimer(s.engine, s.contracts, s.logger).
		WithInterval(cfg.MilestoneTimerInterval)

	s.reconcileJob = reconcile.NewJob(s.contracts, s.engine, s.manager, s.ledger).
		WithLogger(s.logger).
		WithMaxAttempts(cfg.ReconcileMaxAttempts)
	s.reconcileTimer = reconcile.NewTimer(s.reconcileJob, s.logger).
		WithInterval(cfg.ReconcileInterval)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(8)
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	contract.NewHandler(s.manager).RegisterRoutes(v1)
	milestone.NewHandler(s.engine).RegisterRoutes(v1)
	dispute.NewHandler(s.coordinator).RegisterRoutes(v1)
	mediator.NewHandler(s.directory).RegisterRoutes(v1)

	// Operational surface
	admin := s.router.Group("/admin")
	if s.cfg.AdminSecret != "" {
		admin.Use(s.adminAuthMiddleware())
	}
	admin.GET("/reconcile", s.reconcileSummaryHandler)
	admin.POST("/reconcile/run", s.reconcileRunHandler)
	admin.GET("/realtime", s.realtimeStatsHandler)
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin credentials",
			})
			return
		}
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "agroclear",
		"version":     "0.1.0",
		"description": "Escrow and milestone payment coordination for agricultural trade",
		"endpoints": gin.H{
			"contracts": "/v1/contracts",
			"disputes":  "/v1/disputes",
			"mediators": "/v1/mediators",
			"stats":     "/v1/stats",
			"websocket": "/ws",
			"health":    "/health",
			"metrics":   "/metrics",
		},
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy || !s.healthy.Load() {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    statuses,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) reconcileSummaryHandler(c *gin.Context) {
	summary, err := s.reconcileJob.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to scan for pending repairs",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) reconcileRunHandler(c *gin.Context) {
	s.reconcileJob.Run(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start milestone timeout timer
	go s.milestoneTimer.Start(runCtx)

	// Start reconciliation timer
	go s.reconcileTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop milestone timer
	if s.milestoneTimer != nil {
		s.milestoneTimer.Stop()
		s.logger.Info("milestone timer stopped")
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Drain in-flight notifications
	if s.emitter != nil {
		s.emitter.Flush()
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
