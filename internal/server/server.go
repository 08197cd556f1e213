// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mensahq/landbridge/internal/authz"
	"github.com/mensahq/landbridge/internal/config"
	"github.com/mensahq/landbridge/internal/escrow"
	"github.com/mensahq/landbridge/internal/events"
	"github.com/mensahq/landbridge/internal/health"
	"github.com/mensahq/landbridge/internal/logging"
	"github.com/mensahq/landbridge/internal/metrics"
	"github.com/mensahq/landbridge/internal/notify"
	"github.com/mensahq/landbridge/internal/payment"
	"github.com/mensahq/landbridge/internal/ratelimit"
	"github.com/mensahq/landbridge/internal/security"
	"github.com/mensahq/landbridge/internal/traces"
	"github.com/mensahq/landbridge/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg *config.Config

	escrowService  *escrow.Service
	paymentService *payment.Service
	notifyStore    notify.Store
	dispatcher     *notify.Dispatcher
	authorizer     *authz.Authorizer
	actorStore     authz.Store
	publisher      events.Publisher
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry

	db           *sql.DB // nil if using in-memory stores
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	shutdownOTel func(context.Context) error
	cancelRunCtx context.CancelFunc

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

// WithPublisher overrides the event publisher (for testing)
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.publisher = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		logger:       logging.New(cfg.LogLevel, "json"),
		healthChecks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Tracing (no-op unless an OTLP endpoint is configured)
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.shutdownOTel = shutdown
	}

	// Event publishing: Kafka when brokers are configured, otherwise dropped.
	if s.publisher == nil {
		if cfg.KafkaBrokers != "" {
			brokers := strings.Split(cfg.KafkaBrokers, ",")
			s.publisher = events.NewKafkaPublisher(brokers, cfg.KafkaTopic, s.logger)
			s.logger.Info("kafka event publishing enabled", "topic", cfg.KafkaTopic)
		} else {
			s.publisher = events.NopPublisher{}
		}
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory.
	var (
		escrowStore  escrow.Store
		paymentStore payment.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		escrowStore = escrow.NewPostgresStore(db)
		paymentStore = payment.NewPostgresStore(db)
		s.actorStore = authz.NewPostgresStore(db)
		s.notifyStore = notify.NewPostgresStore(db)

		s.healthChecks.Register("database", health.DBCheck("database", db, 2*time.Second))
	} else {
		s.logger.Info("using in-memory storage")
		escrowStore = escrow.NewMemoryStore()
		paymentStore = payment.NewMemoryStore()
		s.actorStore = authz.NewMemoryStore()
		s.notifyStore = notify.NewMemoryStore()
	}

	s.authorizer = authz.NewAuthorizer(s.actorStore)
	s.dispatcher = notify.NewDispatcher(s.notifyStore)

	s.escrowService = escrow.NewService(escrowStore).
		WithPublisher(s.publisher).
		WithNotifier(s.dispatcher).
		WithLogger(s.logger).
		WithHighValueThreshold(cfg.HighValueThresholdMinor).
		WithVerificationPeriod(time.Duration(cfg.VerificationPeriodDays) * 24 * time.Hour)

	s.paymentService = payment.NewService(paymentStore).
		WithFunder(s.escrowService).
		WithPublisher(s.publisher).
		WithLogger(s.logger)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides credentials when logging a database URL.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "(unparseable)"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		if actorID := c.GetHeader("X-Actor-ID"); actorID != "" {
			ctx = logging.WithActorID(ctx, actorID)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

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

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)

	// Prometheus metrics
	s.router.GET("/metrics", metrics.Handler())

	escrowHandler := escrow.NewHandler(s.escrowService)
	paymentHandler := payment.NewHandler(s.paymentService, s.cfg.GatewayCallbackSecret)
	notifyHandler := notify.NewHandler(s.notifyStore, s.dispatcher)
	actorHandler := authz.NewHandler(s.actorStore, s.cfg.AdminSecret)

	v1 := s.router.Group("/v1")

	// Gateway callback: authenticated by shared secret, not an actor.
	paymentHandler.RegisterCallbackRoute(v1)

	// Everything else resolves the calling actor from X-Actor-ID.
	actors := v1.Group("")
	actors.Use(authz.Middleware(s.authorizer))
	actors.Use(authz.RequireActor())
	escrowHandler.RegisterRoutes(actors)
	paymentHandler.RegisterRoutes(actors)
	notifyHandler.RegisterRoutes(actors)

	// Privileged operations.
	admin := v1.Group("/admin")
	admin.Use(authz.Middleware(s.authorizer))

	// Actor management authorizes inside the handler: the bootstrap
	// secret must work before any actor with the manage capability
	// exists, so no actor requirement here.
	actorHandler.RegisterAdminRoutes(admin)

	// Everything else needs a known actor holding the release
	// capability; the services recheck per operation.
	privileged := admin.Group("")
	privileged.Use(authz.RequireActor())
	privileged.Use(authz.RequireCapability(authz.CapApproveRelease))
	escrowHandler.RegisterAdminRoutes(privileged)
	paymentHandler.RegisterAdminRoutes(privileged)
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthChecks.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	resp := HealthResponse{Status: "healthy", Checks: checks}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
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

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error("publisher close error", "error", err)
	}

	if s.shutdownOTel != nil {
		if err := s.shutdownOTel(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
