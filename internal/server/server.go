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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/secmon/internal/audit"
	"github.com/mbd888/secmon/internal/circuitbreaker"
	"github.com/mbd888/secmon/internal/config"
	"github.com/mbd888/secmon/internal/health"
	"github.com/mbd888/secmon/internal/history"
	"github.com/mbd888/secmon/internal/idgen"
	"github.com/mbd888/secmon/internal/incident"
	"github.com/mbd888/secmon/internal/logging"
	"github.com/mbd888/secmon/internal/metrics"
	"github.com/mbd888/secmon/internal/monitor"
	"github.com/mbd888/secmon/internal/ratelimit"
	"github.com/mbd888/secmon/internal/retry"
	"github.com/mbd888/secmon/internal/risk"
	"github.com/mbd888/secmon/internal/security"
	"github.com/mbd888/secmon/internal/traces"
	"github.com/mbd888/secmon/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB       // nil if using in-memory
	redis        *redis.Client // nil without REDIS_URL
	service      *monitor.Service
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error

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

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

type stores struct {
	history   history.Store
	audit     audit.Store
	incidents incident.IncidentStore
	lockouts  incident.LockoutStore
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	st, err := s.openStores()
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.service, err = buildService(cfg, st, s.logger)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// openStores uses PostgreSQL when DATABASE_URL is set and in-memory stores
// otherwise. REDIS_URL moves lockouts to Redis so every instance sees them.
func (s *Server) openStores() (stores, error) {
	st := stores{
		history:   history.NewMemoryStore(),
		audit:     audit.NewMemoryStore(),
		incidents: incident.NewMemoryStore(),
		lockouts:  incident.NewMemoryLockoutStore(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return st, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		s.db = db

		if err := db.PingContext(ctx); err != nil {
			return st, fmt.Errorf("failed to connect to database: %w", err)
		}

		st.history = history.NewPostgresStore(db)
		st.audit = audit.NewPostgresStore(db)
		st.incidents = incident.NewPostgresStore(db)
		st.lockouts = incident.NewPostgresLockoutStore(db)
		s.health.Register("postgres", health.SQL("postgres", db))
		if err := metrics.RegisterDB(nil, db, "secmon"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; the audit chain will not survive a restart")
	}

	if s.cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return st, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(ropts)
		s.redis = client

		if err := client.Ping(ctx).Err(); err != nil {
			return st, fmt.Errorf("failed to connect to redis: %w", err)
		}

		st.lockouts = incident.NewRedisLockoutStore(client)
		s.health.Register("redis", health.Redis("redis", client))
		s.logger.Info("using Redis for account lockouts", "addr", ropts.Addr)
	}
	return st, nil
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// buildService turns configuration into the scorer, chain and responder.
func buildService(cfg *config.Config, st stores, logger *slog.Logger) (*monitor.Service, error) {
	r := cfg.Risk
	riskCfg := risk.Config{
		FailedAttemptThreshold: r.FailedAttemptThreshold,
		FailedAttemptWindow:    r.FailedAttemptWindow,
		FailedAttemptWeight:    r.FailedAttemptWeight,
		UnusualHourStart:       r.UnusualHourStart,
		UnusualHourEnd:         r.UnusualHourEnd,
		UnusualHourWeight:      r.UnusualHourWeight,
		IPHistoryDepth:         r.IPHistoryDepth,
		NewIPWeight:            r.NewIPWeight,
		LocationChangeWeight:   r.LocationChangeWeight,
		ImpossibleTravelWeight: r.ImpossibleTravelWeight,
		TravelWindow:           r.TravelWindow,
		RapidAttemptThreshold:  r.RapidAttemptThreshold,
		RapidAttemptWindow:     r.RapidAttemptWindow,
		RapidAttemptWeight:     r.RapidAttemptWeight,
		ZeroAmountWeight:       r.ZeroAmountWeight,
		LargeAmount:            r.LargeAmount,
		LargeAmountWeight:      r.LargeAmountWeight,
		ElevatedAmount:         r.ElevatedAmount,
		ElevatedAmountWeight:   r.ElevatedAmountWeight,
		VelocityThreshold:      r.VelocityThreshold,
		VelocityWindow:         r.VelocityWindow,
		VelocityWeight:         r.VelocityWeight,
		UnusualCategories:      r.UnusualCategories,
		UnusualCategoryWeight:  r.UnusualCategoryWeight,
		GeoWindow:              r.GeoWindow,
		GeoWeight:              r.GeoWeight,
		EvaluationTimeout:      r.EvaluationTimeout,
		FailSafeScore:          r.FailSafeScore,
	}
	scorer := risk.NewScorer(st.history, riskCfg,
		risk.WithLogger(logger),
		risk.WithBreaker(circuitbreaker.New(r.BreakerFailures, r.BreakerCooldown)))

	policy, err := audit.ParseAnchorPolicy(cfg.Audit.AnchorPolicy)
	if err != nil {
		return nil, err
	}
	retryPolicy := retry.DefaultPolicy()
	retryPolicy.Attempts = cfg.Audit.RetryAttempts
	retryPolicy.BaseDelay = cfg.Audit.RetryDelay
	chain := audit.NewChain(st.audit,
		audit.WithLogger(logger),
		audit.WithAnchorPolicy(policy),
		audit.WithRetryPolicy(retryPolicy),
		audit.WithVerifyBatch(cfg.Audit.VerifyBatch))
	logger.Info("audit chain configured",
		"anchor_policy", string(chain.Policy()),
		"retry_attempts", retryPolicy.Attempts)

	in := cfg.Incident
	responder := incident.NewResponder(st.incidents, st.lockouts, incident.Config{
		LockoutThreshold:       in.LockoutThreshold,
		LockoutDuration:        in.LockoutDuration,
		StepUpAmount:           in.StepUpAmount,
		QuarantineScore:        in.QuarantineScore,
		CompromiseIndicatorMax: in.CompromiseIndicatorMax,
		CompromiseRestrictFor:  in.CompromiseRestrictFor,
	},
		incident.WithLogger(logger),
		incident.WithAuditRecorder(chain))

	return monitor.NewService(scorer, chain, responder,
		monitor.Config{BlockThreshold: r.BlockThreshold},
		monitor.WithLogger(logger)), nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
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
			logger.Debug("request completed",
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

	h := monitor.NewHandler(s.service, s.cfg)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		Burst:             s.cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}, nil)

	v1 := s.router.Group("/v1/security")
	v1.Use(limiter.Middleware())
	h.RegisterRoutes(v1)

	admin := s.router.Group("/v1/security")
	admin.Use(security.RequireAdmin(s.cfg.AdminSecret))
	h.RegisterAdminRoutes(admin)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTracing, err := traces.Init(runCtx, traces.Setup{
		Endpoint: s.cfg.OTLPEndpoint,
		Version:  Version,
		Env:      s.cfg.Env,
	}, s.logger)
	if err != nil {
		// Tracing is optional; serve without it.
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
			"postgres", s.db != nil,
			"redis", s.redis != nil,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		s.ready.Store(false)
		cancel()
		s.closeStores()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeStores()
	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
