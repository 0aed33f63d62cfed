// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/qshield/internal/activity"
	"github.com/mbd888/qshield/internal/auth"
	"github.com/mbd888/qshield/internal/chain"
	"github.com/mbd888/qshield/internal/config"
	"github.com/mbd888/qshield/internal/dashboard"
	"github.com/mbd888/qshield/internal/events"
	"github.com/mbd888/qshield/internal/health"
	"github.com/mbd888/qshield/internal/history"
	"github.com/mbd888/qshield/internal/logging"
	"github.com/mbd888/qshield/internal/metrics"
	"github.com/mbd888/qshield/internal/ratelimit"
	"github.com/mbd888/qshield/internal/realtime"
	"github.com/mbd888/qshield/internal/receipts"
	"github.com/mbd888/qshield/internal/risk"
	"github.com/mbd888/qshield/internal/security"
	"github.com/mbd888/qshield/internal/suspicion"
	"github.com/mbd888/qshield/internal/transfer"
	"github.com/mbd888/qshield/internal/validation"
	"github.com/mbd888/qshield/internal/webhooks"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// activityTTL is how long the Redis tracker keeps a sender's last-seen time.
const activityTTL = 24 * time.Hour

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	chain        chain.Provider
	model        *risk.Model
	classifier   *risk.Classifier
	heuristics   *suspicion.Heuristics
	orchestrator *transfer.Orchestrator
	history      history.Store
	assessments  risk.Store
	webhooks     webhooks.Store
	apiKeys      auth.Store
	authMgr      *auth.Manager
	tracker      activity.Tracker
	attester     *receipts.Service
	dashboard    *dashboard.Service
	realtimeHub  *realtime.Hub
	sinks        events.Multi
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

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

// WithChain sets the chain provider (for testing)
func WithChain(p chain.Provider) Option {
	return func(s *Server) {
		s.chain = p
	}
}

// WithModel sets preloaded risk model artifacts instead of loading
// MODEL_URI and VECTORIZER_URI.
func WithModel(m *risk.Model) Option {
	return func(s *Server) {
		s.model = m
	}
}

// WithTracker sets the activity tracker instead of Redis or memory.
func WithTracker(t activity.Tracker) Option {
	return func(s *Server) {
		s.tracker = t
	}
}

// WithEventSink adds a sink next to the realtime hub and Kafka.
func WithEventSink(sink events.Sink) Option {
	return func(s *Server) {
		s.sinks = append(s.sinks, sink)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	// Apply options first (may set chain/logger/model)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}

	if s.tracker == nil {
		if cfg.RedisURL != "" {
			t, err := activity.NewRedisTracker(ctx, cfg.RedisURL, activityTTL)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to redis: %w", err)
			}
			s.tracker = t
			s.logger.Info("using Redis activity tracker", "url", maskDSN(cfg.RedisURL))
		} else {
			s.tracker = activity.NewMemoryTracker()
		}
	}

	// Create chain provider if not injected
	if s.chain == nil {
		p, err := chain.New(chain.Config{
			RPCURL:     cfg.RPCURL,
			PrivateKey: cfg.PrivateKey,
			ChainID:    cfg.ChainID,
		}, chain.WithLogger(s.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create chain provider: %w", err)
		}
		s.chain = p
	}
	if !s.chain.CanSign() {
		s.logger.Warn("no PRIVATE_KEY configured, running read-only (analysis only)")
	}

	if s.model == nil && cfg.ModelURI != "" {
		s.model = s.loadModel(ctx)
	}
	s.classifier = risk.NewClassifier(s.model,
		risk.WithStore(s.assessments),
		risk.WithLogger(s.logger),
	)

	s.heuristics = suspicion.New(s.chain, suspicionConfig(cfg), suspicion.WithTracker(s.tracker))

	key, err := signingKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	s.attester, err = receipts.NewServiceFromKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create attestation signer: %w", err)
	}

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger, cfg.AllowedOrigins)
	s.sinks = append(events.Multi{s.realtimeHub, webhooks.NewDispatcher(s.webhooks, s.logger)}, s.sinks...)
	if len(cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, nil, s.logger)
		if err != nil {
			s.logger.Warn("failed to create Kafka sink, events stay local", "error", err)
		} else {
			s.sinks = append(s.sinks, k)
			s.logger.Info("publishing events to Kafka", "topic", cfg.KafkaTopic)
		}
	}

	orchOpts := []transfer.Option{
		transfer.WithSubmitter(s.chain),
		transfer.WithHistory(s.history),
		transfer.WithTracker(s.tracker),
		transfer.WithEvents(s.sinks),
		transfer.WithLogger(s.logger),
	}
	if s.attester != nil {
		orchOpts = append(orchOpts, transfer.WithAttester(s.attester))
	}
	s.orchestrator = transfer.New(s.heuristics, s.classifier, transfer.Config{
		Amounts: validation.AmountPolicy{Min: cfg.Rules.MinAmount(), Max: cfg.Rules.MaxAmount()},
		Policy:  transfer.Policy(cfg.FraudPolicy),
	}, orchOpts...)
	s.logger.Info("transaction pipeline ready",
		"policy", cfg.FraudPolicy,
		"model_loaded", s.classifier.Loaded(),
		"signer", s.chain.Address(),
	)

	s.dashboard = dashboard.NewService(s.history, s.assessments)
	s.authMgr = auth.NewManager(s.apiKeys, cfg.APIKeys, s.logger)
	if !s.authMgr.Enabled() {
		s.logger.Warn("no API_KEYS configured, wallet routes are unauthenticated")
	}
	s.setupHealth()

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

// setupStorage opens Postgres if DATABASE_URL is set, otherwise in-memory.
func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.history = history.NewMemoryStore()
		s.assessments = risk.NewMemoryStore()
		s.webhooks = webhooks.NewMemoryStore()
		s.apiKeys = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))

	historyStore := history.NewPostgresStore(db)
	if err := historyStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate history store", "error", err)
	}
	s.history = historyStore

	assessmentStore := risk.NewPostgresStore(db)
	if err := assessmentStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate assessment store", "error", err)
	}
	s.assessments = assessmentStore

	webhookStore := webhooks.NewPostgresStore(db)
	if err := webhookStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate webhook store", "error", err)
	}
	s.webhooks = webhookStore

	keyStore := auth.NewPostgresStore(db)
	if err := keyStore.Migrate(ctx); err != nil {
		s.logger.Warn("failed to migrate API key store", "error", err)
	}
	s.apiKeys = keyStore
	return nil
}

// loadModel fetches the artifacts. Any failure leaves the classifier on the
// neutral score.
func (s *Server) loadModel(ctx context.Context) *risk.Model {
	var fetcher risk.Fetcher
	if strings.HasPrefix(s.cfg.ModelURI, "gs://") || strings.HasPrefix(s.cfg.VectorizerURI, "gs://") {
		client, err := storage.NewClient(ctx)
		if err != nil {
			s.logger.Warn("failed to create storage client, risk model disabled", "error", err)
			return nil
		}
		defer client.Close()
		fetcher = risk.NewGCSFetcher(client)
	}

	lctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	m, err := risk.LoadArtifacts(lctx, fetcher, s.cfg.ModelURI, s.cfg.VectorizerURI)
	if err != nil {
		s.logger.Warn("failed to load risk model, using neutral scores", "error", err)
		return nil
	}
	s.logger.Info("risk model loaded",
		"trees", m.Forest.Trees(),
		"vocabulary", m.Vectorizer.Size(),
	)
	return m
}

func suspicionConfig(cfg *config.Config) suspicion.Config {
	r := cfg.Rules
	sc := suspicion.DefaultConfig(cfg.ExpectedChainID)
	sc.BalanceMultiplier = r.BalanceMultiplier()
	sc.FrequencyBlocks = r.Suspicion.FrequencyBlocks
	sc.FrequencyThreshold = r.Suspicion.FrequencyThreshold
	sc.GasCeilingGwei = r.GasCeilingGwei()
	sc.MinInterval = r.Suspicion.MinInterval
	sc.AmountCap = r.AmountCap()
	sc.Parallel = r.Suspicion.Parallel
	return sc
}

func signingKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid PRIVATE_KEY: %w", err)
	}
	return key, nil
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("chain", health.Ping(s.chain.Ping))
	if s.db != nil {
		s.health.Register("database", health.Ping(s.db.PingContext))
	}
	if p, ok := s.tracker.(interface{ Ping(context.Context) error }); ok {
		s.health.Register("redis", health.Ping(p.Ping))
	}
	s.health.RegisterOptional("risk_model", func(context.Context) health.Status {
		if !s.classifier.Loaded() {
			return health.Status{Healthy: false, Detail: "not loaded, scores are neutral"}
		}
		return health.Status{Healthy: true}
	})
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS for the dashboard origin(s)
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig(s.cfg.RateLimitRPS))
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
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("", s.infoHandler)

	// Wallet and network
	v1.POST("/wallet/connect", s.connectHandler)
	v1.GET("/wallets/:address/balance", validation.AddressParamMiddleware(), s.balanceHandler)
	v1.GET("/network", s.networkHandler)

	// Analysis
	transferHandler := transfer.NewHandler(s.orchestrator)
	transferHandler.RegisterRoutes(v1)
	v1.POST("/analysis/contracts", s.analyzeContractHandler)

	// History, attestations and the security dashboard
	history.NewHandler(s.history).RegisterRoutes(v1)
	receipts.NewHandler(history.Lookup{Store: s.history}, s.attester).RegisterRoutes(v1)
	dashboard.NewHandler(s.dashboard).RegisterRoutes(v1)

	// Routes acting for a wallet need a key for it once API_KEYS is set
	authHandler := auth.NewHandler(s.authMgr)
	authHandler.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr))
	authHandler.RegisterProtectedRoutes(protected)

	owned := protected.Group("", auth.RequireOwnership(s.authMgr, "address"))
	transferHandler.RegisterProtectedRoutes(owned)
	webhooks.NewHandler(s.webhooks).RegisterProtectedRoutes(owned)

	v1.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
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

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "QShield",
		"description": "Wallet transaction risk analysis",
		"version":     Version,
		"chainId":     s.chain.ChainID(),
		"fraudPolicy": s.cfg.FraudPolicy,
		"modelLoaded": s.classifier.Loaded(),
		"canSign":     s.chain.CanSign(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
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

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"chain_id", s.chain.ChainID(),
			"signer", s.chain.Address(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

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

	// Cancel the context for all background goroutines (hub, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.Close()
	s.logger.Info("server stopped")
	return nil
}

// Close releases everything New acquired. Shutdown calls it.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Pending assessment writes finish before the database closes.
	s.classifier.Wait()

	if err := s.sinks.Close(); err != nil {
		s.logger.Error("event sink close error", "error", err)
	}

	if c, ok := s.tracker.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			s.logger.Error("activity tracker close error", "error", err)
		}
	}

	if err := s.chain.Close(); err != nil {
		s.logger.Error("chain provider close error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
