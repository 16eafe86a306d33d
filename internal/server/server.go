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

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"

	"github.com/blocki/blocki/internal/auth"
	"github.com/blocki/blocki/internal/config"
	"github.com/blocki/blocki/internal/errcode"
	"github.com/blocki/blocki/internal/escrow"
	"github.com/blocki/blocki/internal/events"
	"github.com/blocki/blocki/internal/health"
	"github.com/blocki/blocki/internal/host"
	"github.com/blocki/blocki/internal/idgen"
	"github.com/blocki/blocki/internal/kv"
	"github.com/blocki/blocki/internal/logging"
	"github.com/blocki/blocki/internal/marketplace"
	"github.com/blocki/blocki/internal/metrics"
	"github.com/blocki/blocki/internal/ratelimit"
	"github.com/blocki/blocki/internal/realtime"
	"github.com/blocki/blocki/internal/reconciliation"
	"github.com/blocki/blocki/internal/security"
	"github.com/blocki/blocki/internal/swap"
	"github.com/blocki/blocki/internal/token"
	"github.com/blocki/blocki/internal/traces"
	"github.com/blocki/blocki/internal/validation"
	"github.com/blocki/blocki/internal/webhooks"
)

// Version is reported by /health and /v1/info. Set by cmd/server.
var Version = "dev"

// USDCDecimals is used when the settlement asset is created at bootstrap.
const USDCDecimals = 6

// Server wires the ledger host, the components and the HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store kv.Store
	db    *sql.DB // nil if using in-memory
	clock host.Clock
	host  *host.Host

	tokens *token.Ledger
	escrow *escrow.Contract
	market *marketplace.Contract
	pool   *swap.PoolRouter
	router swap.Router
	eth    *swap.EthRouter // nil unless ROUTER_CONTRACT is set
	usdc   common.Address

	eventLog    *events.Log
	hub         *realtime.Hub
	webhooks    *webhooks.Dispatcher // nil without WEBHOOK_URLS
	keeper      *host.Keeper
	audit       *reconciliation.Service
	auditTimer  *reconciliation.Timer
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	engine        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run
	drainDelay    time.Duration

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

// WithStore replaces the configured storage backend (for testing).
func WithStore(store kv.Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithClock sets the ledger clock (for testing).
func WithClock(clock host.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithRouter sets the exchange router used for seller swaps.
func WithRouter(r swap.Router) Option {
	return func(s *Server) {
		s.router = r
	}
}

// WithDrainDelay sets how long Shutdown waits before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      host.SystemClock{},
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    cfg.OTLPEndpoint,
		Protocol:    cfg.OTLPProtocol,
		SampleRatio: cfg.TraceSample,
		Version:     Version,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Committed events go to the queryable log and the websocket hub.
	s.eventLog = events.NewLog(cfg.EventLogSize)
	s.hub = realtime.NewHub(s.logger,
		realtime.WithReplay(s.eventLog),
		realtime.WithAllowedOrigins(cfg.AllowedOrigins),
	)
	sinks := events.Fanout{s.eventLog, s.hub}
	if len(cfg.WebhookURLs) > 0 {
		endpoints := make([]webhooks.Endpoint, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			endpoints = append(endpoints, webhooks.Endpoint{URL: u, Secret: cfg.WebhookSecret, Topics: cfg.WebhookTopics})
		}
		s.webhooks = webhooks.NewDispatcher(webhooks.Config{Endpoints: endpoints}, s.logger)
		sinks = append(sinks, s.webhooks)
	}
	s.host = host.New(s.store, s.clock,
		host.WithLogger(s.logger),
		host.WithSink(sinks),
	)
	s.keeper = host.NewKeeper(s.host, cfg.KeeperEvery, s.logger)

	s.tokens = token.NewLedger()
	s.pool = swap.NewPoolRouter(s.tokens)
	if s.router == nil {
		if cfg.UsesOnChainRouter() {
			eth, err := swap.NewEthRouter(swap.EthConfig{
				RPCURL:         cfg.RPCURL,
				PrivateKey:     cfg.PrivateKey,
				ChainID:        cfg.ChainID,
				Router:         cfg.RouterContract,
				ConfirmTimeout: cfg.ConfirmTimeout,
			})
			if err != nil {
				return nil, fmt.Errorf("create router client: %w", err)
			}
			s.eth = eth
			s.router = eth
			s.logger.Info("using on-chain router", "router", cfg.RouterContract, "operator", eth.Operator().Hex())
		} else {
			s.router = s.pool
		}
	}

	s.escrow = escrow.New(s.tokens)
	s.market = marketplace.New(s.tokens, s.escrow,
		marketplace.WithHistoryCap(cfg.TradeHistory),
		marketplace.WithSwap(swap.NewAdapter(s.router)),
	)

	s.audit = reconciliation.NewService(s.host, s.tokens, s.escrow, s.market)
	s.auditTimer = reconciliation.NewTimer(s.audit, cfg.ReconcileEvery, s.logger)

	s.usdc = token.AssetAddress("USDC")
	if cfg.USDCAsset != "" {
		s.usdc = common.HexToAddress(cfg.USDCAsset)
	}
	if cfg.AdminAddress != "" {
		if err := s.bootstrap(ctx); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
	}

	s.health = health.NewRegistry()
	s.health.Register("store", health.PingChecker("store", s.store))

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openStore selects Postgres, SQLite or memory storage from the config.
func (s *Server) openStore(ctx context.Context) error {
	var (
		driver, dsn string
		dialect     kv.Dialect
	)
	switch {
	case s.cfg.DatabaseURL != "":
		driver, dsn, dialect = "postgres", s.cfg.DatabaseURL, kv.Postgres
	case s.cfg.SQLitePath != "":
		driver, dsn, dialect = "sqlite", s.cfg.SQLitePath, kv.SQLite
	default:
		s.store = kv.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == kv.SQLite {
		// One writer; Apply relies on transactions being serialized.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store := kv.NewSQLStore(db, dialect)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	s.db = db
	s.store = store
	if dialect == kv.Postgres {
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(dsn))
	} else {
		s.logger.Info("using SQLite storage", "path", dsn)
	}
	return nil
}

// bootstrap creates the settlement asset and links escrow and marketplace
// under the configured admin. Steps already done by an earlier start are
// skipped.
func (s *Server) bootstrap(ctx context.Context) error {
	admin := common.HexToAddress(s.cfg.AdminAddress)
	registry := host.ContractAddress("registry")
	if s.cfg.Registry != "" {
		registry = common.HexToAddress(s.cfg.Registry)
	}

	return s.host.Invoke(ctx, "bootstrap", auth.NewGrants(admin), func(inv *host.Invocation) error {
		if _, err := s.tokens.Metadata(inv, s.usdc); errors.Is(err, errcode.TokenNotFound) {
			if err := s.tokens.Create(inv, token.Metadata{
				Asset:    s.usdc,
				Admin:    admin,
				Name:     "USD Coin",
				Symbol:   "USDC",
				Decimals: USDCDecimals,
			}); err != nil {
				return fmt.Errorf("create settlement asset: %w", err)
			}
			s.logger.Info("created settlement asset", "asset", s.usdc.Hex())
		} else if err != nil {
			return err
		}

		if _, err := s.escrow.Config(inv); errors.Is(err, errcode.NotInitialized) {
			if err := s.escrow.Initialize(inv, escrow.Config{
				Admin:       admin,
				Asset:       s.usdc,
				Marketplace: s.market.Address(),
			}); err != nil {
				return fmt.Errorf("initialize escrow: %w", err)
			}
			s.logger.Info("initialized escrow", "address", s.escrow.Address().Hex())
		} else if err != nil {
			return err
		}

		if _, err := s.market.Config(inv); errors.Is(err, errcode.NotInitialized) {
			if err := s.market.Initialize(inv, marketplace.Config{
				Admin:    admin,
				Escrow:   s.escrow.Address(),
				Registry: registry,
			}); err != nil {
				return fmt.Errorf("initialize marketplace: %w", err)
			}
			s.logger.Info("initialized marketplace", "address", s.market.Address().Hex())
		} else if err != nil {
			return err
		}
		return nil
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
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	var hdrs security.HeaderOptions
	if s.cfg.IsProduction() {
		hdrs.HSTSMaxAge = 365 * 24 * 60 * 60
	}
	s.engine.Use(security.HeadersMiddleware(hdrs))
	s.engine.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.engine.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.engine.Use(s.rateLimiter.Middleware())

	s.engine.Use(metrics.Middleware())
	s.engine.Use(s.requestIDMiddleware())
	s.engine.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
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

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health.Handler(Version))
	s.engine.GET("/health/live", s.livenessHandler)
	s.engine.GET("/health/ready", s.readinessHandler)
	s.engine.GET("/metrics", metrics.Handler())
	s.engine.GET("/ws", s.hub.Handler())

	v1 := s.engine.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/ws/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.hub.Stats()) })
	if s.webhooks != nil {
		v1.GET("/webhooks/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.webhooks.Stats()) })
	}

	tokenHandler := token.NewHandler(s.host, s.tokens)
	escrowHandler := escrow.NewHandler(s.host, s.escrow).WithDefaultTimeout(s.cfg.EscrowTimeout)
	marketHandler := marketplace.NewHandler(s.host, s.market)
	poolHandler := swap.NewPoolHandler(s.host, s.pool)

	events.NewHandler(s.eventLog).RegisterRoutes(v1)
	tokenHandler.RegisterRoutes(v1)
	escrowHandler.RegisterRoutes(v1)
	marketHandler.RegisterRoutes(v1)
	poolHandler.RegisterRoutes(v1)
	reconciliation.NewHandler(s.audit).RegisterRoutes(v1)

	// Mutations carry signatures from the principals they act for.
	protected := v1.Group("")
	if s.cfg.MockAuth {
		s.logger.Warn("MOCK_AUTH enabled: every principal is authorized")
		protected.Use(auth.MockMiddleware())
	} else {
		verifier := auth.NewVerifier(s.cfg.AuthMaxSkew).WithReplayGuard(host.NewClaims(s.host))
		protected.Use(verifier.Middleware())
	}
	tokenHandler.RegisterProtectedRoutes(protected)
	escrowHandler.RegisterProtectedRoutes(protected)
	marketHandler.RegisterProtectedRoutes(protected)
	poolHandler.RegisterProtectedRoutes(protected)
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
		"name":        "Blocki",
		"description": "Fractional real-estate token marketplace",
		"version":     Version,
		"router":      s.router.Name(),
		"contracts": gin.H{
			"escrow":      s.escrow.Address(),
			"marketplace": s.market.Address(),
			"pool":        s.pool.Address(),
			"usdc":        s.usdc,
		},
		"escrowTimeout": s.cfg.EscrowTimeout,
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers and blocks until a
// signal arrives, ctx ends or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.engine,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Long enough for an on-chain swap confirmation.
		WriteTimeout: s.cfg.ConfirmTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"router", s.router.Name(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if s.webhooks != nil {
		go s.webhooks.Run(runCtx)
	}
	go s.keeper.Start(runCtx)
	go s.auditTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	var errs []error

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Stops the hub, keeper, audit timer and stats collector.
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.keeper != nil {
		s.keeper.Stop()
	}
	if s.auditTimer != nil {
		s.auditTimer.Stop()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.eth != nil {
		if err := s.eth.Close(); err != nil {
			s.logger.Error("router client close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin engine for testing
func (s *Server) Router() *gin.Engine {
	return s.engine
}

// Host returns the ledger host.
func (s *Server) Host() *host.Host {
	return s.host
}
