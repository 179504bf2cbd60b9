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
	amqp "github.com/rabbitmq/amqp091-go"

	adminconsole "github.com/lootvault/lootvault/internal/admin"
	"github.com/lootvault/lootvault/internal/auth"
	"github.com/lootvault/lootvault/internal/circuitbreaker"
	"github.com/lootvault/lootvault/internal/commission"
	"github.com/lootvault/lootvault/internal/config"
	"github.com/lootvault/lootvault/internal/conversation"
	"github.com/lootvault/lootvault/internal/escrow"
	"github.com/lootvault/lootvault/internal/health"
	"github.com/lootvault/lootvault/internal/ledger"
	"github.com/lootvault/lootvault/internal/logging"
	"github.com/lootvault/lootvault/internal/metrics"
	"github.com/lootvault/lootvault/internal/notify"
	"github.com/lootvault/lootvault/internal/payments"
	"github.com/lootvault/lootvault/internal/ratelimit"
	"github.com/lootvault/lootvault/internal/receipts"
	"github.com/lootvault/lootvault/internal/realtime"
	"github.com/lootvault/lootvault/internal/reconciliation"
	"github.com/lootvault/lootvault/internal/security"
	"github.com/lootvault/lootvault/internal/stockgate"
	"github.com/lootvault/lootvault/internal/traces"
	"github.com/lootvault/lootvault/internal/validation"
	"github.com/lootvault/lootvault/internal/webhooks"
	"github.com/lootvault/lootvault/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	db        *sql.DB          // nil if using in-memory
	amqpConn  *amqp.Connection // nil if AMQP_URL is unset
	publisher *notify.AMQPPublisher
	stockGate *stockgate.RedisGate // nil if REDIS_ADDR is unset

	processor      payments.Processor
	ledger         *ledger.Service
	escrowService  *escrow.Service
	sweeper        *escrow.Sweeper
	conversations  *conversation.Service
	notifier       *notify.Dispatcher
	receipts       *receipts.Service
	reconciler     *reconciliation.Runner
	reconcileTimer *reconciliation.Timer
	realtimeHub    *realtime.Hub
	webhookStore   webhooks.Store
	webhookSender  *webhooks.Dispatcher
	verifier       *auth.Verifier
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration

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

// WithVersion sets the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithPaymentProcessor overrides the processor chosen from config (for testing).
func WithPaymentProcessor(p payments.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, "lootvault", cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		escrowStore escrow.Store
		orderTotals reconciliation.OrderTotals
		ledgerStore ledger.Store
		audit       ledger.AuditLogger
		ranks       commission.RankSource
		convStore   conversation.Store
		hookStore   webhooks.Store
		rcptStore   receipts.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.logger.Info("connected to PostgreSQL", "dsn", maskDSN(cfg.DatabaseURL))

		orders := escrow.NewPostgresStore(db)
		escrowStore, orderTotals = orders, orders
		ledgerStore = ledger.NewPostgresStore(db)
		audit = ledger.NewPostgresAuditLogger(db)
		ranks = commission.NewPostgresRanks(db)
		convStore = conversation.NewPostgresStore(db)
		hookStore = webhooks.NewPostgresStore(db)
		rcptStore = receipts.NewPostgresStore(db)
		s.health.Register("database", health.Ping("database", db.PingContext))
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory stores (data is lost on restart)")
		audit = ledger.NewMemoryAuditLogger()
		balances := ledger.NewMemoryStore().WithAudit(audit)
		orders := escrow.NewMemoryStore(balances, audit)
		escrowStore, orderTotals = orders, orders
		ledgerStore = balances
		ranks = commission.NewStaticRanks()
		convStore = conversation.NewMemoryStore()
		hookStore = webhooks.NewMemoryStore()
		rcptStore = receipts.NewMemoryStore()
	}

	if s.processor == nil {
		if cfg.StripeSecretKey != "" {
			s.processor = payments.NewStripeProcessor(cfg.StripeSecretKey)
			s.logger.Info("payment processor: stripe")
		} else {
			s.processor = payments.NewMemoryProcessor()
			s.logger.Warn("STRIPE_SECRET_KEY not set, refunds are simulated in memory")
		}
	}

	s.webhookStore = hookStore
	s.webhookSender = webhooks.NewDispatcher(hookStore, s.logger)
	sinks := []notify.Sink{notify.NewLogSink(s.logger), s.webhookSender}
	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to AMQP: %w", err)
		}
		s.amqpConn = conn
		pub, err := notify.NewAMQPPublisher(conn)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to open notification queue: %w", err)
		}
		s.publisher = pub
		sinks = append(sinks, pub)
		s.health.Register("amqp", health.Ping("amqp", func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}))
	}

	var gate stockgate.Gate = stockgate.NewMemoryGate()
	if cfg.RedisAddr != "" {
		rg, err := stockgate.Dial(cfg.RedisAddr)
		if err != nil {
			s.closeResources()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		s.stockGate = rg
		gate = rg
		s.health.Register("redis", health.Ping("redis", rg.Ping))
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	events := &hubEvents{hub: s.realtimeHub}

	s.notifier = notify.NewDispatcher(s.logger, sinks...)
	s.receipts = receipts.NewService(rcptStore, receipts.NewSigner(cfg.ReceiptSecret))
	if !s.receipts.Enabled() {
		s.logger.Warn("RECEIPT_HMAC_SECRET not set, settlement receipts are disabled")
	}

	s.ledger = ledger.NewService(ledgerStore, audit)
	s.escrowService = escrow.NewService(escrowStore, ranks, s.processor).
		WithNotifier(s.notifier).
		WithReceipts(s.receipts).
		WithEvents(events).
		WithStockGate(gate).
		WithBreaker(circuitbreaker.New(5, 30*time.Second)).
		WithProtectionWindow(cfg.ProtectionWindow).
		WithLogger(s.logger)
	s.conversations = conversation.NewService(convStore, s.escrowService).
		WithMediators(s.escrowService).
		WithNotifier(s.notifier).
		WithEvents(events).
		WithLogger(s.logger)
	s.escrowService.WithDisputeObserver(s.conversations)

	s.sweeper = escrow.NewSweeper(s.escrowService, cfg.SweepInterval, s.logger)
	s.reconciler = reconciliation.NewRunner(s.ledger, orderTotals, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.verifier = auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: int64(cfg.RateLimitRPM),
		AdminMultiplier:   ratelimit.DefaultConfig().AdminMultiplier,
	})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// openDB connects, sizes the pool and applies migrations when enabled.
func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(auditContext())
}

// auditContext copies the caller IP and request id into the context so
// audit entries written deep in a transaction can name them.
func auditContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := ledger.WithAuditIP(c.Request.Context(), c.ClientIP())
		ctx = ledger.WithAuditRequestID(ctx, logging.RequestID(ctx))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", auth.Middleware(s.verifier), s.websocketHandler)

	// Processor webhooks authenticate by signature and are not rate limited
	hooks := s.router.Group("/v1")
	payments.NewWebhookHandler(&paymentConfirmer{orders: s.escrowService}, s.cfg.StripeWebhookSecret, s.logger).
		WithCurrency(s.cfg.PaymentCurrency).
		RegisterRoutes(hooks)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.verifier))
	v1.Use(s.rateLimiter.Middleware())
	v1.Use(validation.IDParamMiddleware("id", "webhookId", "receiptId"))

	if s.cfg.AdminSecret != "" {
		v1.POST("/admin/token", auth.AdminTokenHandler(s.verifier, s.cfg.AdminSecret, auth.DefaultAdminTokenTTL))
	}

	escrowHandler := escrow.NewHandler(s.escrowService, s.logger)
	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	conversationHandler := conversation.NewHandler(s.conversations, s.logger)
	reconciliationHandler := reconciliation.NewHandler(s.reconciler, s.logger)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhookSender, s.logger)
	receiptHandler := receipts.NewHandler(s.receipts, s.logger)
	consoleHandler := adminconsole.NewHandler(s.logger).
		WithOrders(s.escrowService).
		WithReconciler(s.reconciler).
		WithRealtime(s.realtimeHub)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterProtectedRoutes(protected)
	conversationHandler.RegisterProtectedRoutes(protected)
	webhookHandler.RegisterProtectedRoutes(protected)
	receiptHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	conversationHandler.RegisterAdminRoutes(admin)
	reconciliationHandler.RegisterAdminRoutes(admin)
	consoleHandler.RegisterRoutes(admin)
}

// websocketHandler upgrades GET /ws. Browsers cannot set headers on a
// websocket handshake, so the token may also arrive as ?token=.
func (s *Server) websocketHandler(c *gin.Context) {
	userID, admin := auth.UserID(c), auth.IsAdmin(c)
	if userID == "" {
		if tok := c.Query("token"); tok != "" {
			if claims, err := s.verifier.Parse(tok); err == nil {
				userID, admin = claims.Subject, claims.Role == auth.RoleAdmin
			}
		}
	}
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token or ?token= required.",
		})
		return
	}
	s.realtimeHub.HandleWebSocket(c.Writer, c.Request, userID, admin)
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
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
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
	defer signal.Stop(sigChan)

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

	// Stop background workers after in-flight requests have drained
	s.sweeper.Stop()
	s.reconcileTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.logger.Info("background workers stopped")

	// Deliveries still need the broker connection closed below.
	if err := s.notifier.Drain(ctx); err != nil {
		s.logger.Error("notification drain error", "error", err)
	}

	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Error("tracing shutdown error", "error", err)
	}

	s.closeResources()
	s.logger.Info("server stopped")
	return nil
}

// closeResources releases connections opened by New.
func (s *Server) closeResources() {
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("notification publisher close error", "error", err)
		}
	}
	if s.amqpConn != nil && !s.amqpConn.IsClosed() {
		if err := s.amqpConn.Close(); err != nil {
			s.logger.Error("amqp close error", "error", err)
		}
	}
	if s.stockGate != nil {
		if err := s.stockGate.Close(); err != nil {
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

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
