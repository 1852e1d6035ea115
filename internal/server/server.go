// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/satspos/internal/backend"
	"github.com/mbd888/satspos/internal/boltcard"
	"github.com/mbd888/satspos/internal/config"
	"github.com/mbd888/satspos/internal/detector"
	"github.com/mbd888/satspos/internal/health"
	"github.com/mbd888/satspos/internal/idgen"
	"github.com/mbd888/satspos/internal/invoice"
	"github.com/mbd888/satspos/internal/logging"
	"github.com/mbd888/satspos/internal/metrics"
	"github.com/mbd888/satspos/internal/money"
	"github.com/mbd888/satspos/internal/navigation"
	"github.com/mbd888/satspos/internal/rates"
	"github.com/mbd888/satspos/internal/realtime"
	"github.com/mbd888/satspos/internal/security"
	"github.com/mbd888/satspos/internal/sound"
	"github.com/mbd888/satspos/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the terminal's moving parts.
type Server struct {
	cfg      *config.Config
	currency money.Currency
	backend  *backend.Client
	machine  *invoice.Machine
	detector *detector.Detector
	entry    *money.Entry
	nav      *navigation.Controller
	theme    *sound.Theme
	health   *health.Registry

	bridge  *boltcard.Bridge
	nfcFeed *boltcard.FeedScanner

	rateCache     *rates.Cache
	rateRefresher *rates.Refresher

	hub          *realtime.Hub
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

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	cur, ok := money.Lookup(cfg.Currency)
	if !ok {
		return nil, fmt.Errorf("unknown currency %q: %w", cfg.Currency, money.ErrUnknownCurrency)
	}

	s := &Server{
		cfg:      cfg,
		currency: cur,
		logger:   logging.New(cfg.LogLevel, "json"),
		theme:    sound.ByName(cfg.SoundTheme),
	}

	// Apply options first (may set logger)
	for _, opt := range opts {
		opt(s)
	}

	s.backend = backend.NewClient(cfg.BackendURL)

	// Exchange rates. SATS terminals never convert, so the refresher only
	// runs when a fiat display currency needs a rate feed.
	s.rateCache = rates.NewCache()
	if cfg.RatesURL != "" && cur.Code != money.Sats.Code {
		s.rateRefresher = rates.NewRefresher(
			rates.NewClient(cfg.RatesURL),
			s.rateCache,
			cur.Code,
			cfg.RateRefresh,
			s.logger,
		)
		s.logger.Info("rate refresher configured", "currency", cur.Code, "interval", cfg.RateRefresh)
	}

	// Payment detection across push, poll and nfc channels.
	detCfg := detector.DefaultConfig()
	detCfg.PushURL = cfg.PushURL
	if cfg.FocusPollDelay > 0 {
		detCfg.PollDelay = cfg.FocusPollDelay
	}
	if cfg.ReconnectMaxAttempts > 0 {
		detCfg.MaxReconnects = cfg.ReconnectMaxAttempts
	}
	s.detector = detector.New(detCfg, &backendChecker{s.backend}, s.logger)

	// Realtime hub for the front-end event stream.
	s.hub = realtime.NewHub(s.logger)

	// Invoice state machine.
	s.machine = invoice.NewMachine(invoice.Config{
		Currency:          cur,
		MerchantLabel:     validation.SanitizeString(cfg.MerchantLabel, validation.MaxLabelLength),
		SplitDialog:       len(cfg.TipPresets) > 0,
		TipRecipient:      cfg.TipRecipient,
		CommissionPercent: cfg.CommissionPercent,
		UseNWC:            cfg.UseNWC,
	}, s.backend, s.detector, s.rateCache, s.logger)
	s.machine.SetNotifier(&eventNotifier{hub: s.hub, theme: s.theme})
	s.detector.OnExpired = s.machine.OnExpired

	// NFC boltcard bridge, fed tag payloads by the front end.
	if cfg.NFCEnabled {
		s.nfcFeed = boltcard.NewFeedScanner()
		s.bridge = boltcard.New(s.nfcFeed, s.backend, &machineOutstanding{s.machine}, s.detector, s.logger)
		s.bridge.OnReadError = func(err error) {
			s.hub.Publish(&realtime.Event{
				Kind:      "nfc_error",
				Timestamp: time.Now(),
				Sound:     string(s.theme.For("invoice_failed")),
				Data:      gin.H{"error": err.Error()},
			})
		}
		s.logger.Info("nfc bridge enabled")
	}

	// Keypad entry and the key router.
	s.entry = money.NewEntry(cur)
	s.nav = navigation.NewController(s.logger)
	s.nav.Register("keypad", &keypadView{s})

	s.health = health.NewRegistry()
	if cfg.PushURL != "" {
		s.health.Register("push", func(ctx context.Context) health.Status {
			st := health.Status{Name: "push", Healthy: s.detector.Connected()}
			if !st.Healthy {
				st.Detail = "settlement stream disconnected, poll detection active"
			}
			return st
		})
	}
	if s.rateRefresher != nil {
		s.health.Register("rates", func(ctx context.Context) health.Status {
			st := health.Status{Name: "rates", Healthy: s.rateCache.Current() != nil}
			if !st.Healthy {
				st.Detail = "no exchange-rate snapshot yet"
			}
			return st
		})
	}

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

	// CORS (the front end runs on its own port during development)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.GinMiddleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
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

	// Terminal status page (plain HTML, talks to the API below)
	s.router.GET("/", terminalPageHandler)

	// WebSocket event stream for the front end
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	v1.GET("/terminal", s.terminalStateHandler)
	v1.POST("/terminal/focus", s.focusHandler)
	v1.POST("/terminal/keys", s.keyHandler)
	v1.POST("/terminal/reconnect", s.reconnectHandler)

	v1.GET("/invoice", s.getInvoiceHandler)
	v1.POST("/invoice", s.submitInvoiceHandler)
	v1.POST("/invoice/split", s.selectSplitHandler)
	v1.POST("/invoice/cancel", s.cancelInvoiceHandler)
	v1.POST("/invoice/ack", s.ackFailureHandler)

	v1.GET("/rates", s.ratesHandler)

	if s.bridge != nil {
		v1.POST("/nfc/permission", s.nfcPermissionHandler)
		v1.POST("/nfc/scan", s.nfcScanHandler)
		v1.POST("/nfc/tag", s.nfcTagHandler)
	}
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

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"currency", s.currency.Code,
			"backend", s.cfg.BackendURL,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

	if s.cfg.PushURL != "" {
		go s.detector.Run(runCtx)
	}

	if s.rateRefresher != nil {
		go s.rateRefresher.Start(runCtx)
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

	// Cancel the context for background goroutines (hub, detector, refresher)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateRefresher != nil {
		s.rateRefresher.Stop()
		s.logger.Info("rate refresher stopped")
	}

	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.nfcFeed != nil {
		s.nfcFeed.Stop()
		s.logger.Info("nfc feed stopped")
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// backendChecker adapts backend.Client to detector.Checker
type backendChecker struct {
	c *backend.Client
}

func (a *backendChecker) Check(ctx context.Context, paymentHash string) (detector.CheckResult, error) {
	res, err := a.c.CheckPayment(ctx, paymentHash)
	if errors.Is(err, backend.ErrInvoiceNotFound) {
		return detector.CheckResult{NotFound: true}, nil
	}
	if err != nil {
		return detector.CheckResult{}, err
	}
	return detector.CheckResult{Paid: res.Paid}, nil
}

// eventNotifier adapts realtime.Hub to invoice.Notifier, attaching the
// theme's audio cue to each event.
type eventNotifier struct {
	hub   *realtime.Hub
	theme *sound.Theme
}

func (n *eventNotifier) Notify(kind string, payload interface{}) {
	n.hub.Publish(&realtime.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Sound:     string(n.theme.For(kind)),
		Data:      payload,
	})
}

// machineOutstanding adapts invoice.Machine to boltcard.OutstandingSource
type machineOutstanding struct {
	m *invoice.Machine
}

func (a *machineOutstanding) Outstanding() (string, string, bool) {
	inv := a.m.Current()
	if inv == nil || inv.Status != invoice.StateAwaitingPayment {
		return "", "", false
	}
	return inv.PaymentRequest, inv.PaymentHash, true
}

// keypadView is the amount-entry view. It owns the digit keys and the
// submit/cancel actions while no modal is up.
type keypadView struct {
	s *Server
}

func (v *keypadView) CanHandleKey(key string) bool {
	switch key {
	case ".", "backspace", "Enter", "Escape":
		return true
	}
	return len(key) == 1 && key[0] >= '0' && key[0] <= '9'
}

func (v *keypadView) HandleKey(key string) {
	switch key {
	case "Enter":
		amount, ok := v.s.entry.Value()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := v.s.machine.Submit(ctx, amount); err != nil {
			v.s.logger.Warn("keypad submit rejected", "error", err)
			return
		}
		v.s.entry.Clear()
	case "Escape":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.s.machine.Cancel(ctx); err != nil {
			// Nothing outstanding; clear the entry instead.
			v.s.entry.Clear()
		}
	default:
		v.s.entry.Press(key)
	}
}
