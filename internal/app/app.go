// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/fieldsync/internal/config"
	"github.com/bissquit/fieldsync/internal/delivery"
	"github.com/bissquit/fieldsync/internal/network"
	"github.com/bissquit/fieldsync/internal/outbox"
	"github.com/bissquit/fieldsync/internal/outbox/chat"
	"github.com/bissquit/fieldsync/internal/outbox/document"
	"github.com/bissquit/fieldsync/internal/outbox/form"
	"github.com/bissquit/fieldsync/internal/pkg/ctxlog"
	"github.com/bissquit/fieldsync/internal/pkg/httputil"
	"github.com/bissquit/fieldsync/internal/pkg/metrics"
	"github.com/bissquit/fieldsync/internal/queue"
	queuepostgres "github.com/bissquit/fieldsync/internal/queue/postgres"
	"github.com/bissquit/fieldsync/internal/queue/sqlite"
	"github.com/bissquit/fieldsync/internal/statusbus"
	"github.com/bissquit/fieldsync/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	opener        *queue.Opener
	store         queue.Store
	bus           *statusbus.Bus
	monitor       *network.Monitor
	outbox        *outbox.Outbox
	orchestrator  *outbox.Orchestrator
	server        *http.Server
	metricsServer *http.Server

	bgCtx     context.Context
	bgCancel  context.CancelFunc
	startOnce sync.Once
}

// New creates a new application instance. Background work starts with
// Start or Run.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	opener, store, err := OpenStore(context.Background(), cfg.Store)
	if err != nil {
		return nil, err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		opener:   opener,
		store:    store,
		bus:      statusbus.New(),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}

	if err := app.setupEngine(); err != nil {
		bgCancel()
		_ = opener.Close()
		return nil, fmt.Errorf("setup engine: %w", err)
	}

	router := app.setupRouter()

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setupEngine() error {
	cfg := a.config

	var prober network.Prober
	if cfg.Network.ProbeURL != "" {
		prober = network.NewHTTPProber(cfg.Network.ProbeURL, nil)
	}
	a.monitor = network.NewMonitor(network.Config{
		InitialOnline: cfg.Network.InitialOnline,
		ProbeInterval: cfg.Network.ProbeInterval,
		ProbeTimeout:  cfg.Network.ProbeTimeout,
	}, prober)

	metrics.RecordNetworkState(a.monitor.IsOnline())
	a.monitor.Subscribe(func(t network.Transition) {
		metrics.RecordNetworkState(t.Online)
	})

	var creds delivery.CredentialSource
	if cfg.Remote.Token != "" {
		creds = delivery.StaticToken(cfg.Remote.Token)
	} else {
		kv, err := delivery.NewKeyValueCredentials(a.store, cfg.Remote.CredentialKeyPattern)
		if err != nil {
			return fmt.Errorf("create credential source: %w", err)
		}
		creds = kv
	}

	client, err := delivery.NewClient(delivery.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Timeout:   cfg.Remote.Timeout,
		UserAgent: cfg.Remote.UserAgent,
	}, creds)
	if err != nil {
		return fmt.Errorf("create delivery client: %w", err)
	}

	registry := outbox.NewRegistry(
		form.NewAdapter(form.Config{Target: cfg.Remote.FormsTarget}, client),
		chat.NewAdapter(chat.Config{Target: cfg.Remote.ChatsTarget}, client),
		document.NewAdapter(document.Config{
			Target:    cfg.Remote.DocumentsTarget,
			FileField: cfg.Remote.DocumentField,
		}, client),
	)

	outboxConfig := outbox.Config{
		DeliveryTimeout: cfg.Sync.DeliveryTimeout,
		MaxRetries:      cfg.Sync.MaxRetries,
		RateLimit:       cfg.Sync.RateLimit,
		JournalSize:     cfg.Sync.JournalSize,
		Interval:        cfg.Sync.Interval,
	}

	slog.Info("sync engine configured",
		"store", cfg.Store.Driver,
		"remote", cfg.Remote.BaseURL,
		"online", a.monitor.IsOnline(),
		"probe_url", cfg.Network.ProbeURL,
		"max_retries", cfg.Sync.MaxRetries,
	)

	a.outbox = outbox.NewOutbox(outboxConfig, a.store, registry, a.monitor, a.bus)
	a.orchestrator = outbox.NewOrchestrator(outboxConfig, a.store, registry, a.monitor, a.bus)
	return nil
}

// Start launches the network monitor, the orchestrator and the metrics
// collectors. It is called by Run and is safe to call more than once.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.monitor.Start(a.bgCtx)
		a.orchestrator.Start(a.bgCtx)
		go a.collectStoreMetrics(a.bgCtx)
	})
}

// Run starts background work and the HTTP servers.
func (a *App) Run() error {
	a.Start()

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Let a running drain finish before the store closes. It is cancelled
	// once ctx expires.
	drained := make(chan struct{})
	go func() {
		a.orchestrator.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.logger.Warn("drain still running at shutdown deadline, cancelling")
	}
	a.bgCancel()
	<-drained
	a.monitor.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	if err := a.opener.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

func (a *App) collectStoreMetrics(ctx context.Context) {
	// Collect immediately on start
	a.recordStoreMetrics(ctx)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.recordStoreMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) recordStoreMetrics(ctx context.Context) {
	switch s := a.store.(type) {
	case *sqlite.Store:
		metrics.RecordSQLDBMetrics(s.DB())
	case *queuepostgres.Store:
		metrics.RecordDBPoolMetrics(s.Pool())
	}

	count, err := a.orchestrator.PendingCount(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("failed to get queue stats", "error", err)
		}
		return
	}
	outbox.RecordQueueStats(count)
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Outbox returns the save path.
func (a *App) Outbox() *outbox.Outbox {
	return a.outbox
}

// Orchestrator returns the drain engine.
func (a *App) Orchestrator() *outbox.Orchestrator {
	return a.orchestrator
}

// Monitor returns the network monitor.
func (a *App) Monitor() *network.Monitor {
	return a.monitor
}

// Bus returns the status bus.
func (a *App) Bus() *statusbus.Bus {
	return a.bus
}

// Store returns the open queue store.
func (a *App) Store() queue.Store {
	return a.store
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	outboxHandler := outbox.NewHandler(outbox.HandlerConfig{
		MaxUploadBytes: a.config.Server.MaxUploadBytes,
		OriginPatterns: a.config.CORS.AllowedOrigins,
	}, a.outbox, a.orchestrator, a.store, a.monitor, a.bus)

	timeout := middleware.Timeout(60 * time.Second)

	r.With(timeout).Get("/healthz", a.healthzHandler)
	r.With(timeout).Get("/readyz", a.readyzHandler)
	r.With(timeout).Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.TokenAuthMiddleware(a.config.Server.APIToken))

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			outboxHandler.RegisterRoutes(r)
		})

		// Event streams outlive any request timeout
		outboxHandler.RegisterStreamRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := a.store.SchemaVersion(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
