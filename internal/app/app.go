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

	"github.com/bissquit/lanequeue/internal/config"
	"github.com/bissquit/lanequeue/internal/pkg/ctxlog"
	"github.com/bissquit/lanequeue/internal/pkg/httputil"
	"github.com/bissquit/lanequeue/internal/pkg/metrics"
	"github.com/bissquit/lanequeue/internal/pkg/postgres"
	"github.com/bissquit/lanequeue/internal/queue"
	queuepostgres "github.com/bissquit/lanequeue/internal/queue/postgres"
	"github.com/bissquit/lanequeue/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const dbMetricsInterval = 15 * time.Second

// queueStorage is what the app needs from a storage backend.
type queueStorage interface {
	queue.Storage
	queue.StatsReader
	queue.ItemReader
}

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool // nil with the memory storage driver
	storage       queueStorage
	repo          *queue.Repository
	dispatcher    *queue.Dispatcher
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc
}

// New creates a new application instance. Handlers are registered on the
// dispatcher by task type before it starts.
func New(cfg *config.Config, handlers map[string]queue.TaskHandler) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	switch cfg.Storage.Driver {
	case config.StorageDriverMemory:
		logger.Warn("using in-memory queue storage: items are lost on restart")
		app.storage = queue.NewMemoryStorage()
	default:
		db, err := connectDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		app.db = db
		app.storage = queuepostgres.NewStorage(db)
	}

	app.repo = queue.NewRepository(app.storage)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	app.bgCancel = bgCancel

	metrics.RecordBuildInfo()
	if app.db != nil {
		go metrics.CollectDBPool(bgCtx, app.db, dbMetricsInterval)
	}
	go app.collectQueueMetrics(bgCtx)

	if cfg.Dispatcher.Enabled {
		app.dispatcher = queue.NewDispatcher(queue.DispatcherConfig{
			BatchSize:      cfg.Dispatcher.BatchSize,
			PollInterval:   cfg.Dispatcher.PollInterval,
			NumWorkers:     cfg.Dispatcher.NumWorkers,
			ClaimRate:      cfg.Dispatcher.ClaimRate,
			ClaimBurst:     cfg.Dispatcher.ClaimBurst,
			MaxRetries:     cfg.Dispatcher.MaxRetries,
			HandlerTimeout: cfg.Dispatcher.HandlerTimeout,
			SaveAttempts:   cfg.Dispatcher.SaveAttempts,
			SaveBackoff:    cfg.Dispatcher.SaveBackoff,
		}, app.repo)

		for taskType, h := range handlers {
			app.dispatcher.Register(taskType, h)
		}

		if err := app.dispatcher.Start(bgCtx); err != nil {
			app.close()
			return nil, fmt.Errorf("start dispatcher: %w", err)
		}
		logger.Info("dispatcher enabled", "dispatcher_id", app.dispatcher.ID().String())
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
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

func connectDatabase(cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.MigrationsPath != "" {
		if err := postgres.Migrate(cfg.URL, cfg.MigrationsPath); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}

	return db, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
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

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"storage", a.config.Storage.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Stop claiming before the servers go away; in-flight items are settled.
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}

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

	a.close()

	return errors.Join(errs...)
}

func (a *App) close() {
	a.bgCancel()
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(a.config.Metrics.QueueStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.storage.QueueStats(ctx)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			queue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Repository returns the queue repository.
func (a *App) Repository() *queue.Repository {
	return a.repo
}

// Dispatcher returns the dispatcher instance. Returns nil if disabled.
func (a *App) Dispatcher() *queue.Dispatcher {
	return a.dispatcher
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	queueHandler := queue.NewHandler(a.repo, a.storage, a.storage)

	r.Route("/api/v1", func(r chi.Router) {
		queueHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if a.db == nil {
		httputil.Text(w, http.StatusOK, "OK")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
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
