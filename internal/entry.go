// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/noteworthy/internal/api"
	"github.com/starford/noteworthy/internal/mcpserver"
	"github.com/starford/noteworthy/internal/models"
	"github.com/starford/noteworthy/internal/noteservice"
	"github.com/starford/noteworthy/internal/persist"
	"github.com/starford/noteworthy/internal/sse"
	"github.com/starford/noteworthy/internal/storage"
	"github.com/starford/noteworthy/internal/watcher"
)

const shutdownTimeout = 10 * time.Second

func newApplication(opts []Option) (*application, error) {
	app := &application{version: "dev", logOut: os.Stdout}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return app, nil
}

// logger initializes the structured JSON logger.
func (a *application) logger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(a.logOut, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

func (a *application) openService(ctx context.Context, logger *slog.Logger) (*noteservice.Service, error) {
	cfg := a.config.Store

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	store, err := storage.NewFS(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	svc, err := noteservice.Open(ctx, noteservice.Options{
		Store:  store,
		Logger: logger,
		Writer: persist.WriterConfig{
			Debounce:    cfg.Debounce,
			RetryDelay:  cfg.RetryBackoff,
			MaxAttempts: cfg.MaxWriteAttempts,
		},
		RetryBackoff:   cfg.RetryBackoff,
		DrainTimeout:   cfg.DrainTimeout,
		UndoDepth:      a.config.Undo.Depth,
		TrashRetention: cfg.TrashRetention,
		JournalPath:    cfg.JournalPath,
		JournalFlush:   cfg.JournalFlush,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return svc, nil
}

// closeService drains pending writes, bounded by the configured drain timeout.
func closeService(svc *noteservice.Service, logger *slog.Logger) error {
	if pending := svc.Status().PendingWrites; pending > 0 {
		logger.Info("Draining pending writes", slog.Int("pending", pending))
	}
	if err := svc.Close(context.Background()); err != nil {
		logger.Error("Store close error",
			slog.String("error", err.Error()),
			slog.Int("unsaved", svc.Status().PendingWrites))
		return err
	}
	return nil
}

// Run starts the HTTP server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config
	logger := app.logger()

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_path", cfg.Store.Path),
		slog.Bool("watch", cfg.Store.Watch),
		slog.String("log_level", cfg.App.LogLevel.String()))

	svc, err := app.openService(ctx, logger)
	if err != nil {
		return err
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)
	unsubscribe := svc.Subscribe(broker.PublishChange)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if svc.Status().FailingWrites > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api; SSE lives at /api/events.
	r.Mount("/api", api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker))

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)

	// Apply external edits to note files.
	if cfg.Store.Watch {
		g.Go(func() error {
			err := watcher.Watch(gCtx, svc, svc.Manager(), logger, func(kind string, id models.NoteID) {
				logger.Debug("external change", slog.String("kind", kind), slog.String("id", string(id)))
			})
			if err != nil {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	// Purge trash past retention.
	if cfg.Store.CompactInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Store.CompactInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gCtx.Done():
					return nil
				case <-ticker.C:
					svc.Compact(gCtx)
				}
			}
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		// SSE streams only end when the broker closes them.
		broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	runErr := g.Wait()
	unsubscribe()
	if n := broker.Dropped(); n > 0 {
		logger.Warn("SSE changes dropped under load", slog.Int64("dropped", n))
	}
	closeErr := closeService(svc, logger)

	if err := errors.Join(runErr, closeErr); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunMCP serves the MCP tools on stdin/stdout until the client disconnects.
func RunMCP(ctx context.Context, opts ...Option) error {
	app, err := newApplication(opts)
	if err != nil {
		return err
	}
	logger := app.logger()

	svc, err := app.openService(ctx, logger)
	if err != nil {
		return err
	}

	logger.Info("MCP server starting", slog.String("store_path", app.config.Store.Path))
	serveErr := mcpserver.New(svc, app.version).ServeStdio()

	return errors.Join(serveErr, closeService(svc, logger))
}
