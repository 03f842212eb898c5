// Command taskforge runs the TaskForge orchestrator API server and its
// operator commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	tfhttp "github.com/Strob0t/TaskForge/internal/adapter/http"
	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/app"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/middleware"
	"github.com/Strob0t/TaskForge/internal/service"
	"github.com/Strob0t/TaskForge/internal/worker"
)

func main() {
	var err error
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			err = runMigrate(os.Args[2:])
		case "admin":
			err = runAdmin(os.Args[2:])
		case "serve":
			err = run(os.Args[2:])
		default:
			err = run(os.Args[1:])
		}
	} else {
		err = run(nil)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	embedAgent := fs.Bool("agent", false, "also run an agent worker in this process (useful with memory backends)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLog.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store", cfg.Store,
		"queue", cfg.Queue,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := tfotel.Init(ctx, cfg.OTEL, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	// --- Infrastructure + services ---
	a, err := app.New(ctx, cfg, app.Options{Migrate: true})
	if err != nil {
		return err
	}
	defer a.Close()
	slog.Info("services ready", "notifiers", a.Notify.NotifierCount())

	idem, err := a.IdempotencyCache(ctx)
	if err != nil {
		return fmt.Errorf("idempotency cache: %w", err)
	}

	deadLetters := service.NewDeadLetterMonitor(a.Notify)
	if a.Metrics != nil {
		deadLetters.SetMetrics(a.Metrics)
	}
	cancelDL, err := deadLetters.Start(ctx, a.Queue)
	if err != nil {
		return fmt.Errorf("dead-letter subscriber: %w", err)
	}
	defer cancelDL()

	reconciler := service.NewReconciler(a.Store, a.Tasks, cfg.Orchestrator)

	// --- HTTP ---
	handlers := &tfhttp.Handlers{
		Tasks:  a.Tasks,
		Agents: a.Agents,
		Budget: a.Budget,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(tfotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(tfhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(tfhttp.SecurityHeaders)
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", healthHandler(a))
	r.Group(func(r chi.Router) {
		r.Use(middleware.Idempotency(idem, cfg.Cache.TTL))
		tfhttp.MountRoutes(r, handlers)
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return reconciler.Run(gctx) })

	if *embedAgent {
		w := worker.New(a.Tasks, a.Agents, a.Sandboxes, a.Queue, cfg.Agent)
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// healthHandler reports backend health. It answers 503 while any backend is down.
func healthHandler(a *app.App) http.HandlerFunc {
	type healthStatus struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
		Version  string            `json:"version"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		backends, ok := a.Health(r.Context())
		status := healthStatus{Status: "ok", Backends: backends, Version: tfhttp.Version}
		code := http.StatusOK
		if !ok {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
