// Command taskforge-agent runs an agent worker: it registers with the shared
// store, takes dispatch hints from the queue and executes claimed tasks in
// sandboxes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/app"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/logger"
	"github.com/Strob0t/TaskForge/internal/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	fs := flag.NewFlagSet("taskforge-agent", flag.ContinueOnError)
	alias := fs.String("alias", cfg.Agent.Alias, "agent alias (reused across restarts)")
	caps := fs.String("capabilities", strings.Join(cfg.Agent.Capabilities, ","), "comma-separated capabilities")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.Agent.Alias = *alias
	cfg.Agent.Capabilities = splitList(*caps)
	if cfg.Agent.Alias == "" {
		host, _ := os.Hostname()
		cfg.Agent.Alias = host
	}

	cfg.Logging.Service = "taskforge-agent"
	log, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLog.Close()

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

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	w := worker.New(a.Tasks, a.Agents, a.Sandboxes, a.Queue, cfg.Agent)
	return w.Run(ctx)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
