// Package app wires TaskForge's adapters and services from configuration.
// The server, the agent and the admin commands all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TaskForge/internal/adapter/docker"
	"github.com/Strob0t/TaskForge/internal/adapter/memqueue"
	"github.com/Strob0t/TaskForge/internal/adapter/memstore"
	tfnats "github.com/Strob0t/TaskForge/internal/adapter/nats"
	"github.com/Strob0t/TaskForge/internal/adapter/natskv"
	tfotel "github.com/Strob0t/TaskForge/internal/adapter/otel"
	"github.com/Strob0t/TaskForge/internal/adapter/postgres"
	"github.com/Strob0t/TaskForge/internal/adapter/ristretto"
	"github.com/Strob0t/TaskForge/internal/adapter/tiered"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/port/cache"
	"github.com/Strob0t/TaskForge/internal/port/containerruntime"
	"github.com/Strob0t/TaskForge/internal/port/database"
	"github.com/Strob0t/TaskForge/internal/port/messagequeue"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
	"github.com/Strob0t/TaskForge/internal/resilience"
	"github.com/Strob0t/TaskForge/internal/service"
)

// memRedeliver is the redelivery delay of the in-process queue.
const memRedeliver = time.Second

// Options tunes what New sets up.
type Options struct {
	// Migrate applies pending PostgreSQL migrations on startup.
	Migrate bool
	// Runtime overrides the docker container runtime.
	Runtime containerruntime.Runtime
	// Notifiers overrides the notifiers built from cfg.Notify.
	Notifiers []notifier.Notifier
}

// App holds the wired infrastructure and services.
type App struct {
	Config    *config.Config
	Store     database.Store
	Queue     messagequeue.Queue
	Runtime   containerruntime.Runtime
	Metrics   *tfotel.Metrics
	Notify    *service.NotificationService
	Dispatch  *service.Dispatcher
	Budget    *service.BudgetService
	Sandboxes *service.SandboxManager
	Tasks     *service.TaskOrchestrator
	Agents    *service.AgentService

	pool *pgxpool.Pool
	js   jetstream.JetStream
	l1   *ristretto.Cache
}

// New connects the configured backends and builds the services. Close
// releases everything New acquired, also after a partial failure.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) (err error) {
	cfg := a.Config
	if err := a.openStore(ctx, opts.Migrate); err != nil {
		return err
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	if cfg.OTEL.Enabled {
		if a.Metrics, err = tfotel.NewMetrics(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	a.Runtime = opts.Runtime
	if a.Runtime == nil {
		a.Runtime = docker.New()
	}

	notifiers := opts.Notifiers
	if notifiers == nil {
		if notifiers, err = Notifiers(cfg.Notify); err != nil {
			return err
		}
	}
	a.Notify = service.NewNotificationService(notifiers, cfg.Notify.EnabledEvents)

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
		resilience.WithStateChange(func(from, to resilience.State) {
			slog.Warn("broker circuit breaker state changed", "from", from.String(), "to", to.String())
		}),
	)
	a.Dispatch = service.NewDispatcher(a.Queue, breaker, cfg.Orchestrator.PublishRetries)
	a.Budget = service.NewBudgetService(a.Store, a.Dispatch, a.Notify, cfg.Budget.MaxChargeRetries, cfg.Orchestrator.MaxSubstituteHops)
	a.Sandboxes = service.NewSandboxManager(a.Runtime, cfg.Sandbox)
	a.Tasks = service.NewTaskOrchestrator(a.Store, a.Dispatch, a.Budget, a.Sandboxes, a.Notify, cfg.Orchestrator)
	a.Agents = service.NewAgentService(a.Store)

	if a.Metrics != nil {
		a.Budget.SetMetrics(a.Metrics)
		a.Sandboxes.SetMetrics(a.Metrics)
		a.Tasks.SetMetrics(a.Metrics)
	}
	return nil
}

func (a *App) openStore(ctx context.Context, migrate bool) error {
	cfg := a.Config
	switch cfg.Store {
	case config.BackendMemory:
		a.Store = memstore.New()
		slog.Warn("using in-memory store; state is lost on exit")
		return nil
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		slog.Info("postgres connected")
		if migrate {
			if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			slog.Info("migrations applied")
		}
		a.Store = postgres.NewStore(pool)
		return nil
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store)
	}
}

func (a *App) openQueue(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Queue {
	case config.BackendMemory:
		a.Queue = memqueue.New(cfg.NATS.MaxDeliver, memRedeliver)
		slog.Warn("using in-memory queue; hints are lost on exit")
		return nil
	case config.BackendNATS:
		q, err := tfnats.Connect(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		a.Queue = q
		a.js = q.JetStream()
		return nil
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue)
	}
}

// IdempotencyCache builds the tiered idempotency cache: ristretto in front of
// a NATS KV bucket, or ristretto alone with the in-memory queue.
func (a *App) IdempotencyCache(ctx context.Context) (cache.Cache, error) {
	l1, err := ristretto.New(int(a.Config.Cache.L1MaxSizeMB))
	if err != nil {
		return nil, err
	}
	a.l1 = l1
	if a.js == nil {
		return l1, nil
	}
	l2, err := natskv.Open(ctx, a.js, a.Config.Cache.L2Bucket, a.Config.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency bucket: %w", err)
	}
	return tiered.New(l1, l2, a.Config.Cache.TTL), nil
}

// Health reports the state of each backend. The bool is false when any is down.
func (a *App) Health(ctx context.Context) (map[string]string, bool) {
	status := map[string]string{"store": "memory", "queue": "memory"}
	healthy := true

	if a.pool != nil {
		status["store"] = "ok"
		if err := a.pool.Ping(ctx); err != nil {
			status["store"] = "unavailable"
			healthy = false
		}
	}
	if a.js != nil {
		status["queue"] = "ok"
	}
	if a.Queue != nil && !a.Queue.IsConnected() {
		status["queue"] = "unavailable"
		healthy = false
	}
	return status, healthy
}

// Close drains the queue and closes the store and caches.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Queue != nil {
		if err := a.Queue.Drain(); err != nil {
			slog.Warn("queue drain failed", "error", err)
		}
	}
	if a.l1 != nil {
		a.l1.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// Notifiers builds the notifiers enabled in cfg through the notifier registry.
// The adapter packages must be linked in for their names to resolve.
func Notifiers(cfg config.Notify) ([]notifier.Notifier, error) {
	var out []notifier.Notifier
	var errs []error
	add := func(name string, settings map[string]string) {
		n, err := notifier.New(name, settings)
		if err != nil {
			errs = append(errs, err)
			return
		}
		out = append(out, n)
	}
	if cfg.SlackWebhookURL != "" {
		add("slack", map[string]string{"webhook_url": cfg.SlackWebhookURL})
	}
	if cfg.DiscordWebhookURL != "" {
		add("discord", map[string]string{"webhook_url": cfg.DiscordWebhookURL})
	}
	if cfg.SMTP.Host != "" {
		add("email", map[string]string{
			"host":     cfg.SMTP.Host,
			"port":     strconv.Itoa(cfg.SMTP.Port),
			"from":     cfg.SMTP.From,
			"password": cfg.SMTP.Password,
			"to":       strings.Join(cfg.SMTP.To, ","),
		})
	}
	return out, errors.Join(errs...)
}
