package app

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/goleak"

	_ "github.com/Strob0t/TaskForge/internal/adapter/discord"
	_ "github.com/Strob0t/TaskForge/internal/adapter/email"
	"github.com/Strob0t/TaskForge/internal/adapter/ristretto"
	_ "github.com/Strob0t/TaskForge/internal/adapter/slack"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

func memoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Store = config.BackendMemory
	cfg.Queue = config.BackendMemory
	return &cfg
}

func TestNewMemoryBackends(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	a, err := New(ctx, memoryConfig(), Options{Notifiers: []notifier.Notifier{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	created, err := a.Tasks.CreateTask(ctx, &task.CreateRequest{Title: "wired"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.Status != task.StatusTodo {
		t.Errorf("status = %s, want TODO", created.Status)
	}

	status, healthy := a.Health(ctx)
	if !healthy || status["store"] != "memory" || status["queue"] != "memory" {
		t.Errorf("health = %v %v", status, healthy)
	}

	c, err := a.IdempotencyCache(ctx)
	if err != nil {
		t.Fatalf("IdempotencyCache: %v", err)
	}
	if _, ok := c.(*ristretto.Cache); !ok {
		t.Errorf("cache = %T, want L1 only without NATS", c)
	}

	a.Close()
	if _, healthy := a.Health(ctx); healthy {
		t.Error("expected unhealthy after Close")
	}
}

func TestNewUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store = "sqlite"
	_, err := New(context.Background(), cfg, Options{})
	if err == nil || !strings.Contains(err.Error(), "sqlite") {
		t.Fatalf("expected unknown backend error, got %v", err)
	}
}

func TestNewPartialFailureReleases(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := memoryConfig()
	cfg.Queue = "kafka"
	a, err := New(context.Background(), cfg, Options{})
	if err == nil || !strings.Contains(err.Error(), "kafka") {
		t.Fatalf("expected unknown queue error, got %v", err)
	}
	if a != nil {
		t.Fatal("expected nil app on failure")
	}

	var none *App
	none.Close()
}

func TestNotifiers(t *testing.T) {
	got, err := Notifiers(config.Notify{
		SlackWebhookURL:   "https://hooks.slack.test/x",
		DiscordWebhookURL: "https://discord.test/api/webhooks/1/x",
		SMTP:              config.SMTP{Host: "smtp.example.test", Port: 587, From: "tf@example.test", To: []string{"ops@example.test"}},
	})
	if err != nil {
		t.Fatalf("Notifiers: %v", err)
	}
	if len(got) != 3 || got[0].Name() != "slack" || got[1].Name() != "discord" || got[2].Name() != "email" {
		t.Fatalf("notifiers = %v", got)
	}

	none, err := Notifiers(config.Notify{})
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no notifiers, got %v %v", none, err)
	}
}
