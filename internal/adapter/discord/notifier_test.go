package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

var _ notifier.Notifier = (*Notifier)(nil)

func TestSendNotConfigured(t *testing.T) {
	err := NewNotifier("").Send(context.Background(), notifier.Notification{Title: "x"})
	if !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendEmbed(t *testing.T) {
	var got discordWebhook
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL).Send(context.Background(), notifier.Notification{
		Title:   "Task quarantined",
		Message: "deploy failed 3 times",
		Level:   notifier.LevelError,
		Source:  notifier.SourceTaskQuarantined,
		Fields:  map[string]string{"task_id": "t-1", "retry_count": "3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Embeds) != 1 {
		t.Fatalf("embeds = %d", len(got.Embeds))
	}
	e := got.Embeds[0]
	if e.Color != 0xE74C3C || e.Footer == nil || e.Footer.Text != "Source: task.quarantined" {
		t.Fatalf("unexpected embed: %+v", e)
	}
	if len(e.Fields) != 2 || e.Fields[0].Name != "retry_count" {
		t.Fatalf("fields not sorted: %+v", e.Fields)
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if err := NewNotifier(srv.URL).Send(context.Background(), notifier.Notification{Title: "x"}); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestRegistry(t *testing.T) {
	found := false
	for _, name := range notifier.Available() {
		if name == "discord" {
			found = true
		}
	}
	if !found {
		t.Fatal("discord notifier not registered")
	}
}
