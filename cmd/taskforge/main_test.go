package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/TaskForge/internal/app"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

func TestHealthHandler(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store = config.BackendMemory
	cfg.Queue = config.BackendMemory
	a, err := app.New(context.Background(), &cfg, app.Options{Notifiers: []notifier.Notifier{}})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	h := healthHandler(a)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Status   string            `json:"status"`
		Backends map[string]string `json:"backends"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Backends["store"] != "memory" {
		t.Errorf("body = %+v", body)
	}

	a.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after close = %d, want 503", rec.Code)
	}
}

func TestRunAdminUnknown(t *testing.T) {
	if err := runAdmin([]string{"explode"}); err == nil {
		t.Fatal("expected error for unknown admin command")
	}
	if err := runAdmin(nil); err != nil {
		t.Fatalf("help: %v", err)
	}
	if err := runMigrate([]string{"help"}); err != nil {
		t.Fatalf("migrate help: %v", err)
	}
}
