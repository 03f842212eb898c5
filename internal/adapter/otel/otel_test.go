package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Strob0t/TaskForge/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.OTEL{Enabled: false}, "test")
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("noop shutdown: %v", err)
	}
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	if m.TasksCreated == nil || m.BudgetCharged == nil || m.SandboxReady == nil {
		t.Fatal("instrument not initialized")
	}
	m.TasksCreated.Add(context.Background(), 1)
}

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartTaskSpan(context.Background(), "claim", "t-1")
	EndSpan(span, nil)
	_, span = StartChargeSpan(context.Background(), "svc-a", 4)
	EndSpan(span, errors.New("budget exceeded"))

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Name() != "task.claim" {
		t.Fatalf("span name = %q", ended[0].Name())
	}
	if ended[1].Status().Code != codes.Error {
		t.Fatalf("expected error status, got %v", ended[1].Status().Code)
	}
}

func TestHTTPMiddleware(t *testing.T) {
	h := HTTPMiddleware("taskforge")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rr.Code)
	}
}
