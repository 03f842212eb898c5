package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/middleware"
)

// mapCache is an in-memory cache.Cache.
type mapCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// countingHandler answers 201 with an incrementing counter.
func countingHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"call":%d,"echo":%q}`, n, body)
	})
}

func do(h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	c := newMapCache()
	var calls atomic.Int32
	h := middleware.Idempotency(c, time.Hour)(countingHandler(&calls))

	first := do(h, http.MethodPost, "/api/v1/services/svc-a/charge", "k1", `{"amount":4}`)
	second := do(h, http.MethodPost, "/api/v1/services/svc-a/charge", "k1", `{"amount":4}`)

	if calls.Load() != 1 {
		t.Fatalf("handler called %d times, want 1", calls.Load())
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replay status = %d, want 201", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replay missing Idempotent-Replayed header")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replay content type = %q", second.Header().Get("Content-Type"))
	}
	for k, ttl := range c.ttls {
		if ttl != time.Hour {
			t.Errorf("ttl for %s = %v, want 1h", k, ttl)
		}
	}
}

func TestIdempotencyScopesKeyByPath(t *testing.T) {
	var calls atomic.Int32
	h := middleware.Idempotency(newMapCache(), time.Hour)(countingHandler(&calls))

	do(h, http.MethodPost, "/api/v1/services/a/charge", "k1", "{}")
	do(h, http.MethodPost, "/api/v1/services/b/charge", "k1", "{}")

	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2", calls.Load())
	}
}

func TestIdempotencyRejectsDifferentBody(t *testing.T) {
	var calls atomic.Int32
	h := middleware.Idempotency(newMapCache(), time.Hour)(countingHandler(&calls))

	do(h, http.MethodPost, "/charge", "k1", `{"amount":4}`)
	rec := do(h, http.MethodPost, "/charge", "k1", `{"amount":5}`)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
}

func TestIdempotencyPassThrough(t *testing.T) {
	c := newMapCache()
	var calls atomic.Int32
	h := middleware.Idempotency(c, time.Hour)(countingHandler(&calls))

	do(h, http.MethodGet, "/tasks", "k1", "")
	do(h, http.MethodGet, "/tasks", "k1", "")
	do(h, http.MethodPost, "/tasks", "", "{}")
	do(h, http.MethodPost, "/tasks", "", "{}")

	if calls.Load() != 4 {
		t.Errorf("handler called %d times, want 4", calls.Load())
	}
	if c.len() != 0 {
		t.Errorf("cache entries = %d, want 0", c.len())
	}
}

func TestIdempotencySkipsServerErrors(t *testing.T) {
	c := newMapCache()
	var calls atomic.Int32
	h := middleware.Idempotency(c, time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	do(h, http.MethodPost, "/tasks", "k1", "{}")
	do(h, http.MethodPost, "/tasks", "k1", "{}")

	if calls.Load() != 2 {
		t.Errorf("handler called %d times, want 2", calls.Load())
	}
	if c.len() != 0 {
		t.Errorf("cache entries = %d, want 0", c.len())
	}
}

func TestIdempotencyConcurrentDuplicate(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := middleware.Idempotency(newMapCache(), time.Hour)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- do(h, http.MethodPost, "/charge", "k1", "{}") }()
	<-entered

	dup := do(h, http.MethodPost, "/charge", "k1", "{}")
	if dup.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", dup.Code)
	}

	close(release)
	if first := <-done; first.Code != http.StatusOK {
		t.Errorf("first status = %d, want 200", first.Code)
	}
}

func TestIdempotencyCacheFailureFallsThrough(t *testing.T) {
	c := newMapCache()
	c.getErr = errors.New("bucket offline")
	var calls atomic.Int32
	h := middleware.Idempotency(c, time.Hour)(countingHandler(&calls))

	rec := do(h, http.MethodPost, "/tasks", "k1", "{}")
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("handler called %d times, want 1", calls.Load())
	}
}

func TestIdempotencyKeyTooLong(t *testing.T) {
	var calls atomic.Int32
	h := middleware.Idempotency(newMapCache(), time.Hour)(countingHandler(&calls))

	rec := do(h, http.MethodPost, "/tasks", strings.Repeat("k", 300), "{}")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
