package tiered_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/adapter/tiered"
	"github.com/Strob0t/TaskForge/internal/port/cache/cachetest"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, key)
	return nil
}

func (m *memCache) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func TestTiered_Compliance(t *testing.T) {
	cachetest.Run(t, tiered.New(newMemCache(), newMemCache(), time.Minute))
}

func TestTiered_L1Hit(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	l1.data["key1"] = []byte("val1")

	val, found, err := c.Get(context.Background(), "key1")
	if err != nil || !found || string(val) != "val1" {
		t.Fatalf("got %q found=%v err=%v", val, found, err)
	}
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	l2.data["key2"] = []byte("val2")

	val, found, err := c.Get(context.Background(), "key2")
	if err != nil || !found || string(val) != "val2" {
		t.Fatalf("got %q found=%v err=%v", val, found, err)
	}
	if !l1.has("key2") {
		t.Fatal("expected L1 backfill")
	}
}

func TestTiered_SetAndDeleteBoth(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "key3", []byte("val3"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if !l1.has("key3") || !l2.has("key3") {
		t.Fatal("expected key3 in both levels")
	}
	if err := c.Delete(ctx, "key3"); err != nil {
		t.Fatal(err)
	}
	if l1.has("key3") || l2.has("key3") {
		t.Fatal("expected key3 deleted from both levels")
	}
}

func TestTiered_L2FailureDegrades(t *testing.T) {
	l1, l2 := newMemCache(), newMemCache()
	l2.err = errors.New("nats down")
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("L2 set failure must not surface: %v", err)
	}
	val, found, err := c.Get(ctx, "k")
	if err != nil || !found || string(val) != "v" {
		t.Fatalf("expected L1 hit, got %q found=%v err=%v", val, found, err)
	}
	if _, found, err := c.Get(ctx, "other"); err != nil || found {
		t.Fatalf("L2 get failure should read as a miss, found=%v err=%v", found, err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("L2 delete failure must not surface: %v", err)
	}
}
