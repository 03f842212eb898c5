package natskv_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/TaskForge/internal/adapter/natskv"
	"github.com/Strob0t/TaskForge/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping NATS KV test")
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := natskv.Open(ctx, js, "TASKFORGE_TEST_KV", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = js.DeleteKeyValue(context.Background(), "TASKFORGE_TEST_KV") })

	cachetest.Run(t, c)

	// Keys outside the KV alphabet must still round-trip.
	if err := c.Set(ctx, "POST /api/v1/tasks key with spaces", []byte("ok"), time.Minute); err != nil {
		t.Fatal(err)
	}
	val, found, err := c.Get(ctx, "POST /api/v1/tasks key with spaces")
	if err != nil || !found || string(val) != "ok" {
		t.Fatalf("got %q found=%v err=%v", val, found, err)
	}
}
