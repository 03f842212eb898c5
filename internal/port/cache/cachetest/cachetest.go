// Package cachetest holds the behaviour every cache.Cache adapter must share.
package cachetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/TaskForge/internal/port/cache"
)

// Run exercises c against the cache.Cache contract. Keys are prefixed so a
// shared backend can be reused across packages.
func Run(t *testing.T, c cache.Cache) {
	t.Helper()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "cachetest-set", []byte("idempotent-response"), time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "cachetest-set")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if string(val) != "idempotent-response" {
			t.Fatalf("expected idempotent-response, got %s", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "cachetest-miss")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "cachetest-del", []byte("v"), time.Minute)
		if err := c.Delete(ctx, "cachetest-del"); err != nil {
			t.Fatal(err)
		}
		_, found, err := c.Get(ctx, "cachetest-del")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "cachetest-never"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "cachetest-overwrite", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "cachetest-overwrite", []byte("v2"), time.Minute)
		val, found, err := c.Get(ctx, "cachetest-overwrite")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after overwrite")
		}
		if string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %s", val)
		}
	})

	t.Run("ValueIsCopied", func(t *testing.T) {
		buf := []byte("original")
		_ = c.Set(ctx, "cachetest-copy", buf, time.Minute)
		buf[0] = 'X'
		val, _, err := c.Get(ctx, "cachetest-copy")
		if err != nil {
			t.Fatal(err)
		}
		if string(val) != "original" {
			t.Fatalf("cached value aliased caller buffer: %s", val)
		}
	})
}
