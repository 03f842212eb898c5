package ristretto_test

import (
	"testing"

	"github.com/Strob0t/TaskForge/internal/adapter/ristretto"
	"github.com/Strob0t/TaskForge/internal/port/cache/cachetest"
)

func TestCacheCompliance(t *testing.T) {
	c, err := ristretto.New(8)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	cachetest.Run(t, c)
}
