package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/qobuzdl/server/internal/logger"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6380"
	}
	return url
}

func TestCache_SetGet(t *testing.T) {
	ctx := context.Background()
	c, err := New(ctx, getTestRedisURL(), logger.Discard())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer c.Close()

	key := "test:album:" + time.Now().Format("150405.000000")
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected a miss before Set")
	}

	if err := c.Set(ctx, key, `{"id":"a1"}`, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	val, ok := c.Get(ctx, key)
	if !ok || val != `{"id":"a1"}` {
		t.Errorf("Get() = %q, %v", val, ok)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := New(context.Background(), "not a url", logger.Discard()); err == nil {
		t.Error("expected an error for an invalid url")
	}
}
