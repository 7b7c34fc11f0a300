package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilClientBehavesAsMiss(t *testing.T) {
	var c *Client
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Second); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss on nil client set, got %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss on nil client get, got %v", err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("delete on nil client must be a no-op, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client must be a no-op, got %v", err)
	}
}
