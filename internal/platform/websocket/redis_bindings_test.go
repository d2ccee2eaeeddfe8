package websocket

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBindings(t *testing.T) *RedisBindings {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse REDIS_URL: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	key := "priorauth:test:bindings:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })
	return NewRedisBindings(client, key)
}

func TestNewRedisBindings_DefaultKey(t *testing.T) {
	b := NewRedisBindings(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	if b.key != DefaultBindingsKey {
		t.Errorf("expected default key, got %s", b.key)
	}
}

func TestRedisBindings_RoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestRedisBindings(t)

	if err := b.Ping(ctx); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if _, ok, err := b.Lookup(ctx, "sub-1"); err != nil || ok {
		t.Fatalf("expected no binding, ok=%v err=%v", ok, err)
	}

	if err := b.Bind(ctx, "sub-1", "socket-a"); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if err := b.Bind(ctx, "sub-2", "socket-b"); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if got, ok, err := b.Lookup(ctx, "sub-1"); err != nil || !ok || got != "socket-a" {
		t.Fatalf("expected socket-a, got %q ok=%v err=%v", got, ok, err)
	}

	if err := b.Unbind(ctx, "socket-a", []string{"sub-1", "sub-2"}); err != nil {
		t.Fatalf("Unbind() error: %v", err)
	}
	if _, ok, _ := b.Lookup(ctx, "sub-1"); ok {
		t.Error("expected sub-1 removed")
	}
	if got, ok, _ := b.Lookup(ctx, "sub-2"); !ok || got != "socket-b" {
		t.Errorf("expected sub-2 untouched, got %q ok=%v", got, ok)
	}
}
