package kvcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), mr.Addr(), "test")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStore(t)

	val, err := s.Get(ctx, "absent")
	if err != nil || val != "" {
		t.Errorf("Get absent = %q, %v, want empty, nil", val, err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, err = s.Get(ctx, "k")
	if err != nil || val != "v" {
		t.Errorf("Get = %q, %v, want v", val, err)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	val, _ = s.Get(ctx, "k")
	if val != "" {
		t.Errorf("Get after delete = %q, want empty", val)
	}
}

func TestRedisStorePrefixIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	a, err := NewRedisStore(ctx, mr.Addr(), "a")
	if err != nil {
		t.Fatalf("NewRedisStore a: %v", err)
	}
	defer a.Close()
	b, err := NewRedisStore(ctx, mr.Addr(), "b")
	if err != nil {
		t.Fatalf("NewRedisStore b: %v", err)
	}
	defer b.Close()

	if err := a.Set(ctx, "k", "va", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, _ := b.Get(ctx, "k")
	if val != "" {
		t.Errorf("prefix b leaked value %q", val)
	}
	val, _ = a.Get(ctx, "k")
	if val != "va" {
		t.Errorf("prefix a lost value, got %q", val)
	}
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, mr.Addr(), "test")
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()

	if err := s.Set(ctx, "k", "v", 50*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(100 * time.Millisecond)
	val, _ := s.Get(ctx, "k")
	if val != "" {
		t.Errorf("Get after ttl = %q, want empty", val)
	}
}

func TestRedisStoreConnectFailure(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), "127.0.0.1:1", "test"); err == nil {
		t.Error("expected connection error")
	}
}
