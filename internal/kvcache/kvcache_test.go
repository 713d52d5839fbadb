package kvcache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	val, err := s.Get(ctx, "absent")
	if err != nil || val != "" {
		t.Errorf("Get absent = %q, %v, want empty, nil", val, err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, _ = s.Get(ctx, "k")
	if val != "v" {
		t.Errorf("Get = %q, want v", val)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	val, _ = s.Get(ctx, "k")
	if val != "" {
		t.Errorf("Get after delete = %q, want empty", val)
	}
	if err := s.Delete(ctx, "absent"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, _ := s.Get(ctx, "k")
	if val != "v" {
		t.Errorf("Get before expiry = %q, want v", val)
	}

	time.Sleep(20 * time.Millisecond)
	val, _ = s.Get(ctx, "k")
	if val != "" {
		t.Errorf("Get after expiry = %q, want empty", val)
	}

	// Overwriting with zero ttl clears the expiry.
	s.Set(ctx, "k", "v2", 10*time.Millisecond)
	s.Set(ctx, "k", "v3", 0)
	time.Sleep(20 * time.Millisecond)
	val, _ = s.Get(ctx, "k")
	if val != "v3" {
		t.Errorf("Get after ttl clear = %q, want v3", val)
	}
}
