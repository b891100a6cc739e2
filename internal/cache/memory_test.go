package cache

import (
	"context"
	"testing"
	"time"

	"hvcollector/config"
)

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(10)

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss")
	}
	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("Get = %q %v %v", got, ok, err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(10)
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "k", []byte("v"), time.Minute)
	now = now.Add(2 * time.Minute)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestMemoryBounded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	_ = m.Set(ctx, "a", []byte("1"), 0)
	_ = m.Set(ctx, "b", []byte("2"), 0)
	_ = m.Set(ctx, "c", []byte("3"), 0)
	if len(m.items) != 2 {
		t.Fatalf("items = %d, want 2", len(m.items))
	}
	if _, ok, _ := m.Get(ctx, "c"); !ok {
		t.Fatalf("latest entry must be kept")
	}
}

func TestNewDisabled(t *testing.T) {
	c, err := New(context.Background(), config.CacheConfig{Enabled: false})
	if err != nil || c != nil {
		t.Fatalf("New = %v, %v", c, err)
	}
	c, err = New(context.Background(), config.CacheConfig{Enabled: true, Backend: "memory"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.(*Memory); !ok {
		t.Fatalf("expected memory backend, got %T", c)
	}
}
