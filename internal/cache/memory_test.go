package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/dronehub/telemetry-scheduler/internal/cache"
)

func TestMemoryCache_GetSet(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	if v, err := c.Get(ctx, "missing"); err != nil || v != "" {
		t.Fatalf("absent key: v=%q err=%v, want empty and nil", v, err)
	}

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != "v" {
		t.Fatalf("get = %q, want v", v)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if ok, _ := c.Exists(ctx, "k"); ok {
		t.Fatal("expected key gone after delete")
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if v, _ := c.Get(ctx, "k"); v != "" {
		t.Fatalf("expected expired key, got %q", v)
	}
}

func TestMemoryCache_SetNX(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "cooldown", "1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}

	ok, err = c.SetNX(ctx, "cooldown", "2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX: ok=%v err=%v, want false", ok, err)
	}

	// The original value survives.
	if v, _ := c.Get(ctx, "cooldown"); v != "1" {
		t.Fatalf("value = %q, want 1", v)
	}
}

func TestMemoryCache_SetNXAfterExpiry(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	if ok, _ := c.SetNX(ctx, "k", "1", 10*time.Millisecond); !ok {
		t.Fatal("first SetNX should succeed")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := c.SetNX(ctx, "k", "2", time.Minute); !ok {
		t.Fatal("SetNX after expiry should succeed")
	}
}

func TestMemoryCache_PushCapped(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		if err := c.PushCapped(ctx, "list", v, 3); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	got, err := c.ListRange(ctx, "list", 0, -1)
	if err != nil {
		t.Fatalf("range failed: %v", err)
	}
	// Newest first, capped at 3: the oldest entry "a" is trimmed.
	want := []string{"d", "c", "b"}
	if len(got) != len(want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("list[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMemoryCache_ListRangeBounds(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		_ = c.PushCapped(ctx, "list", v, 10)
	}

	got, _ := c.ListRange(ctx, "list", 0, 0)
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("range [0,0] = %v, want [c]", got)
	}

	if got, _ := c.ListRange(ctx, "empty", 0, -1); len(got) != 0 {
		t.Fatalf("range on missing key = %v, want empty", got)
	}
}
