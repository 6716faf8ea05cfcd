package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

func newTestController(t *testing.T) (*Controller, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewController(client, 60*time.Second, 5*time.Minute), mr
}

func unlimitedLimits() Limits {
	return Limits{TenantPerMinute: -1, TenantConcurrent: -1, GlobalConcurrent: -1, TTL: 60 * time.Second}
}

func TestReserveAndReleaseRoundTrip(t *testing.T) {
	c, _ := newTestController(t)
	limits := Limits{TenantPerMinute: 5, TenantConcurrent: 2, GlobalConcurrent: 10, TTL: 60 * time.Second}

	if err := c.Reserve(context.Background(), "call-1", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}
	if got := c.Tracked(); got != 1 {
		t.Fatalf("expected 1 tracked call, got %d", got)
	}

	if err := c.Release(context.Background(), "call-1", limits); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	if got := c.Tracked(); got != 0 {
		t.Fatalf("expected 0 tracked calls after release, got %d", got)
	}

	// A second reservation should see the counters restored, not still
	// occupied by the released call.
	if err := c.Reserve(context.Background(), "call-2", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected reserve error on second call: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, _ := newTestController(t)
	limits := Limits{TenantPerMinute: 5, TenantConcurrent: 2, GlobalConcurrent: 10, TTL: 60 * time.Second}

	if err := c.Reserve(context.Background(), "call-1", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}
	if err := c.Release(context.Background(), "call-1", limits); err != nil {
		t.Fatalf("unexpected first release error: %v", err)
	}
	// Double release must be a no-op, not push any counter negative.
	if err := c.Release(context.Background(), "call-1", limits); err != nil {
		t.Fatalf("expected double release to be a no-op, got %v", err)
	}
	// Releasing a call id that was never reserved is also a no-op.
	if err := c.Release(context.Background(), "never-reserved", limits); err != nil {
		t.Fatalf("expected release of unknown call id to be a no-op, got %v", err)
	}
}

func TestReserveDeniesAtTenantConcurrencyCap(t *testing.T) {
	c, _ := newTestController(t)
	limits := Limits{TenantPerMinute: -1, TenantConcurrent: 1, GlobalConcurrent: -1, TTL: 60 * time.Second}

	if err := c.Reserve(context.Background(), "call-1", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected error on first reserve: %v", err)
	}
	err := c.Reserve(context.Background(), "call-2", "tenant-a", limits)
	if !errors.Is(err, orchestrator.ErrTenantAtCapacity) {
		t.Fatalf("expected ErrTenantAtCapacity, got %v", err)
	}
	// Denial must not have tracked the second call.
	if got := c.Tracked(); got != 1 {
		t.Fatalf("expected 1 tracked call after denial, got %d", got)
	}
}

func TestReserveDeniesAtGlobalCapAndRollsBackTenantCounter(t *testing.T) {
	c, mr := newTestController(t)
	limits := Limits{TenantPerMinute: -1, TenantConcurrent: 5, GlobalConcurrent: 1, TTL: 60 * time.Second}

	if err := c.Reserve(context.Background(), "call-1", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected error on first reserve: %v", err)
	}
	err := c.Reserve(context.Background(), "call-2", "tenant-b", limits)
	if !errors.Is(err, orchestrator.ErrSystemAtCapacity) {
		t.Fatalf("expected ErrSystemAtCapacity, got %v", err)
	}

	// The denied call's tenant counter must have been rolled back to zero,
	// not left incremented.
	val, _ := mr.Get(tenantKey("tenant-b"))
	if val != "" && val != "0" {
		t.Fatalf("expected tenant-b concurrency counter rolled back to 0, got %q", val)
	}
}

func TestReserveDeniesAtPerMinuteCapAndDoesNotTrack(t *testing.T) {
	c, _ := newTestController(t)
	limits := Limits{TenantPerMinute: 1, TenantConcurrent: -1, GlobalConcurrent: -1, TTL: 60 * time.Second}

	if err := c.Reserve(context.Background(), "call-1", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected error on first reserve: %v", err)
	}
	if err := c.Release(context.Background(), "call-1", limits); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	err := c.Reserve(context.Background(), "call-2", "tenant-a", limits)
	if !errors.Is(err, orchestrator.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestUnlimitedPlanBypassesEnforcement(t *testing.T) {
	c, _ := newTestController(t)
	limits := unlimitedLimits()

	for i := 0; i < 50; i++ {
		callID := "call-" + string(rune('a'+i%26))
		if err := c.Reserve(context.Background(), callID, "tenant-a", limits); err != nil {
			t.Fatalf("unlimited plan should never deny, got %v at i=%d", err, i)
		}
	}
}

func TestSweepReleasesLeakedReservations(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c := NewController(client, 60*time.Second, 10*time.Millisecond)
	limits := Limits{TenantPerMinute: -1, TenantConcurrent: 1, GlobalConcurrent: -1, TTL: 60 * time.Second}

	if err := c.Reserve(context.Background(), "call-1", "tenant-a", limits); err != nil {
		t.Fatalf("unexpected reserve error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	c.sweepOnce(context.Background(), limits)

	if got := c.Tracked(); got != 0 {
		t.Fatalf("expected sweep to release the leaked call, got %d still tracked", got)
	}

	val, _ := mr.Get(tenantKey("tenant-a"))
	if val != "" && val != "0" {
		t.Fatalf("expected tenant-a concurrency counter released by sweep, got %q", val)
	}
}

func TestStopIsSafeToCallMultipleTimes(t *testing.T) {
	c, _ := newTestController(t)
	c.Stop()
	c.Stop()
}
