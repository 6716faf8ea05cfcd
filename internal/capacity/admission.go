// Package capacity implements the three-scope admission controller that
// reserves capacity for a new call across a per-tenant-per-minute window,
// a per-tenant concurrency cap, and a global concurrency cap, in that
// fixed order, with reverse-order rollback on partial failure.
package capacity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

const (
	unlimited = -1

	globalKey = "cap:global"
)

func tenantKey(tenantID string) string    { return "cap:tenant:" + tenantID }
func tenantMinKey(tenantID string) string { return "cap:tenant_min:" + tenantID }

// Limits are the three admission caps for one reservation attempt. A
// value of -1 means unlimited (bypasses enforcement entirely).
type Limits struct {
	TenantPerMinute int
	TenantConcurrent int
	GlobalConcurrent int
	TTL             time.Duration
}

// trackedCall is the local bookkeeping record the leak-recovery sweep
// walks; it never leaves the process.
type trackedCall struct {
	tenantID  string
	startedAt time.Time
}

// Controller is the capacity admission controller. One Controller is
// shared by the whole runtime; it is safe for concurrent use.
type Controller struct {
	client *redis.Client
	ttl    time.Duration
	callTTL time.Duration

	mu     sync.Mutex
	tracked map[string]trackedCall // callID -> record

	stop chan struct{}
	once sync.Once
}

// NewController builds a Controller. callTTL bounds how long a
// reservation may live before the background sweep force-releases it.
func NewController(client *redis.Client, ttl, callTTL time.Duration) *Controller {
	c := &Controller{
		client:  client,
		ttl:     ttl,
		callTTL: callTTL,
		tracked: make(map[string]trackedCall),
		stop:    make(chan struct{}),
	}
	return c
}

// Reserve attempts the three-scope reservation for callID/tenantID in
// fixed order, rolling back in reverse order on the first denial.
func (c *Controller) Reserve(ctx context.Context, callID, tenantID string, limits Limits) error {
	if limits.TenantPerMinute != unlimited {
		ok, err := c.incrementWithLimit(ctx, tenantMinKey(tenantID), limits.TenantPerMinute, 60*time.Second)
		if err != nil {
			return fmt.Errorf("reserve tenant-per-minute slot: %w", err)
		}
		if !ok {
			return orchestrator.ErrRateLimited
		}
	}

	if limits.TenantConcurrent != unlimited {
		ok, err := c.incrementWithLimit(ctx, tenantKey(tenantID), limits.TenantConcurrent, limits.TTL)
		if err != nil {
			c.rollbackTenantMinute(ctx, tenantID, limits)
			return fmt.Errorf("reserve tenant concurrency slot: %w", err)
		}
		if !ok {
			c.rollbackTenantMinute(ctx, tenantID, limits)
			return orchestrator.ErrTenantAtCapacity
		}
	}

	if limits.GlobalConcurrent != unlimited {
		ok, err := c.incrementWithLimit(ctx, globalKey, limits.GlobalConcurrent, limits.TTL)
		if err != nil {
			c.rollbackTenantConcurrent(ctx, tenantID, limits)
			c.rollbackTenantMinute(ctx, tenantID, limits)
			return fmt.Errorf("reserve global concurrency slot: %w", err)
		}
		if !ok {
			c.rollbackTenantConcurrent(ctx, tenantID, limits)
			c.rollbackTenantMinute(ctx, tenantID, limits)
			return orchestrator.ErrSystemAtCapacity
		}
	}

	c.mu.Lock()
	c.tracked[callID] = trackedCall{tenantID: tenantID, startedAt: time.Now()}
	c.mu.Unlock()
	return nil
}

// rollbackTenantMinute undoes the per-minute slot taken earlier in the same
// Reserve call. Release never touches the per-minute counter; it expires on
// its own TTL.
func (c *Controller) rollbackTenantMinute(ctx context.Context, tenantID string, limits Limits) {
	if limits.TenantPerMinute == unlimited {
		return
	}
	c.client.Decr(ctx, tenantMinKey(tenantID))
}

func (c *Controller) rollbackTenantConcurrent(ctx context.Context, tenantID string, limits Limits) {
	if limits.TenantConcurrent == unlimited {
		return
	}
	c.client.Decr(ctx, tenantKey(tenantID))
}

// Release decrements the per-tenant and global counters exactly once for
// callID. Idempotent: releasing a callID that was already released (or
// never reserved) is a no-op, never drives a counter negative.
func (c *Controller) Release(ctx context.Context, callID string, limits Limits) error {
	c.mu.Lock()
	record, ok := c.tracked[callID]
	if ok {
		delete(c.tracked, callID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if limits.TenantConcurrent != unlimited {
		if err := c.decrNotBelowZero(ctx, tenantKey(record.tenantID)); err != nil {
			return fmt.Errorf("release tenant concurrency slot: %w", err)
		}
	}
	if limits.GlobalConcurrent != unlimited {
		if err := c.decrNotBelowZero(ctx, globalKey); err != nil {
			return fmt.Errorf("release global concurrency slot: %w", err)
		}
	}
	return nil
}

func (c *Controller) incrementWithLimit(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	val, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if val == 1 {
		c.client.Expire(ctx, key, ttl)
	}
	if int(val) > limit {
		c.client.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

func (c *Controller) decrNotBelowZero(ctx context.Context, key string) error {
	script := redis.NewScript(`
local v = tonumber(redis.call("GET", KEYS[1]))
if v == nil or v <= 0 then
  return 0
end
return redis.call("DECR", KEYS[1])
`)
	return script.Run(ctx, c.client, []string{key}).Err()
}

// StartSweep launches the background leak-recovery loop: every interval it
// walks locally tracked calls and force-releases any older than callTTL
// without a clean release.
func (c *Controller) StartSweep(ctx context.Context, interval time.Duration, limits Limits) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweepOnce(ctx, limits)
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background sweep. Safe to call multiple times.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Controller) sweepOnce(ctx context.Context, limits Limits) {
	now := time.Now()
	var leaked []string

	c.mu.Lock()
	for callID, rec := range c.tracked {
		if now.Sub(rec.startedAt) > c.callTTL {
			leaked = append(leaked, callID)
		}
	}
	c.mu.Unlock()

	for _, callID := range leaked {
		_ = c.Release(ctx, callID, limits)
	}
}

// Tracked reports the number of locally tracked in-flight reservations,
// for diagnostics and tests.
func (c *Controller) Tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tracked)
}
