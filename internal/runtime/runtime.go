// Package runtime wires the capacity controller, tenant resolver, provider
// clients, telemetry, and the live call registry into a single value that
// is threaded explicitly through the HTTP handlers and the background
// sweep, rather than relying on module-global singletons (spec §9's
// "Module-level counters & caches" design note).
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lokutor-ai/voicecall-runtime/internal/capacity"
	"github.com/lokutor-ai/voicecall-runtime/internal/config"
	"github.com/lokutor-ai/voicecall-runtime/internal/logging"
	"github.com/lokutor-ai/voicecall-runtime/internal/telemetry"
	"github.com/lokutor-ai/voicecall-runtime/internal/tenant"
	"github.com/lokutor-ai/voicecall-runtime/internal/transcript"
	"github.com/lokutor-ai/voicecall-runtime/internal/webhook"
	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
	"github.com/lokutor-ai/voicecall-runtime/pkg/providers/brain"
)

const sweepInterval = 60 * time.Second

// sweepLimits is passed to the capacity controller's leak-recovery sweep.
// Its magnitudes are never consulted by Release, only whether each field
// equals "unlimited" (-1); setting them to 1 makes the sweep always
// attempt to release a leaked call's tenant and global counters, which is
// safe regardless of the tenant's actual caps since the underlying
// decrement is a no-op once a counter reaches zero.
var sweepLimits = capacity.Limits{TenantPerMinute: -1, TenantConcurrent: 1, GlobalConcurrent: 1}

// Runtime bundles every shared dependency a call needs, built once at
// startup from config.Config.
type Runtime struct {
	Config config.Config
	Logger *logging.ZerologLogger

	Redis    *redis.Client
	Tenants  *tenant.Resolver
	Capacity *capacity.Controller
	Brain    *brain.Client
	Reporter *transcript.Reporter
	Registry *Registry
}

// New builds a Runtime from cfg: connects Redis, pings it, and wires every
// dependent component. The returned Runtime owns the Redis connection and
// the capacity sweep goroutine; call Close on shutdown.
func New(cfg config.Config) (*Runtime, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger := logging.New(os.Stdout, zerolog.InfoLevel)

	if err := telemetry.InitMeter("voicecall-runtime"); err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	capTTL := time.Duration(cfg.CapacityTTLSeconds) * time.Second
	callTTL := time.Duration(cfg.CallHardTTLSeconds) * time.Second
	capCtl := capacity.NewController(client, capTTL, callTTL)

	brainClient := brain.NewClient(cfg.BrainURL, cfg.BrainStreamURL, "")
	reporter := transcript.NewReporter(cfg.ControlPlaneURL, logger)

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Redis:    client,
		Tenants:  tenant.NewResolver(client),
		Capacity: capCtl,
		Brain:    brainClient,
		Reporter: reporter,
	}
	rt.Registry = NewRegistry(rt)

	capCtl.StartSweep(context.Background(), sweepInterval, sweepLimits)

	return rt, nil
}

// CapacityLimitsFor builds the per-call admission limits for a tenant: its
// own caps, each tightened to the runtime-wide ceiling if the ceiling is
// the stricter of the two (-1 means unlimited and never tightens
// anything), plus the runtime-wide global concurrency cap.
func (rt *Runtime) CapacityLimitsFor(cfg tenant.Config) capacity.Limits {
	return capacity.Limits{
		TenantPerMinute:  tightestCap(cfg.Caps.MaxCallsPerMinute, rt.Config.TenantPerMinuteCap),
		TenantConcurrent: tightestCap(cfg.Caps.MaxConcurrentCalls, rt.Config.TenantConcurrencyCap),
		GlobalConcurrent: rt.Config.GlobalConcurrencyCap,
		TTL:              time.Duration(rt.Config.CapacityTTLSeconds) * time.Second,
	}
}

// tightestCap returns the stricter of two caps where -1 means unlimited.
func tightestCap(tenantCap, runtimeCap int) int {
	if tenantCap == -1 {
		return runtimeCap
	}
	if runtimeCap == -1 {
		return tenantCap
	}
	if tenantCap < runtimeCap {
		return tenantCap
	}
	return runtimeCap
}

// Close releases every owned resource: the sweep goroutine and the Redis
// connection.
func (rt *Runtime) Close() error {
	rt.Capacity.Stop()
	return rt.Redis.Close()
}

var _ webhook.Sessions = (*Registry)(nil)
var _ orchestrator.Logger = (*logging.ZerologLogger)(nil)
