package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// cacheTTL is the short in-process TTL configs are cached for; a cache
// miss on the first call for a tenant is acceptable (spec §4.1).
const cacheTTL = 5 * time.Second

type cacheEntry struct {
	cfg       Config
	expiresAt time.Time
}

// Resolver maps a dialed number to a tenant id and loads that tenant's
// validated config from Redis, the way memory/stores/redis.MessageStore
// in the reference AI-framework pack wraps a *redis.Client for a single
// keyspace concern.
type Resolver struct {
	client *redis.Client
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver builds a Resolver over an existing Redis client.
func NewResolver(client *redis.Client) *Resolver {
	return &Resolver{client: client, cache: make(map[string]cacheEntry)}
}

// Resolve normalizes did, looks up its tenant id, loads and validates that
// tenant's config. A failure is ErrInvalidDID, ErrNotMapped,
// ErrConfigMissing, a wrapped ErrSchemaViolation, or a wrapped Redis error —
// the webhook handler maps every one of them to the same user-facing
// not_configured outcome.
func (r *Resolver) Resolve(ctx context.Context, did string) (Config, error) {
	normalized, err := NormalizeDID(did)
	if err != nil {
		return Config{}, err
	}

	if cfg, ok := r.fromCache(normalized); ok {
		return cfg, nil
	}

	v, err, _ := r.group.Do(normalized, func() (interface{}, error) {
		cfg, err := r.load(ctx, normalized)
		if err != nil {
			return Config{}, err
		}
		r.store(normalized, cfg)
		return cfg, nil
	})
	if err != nil {
		return Config{}, err
	}
	return v.(Config), nil
}

func (r *Resolver) load(ctx context.Context, normalizedDID string) (Config, error) {
	tenantID, err := r.client.Get(ctx, "tenantmap:did:"+normalizedDID).Result()
	if err == redis.Nil {
		return Config{}, ErrNotMapped
	}
	if err != nil {
		return Config{}, fmt.Errorf("resolve tenant mapping: %w", err)
	}

	raw, err := r.client.Get(ctx, "tenantcfg:"+tenantID).Result()
	if err == redis.Nil {
		return Config{}, ErrConfigMissing
	}
	if err != nil {
		return Config{}, fmt.Errorf("load tenant config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: invalid JSON: %v", ErrSchemaViolation, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (r *Resolver) fromCache(normalizedDID string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[normalizedDID]
	if !ok || time.Now().After(entry.expiresAt) {
		return Config{}, false
	}
	return entry.cfg, true
}

func (r *Resolver) store(normalizedDID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[normalizedDID] = cacheEntry{cfg: cfg, expiresAt: time.Now().Add(cacheTTL)}
}

// Invalidate drops a DID's cached config, used by tests and by admin
// tooling that pushes a config update.
func (r *Resolver) Invalidate(did string) {
	normalized, err := NormalizeDID(did)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, normalized)
}
