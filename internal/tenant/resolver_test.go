package tenant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewResolver(client), mr
}

func seedTenant(t *testing.T, mr *miniredis.Miniredis, did, tenantID string, cfg Config) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := mr.Set("tenantmap:did:"+did, tenantID); err != nil {
		t.Fatal(err)
	}
	if err := mr.Set("tenantcfg:"+tenantID, string(raw)); err != nil {
		t.Fatal(err)
	}
}

func TestResolverResolvesSeededTenant(t *testing.T) {
	r, mr := newTestResolver(t)
	seedTenant(t, mr, "+15551234567", "t1", validConfig())

	cfg, err := r.Resolve(context.Background(), "+1 555 123 4567")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TenantID != "t1" {
		t.Errorf("expected tenant t1, got %q", cfg.TenantID)
	}
}

func TestResolverUnmappedNumber(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "+15559999999")
	if err == nil {
		t.Fatal("expected error for unmapped number")
	}
}

func TestResolverInvalidNumberNeverHitsStore(t *testing.T) {
	r, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "not-a-number")
	if err == nil {
		t.Fatal("expected error for invalid DID")
	}
}

func TestResolverCachesAcrossCallsUntilInvalidated(t *testing.T) {
	r, mr := newTestResolver(t)
	seedTenant(t, mr, "+15551234567", "t1", validConfig())

	if _, err := r.Resolve(context.Background(), "+15551234567"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remove the backing data; a cached resolve should still succeed.
	mr.FlushAll()
	cfg, err := r.Resolve(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("expected cached resolve to succeed after store flush, got %v", err)
	}
	if cfg.TenantID != "t1" {
		t.Errorf("expected cached tenant t1, got %q", cfg.TenantID)
	}

	r.Invalidate("+15551234567")
	if _, err := r.Resolve(context.Background(), "+15551234567"); err == nil {
		t.Fatal("expected resolve to fail after invalidation and store flush")
	}
}

func TestResolverRejectsSchemaViolation(t *testing.T) {
	r, mr := newTestResolver(t)
	bad := validConfig()
	bad.ContractVersion = "v2"
	seedTenant(t, mr, "+15551234567", "t1", bad)

	if _, err := r.Resolve(context.Background(), "+15551234567"); err == nil {
		t.Fatal("expected schema violation to surface as an error")
	}
}
