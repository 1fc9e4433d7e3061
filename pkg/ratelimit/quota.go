package ratelimit

import (
	"context"
	"sync"

	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
)

// QuotaLimits bounds a provider's rolling request counts. Zero means no
// limit on that horizon.
type QuotaLimits struct {
	Daily   int
	Weekly  int
	Monthly int
}

// QuotaManager tracks rolling request counts per provider against advertised
// limits. Quota is consulted only for providers with limits configured and is
// authoritative when present.
type QuotaManager struct {
	store *store.Store

	mu     sync.RWMutex
	limits map[string]QuotaLimits
}

// NewQuotaManager creates a quota manager over the store's quota windows.
func NewQuotaManager(st *store.Store, limits map[string]QuotaLimits) *QuotaManager {
	if limits == nil {
		limits = make(map[string]QuotaLimits)
	}
	return &QuotaManager{store: st, limits: limits}
}

// HasLimits reports whether the provider advertises quota limits.
func (q *QuotaManager) HasLimits(provider string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.limits[provider]
	return ok
}

// SetLimits installs or replaces a provider's limits. Safe to call while the
// router consults the manager.
func (q *QuotaManager) SetLimits(provider string, limits QuotaLimits) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits[provider] = limits
}

// Record counts one request against the provider.
func (q *QuotaManager) Record(ctx context.Context, provider string) error {
	return q.store.RecordRequest(ctx, provider, types.NowMs())
}

// Exceeded reports whether any configured horizon is at or past its limit.
func (q *QuotaManager) Exceeded(ctx context.Context, provider string) (bool, error) {
	q.mu.RLock()
	limits, ok := q.limits[provider]
	q.mu.RUnlock()
	if !ok {
		return false, nil
	}
	snap, err := q.store.GetQuotaSnapshot(ctx, provider, types.NowMs())
	if err != nil {
		return false, err
	}
	if limits.Daily > 0 && snap.Daily >= limits.Daily {
		return true, nil
	}
	if limits.Weekly > 0 && snap.Weekly >= limits.Weekly {
		return true, nil
	}
	if limits.Monthly > 0 && snap.Monthly >= limits.Monthly {
		return true, nil
	}
	return false, nil
}

// Snapshot exposes the provider's rolling counters.
func (q *QuotaManager) Snapshot(ctx context.Context, provider string) (*store.QuotaSnapshot, error) {
	return q.store.GetQuotaSnapshot(ctx, provider, types.NowMs())
}
