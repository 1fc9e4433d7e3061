package ratelimit

import (
	"fmt"
	"sync"

	"github.com/cuemby/foreman/pkg/events"
)

// Default limits applied to providers seen for the first time
const (
	DefaultCapacity   = 10
	DefaultRefillRate = 1.0
)

// Manager keeps one token bucket per provider. Buckets are created lazily
// with defaults on first touch.
type Manager struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	bus      events.Publisher
	defaults struct {
		capacity   int
		refillRate float64
	}
}

// NewManager creates a manager publishing config changes to the bus.
func NewManager(bus events.Publisher) *Manager {
	if bus == nil {
		bus = events.Discard{}
	}
	m := &Manager{
		buckets: make(map[string]*Bucket),
		bus:     bus,
	}
	m.defaults.capacity = DefaultCapacity
	m.defaults.refillRate = DefaultRefillRate
	return m
}

// Bucket returns the provider's bucket, creating it with defaults if absent.
func (m *Manager) Bucket(provider string) *Bucket {
	m.mu.RLock()
	b, ok := m.buckets[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.buckets[provider]; ok {
		return b
	}
	b = NewBucket(m.defaults.capacity, m.defaults.refillRate)
	m.buckets[provider] = b
	return b
}

// TryConsume removes one token from the provider's bucket.
func (m *Manager) TryConsume(provider string) Decision {
	return m.Bucket(provider).TryConsume()
}

// TryConsumeMany consumes one token per provider, preserving input order.
func (m *Manager) TryConsumeMany(providers []string) []Decision {
	out := make([]Decision, len(providers))
	for i, p := range providers {
		out[i] = m.Bucket(p).TryConsume()
	}
	return out
}

// Status reports the provider's bucket without consuming.
func (m *Manager) Status(provider string) Decision {
	return m.Bucket(provider).Status()
}

// Configure sets a provider's capacity and refill rate, creating the bucket
// if needed, and publishes LIMIT_CONFIG_CHANGED.
func (m *Manager) Configure(provider string, capacity int, refillRate float64) {
	b := m.Bucket(provider)
	b.UpdateConfig(&capacity, &refillRate)

	m.bus.Publish(&events.Event{
		Kind:     events.KindLimitConfigChange,
		Severity: events.SeverityInfo,
		Provider: provider,
		Message:  fmt.Sprintf("rate limit updated: capacity=%d refill=%.2f/s", capacity, refillRate),
		Fields: map[string]string{
			"capacity":    fmt.Sprintf("%d", capacity),
			"refill_rate": fmt.Sprintf("%.2f", refillRate),
		},
	})
}

// Reset refills a provider's bucket to capacity.
func (m *Manager) Reset(provider string) {
	m.Bucket(provider).Reset()
}

// Providers returns the providers with materialized buckets.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.buckets))
	for p := range m.buckets {
		out = append(out, p)
	}
	return out
}
