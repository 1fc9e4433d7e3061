package ratelimit

import (
	"sync"

	"github.com/cuemby/foreman/pkg/types"
)

// Decision is the outcome of one limiter touch.
type Decision struct {
	Allowed      bool
	Remaining    int
	NextRefillAt int64 // unix ms at which the next whole token lands
	WaitMs       int64 // suggested wait when not allowed
}

// Bucket is a token bucket for one provider. Capacity bounds the burst;
// RefillRate is tokens per second.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	refillRate   float64
	tokens       int
	lastRefillMs int64
}

// NewBucket creates a full bucket.
func NewBucket(capacity int, refillRate float64) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	return &Bucket{
		capacity:     capacity,
		refillRate:   refillRate,
		tokens:       capacity,
		lastRefillMs: types.NowMs(),
	}
}

// refillLocked advances the bucket to now. lastRefillMs moves by the exact
// duration the added tokens represent, not to now, so fractional refills
// accumulate without loss.
func (b *Bucket) refillLocked(nowMs int64) {
	elapsed := nowMs - b.lastRefillMs
	if elapsed <= 0 {
		return
	}
	added := int(float64(elapsed) * b.refillRate / 1000.0)
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefillMs += int64(float64(added) * 1000.0 / b.refillRate)
}

func (b *Bucket) decisionLocked(nowMs int64) Decision {
	d := Decision{Remaining: b.tokens}
	msPerToken := 1000.0 / b.refillRate
	if b.tokens >= b.capacity {
		d.NextRefillAt = nowMs
	} else {
		d.NextRefillAt = b.lastRefillMs + int64(msPerToken)
	}
	if b.tokens == 0 {
		d.WaitMs = d.NextRefillAt - nowMs
		if d.WaitMs < 1 {
			d.WaitMs = 1
		}
	}
	return d
}

// TryConsume removes one token if available.
func (b *Bucket) TryConsume() Decision {
	return b.tryConsumeAt(types.NowMs())
}

func (b *Bucket) tryConsumeAt(nowMs int64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(nowMs)
	if b.tokens > 0 {
		b.tokens--
		d := b.decisionLocked(nowMs)
		d.Allowed = true
		return d
	}
	return b.decisionLocked(nowMs)
}

// Status reports the bucket state without consuming.
func (b *Bucket) Status() Decision {
	return b.statusAt(types.NowMs())
}

func (b *Bucket) statusAt(nowMs int64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(nowMs)
	d := b.decisionLocked(nowMs)
	d.Allowed = b.tokens > 0
	return d
}

// UpdateConfig adjusts capacity and refill rate. Nil leaves a field alone.
// Current tokens are clamped to the new capacity.
func (b *Bucket) UpdateConfig(capacity *int, refillRate *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(types.NowMs())
	if capacity != nil && *capacity >= 1 {
		b.capacity = *capacity
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	if refillRate != nil && *refillRate > 0 {
		b.refillRate = *refillRate
	}
}

// Reset refills the bucket to capacity.
func (b *Bucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefillMs = types.NowMs()
}

// Capacity returns the configured burst size.
func (b *Bucket) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// RefillRate returns the configured tokens per second.
func (b *Bucket) RefillRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refillRate
}
