package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketBurstThenDeny(t *testing.T) {
	b := NewBucket(2, 1.0)
	base := b.lastRefillMs

	d := b.tryConsumeAt(base)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d = b.tryConsumeAt(base)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// Third request in the same instant is denied with a bounded wait hint.
	d = b.tryConsumeAt(base)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.WaitMs, int64(0))
	assert.LessOrEqual(t, d.WaitMs, int64(1000))
}

func TestBucketFractionalRefillAccumulates(t *testing.T) {
	// 0.5 tokens/s means one whole token every 2000ms.
	b := NewBucket(1, 0.5)
	base := b.lastRefillMs

	d := b.tryConsumeAt(base)
	require.True(t, d.Allowed)

	// 1500ms of credit is not yet a whole token.
	d = b.tryConsumeAt(base + 1500)
	assert.False(t, d.Allowed)

	// At 2100ms a token has landed, and the 100ms remainder is kept: the
	// refill cursor advances by exactly 2000ms, not to now.
	d = b.tryConsumeAt(base + 2100)
	assert.True(t, d.Allowed)
	assert.Equal(t, base+2000, b.lastRefillMs)

	// The banked 100ms means the next token arrives at base+4000, not +4100.
	d = b.tryConsumeAt(base + 4000)
	assert.True(t, d.Allowed)
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	b := NewBucket(3, 10.0)
	base := b.lastRefillMs

	// A long idle period refills to capacity and no further.
	d := b.statusAt(base + 60_000)
	assert.Equal(t, 3, d.Remaining)
}

func TestBucketStatusDoesNotConsume(t *testing.T) {
	b := NewBucket(2, 1.0)
	base := b.lastRefillMs

	d := b.statusAt(base)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)

	d = b.statusAt(base)
	assert.Equal(t, 2, d.Remaining)
}

func TestBucketUpdateConfigClampsTokens(t *testing.T) {
	b := NewBucket(10, 1.0)

	capacity := 4
	b.UpdateConfig(&capacity, nil)
	assert.Equal(t, 4, b.Capacity())

	d := b.Status()
	assert.Equal(t, 4, d.Remaining)

	rate := 2.5
	b.UpdateConfig(nil, &rate)
	assert.Equal(t, 2.5, b.RefillRate())
}

func TestBucketReset(t *testing.T) {
	b := NewBucket(2, 1.0)
	base := b.lastRefillMs

	b.tryConsumeAt(base)
	b.tryConsumeAt(base)
	require.Equal(t, 0, b.statusAt(base).Remaining)

	b.Reset()
	assert.Equal(t, 2, b.Status().Remaining)
}
