package store

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/foreman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireReservation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	res, err := st.AcquireReservation(ctx, "src/main.go", "agent-1", ttl, "task t1")
	require.NoError(t, err)
	assert.Equal(t, types.ReservationActive, res.Status)
	assert.Equal(t, "agent-1", res.AgentID)

	// A different agent is locked out while the reservation is live.
	_, err = st.AcquireReservation(ctx, "src/main.go", "agent-2", ttl, "task t2")
	assert.ErrorIs(t, err, types.ErrContended)

	// The holder may extend its own reservation.
	_, err = st.AcquireReservation(ctx, "src/main.go", "agent-1", ttl, "task t1")
	assert.NoError(t, err)
}

func TestReleaseReservation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AcquireReservation(ctx, "src/main.go", "agent-1", ttl, "")
	require.NoError(t, err)

	require.NoError(t, st.ReleaseReservation(ctx, "src/main.go", "agent-1"))

	// A released path is free for the next agent.
	_, err = st.AcquireReservation(ctx, "src/main.go", "agent-2", ttl, "")
	assert.NoError(t, err)

	// Releasing something not held reports not found.
	err = st.ReleaseReservation(ctx, "src/main.go", "agent-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExpiredReservationIsAbsent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AcquireReservation(ctx, "src/main.go", "agent-1", -time.Second, "")
	require.NoError(t, err)

	// Expired rows do not block acquisition even before the reaper flips them.
	_, err = st.AcquireReservation(ctx, "src/main.go", "agent-2", ttl, "")
	assert.NoError(t, err)
}

func TestConflictingPaths(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AcquireReservation(ctx, "a.go", "agent-1", ttl, "")
	require.NoError(t, err)
	_, err = st.AcquireReservation(ctx, "b.go", "agent-2", ttl, "")
	require.NoError(t, err)

	// Own holdings are not conflicts; other agents' are.
	conflicts, err := st.ConflictingPaths(ctx, []string{"a.go", "b.go", "c.go"}, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, conflicts)

	conflicts, err = st.ConflictingPaths(ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestExpireReservations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AcquireReservation(ctx, "a.go", "agent-1", -time.Second, "")
	require.NoError(t, err)
	_, err = st.AcquireReservation(ctx, "b.go", "agent-1", ttl, "")
	require.NoError(t, err)

	n, err := st.ExpireReservations(ctx, types.NowMs())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := st.GetReservation(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, types.ReservationExpired, res.Status)

	res, err = st.GetReservation(ctx, "b.go")
	require.NoError(t, err)
	assert.Equal(t, types.ReservationActive, res.Status)
}

func TestReleaseAgentReservations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.AcquireReservation(ctx, "a.go", "agent-1", ttl, "")
	require.NoError(t, err)
	_, err = st.AcquireReservation(ctx, "b.go", "agent-1", ttl, "")
	require.NoError(t, err)
	_, err = st.AcquireReservation(ctx, "c.go", "agent-2", ttl, "")
	require.NoError(t, err)

	paths, err := st.ReleaseAgentReservations(ctx, "agent-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.go", "b.go"}, paths)

	res, err := st.GetReservation(ctx, "c.go")
	require.NoError(t, err)
	assert.Equal(t, types.ReservationActive, res.Status)
}
