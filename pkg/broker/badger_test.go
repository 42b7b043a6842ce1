package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerBroker(t *testing.T, queue string) (*BadgerBroker, *fakeClock) {
	t.Helper()
	db, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b, err := NewBadgerBroker(db, queue, false)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b.now = clock.Now
	return b, clock
}

func TestBadgerBroker_LeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	b, clock := newBadgerBroker(t, "jobs")

	require.NoError(t, b.Send(ctx, []byte("a")))
	clock.Advance(time.Millisecond)
	require.NoError(t, b.Send(ctx, []byte("b")))

	first, err := b.Receive(ctx, 0, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first.Body))

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Visible: 1, InFlight: 1}, stats)

	second, err := b.Receive(ctx, 0, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", string(second.Body))

	_, err = b.Receive(ctx, 0, 30*time.Second)
	assert.ErrorIs(t, err, ErrNoMessage)

	clock.Advance(31 * time.Second)
	redelivered, err := b.Receive(ctx, 0, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, redelivered.ReceiveCount)

	var stale *Message
	if redelivered.ID == first.ID {
		stale = first
	} else {
		stale = second
	}
	assert.ErrorIs(t, b.Delete(ctx, stale.Receipt), ErrLeaseLost)
	require.NoError(t, b.Delete(ctx, redelivered.Receipt))
}

func TestBadgerBroker_Release(t *testing.T) {
	ctx := context.Background()
	b, clock := newBadgerBroker(t, "results")
	require.NoError(t, b.Send(ctx, []byte("r")))

	msg, err := b.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, msg.Receipt, 2*time.Second))

	_, err = b.Receive(ctx, 0, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)

	clock.Advance(2 * time.Second)
	again, err := b.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.ErrorIs(t, b.Release(ctx, msg.Receipt, 0), ErrLeaseLost)
	assert.ErrorIs(t, b.Delete(ctx, "garbage"), ErrLeaseLost)
}

func TestBadgerBroker_QueuesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, err := OpenBadger(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	jobs, err := NewBadgerBroker(db, "jobs", false)
	require.NoError(t, err)
	results, err := NewBadgerBroker(db, "results", false)
	require.NoError(t, err)

	require.NoError(t, jobs.Send(ctx, []byte("x")))
	_, err = results.Receive(ctx, 0, time.Minute)
	assert.ErrorIs(t, err, ErrNoMessage)
}

func TestNewBadgerBroker_Validation(t *testing.T) {
	_, err := NewBadgerBroker(nil, "q", false)
	assert.Error(t, err)
}
