package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/fleet"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%02d", prefix, i)
	}
	return out
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		depth     int
		running   []string
		stopped   []string
		max       int
		action    models.ScaleAction
		start     []string
		stopCount int
	}{
		{"idle stays idle", 0, nil, ids("s", 3), 15, models.ScaleNone, nil, 0},
		{"scale to zero", 0, ids("r", 4), ids("s", 11), 15, models.ScaleDown, nil, 4},
		{"scale up to depth", 7, nil, ids("s", 15), 15, models.ScaleUp, ids("s", 7), 0},
		{"scale up capped at max", 20, nil, ids("s", 15), 15, models.ScaleUp, ids("s", 15), 0},
		{"start only the shortfall", 5, ids("r", 2), ids("s", 10), 15, models.ScaleUp, ids("s", 3), 0},
		{"no partial scale-down", 1, ids("r", 6), ids("s", 9), 15, models.ScaleNone, nil, 0},
		{"already at required", 3, ids("r", 3), ids("s", 5), 15, models.ScaleNone, nil, 0},
		{"not enough stopped", 10, ids("r", 2), ids("s", 3), 15, models.ScaleUp, ids("s", 3), 0},
		{"nothing left to start", 10, ids("r", 2), nil, 15, models.ScaleNone, nil, 0},
		{"cap lowered stops excess", 9, ids("r", 8), nil, 5, models.ScaleDown, nil, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Plan(tt.depth, tt.running, tt.stopped, tt.max)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.start, d.Start)
			assert.Len(t, d.Stop, tt.stopCount)
			assert.LessOrEqual(t, len(tt.running)-len(d.Stop)+len(d.Start), tt.max)
		})
	}
}

func TestPlan_CapStopsTail(t *testing.T) {
	d := Plan(9, ids("r", 8), nil, 5)
	assert.Equal(t, []string{"r-05", "r-06", "r-07"}, d.Stop)
}

func TestPlan_NeverExceedsMax(t *testing.T) {
	for depth := 0; depth < 40; depth += 3 {
		for running := 0; running <= 20; running += 4 {
			d := Plan(depth, ids("r", running), ids("s", 20), 15)
			after := running - len(d.Stop) + len(d.Start)
			assert.LessOrEqual(t, after, 15, "depth=%d running=%d", depth, running)
		}
	}
}

func enqueue(t *testing.T, b broker.Broker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, b.Send(context.Background(), []byte(fmt.Sprintf("job-%d", i))))
	}
}

func TestCycle_ScalesUpThenToZero(t *testing.T) {
	ctx := context.Background()
	q := broker.NewMemoryBroker("jobs")
	f := fleet.NewMemoryFleet(nil, ids("i", 15))
	a := New(q, f, Config{MaxInstances: 15, Logger: logging.Discard(), Metrics: metrics.New()})

	enqueue(t, q, 7)
	d, err := a.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ScaleUp, d.Action)
	running, _ := f.List(ctx, models.InstanceRunning)
	assert.Len(t, running, 7)

	// drain the queue
	for {
		msg, err := q.Receive(ctx, 0, time.Minute)
		if err != nil {
			break
		}
		require.NoError(t, q.Delete(ctx, msg.Receipt))
	}

	d, err = a.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ScaleDown, d.Action)
	running, _ = f.List(ctx, models.InstanceRunning)
	assert.Empty(t, running)
}

func TestCycle_InFlightDoesNotCountAsDepth(t *testing.T) {
	ctx := context.Background()
	q := broker.NewMemoryBroker("jobs")
	f := fleet.NewMemoryFleet(ids("i", 2), ids("s", 5))
	a := New(q, f, Config{MaxInstances: 15, Logger: logging.Discard()})

	enqueue(t, q, 1)
	_, err := q.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)

	d, err := a.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ScaleDown, d.Action)
}

func TestCycle_ObservationErrorIsReturned(t *testing.T) {
	q := broker.NewMemoryBroker("jobs")
	f := fleet.NewMemoryFleet(nil, nil)
	f.FailWith(errors.New("throttled"))
	a := New(q, f, Config{MaxInstances: 3, Logger: logging.Discard()})

	_, err := a.Cycle(context.Background())
	assert.Error(t, err)
}

func TestSetMaxInstances_EnforcesNewCap(t *testing.T) {
	ctx := context.Background()
	q := broker.NewMemoryBroker("jobs")
	f := fleet.NewMemoryFleet(ids("i", 6), nil)
	a := New(q, f, Config{MaxInstances: 10, Logger: logging.Discard()})
	enqueue(t, q, 20)

	a.SetMaxInstances(4)
	_, err := a.Cycle(ctx)
	require.NoError(t, err)
	running, _ := f.List(ctx, models.InstanceRunning)
	assert.Equal(t, []string{"i-00", "i-01", "i-02", "i-03"}, running)
}

func TestRun_KeepsGoingAfterErrorsUntilCancelled(t *testing.T) {
	q := broker.NewMemoryBroker("jobs")
	f := fleet.NewMemoryFleet(nil, ids("s", 3))
	f.FailWith(errors.New("api down"))
	a := New(q, f, Config{MaxInstances: 3, Interval: 5 * time.Millisecond, Logger: logging.Discard()})
	enqueue(t, q, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	f.FailWith(nil)
	assert.Eventually(t, func() bool {
		running, _ := f.List(context.Background(), models.InstanceRunning)
		return len(running) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPool_ReportsLastAction(t *testing.T) {
	ctx := context.Background()
	q := broker.NewMemoryBroker("jobs")
	f := fleet.NewMemoryFleet(nil, ids("s", 2))
	a := New(q, f, Config{MaxInstances: 2, Logger: logging.Discard()})
	enqueue(t, q, 1)

	_, err := a.Cycle(ctx)
	require.NoError(t, err)

	snap, err := a.Pool(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ScaleUp, snap.LastAction)
	assert.Equal(t, 2, snap.MaxInstances)
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, []string{"s-00"}, snap.Running)
}
