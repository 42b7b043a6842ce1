package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/retry"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	jobs    *broker.MemoryBroker
	results *broker.MemoryBroker
	inputs  *storage.MemoryStore
	outputs storage.Store
}

func newHarness() *harness {
	return &harness{
		jobs:    broker.NewMemoryBroker("jobs"),
		results: broker.NewMemoryBroker("results"),
		inputs:  storage.NewMemoryStore(),
		outputs: storage.NewMemoryStore(),
	}
}

func (h *harness) loop(t *testing.T, proc Processor) *Loop {
	t.Helper()
	return h.loopAs(t, "w-1", proc)
}

func (h *harness) loopAs(t *testing.T, id string, proc Processor) *Loop {
	t.Helper()
	l, err := New(h.jobs, h.results, h.inputs, h.outputs, proc, Config{
		WorkerID:          id,
		ClaimWait:         10 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		ErrorBackoff:      time.Millisecond,
		WorkDir:           t.TempDir(),
		Retry:             retry.Config{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1},
		Logger:            logging.Discard(),
	})
	require.NoError(t, err)
	return l
}

func (h *harness) submit(t *testing.T, jobID, name string, payload []byte) {
	t.Helper()
	ctx := context.Background()
	ref := jobID + "/" + name
	require.NoError(t, h.inputs.Put(ctx, ref, payload))
	body, err := models.JobMessage{JobID: jobID, PayloadRef: ref}.Encode()
	require.NoError(t, err)
	require.NoError(t, h.jobs.Send(ctx, body))
}

func (h *harness) result(t *testing.T) models.ResultMessage {
	t.Helper()
	msg, err := h.results.Receive(context.Background(), 0, time.Minute)
	require.NoError(t, err)
	res, err := models.DecodeResultMessage(msg.Body)
	require.NoError(t, err)
	return res
}

func queueStats(t *testing.T, b broker.Broker) broker.Stats {
	t.Helper()
	s, err := b.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func TestRunOnce_CompletesJob(t *testing.T) {
	h := newHarness()
	var seen string
	l := h.loop(t, ProcessorFunc(func(ctx context.Context, p string) (string, error) {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		seen = filepath.Base(p) + ":" + string(data)
		return "Paul", nil
	}))
	h.submit(t, "test_00-1a2b3c4d", "test_00.jpg", []byte("pixels"))

	require.NoError(t, l.RunOnce(context.Background()))
	assert.Equal(t, "test_00.jpg:pixels", seen)

	stored, err := h.outputs.Get(context.Background(), "test_00-1a2b3c4d")
	require.NoError(t, err)
	assert.Equal(t, "Paul", string(stored))

	res := h.result(t)
	assert.Equal(t, "test_00-1a2b3c4d", res.JobID)
	assert.Equal(t, "Paul", res.Outcome)
	assert.Equal(t, "w-1", res.WorkerID)

	assert.Equal(t, broker.Stats{}, queueStats(t, h.jobs))
}

func TestRunOnce_NoWork(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "x", nil }))
	assert.ErrorIs(t, l.RunOnce(context.Background()), ErrNoWork)
}

func TestRunOnce_ProcessingFailureYieldsSentinelAndContinues(t *testing.T) {
	h := newHarness()
	calls := 0
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) {
		calls++
		if calls == 1 {
			return "", &ProcessError{Reason: ExitReasonError, ExitCode: 1}
		}
		return "Ana", nil
	}))
	h.submit(t, "bad", "bad.jpg", []byte("x"))
	h.submit(t, "good", "good.jpg", []byte("y"))

	require.NoError(t, l.RunOnce(context.Background()))
	require.NoError(t, l.RunOnce(context.Background()))

	first := h.result(t)
	second := h.result(t)
	assert.Equal(t, models.SentinelOutcome, first.Outcome)
	assert.Equal(t, "Ana", second.Outcome)
	assert.Equal(t, broker.Stats{}, queueStats(t, h.jobs))
}

type failingStore struct {
	storage.Store
	puts atomic.Int32
}

func (f *failingStore) Put(context.Context, string, []byte) error {
	f.puts.Add(1)
	return errors.New("access denied")
}

func TestRunOnce_PublishFailureAbandonsLease(t *testing.T) {
	h := newHarness()
	fs := &failingStore{Store: storage.NewMemoryStore()}
	h.outputs = fs
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "Paul", nil }))
	h.submit(t, "job-1", "a.jpg", []byte("x"))

	err := l.RunOnce(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoWork)

	// not acknowledged, still leased, no notification sent
	assert.Equal(t, broker.Stats{InFlight: 1}, queueStats(t, h.jobs))
	assert.Equal(t, broker.Stats{}, queueStats(t, h.results))
	assert.Equal(t, int32(1), fs.puts.Load())
}

func TestRunOnce_MissingPayloadAbandonsLease(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) {
		t.Fatal("processor must not run without a payload")
		return "", nil
	}))
	body, err := models.JobMessage{JobID: "ghost", PayloadRef: "ghost/ghost.jpg"}.Encode()
	require.NoError(t, err)
	require.NoError(t, h.jobs.Send(context.Background(), body))

	err = l.RunOnce(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, broker.Stats{InFlight: 1}, queueStats(t, h.jobs))
}

func TestRunOnce_CancelledMidProcessDoesNotPublishSentinel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	l := h.loop(t, ProcessorFunc(func(ctx context.Context, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}))
	h.submit(t, "job-1", "a.jpg", []byte("x"))

	assert.Error(t, l.RunOnce(ctx))
	assert.Equal(t, broker.Stats{}, queueStats(t, h.results))
	_, err := h.outputs.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRunOnce_LegacyPlainTextBody(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "Bob", nil }))
	require.NoError(t, h.inputs.Put(context.Background(), "test_07.jpg", []byte("x")))
	require.NoError(t, h.jobs.Send(context.Background(), []byte("test_07.jpg")))

	require.NoError(t, l.RunOnce(context.Background()))
	res := h.result(t)
	assert.Equal(t, "test_07", res.JobID)
	assert.Equal(t, "Bob", res.Outcome)
}

func TestRunOnce_MalformedBodyIsDropped(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "x", nil }))
	require.NoError(t, h.jobs.Send(context.Background(), []byte(`{"job_id":`)))

	require.NoError(t, l.RunOnce(context.Background()))
	assert.Equal(t, broker.Stats{}, queueStats(t, h.jobs))
	assert.Equal(t, broker.Stats{}, queueStats(t, h.results))
}

func TestRunOnce_WorkDirCleanedUp(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "x", nil }))
	h.submit(t, "weird id:1", "photo 1.jpg", []byte("x"))

	require.NoError(t, l.RunOnce(context.Background()))
	entries, err := os.ReadDir(l.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_IdleTimeoutExits(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "x", nil }))
	l.cfg.IdleTimeout = 30 * time.Millisecond
	h.submit(t, "one", "one.jpg", []byte("x"))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on idle timeout")
	}
	assert.Equal(t, "one", h.result(t).JobID)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness()
	l := h.loop(t, ProcessorFunc(func(context.Context, string) (string, error) { return "x", nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "test_00.jpg", safeName("test_00.jpg"))
	assert.Equal(t, "_.._etc", safeName("/../etc"))
	assert.Equal(t, "job", safeName(".."))
	assert.False(t, strings.ContainsAny(safeName("a/b\\c"), `/\`))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRunOnce_RedeliveryAfterLeaseExpiryStoresOneResult(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	outputs := storage.NewMemoryStore()
	h := newHarness()
	h.jobs = broker.NewMemoryBroker("jobs", broker.WithClock(clock.Now))
	h.outputs = outputs
	h.submit(t, "j", "a.jpg", []byte("x"))

	started := make(chan struct{})
	unblock := make(chan struct{})
	slow := h.loopAs(t, "w-a", ProcessorFunc(func(context.Context, string) (string, error) {
		close(started)
		<-unblock
		return "Paul", nil
	}))
	fast := h.loopAs(t, "w-b", ProcessorFunc(func(context.Context, string) (string, error) {
		return "Paul", nil
	}))

	slowErr := make(chan error, 1)
	go func() { slowErr <- slow.RunOnce(ctx) }()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first worker never claimed the job")
	}

	// the first lease expires while its holder is still processing
	clock.Advance(2 * time.Minute)
	require.NoError(t, fast.RunOnce(ctx))
	assert.Equal(t, broker.Stats{}, queueStats(t, h.jobs))

	close(unblock)
	var err error
	select {
	case err = <-slowErr:
	case <-time.After(5 * time.Second):
		t.Fatal("first worker did not return")
	}
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrLeaseLost)

	// one stored result per job id; the duplicate notification is left to the demultiplexer
	assert.Equal(t, 1, outputs.Len())
	stored, err := outputs.Get(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "Paul", string(stored))
	assert.Equal(t, broker.Stats{}, queueStats(t, h.jobs))

	first, second := h.result(t), h.result(t)
	assert.Equal(t, "j", first.JobID)
	assert.Equal(t, "j", second.JobID)
}
