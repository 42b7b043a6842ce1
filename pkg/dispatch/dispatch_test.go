package dispatch

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type system struct {
	jobs    *broker.MemoryBroker
	results *broker.MemoryBroker
	inputs  *storage.MemoryStore
	outputs *storage.MemoryStore
}

func newSystem() *system {
	return &system{
		jobs:    broker.NewMemoryBroker("jobs"),
		results: broker.NewMemoryBroker("results", broker.WithPollInterval(5*time.Millisecond)),
		inputs:  storage.NewMemoryStore(),
		outputs: storage.NewMemoryStore(),
	}
}

func (s *system) bridge(t *testing.T, ctx context.Context) (*Bridge, *Demux) {
	t.Helper()
	d := NewDemux(s.results, DemuxConfig{
		ResultWait:   20 * time.Millisecond,
		Visibility:   time.Minute,
		ReleaseDelay: 5 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	b := NewBridge(s.jobs, s.inputs, s.outputs, d, Config{Timeout: time.Second, Logger: logging.Discard()})
	go b.Run(ctx)
	return b, d
}

// work completes queued jobs in batches, answering each with outcome(jobID)
func (s *system) work(t *testing.T, ctx context.Context, batch int, outcome func(string) string) {
	t.Helper()
	var held []*broker.Message
	for len(held) < batch {
		msg, err := s.jobs.Receive(ctx, time.Second, time.Minute)
		if err != nil {
			t.Errorf("receive job: %v", err)
			return
		}
		held = append(held, msg)
	}
	// answer in reverse order so each waiter sees the other's result first
	for i := len(held) - 1; i >= 0; i-- {
		job, err := models.DecodeJobMessage(held[i].Body)
		require.NoError(t, err)
		out := outcome(job.JobID)
		require.NoError(t, s.outputs.Put(ctx, job.JobID, []byte(out)))
		body, err := models.ResultMessage{JobID: job.JobID, Outcome: out}.Encode()
		require.NoError(t, err)
		require.NoError(t, s.results.Send(ctx, body))
		require.NoError(t, s.jobs.Delete(ctx, held[i].Receipt))
	}
}

func TestSubmitAndAwait_CorrelationAcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSystem()

	// two front doors sharing one result queue, as two server processes would
	a, _ := s.bridge(t, ctx)
	b, _ := s.bridge(t, ctx)

	go s.work(t, ctx, 2, func(id string) string { return "face-of-" + id })

	var wg sync.WaitGroup
	var resA, resB models.Result
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); resA, errA = a.SubmitAndAwait(ctx, "alice.jpg", []byte("a"), 5*time.Second) }()
	go func() { defer wg.Done(); resB, errB = b.SubmitAndAwait(ctx, "bob.jpg", []byte("b"), 5*time.Second) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, "face-of-"+resA.JobID, resA.Outcome)
	assert.Equal(t, "face-of-"+resB.JobID, resB.Outcome)
	assert.Regexp(t, `^alice-`, resA.JobID)
	assert.Regexp(t, `^bob-`, resB.JobID)

	// both notifications consumed, none lost
	assert.Eventually(t, func() bool {
		st, _ := s.results.Stats(ctx)
		return st == broker.Stats{}
	}, time.Second, 5*time.Millisecond)
}

func TestSubmitAndAwait_StoresPayloadAndEnqueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSystem()
	br, _ := s.bridge(t, ctx)

	go s.work(t, ctx, 1, func(string) string { return "Paul" })
	res, err := br.SubmitAndAwait(ctx, `C:\upload\test_00.jpg`, []byte("pixels"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Paul", res.Outcome)

	data, err := s.inputs.Get(ctx, res.JobID+"/test_00.jpg")
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))
}

func TestSubmitAndAwait_TimeoutThenLateResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSystem()
	br, d := s.bridge(t, ctx)

	_, err := br.SubmitAndAwait(ctx, "slow.jpg", []byte("x"), 30*time.Millisecond)
	require.ErrorIs(t, err, ErrDispatchTimeout)
	assert.Equal(t, 0, d.Pending())

	// the job is still queued and completes late
	st, err := s.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Visible)

	var jobID string
	s.work(t, ctx, 1, func(id string) string { jobID = id; return "Late" })

	// a new waiter makes the loop poll; the late notification is consumed, not recirculated
	go br.SubmitAndAwait(ctx, "other.jpg", []byte("y"), 200*time.Millisecond)
	assert.Eventually(t, func() bool {
		st, _ := s.results.Stats(ctx)
		return st == broker.Stats{}
	}, time.Second, 5*time.Millisecond)

	out, err := br.Lookup(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, "Late", out)
}

func TestSubmitAndAwait_ContextCancelled(t *testing.T) {
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	s := newSystem()
	br, _ := s.bridge(t, runCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := br.SubmitAndAwait(ctx, "x.jpg", []byte("x"), time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type failingBroker struct{ *broker.MemoryBroker }

func (failingBroker) Send(context.Context, []byte) error { return errors.New("access denied") }

func TestSubmitAndAwait_EnqueueFailureForgetsWaiter(t *testing.T) {
	s := newSystem()
	d := NewDemux(s.results, DemuxConfig{Logger: logging.Discard()})
	br := NewBridge(failingBroker{s.jobs}, s.inputs, s.outputs, d, Config{Logger: logging.Discard()})

	_, err := br.SubmitAndAwait(context.Background(), "x.jpg", []byte("x"), time.Second)
	require.Error(t, err)
	assert.Equal(t, 0, d.Pending())
}

func TestDemux_Handle(t *testing.T) {
	ctx := context.Background()
	results := broker.NewMemoryBroker("results")
	d := NewDemux(results, DemuxConfig{ReleaseDelay: 0, Logger: logging.Discard()})

	send := func(body string) *broker.Message {
		require.NoError(t, results.Send(ctx, []byte(body)))
		msg, err := results.Receive(ctx, 0, time.Minute)
		require.NoError(t, err)
		return msg
	}

	ch, err := d.Register("mine")
	require.NoError(t, err)
	_, err = d.Register("mine")
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	// foreign: released back to the queue
	require.NoError(t, d.Handle(ctx, send(`{"job_id":"theirs","outcome":"X"}`)))
	st, _ := results.Stats(ctx)
	assert.Equal(t, 1, st.Visible)
	foreign, err := results.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, results.Delete(ctx, foreign.Receipt))

	// matched: delivered and deleted
	require.NoError(t, d.Handle(ctx, send(`{"job_id":"mine","outcome":"Paul"}`)))
	select {
	case res := <-ch:
		assert.Equal(t, "Paul", res.Outcome)
	default:
		t.Fatal("result not delivered")
	}
	assert.Equal(t, 0, d.Pending())

	// duplicates from a redelivered job: deleted, every time
	for i := 0; i < 2; i++ {
		require.NoError(t, d.Handle(ctx, send(`{"job_id":"mine","outcome":"Paul"}`)))
		st, _ = results.Stats(ctx)
		assert.Equal(t, broker.Stats{}, st)
	}
	select {
	case <-ch:
		t.Fatal("duplicate delivered to a settled waiter")
	default:
	}

	// late: tombstoned id is deleted
	_, err = d.Register("slow")
	require.NoError(t, err)
	assert.True(t, d.Abandon("slow"))
	assert.False(t, d.Abandon("slow"))
	require.NoError(t, d.Handle(ctx, send(`{"job_id":"slow","outcome":"Ana"}`)))
	require.NoError(t, d.Handle(ctx, send(`{"job_id":"slow","outcome":"Ana"}`)))

	// malformed: deleted
	require.NoError(t, d.Handle(ctx, send(`not json`)))

	st, _ = results.Stats(ctx)
	assert.Equal(t, broker.Stats{}, st)
}

func TestDemux_TombstonesExpire(t *testing.T) {
	ctx := context.Background()
	results := broker.NewMemoryBroker("results")
	d := NewDemux(results, DemuxConfig{TombstoneTTL: time.Minute, Logger: logging.Discard()})
	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }

	_, err := d.Register("old")
	require.NoError(t, err)
	d.Abandon("old")
	now = now.Add(2 * time.Minute)

	require.NoError(t, results.Send(ctx, []byte(`{"job_id":"old","outcome":"x"}`)))
	msg, err := results.Receive(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.NoError(t, d.Handle(ctx, msg))

	// expired tombstone: treated as foreign and released
	st, _ := results.Stats(ctx)
	assert.Equal(t, 1, st.Visible)
}

func TestNewJobID(t *testing.T) {
	assert.Regexp(t, regexp.MustCompile(`^test_00-[0-9a-f]{8}$`), NewJobID("test_00.jpg"))
	assert.Regexp(t, regexp.MustCompile(`^photo-[0-9a-f]{8}$`), NewJobID("/tmp/up/photo.png"))
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f-]{36}$`), NewJobID(""))
	assert.NotEqual(t, NewJobID("a.jpg"), NewJobID("a.jpg"))
}

func TestPayloadName(t *testing.T) {
	assert.Equal(t, "test_00.jpg", payloadName(`C:\x\test_00.jpg`))
	assert.Equal(t, "payload", payloadName(".."))
	assert.Equal(t, "payload", payloadName(""))
}
