package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/retry"
)

// ErrAlreadyWaiting is returned when a job id is registered twice
var ErrAlreadyWaiting = errors.New("job already has a waiter")

// DemuxConfig tunes the result receive loop
type DemuxConfig struct {
	// ResultWait is the long-poll window per receive
	ResultWait time.Duration
	// Visibility hides a received notification while it is routed
	Visibility time.Duration
	// ReleaseDelay postpones redelivery of notifications for other processes
	ReleaseDelay time.Duration
	// TombstoneTTL is how long a settled job id is remembered so duplicate
	// or late notifications for it are consumed
	TombstoneTTL time.Duration
	// ErrorBackoff is the pause after a failed receive
	ErrorBackoff time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Demux routes result notifications to the caller waiting on each job id.
// One receive loop serves every waiter in the process, and it only polls
// while someone is waiting.
type Demux struct {
	results broker.Broker
	cfg     DemuxConfig
	logger  *logging.Logger

	mu         sync.Mutex
	waiters    map[string]chan models.ResultMessage
	tombstones map[string]time.Time
	lastSweep  time.Time
	wake       chan struct{}
	now        func() time.Time
}

// NewDemux creates a demultiplexer over the result queue
func NewDemux(results broker.Broker, cfg DemuxConfig) *Demux {
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = 10 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.ReleaseDelay < 0 {
		cfg.ReleaseDelay = 0
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 10 * time.Minute
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Demux{
		results:    results,
		cfg:        cfg,
		logger:     cfg.Logger.WithField("component", "demux"),
		waiters:    make(map[string]chan models.ResultMessage),
		tombstones: make(map[string]time.Time),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Register creates the single-slot future for jobID. It must be called
// before the job is enqueued so a fast result cannot be missed.
func (d *Demux) Register(jobID string) (<-chan models.ResultMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.waiters[jobID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyWaiting, jobID)
	}
	ch := make(chan models.ResultMessage, 1)
	d.waiters[jobID] = ch
	delete(d.tombstones, jobID)
	d.cfg.Metrics.Waiters(len(d.waiters))

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return ch, nil
}

// Abandon drops the waiter after a timeout and tombstones jobID so a late
// notification is consumed instead of circulating. It reports false if the
// result was already delivered.
func (d *Demux) Abandon(jobID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.waiters[jobID]; !ok {
		return false
	}
	delete(d.waiters, jobID)
	d.tombstones[jobID] = d.now().Add(d.cfg.TombstoneTTL)
	d.cfg.Metrics.Waiters(len(d.waiters))
	return true
}

// Forget drops a waiter whose job was never enqueued
func (d *Demux) Forget(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.waiters, jobID)
	d.cfg.Metrics.Waiters(len(d.waiters))
}

// Pending returns the number of registered waiters
func (d *Demux) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

type disposition string

const (
	dispMatched   disposition = "matched"
	dispLate      disposition = "late"
	dispForeign   disposition = "foreign"
	dispMalformed disposition = "malformed"
)

// route decides what to do with one notification and hands matches to their waiter
func (d *Demux) route(body []byte) (disposition, models.ResultMessage) {
	res, err := models.DecodeResultMessage(body)
	if err != nil {
		return dispMalformed, res
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastSweep) >= time.Second {
		d.lastSweep = now
		for id, expires := range d.tombstones {
			if now.After(expires) {
				delete(d.tombstones, id)
			}
		}
	}

	if ch, ok := d.waiters[res.JobID]; ok {
		delete(d.waiters, res.JobID)
		// redelivered jobs publish more than once
		d.tombstones[res.JobID] = now.Add(d.cfg.TombstoneTTL)
		d.cfg.Metrics.Waiters(len(d.waiters))
		ch <- res
		return dispMatched, res
	}
	if expires, ok := d.tombstones[res.JobID]; ok && !now.After(expires) {
		return dispLate, res
	}
	return dispForeign, res
}

// Handle routes one received notification and settles it on the broker:
// matched, late and malformed ones are deleted; foreign ones are released
// for the process that owns them.
func (d *Demux) Handle(ctx context.Context, msg *broker.Message) error {
	disp, res := d.route(msg.Body)
	d.cfg.Metrics.ResultNotice(string(disp))

	switch disp {
	case dispForeign:
		d.logger.Debug("Releasing result for another waiter", logging.Fields{"job_id": res.JobID})
		if err := d.results.Release(ctx, msg.Receipt, d.cfg.ReleaseDelay); err != nil && !errors.Is(err, broker.ErrLeaseLost) {
			return fmt.Errorf("failed to release result %s: %w", res.JobID, err)
		}
		return nil
	case dispLate:
		d.logger.Warn("Result for a settled job, discarding", logging.Fields{"job_id": res.JobID, "outcome": res.Outcome})
	case dispMalformed:
		d.logger.Error("Discarding malformed result notification", logging.Fields{"message_id": msg.ID})
	}

	if err := d.results.Delete(ctx, msg.Receipt); err != nil && !errors.Is(err, broker.ErrLeaseLost) {
		return fmt.Errorf("failed to delete result %s: %w", res.JobID, err)
	}
	return nil
}

// Run receives notifications while waiters are pending, until ctx is done
func (d *Demux) Run(ctx context.Context) error {
	d.logger.Info("Result demultiplexer started", logging.Fields{"result_wait": d.cfg.ResultWait.String()})
	for {
		if d.Pending() == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-d.wake:
			}
			continue
		}

		msg, err := d.results.Receive(ctx, d.cfg.ResultWait, d.cfg.Visibility)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, broker.ErrNoMessage) {
			continue
		}
		if err != nil {
			d.logger.Error("Failed to receive results", logging.Fields{"error": err})
			_ = retry.Sleep(ctx, d.cfg.ErrorBackoff)
			continue
		}

		if err := d.Handle(ctx, msg); err != nil {
			d.logger.Error("Failed to settle result notification", logging.Fields{"error": err})
		}
	}
}
