// Package dispatch turns a synchronous request into an enqueued job and
// waits for its correlated result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/retry"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/psantana5/recogpool/pkg/tracing"
)

// ErrDispatchTimeout is returned when no result arrived in time. The job
// itself is not cancelled; its result can still be looked up later.
var ErrDispatchTimeout = errors.New("dispatch timed out")

// Config configures a Bridge
type Config struct {
	// Timeout applies when SubmitAndAwait is called with zero
	Timeout time.Duration
	Retry   retry.Config

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

// Bridge submits jobs and awaits their results
type Bridge struct {
	jobs    broker.Broker
	inputs  storage.Store
	outputs storage.Store
	demux   *Demux
	cfg     Config
	logger  *logging.Logger
}

// NewBridge wires a bridge. demux must be running (see Demux.Run) for
// SubmitAndAwait to ever succeed.
func NewBridge(jobs broker.Broker, inputs, outputs storage.Store, demux *Demux, cfg Config) *Bridge {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Bridge{
		jobs:    jobs,
		inputs:  inputs,
		outputs: outputs,
		demux:   demux,
		cfg:     cfg,
		logger:  cfg.Logger.WithField("component", "bridge"),
	}
}

// Run drives the bridge's demultiplexer until ctx is done
func (b *Bridge) Run(ctx context.Context) error {
	return b.demux.Run(ctx)
}

// transient retries fn while its error looks like an infrastructure blip
func (b *Bridge) transient(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, b.cfg.Retry, func() error {
		err := fn()
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// NewJobID derives a unique job id from a payload name: "<stem>-<8 hex>",
// or a bare uuid when the name has no usable stem.
func NewJobID(name string) string {
	id := uuid.NewString()
	stem := strings.TrimSpace(models.Stem(name))
	if stem == "" || stem == "." || stem == ".." {
		return id
	}
	return stem + "-" + id[:8]
}

// payloadName is the file name stored under the job's prefix
func payloadName(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "payload"
	}
	return base
}

// SubmitAndAwait stores payload, enqueues a job for it and blocks until
// the correlated result arrives, timeout elapses or ctx is cancelled.
func (b *Bridge) SubmitAndAwait(ctx context.Context, name string, payload []byte, timeout time.Duration) (models.Result, error) {
	if timeout <= 0 {
		timeout = b.cfg.Timeout
	}
	jobID := NewJobID(name)
	started := time.Now()

	ctx, span := b.cfg.Tracer.StartSpan(ctx, "dispatch.submit_and_await",
		attribute.String("job.id", jobID),
		attribute.Int("payload.bytes", len(payload)),
	)
	defer span.End()

	log := b.logger.WithField("job_id", jobID)

	job := models.JobMessage{
		JobID:       jobID,
		PayloadRef:  jobID + "/" + payloadName(name),
		EnqueueTime: time.Now().UTC(),
	}
	body, err := job.Encode()
	if err != nil {
		return models.Result{}, err
	}

	if err := b.transient(ctx, func() error {
		return b.inputs.Put(ctx, job.PayloadRef, payload)
	}); err != nil {
		b.cfg.Metrics.Dispatch("error", 0)
		tracing.SetError(ctx, err)
		return models.Result{}, fmt.Errorf("failed to store payload: %w", err)
	}

	ch, err := b.demux.Register(jobID)
	if err != nil {
		return models.Result{}, err
	}

	if err := b.transient(ctx, func() error {
		return b.jobs.Send(ctx, body)
	}); err != nil {
		b.demux.Forget(jobID)
		b.cfg.Metrics.Dispatch("error", 0)
		tracing.SetError(ctx, err)
		return models.Result{}, fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Info("Job enqueued", logging.Fields{"payload_ref": job.PayloadRef, "timeout": timeout.String()})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res models.ResultMessage
	select {
	case res = <-ch:
	case <-timer.C:
		if res, err = b.giveUp(ch, jobID, ErrDispatchTimeout); err != nil {
			b.cfg.Metrics.Dispatch("timeout", time.Since(started))
			tracing.SetError(ctx, err)
			log.Warn("Dispatch timed out", logging.Fields{"waited": time.Since(started).String()})
			return models.Result{}, err
		}
	case <-ctx.Done():
		if res, err = b.giveUp(ch, jobID, ctx.Err()); err != nil {
			b.cfg.Metrics.Dispatch("error", time.Since(started))
			return models.Result{}, err
		}
	}

	latency := time.Since(started)
	b.cfg.Metrics.Dispatch("matched", latency)
	log.Info("Result received", logging.Fields{"outcome": res.Outcome, "latency": latency.String()})

	produced := res.ProducedTime
	if produced.IsZero() {
		produced = time.Now().UTC()
	}
	return models.Result{
		JobID:        jobID,
		Outcome:      res.Outcome,
		ProducedTime: produced,
		Latency:      latency,
	}, nil
}

// giveUp abandons the waiter unless a result slipped in at the same moment
func (b *Bridge) giveUp(ch <-chan models.ResultMessage, jobID string, cause error) (models.ResultMessage, error) {
	if b.demux.Abandon(jobID) {
		return models.ResultMessage{}, fmt.Errorf("%w: job %s", cause, jobID)
	}
	return <-ch, nil
}

// Lookup reads a stored outcome, e.g. for a job whose dispatch timed out
func (b *Bridge) Lookup(ctx context.Context, jobID string) (string, error) {
	data, err := b.outputs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
