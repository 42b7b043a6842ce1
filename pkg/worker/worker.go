// Package worker implements the claim-process-publish-acknowledge loop that
// runs on every pool instance.
//
// A job is acknowledged only after its result is stored and announced. If
// anything before that fails, the lease is left to expire and the job is
// redelivered; a failing recognizer is not such a failure, it yields the
// sentinel outcome and the job completes normally.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/retry"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/psantana5/recogpool/pkg/tracing"
)

// ErrNoWork is returned by RunOnce when no job arrived within the claim wait
var ErrNoWork = errors.New("no work")

// Config configures a Loop
type Config struct {
	WorkerID          string
	ClaimWait         time.Duration
	VisibilityTimeout time.Duration
	// IdleTimeout ends Run after this long without work; zero polls forever
	IdleTimeout time.Duration
	// ErrorBackoff is the pause after a failed iteration
	ErrorBackoff time.Duration
	WorkDir      string
	Retry        retry.Config

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

// Loop processes jobs one at a time
type Loop struct {
	jobs    broker.Broker
	results broker.Broker
	inputs  storage.Store
	outputs storage.Store
	proc    Processor
	cfg     Config
	logger  *logging.Logger
}

// New wires a worker loop. inputs holds payloads, outputs receives outcomes.
func New(jobs, results broker.Broker, inputs, outputs storage.Store, proc Processor, cfg Config) (*Loop, error) {
	if jobs == nil || results == nil || inputs == nil || outputs == nil || proc == nil {
		return nil, errors.New("worker requires job and result queues, input and output stores and a processor")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.ClaimWait <= 0 {
		cfg.ClaimWait = 10 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "recogpool")
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir %s: %w", cfg.WorkDir, err)
	}

	return &Loop{
		jobs:    jobs,
		results: results,
		inputs:  inputs,
		outputs: outputs,
		proc:    proc,
		cfg:     cfg,
		logger:  cfg.Logger.WithFields(logging.Fields{"component": "worker", "worker_id": cfg.WorkerID}),
	}, nil
}

// ID returns the worker id stamped on result notifications
func (l *Loop) ID() string { return l.cfg.WorkerID }

// transient retries fn while its error looks like an infrastructure blip
func (l *Loop) transient(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, l.cfg.Retry, func() error {
		err := fn()
		if err != nil && !retry.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// RunOnce claims and completes at most one job.
// It returns ErrNoWork when the claim wait elapsed empty; any other error
// means a job (if claimed) was abandoned and will be redelivered.
func (l *Loop) RunOnce(ctx context.Context) error {
	msg, err := l.jobs.Receive(ctx, l.cfg.ClaimWait, l.cfg.VisibilityTimeout)
	if errors.Is(err, broker.ErrNoMessage) {
		return ErrNoWork
	}
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	started := time.Now()

	job, err := models.DecodeJobMessage(msg.Body)
	if err != nil {
		// undecodable bodies can never succeed; drop rather than loop forever
		l.logger.Error("Discarding malformed job message", logging.Fields{
			"message_id": msg.ID,
			"error":      err,
		})
		if derr := l.jobs.Delete(ctx, msg.Receipt); derr != nil {
			l.logger.Warn("Failed to delete malformed job message", logging.Fields{"message_id": msg.ID, "error": derr})
		}
		return nil
	}

	ctx, span := l.cfg.Tracer.StartSpan(ctx, "worker.run_once",
		attribute.String("job.id", job.JobID),
		attribute.Int("job.receive_count", msg.ReceiveCount),
	)
	defer span.End()

	log := l.logger.WithFields(logging.Fields{"job_id": job.JobID, "receive_count": msg.ReceiveCount})
	log.Info("Job claimed", logging.Fields{"payload_ref": job.PayloadRef})

	outcome, err := l.execute(ctx, job, log)
	if err != nil {
		l.cfg.Metrics.JobHandled("abandoned", time.Since(started))
		tracing.SetError(ctx, err)
		log.Warn("Job abandoned, lease left to expire", logging.Fields{"error": err})
		return err
	}

	if err := l.publish(ctx, job, outcome); err != nil {
		l.cfg.Metrics.JobHandled("abandoned", time.Since(started))
		tracing.SetError(ctx, err)
		log.Error("Publish failed, lease left to expire", logging.Fields{"error": err})
		return err
	}

	if err := l.jobs.Delete(ctx, msg.Receipt); err != nil {
		if errors.Is(err, broker.ErrLeaseLost) {
			// another worker owns it now; its result write is an idempotent overwrite
			log.Warn("Lease expired before acknowledgement", logging.Fields{"elapsed": time.Since(started).String()})
		} else {
			log.Error("Failed to acknowledge job", logging.Fields{"error": err})
		}
		l.cfg.Metrics.JobHandled("abandoned", time.Since(started))
		return fmt.Errorf("failed to acknowledge job %s: %w", job.JobID, err)
	}

	kind := "success"
	if outcome == models.SentinelOutcome {
		kind = "sentinel"
	}
	l.cfg.Metrics.JobHandled(kind, time.Since(started))
	log.Info("Job completed", logging.Fields{"outcome": outcome, "duration": time.Since(started).String()})
	return nil
}

// execute materializes the payload and runs the processor. Only
// materialization errors and cancellation are returned; recognizer
// failures become the sentinel outcome.
func (l *Loop) execute(ctx context.Context, job models.JobMessage, log *logging.Logger) (string, error) {
	var data []byte
	err := l.transient(ctx, func() error {
		var err error
		data, err = l.inputs.Get(ctx, job.PayloadRef)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to fetch payload %s: %w", job.PayloadRef, err)
	}

	dir, err := os.MkdirTemp(l.cfg.WorkDir, safeName(job.JobID)+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, safeName(path.Base(job.PayloadRef)))
	if err := os.WriteFile(inputPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}

	outcome, err := l.proc.Process(ctx, inputPath)
	if ctx.Err() != nil {
		// stopped mid-job: let the lease lapse instead of publishing a sentinel
		return "", fmt.Errorf("processing interrupted: %w", ctx.Err())
	}
	if err != nil {
		fields := logging.Fields{"error": err}
		var perr *ProcessError
		if errors.As(err, &perr) {
			fields["exit_reason"] = string(perr.Reason)
			fields["exit_code"] = perr.ExitCode
		}
		log.Warn("Recognizer failed, recording sentinel outcome", fields)
		return models.SentinelOutcome, nil
	}
	return outcome, nil
}

// publish stores the outcome, then announces it on the result queue
func (l *Loop) publish(ctx context.Context, job models.JobMessage, outcome string) error {
	if err := l.transient(ctx, func() error {
		return l.outputs.Put(ctx, job.JobID, []byte(outcome))
	}); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	body, err := models.ResultMessage{
		JobID:        job.JobID,
		Outcome:      outcome,
		ProducedTime: time.Now().UTC(),
		WorkerID:     l.cfg.WorkerID,
	}.Encode()
	if err != nil {
		return err
	}
	if err := l.transient(ctx, func() error {
		return l.results.Send(ctx, body)
	}); err != nil {
		return fmt.Errorf("failed to send result notification: %w", err)
	}
	return nil
}

// Run processes jobs until ctx is cancelled or, with an idle timeout,
// until no job has arrived for that long.
func (l *Loop) Run(ctx context.Context) error {
	logHostInfo(l.logger)
	if n, err := SweepWorkDir(l.cfg.WorkDir, l.cfg.VisibilityTimeout, l.logger); err != nil {
		l.logger.Warn("Work dir sweep failed", logging.Fields{"error": err})
	} else if n > 0 {
		l.logger.Info("Removed stale job dirs", logging.Fields{"count": n})
	}

	sampleCtx, stopSampling := context.WithCancel(ctx)
	defer stopSampling()
	go sampleHost(sampleCtx, l.cfg.Metrics, 15*time.Second)

	l.logger.Info("Worker started", logging.Fields{
		"claim_wait":   l.cfg.ClaimWait.String(),
		"visibility":   l.cfg.VisibilityTimeout.String(),
		"idle_timeout": l.cfg.IdleTimeout.String(),
	})

	lastWork := time.Now()
	for {
		if ctx.Err() != nil {
			l.logger.Info("Worker stopped")
			return nil
		}

		err := l.RunOnce(ctx)
		switch {
		case err == nil:
			lastWork = time.Now()
		case errors.Is(err, ErrNoWork):
			if l.cfg.IdleTimeout > 0 && time.Since(lastWork) >= l.cfg.IdleTimeout {
				l.logger.Info("Idle timeout reached, exiting", logging.Fields{"idle": time.Since(lastWork).String()})
				return nil
			}
		case ctx.Err() != nil:
		default:
			lastWork = time.Now()
			l.logger.Debug("Iteration failed, backing off", logging.Fields{"error": err})
			_ = retry.Sleep(ctx, l.cfg.ErrorBackoff)
		}
	}
}

// safeName keeps a job id or file name usable as a single path element
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "job"
	}
	return s
}
