// Package autoscaler runs the control loop that sizes the worker pool
// from the job queue backlog.
package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/fleet"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
	"github.com/psantana5/recogpool/pkg/models"
	"github.com/psantana5/recogpool/pkg/tracing"
)

// Config configures an Autoscaler
type Config struct {
	MaxInstances int
	Interval     time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

// Autoscaler observes queue depth and pool state on a fixed interval
// and starts or stops instances accordingly.
type Autoscaler struct {
	queue    broker.Broker
	fleet    fleet.Manager
	max      atomic.Int64
	interval time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Provider

	mu         sync.RWMutex
	lastAction models.ScaleAction
	lastCycle  time.Time
}

// New creates an autoscaler over queue and fleet
func New(queue broker.Broker, f fleet.Manager, cfg Config) *Autoscaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	a := &Autoscaler{
		queue:    queue,
		fleet:    f,
		interval: cfg.Interval,
		logger:   cfg.Logger.WithField("component", "autoscaler"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}
	a.max.Store(int64(cfg.MaxInstances))
	return a
}

// MaxInstances returns the current ceiling
func (a *Autoscaler) MaxInstances() int {
	return int(a.max.Load())
}

// SetMaxInstances changes the ceiling; it takes effect on the next cycle
func (a *Autoscaler) SetMaxInstances(n int) {
	old := a.max.Swap(int64(n))
	if old != int64(n) {
		a.logger.Info("Max instances changed", logging.Fields{"old": old, "new": n})
	}
}

// Observe reads queue depth and both instance lists. Nothing is cached.
func (a *Autoscaler) Observe(ctx context.Context) (models.PoolState, error) {
	stats, err := a.queue.Stats(ctx)
	if err != nil {
		return models.PoolState{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	running, err := a.fleet.List(ctx, models.InstanceRunning)
	if err != nil {
		return models.PoolState{}, fmt.Errorf("failed to list running instances: %w", err)
	}
	stopped, err := a.fleet.List(ctx, models.InstanceStopped)
	if err != nil {
		return models.PoolState{}, fmt.Errorf("failed to list stopped instances: %w", err)
	}
	return models.PoolState{
		Running:    running,
		Stopped:    stopped,
		QueueDepth: stats.Visible,
		InFlight:   stats.InFlight,
		ObservedAt: time.Now(),
	}, nil
}

// Pool returns a fresh observation with the last cycle's outcome attached
func (a *Autoscaler) Pool(ctx context.Context) (models.PoolSnapshot, error) {
	state, err := a.Observe(ctx)
	if err != nil {
		return models.PoolSnapshot{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return models.PoolSnapshot{
		PoolState:    state,
		MaxInstances: a.MaxInstances(),
		LastAction:   a.lastAction,
		LastCycle:    a.lastCycle,
	}, nil
}

// Cycle runs one observe-plan-act step
func (a *Autoscaler) Cycle(ctx context.Context) (Decision, error) {
	ctx, span := a.tracer.StartSpan(ctx, "autoscaler.cycle")
	defer span.End()

	max := a.MaxInstances()
	state, err := a.Observe(ctx)
	if err != nil {
		tracing.SetError(ctx, err)
		return Decision{}, err
	}
	a.metrics.ObservePool(state.QueueDepth, state.InFlight, len(state.Running), len(state.Stopped), max)

	d := Plan(state.QueueDepth, state.Running, state.Stopped, max)
	span.SetAttributes(
		attribute.Int("queue.depth", state.QueueDepth),
		attribute.Int("pool.running", len(state.Running)),
		attribute.String("scale.action", string(d.Action)),
	)

	fields := logging.Fields{
		"queue_depth": state.QueueDepth,
		"running":     len(state.Running),
		"stopped":     len(state.Stopped),
		"max":         max,
	}

	if len(d.Stop) > 0 {
		fields["stop"] = d.Stop
		a.logger.Info("Stopping instances", fields)
		if err := a.fleet.Stop(ctx, d.Stop); err != nil {
			tracing.SetError(ctx, err)
			return d, fmt.Errorf("failed to stop %d instances: %w", len(d.Stop), err)
		}
		a.metrics.ScaleAction(string(models.ScaleDown), len(d.Stop))
	}
	if len(d.Start) > 0 {
		fields["start"] = d.Start
		fields["required"] = d.Required
		a.logger.Info("Starting instances", fields)
		if err := a.fleet.Start(ctx, d.Start); err != nil {
			tracing.SetError(ctx, err)
			return d, fmt.Errorf("failed to start %d instances: %w", len(d.Start), err)
		}
		a.metrics.ScaleAction(string(models.ScaleUp), len(d.Start))
	}
	if d.Action == models.ScaleNone {
		a.logger.Debug("No scaling needed", fields)
	}

	a.mu.Lock()
	a.lastAction = d.Action
	a.lastCycle = state.ObservedAt
	a.mu.Unlock()
	return d, nil
}

// Run cycles until ctx is cancelled. Cycle errors are logged and the
// next tick retries; only cancellation ends the loop.
func (a *Autoscaler) Run(ctx context.Context) error {
	a.logger.Info("Autoscaler started", logging.Fields{
		"interval":      a.interval.String(),
		"max_instances": a.MaxInstances(),
	})

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if _, err := a.Cycle(ctx); err != nil && ctx.Err() == nil {
			a.metrics.CycleError()
			a.logger.Error("Control cycle failed", logging.Fields{"error": err})
		}

		select {
		case <-ctx.Done():
			a.logger.Info("Autoscaler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
