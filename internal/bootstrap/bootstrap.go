// Package bootstrap turns a loaded config into running components.
package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/psantana5/recogpool/pkg/config"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/metrics"
	"github.com/psantana5/recogpool/pkg/shutdown"
	"github.com/psantana5/recogpool/pkg/tracing"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

const (
	shutdownTimeout = 30 * time.Second
	logRotateSize   = 100 << 20
)

// Runtime holds the ambient services every command shares
type Runtime struct {
	Config   *config.Config
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tracer   *tracing.Provider
	Shutdown *shutdown.Manager

	component string
}

// New builds logging, metrics, tracing and the shutdown manager for component
func New(cfg *config.Config, component string) (*Runtime, error) {
	logger, err := newLogger(cfg, component)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(),
		Shutdown:  shutdown.New(shutdownTimeout, logger),
		component: component,
	}

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "recogpool-" + component,
		ServiceVersion: Version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		// tracing is optional; run without it
		logger.Warn("Tracing unavailable", logging.Fields{"error": err})
		tracer = tracing.Noop()
	}
	rt.Tracer = tracer
	rt.Shutdown.Register("tracer", tracer.Shutdown)
	rt.Shutdown.Register("logger", func(context.Context) error { return logger.Close() })

	if cfg.Log.File {
		go rt.rotateLogs(time.Minute)
	}

	logger.Info("Starting recogpool", logging.Fields{
		"component": component,
		"version":   Version,
		"config":    cfg.Describe(),
	})
	return rt, nil
}

func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	level := cfg.LogLevel()
	if cfg.Log.File {
		return logging.NewFileLogger("recogpool", component, level, cfg.Log.JSON)
	}
	return logging.NewLogger(level, cfg.Log.JSON).WithField("component", component), nil
}

func (rt *Runtime) rotateLogs(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-rt.Shutdown.Done():
			return
		case <-ticker.C:
			if err := rt.Logger.RotateIfNeeded(logRotateSize); err != nil {
				rt.Logger.Warn("Log rotation failed", logging.Fields{"error": err})
			}
		}
	}
}

// Context is cancelled on operator stop
func (rt *Runtime) Context() context.Context {
	return rt.Shutdown.Context()
}

// ServeMetrics starts the separate prometheus listener when enabled
func (rt *Runtime) ServeMetrics() {
	if !rt.Config.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.Metrics.Handler())
	srv := &http.Server{
		Addr:              rt.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	rt.Shutdown.Register("metrics server", shutdown.StopHTTPServer(srv, "metrics"))

	go func() {
		rt.Logger.Info("Metrics endpoint listening", logging.Fields{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("Metrics server failed", logging.Fields{"error": err})
		}
	}()
}

// Go runs fn until it returns and makes shutdown wait for it
func (rt *Runtime) Go(name string, fn func(ctx context.Context) error) {
	done := make(chan struct{})
	rt.Shutdown.Register(name, shutdown.WaitFor(done, name))
	go func() {
		defer close(done)
		if err := fn(rt.Context()); err != nil {
			rt.Logger.Error("Component exited with error", logging.Fields{"name": name, "error": err})
		}
	}()
}

// Run blocks until an operator stop, then shuts everything down
func (rt *Runtime) Run() {
	rt.Shutdown.Wait()
	rt.Shutdown.Shutdown()
}
