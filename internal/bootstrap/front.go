package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/psantana5/recogpool/pkg/api"
	"github.com/psantana5/recogpool/pkg/auth"
	"github.com/psantana5/recogpool/pkg/dispatch"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/ratelimit"
	"github.com/psantana5/recogpool/pkg/shutdown"
	tlsutil "github.com/psantana5/recogpool/pkg/tls"
)

// NewBridge wires the dispatch bridge and its result demultiplexer, and
// starts the demultiplexer.
func (rt *Runtime) NewBridge(q *Queues, s *Stores) *dispatch.Bridge {
	cfg := rt.Config
	demux := dispatch.NewDemux(q.Results, dispatch.DemuxConfig{
		ResultWait:   cfg.ResultWait,
		Visibility:   cfg.VisibilityTimeout,
		ReleaseDelay: cfg.ReleaseDelay,
		TombstoneTTL: cfg.TombstoneTTL,
		Logger:       rt.Logger,
		Metrics:      rt.Metrics,
	})
	bridge := dispatch.NewBridge(q.Jobs, s.Inputs, s.Outputs, demux, dispatch.Config{
		Timeout: cfg.DispatchTimeout,
		Logger:  rt.Logger,
		Metrics: rt.Metrics,
		Tracer:  rt.Tracer,
	})
	rt.Go("result demultiplexer", bridge.Run)
	return bridge
}

// ServeFrontDoor starts the HTTP front door for bridge. pool may be nil.
func (rt *Runtime) ServeFrontDoor(bridge api.Submitter, pool api.PoolObserver) (*http.Server, error) {
	sc := rt.Config.Server

	authenticator, err := auth.NewAuthenticator(sc.APIKey, sc.APIKeyHashes)
	if err != nil {
		return nil, err
	}
	if !authenticator.Enabled() {
		rt.Logger.Warn("Front door has no API key configured; requests are not authenticated")
	}

	var limiter *ratelimit.Limiter
	if sc.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(sc.RateLimit, sc.RateBurst)
		go rt.sweepLimiters(limiter)
	}

	handler := api.NewHandler(bridge, pool, api.Config{
		MaxUploadBytes: sc.MaxUploadBytes,
		MaxTimeout:     rt.Config.DispatchTimeout,
		Auth:           authenticator,
		Limiter:        limiter,
		Tracer:         rt.Tracer,
		Logger:         rt.Logger,
	})

	srv := api.NewHTTPServer(sc.Addr, handler.Router(), rt.Config.DispatchTimeout)
	// cancelling request contexts on shutdown releases callers blocked in a dispatch wait
	srv.BaseContext = func(net.Listener) context.Context { return rt.Context() }

	var tlsConfig *tls.Config
	if sc.TLSCert != "" {
		tlsConfig, err = tlsutil.LoadTLSConfig(sc.TLSCert, sc.TLSKey, sc.TLSCA, sc.RequireClientCert)
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = tlsConfig
	}
	rt.Shutdown.Register("front door", shutdown.StopHTTPServer(srv, "front door"))

	go func() {
		fields := logging.Fields{"addr": sc.Addr, "tls": tlsConfig != nil, "auth": authenticator.Enabled()}
		rt.Logger.Info("Front door listening", fields)
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.Logger.Error("Front door failed", logging.Fields{"error": err})
			rt.Shutdown.Trigger()
		}
	}()
	return srv, nil
}

func (rt *Runtime) sweepLimiters(l *ratelimit.Limiter) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rt.Shutdown.Done():
			return
		case <-ticker.C:
			if n := l.CleanupOldLimiters(10 * time.Minute); n > 0 {
				rt.Logger.Debug("Dropped idle rate limiters", logging.Fields{"count": n})
			}
		}
	}
}

// NewClient builds a front door client from the server section
func NewClient(sc ClientSettings) (*api.Client, error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Minute
	}
	var c *api.Client
	if sc.CAFile != "" || sc.CertFile != "" || sc.InsecureSkipVerify {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(sc.CertFile, sc.KeyFile, sc.CAFile, sc.InsecureSkipVerify)
		if err != nil {
			return nil, err
		}
		c = api.NewClientWithTLS(sc.URL, timeout, tlsConfig)
	} else {
		c = api.NewClient(sc.URL, timeout)
	}
	c.SetAPIKey(sc.APIKey)
	return c, nil
}

// ClientSettings describes how a CLI command reaches the front door
type ClientSettings struct {
	URL                string
	APIKey             string
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	Timeout            time.Duration
}
