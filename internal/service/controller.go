// Package service starts and stops the capture pipeline and its HTTP
// listeners as one unit.
//
// Start builds every resource in order and, on any failure, releases what it
// already built before returning. Stop tears everything down, keeps going
// when a step fails, and reports all failures together.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/screenshare/streaming-server/internal/capture"
	"github.com/dj-oyu/screenshare/streaming-server/internal/config"
	"github.com/dj-oyu/screenshare/streaming-server/internal/encoder"
	"github.com/dj-oyu/screenshare/streaming-server/internal/framesink"
	"github.com/dj-oyu/screenshare/streaming-server/internal/logger"
	"github.com/dj-oyu/screenshare/streaming-server/internal/metrics"
	"github.com/dj-oyu/screenshare/streaming-server/internal/netaddr"
	"github.com/dj-oyu/screenshare/streaming-server/internal/producer"
	"github.com/dj-oyu/screenshare/streaming-server/internal/stream"
	"github.com/dj-oyu/screenshare/streaming-server/internal/webserver"
)

// State is the lifecycle state of a Controller.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrAlreadyRunning is returned by Start unless the controller is Idle.
var ErrAlreadyRunning = errors.New("capture session already running")

// Controller owns one capture session and the listeners serving it.
type Controller struct {
	cfg     config.Config
	opener  capture.Opener
	encoder encoder.Encoder
	metrics *metrics.Metrics

	mu    sync.Mutex // serializes Start and Stop
	state atomic.Int32
	errs  chan error

	// Valid while Running.
	sink          *framesink.Sink
	producer      *producer.Producer
	broadcaster   *stream.Broadcaster
	router        *webserver.Server
	httpServer    *http.Server
	metricsServer *http.Server
	addr          net.Addr
	wg            sync.WaitGroup
}

// New returns an idle controller. m may be nil.
func New(cfg config.Config, opener capture.Opener, enc encoder.Encoder, m *metrics.Metrics) *Controller {
	if m == nil {
		m = metrics.New()
	}
	return &Controller{
		cfg:     cfg,
		opener:  opener,
		encoder: enc,
		metrics: m,
		errs:    make(chan error, 4),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Errors delivers listener failures that happen after Start returned.
func (c *Controller) Errors() <-chan error {
	return c.errs
}

// Addr returns the bound HTTP address, or nil unless Running.
func (c *Controller) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// URL returns the address viewers should open, or "" unless Running.
func (c *Controller) URL() string {
	addr := c.Addr()
	if addr == nil {
		return ""
	}
	return "http://" + netaddr.HostPort(addr)
}

// Status reports the pipeline state for /api/status and the host process.
func (c *Controller) Status() webserver.Status {
	c.mu.Lock()
	router := c.router
	c.mu.Unlock()

	if router == nil {
		return webserver.Status{State: c.State().String(), Sessions: []webserver.SessionStatus{}}
	}
	return router.Status()
}

// Start opens the capture source with params and begins serving. It is only
// valid from Idle; a failed Start leaves the controller Idle with nothing
// left open.
func (c *Controller) Start(params capture.Params) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(Idle), int32(Starting)) {
		return ErrAlreadyRunning
	}

	var rollback []func() error
	defer func() {
		if err == nil {
			return
		}
		errs := []error{err}
		for i := len(rollback) - 1; i >= 0; i-- {
			if rbErr := rollback[i](); rbErr != nil {
				errs = append(errs, rbErr)
			}
		}
		c.reset()
		c.state.Store(int32(Idle))
		err = errors.Join(errs...)
		logger.Error("Service", "Start failed: %v", err)
	}()

	source, err := c.opener(params)
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}

	c.sink = framesink.New()
	c.producer = producer.New(source, c.encoder, c.sink, c.metrics)
	// Stopping an unstarted producer still releases the source.
	rollback = append(rollback, c.producer.Stop)

	ln, err := net.Listen("tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.cfg.Addr, err)
	}
	rollback = append(rollback, closeIgnoringClosed(ln))

	var metricsLn net.Listener
	if c.cfg.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", c.cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("listen on %s for metrics: %w", c.cfg.MetricsAddr, err)
		}
		rollback = append(rollback, closeIgnoringClosed(metricsLn))
	}

	c.broadcaster = stream.New(c.sink, c.cfg.StreamInterval, c.metrics)
	rollback = append(rollback, func() error { c.broadcaster.Close(); return nil })

	addr := ln.Addr()
	c.router = webserver.NewServer(webserver.Options{
		Sink:         c.sink,
		Broadcaster:  c.broadcaster,
		Metrics:      c.metrics,
		WriteTimeout: c.cfg.WriteTimeout,
		Advertise:    func() string { return netaddr.HostPort(addr) },
		State:        func() string { return c.State().String() },
		StartedAt:    time.Now(),
	})
	c.httpServer = &http.Server{
		Handler:           c.router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger("HTTP", logger.WARN),
	}

	if err = c.producer.Start(); err != nil {
		return err
	}

	c.serve("HTTP", c.httpServer, ln)
	if metricsLn != nil {
		c.metricsServer = &http.Server{
			Handler:           metricsMux(c.metrics),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          logger.StdLogger("Metrics", logger.WARN),
		}
		c.serve("Metrics", c.metricsServer, metricsLn)
	}

	c.addr = addr
	c.state.Store(int32(Running))
	logger.Info("Service", "Serving on %s (stream every %v)", addr, c.cfg.StreamInterval)
	return nil
}

func (c *Controller) serve(name string, srv *http.Server, ln net.Listener) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Service", "%s server error: %v", name, err)
			select {
			case c.errs <- fmt.Errorf("%s server: %w", name, err):
			default:
			}
		}
	}()
}

// Stop tears the session down. It is a no-op unless Running and is safe to
// call repeatedly. Every step runs even if an earlier one fails.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return nil
	}
	logger.Info("Service", "Stopping...")

	var errs []error

	// Stream responses never finish on their own, so end them before the
	// graceful HTTP shutdown waits on them. A client that stopped reading
	// keeps its loop in Write; past the deadline its connection is closed.
	forced := false
	if err := c.broadcaster.Shutdown(ctx); err != nil {
		errs = append(errs, err)
		forced = true
		if err := c.httpServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("HTTP close: %w", err))
		}
		c.broadcaster.Close()
	}

	if err := c.producer.Stop(); err != nil {
		errs = append(errs, err)
	}

	if !forced {
		if err := c.shutdown(ctx, "HTTP", c.httpServer); err != nil {
			errs = append(errs, err)
		}
	}
	if c.metricsServer != nil {
		if err := c.shutdown(ctx, "Metrics", c.metricsServer); err != nil {
			errs = append(errs, err)
		}
	}

	c.wg.Wait()
	c.reset()
	c.state.Store(int32(Idle))

	err := errors.Join(errs...)
	if err != nil {
		logger.Warn("Service", "Stopped with errors: %v", err)
	} else {
		logger.Info("Service", "Stopped")
	}
	return err
}

// shutdown drains srv within the shutdown timeout, then force-closes it.
func (c *Controller) shutdown(ctx context.Context, name string, srv *http.Server) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		closeErr := srv.Close()
		return errors.Join(fmt.Errorf("%s shutdown: %w", name, err), closeErr)
	}
	return nil
}

func (c *Controller) reset() {
	c.sink = nil
	c.producer = nil
	c.broadcaster = nil
	c.router = nil
	c.httpServer = nil
	c.metricsServer = nil
	c.addr = nil
}

func closeIgnoringClosed(ln net.Listener) func() error {
	return func() error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	}
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}
