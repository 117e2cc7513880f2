package dataserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/dataserver/internal/access"
	"pkt.systems/dataserver/internal/admission"
	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/connguard"
	"pkt.systems/dataserver/internal/session"
	"pkt.systems/dataserver/internal/source"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

// Server accepts scoring clients and runs one streaming session per
// connection on a bounded pool of workers.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	clock        clock.Clock
	handler      *session.Handler
	guard        *connguard.Guard
	admission    *admission.Controller
	telemetry    *telemetry
	listener     net.Listener
	lastServeErr error

	// workers holds one token per running session.
	workers chan struct{}
	conns   sync.WaitGroup
	active  atomic.Int64

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Gate    access.Gate
	Opener  source.Opener
	Sampler admission.Sampler
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithAccessGate overrides the gate built from TiraPath.
func WithAccessGate(g access.Gate) Option {
	return func(o *options) {
		o.Gate = g
	}
}

// WithOpener replaces the dataset opener (useful for tests).
func WithOpener(op source.Opener) Option {
	return func(o *options) {
		o.Opener = op
	}
}

// WithSampler replaces the host memory sampler used by admission control.
func WithSampler(s admission.Sampler) Option {
	return func(o *options) {
		o.Sampler = s
	}
}

// NewServer validates cfg and assembles the server. Nothing listens until
// Start is called.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	gate := o.Gate
	if gate == nil {
		if cfg.TiraPath != "" {
			tira, err := access.NewTira(access.TiraConfig{
				Root:           cfg.TiraPath,
				Dataset:        cfg.TiraDataset,
				ClientIPPrefix: cfg.ClientIPPrefix,
				OutputDir:      cfg.OutputDir,
			}, logger)
			if err != nil {
				return nil, err
			}
			gate = tira
			logger.Info("server.access.tira", "root", cfg.TiraPath, "dataset", cfg.TiraDataset, "client_prefix", cfg.ClientIPPrefix)
		} else {
			gate = access.AllowAll{}
			logger.Warn("server.access.open", "impact", "any path-safe token is accepted")
		}
	}
	opener := o.Opener
	if opener == nil {
		opener = source.NewRouter(cfg.sourceConfig(), logger, serverClock)
	}
	sampler := o.Sampler
	if sampler == nil {
		sampler = admission.HostSampler{}
	}

	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		endpoint:         cfg.OTLPEndpoint,
		metricsListen:    cfg.MetricsListen,
		pprofListen:      cfg.PprofListen,
		profilingMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}

	guard := connguard.New(cfg.connguardConfig(), logger, serverClock)
	handler := session.NewHandler(cfg.sessionConfig(),
		session.WithLogger(logger),
		session.WithClock(serverClock),
		session.WithOpener(opener),
		session.WithGate(gate),
		session.WithFailureRecorder(guard),
	)
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		clock:      serverClock,
		handler:    handler,
		guard:      guard,
		admission:  admission.NewController(cfg.admissionConfig(), sampler, serverClock, logger),
		telemetry:  tel,
		workers:    make(chan struct{}, cfg.Workers),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		readyCh:    make(chan struct{}),
	}, nil
}

// Start listens on cfg.Listen and serves until Shutdown. It returns nil
// after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = s.guard.WrapListener(ln)
	s.mu.Unlock()

	s.admission.Start(s.baseCtx)
	s.signalReady()
	s.logger.Info("server.listening",
		"address", ln.Addr().String(),
		"workers", s.cfg.Workers,
		"window", s.cfg.WindowSize,
		"revisions", s.cfg.Revisions,
		"metadata", s.cfg.Metadata,
		"output_dir", s.cfg.OutputDir,
	)
	err = s.serve(s.listener)
	s.recordServeErr(err)
	return err
}

func (s *Server) serve(ln net.Listener) error {
	var backoff time.Duration
	for {
		select {
		case s.workers <- struct{}{}:
		case <-s.baseCtx.Done():
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			<-s.workers
			if s.closing() {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				backoff = nextAcceptBackoff(backoff)
				s.logger.Warn("server.accept.retry", "error", err, "backoff", backoff)
				if err := clock.SleepContext(s.baseCtx, s.clock, backoff); err != nil {
					return nil
				}
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

func nextAcceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	prev *= 2
	if prev > time.Second {
		prev = time.Second
	}
	return prev
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		<-s.workers
		s.conns.Done()
	}()
	release, err := s.admission.Admit(s.baseCtx)
	if err != nil {
		s.logger.Warn("server.session.rejected", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	defer release()
	s.active.Add(1)
	defer s.active.Add(-1)
	// The handler logs the outcome; the error only matters to it.
	_, _ = s.handler.Serve(s.baseCtx, conn)
}

func (s *Server) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting, waits for running sessions until ctx expires,
// then aborts whatever is left and stops telemetry.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = ctx.Err()
		s.logger.Warn("server.shutdown.abort_sessions", "error", waitErr)
	}
	s.cancelBase()
	<-done
	s.admission.Wait()

	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	s.logger.Info("server.shutdown.complete")
	if err := s.LastServeError(); err != nil {
		return err
	}
	return waitErr
}

// Close shuts the server down without a deadline.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx is done.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound address, or nil before Start.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the Prometheus listener address when metrics are on.
func (s *Server) MetricsAddr() net.Addr {
	return s.telemetry.MetricsAddr()
}

// Sessions reports the number of sessions admitted and still running.
func (s *Server) Sessions() int64 {
	return s.active.Load()
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the error that ended the accept loop, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a goroutine and returns once it is
// listening. The returned stop function shuts it down; cancelling ctx does
// the same.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	ready := make(chan error, 1)
	go func() { ready <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
