// Package session runs one client connection: handshake, access check and
// the streaming pipeline that feeds revisions to the client while recording
// its scores.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"pkt.systems/dataserver/internal/access"
	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/connguard"
	"pkt.systems/dataserver/internal/extract"
	"pkt.systems/dataserver/internal/item"
	"pkt.systems/dataserver/internal/mux"
	"pkt.systems/dataserver/internal/relay"
	"pkt.systems/dataserver/internal/result"
	"pkt.systems/dataserver/internal/source"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/dataserver/internal/window"
	"pkt.systems/dataserver/internal/wire"
	"pkt.systems/pslog"
)

// DefaultHandshakeTimeout bounds the wait for the client's token line.
const DefaultHandshakeTimeout = 30 * time.Second

// ErrHandshake wraps failures to read the token line.
var ErrHandshake = errors.New("session: handshake failed")

// Config describes the datasets and tuning shared by every session.
type Config struct {
	Revisions string
	Metadata  string
	OutputDir string

	WindowSize       int
	QueueDepth       int
	RevisionBuffer   int64
	MetadataBuffer   int64
	HandshakeTimeout time.Duration
	MaxLine          int
	ProgressInterval time.Duration
	// SessionLogs routes each session's pipeline logs to
	// <OutputDir>/<host>_<port>_<token>.log.
	SessionLogs bool
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = window.DefaultCapacity
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = item.DefaultQueueDepth
	}
	if c.RevisionBuffer <= 0 {
		c.RevisionBuffer = relay.DefaultRevisionCapacity
	}
	if c.MetadataBuffer <= 0 {
		c.MetadataBuffer = relay.DefaultMetadataCapacity
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxLine <= 0 {
		c.MaxLine = wire.DefaultMaxLine
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = mux.DefaultProgressInterval
	}
	return c
}

// FailureRecorder receives per-peer failures, typically a connguard.Guard.
type FailureRecorder interface {
	RecordFailure(remote, reason string) bool
}

// Handler serves sessions. It is safe for concurrent use.
type Handler struct {
	cfg     Config
	opener  source.Opener
	gate    access.Gate
	guard   FailureRecorder
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *sessionMetrics
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger attaches a logger.
func WithLogger(l pslog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock injects the clock used for durations and progress cadences.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithOpener overrides how datasets are opened.
func WithOpener(o source.Opener) Option {
	return func(h *Handler) {
		if o != nil {
			h.opener = o
		}
	}
}

// WithGate installs the access gate. The default admits any path-safe token.
func WithGate(g access.Gate) Option {
	return func(h *Handler) {
		if g != nil {
			h.gate = g
		}
	}
}

// WithFailureRecorder reports handshake, access and protocol failures.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(h *Handler) {
		h.guard = r
	}
}

// NewHandler returns a session handler.
func NewHandler(cfg Config, opts ...Option) *Handler {
	h := &Handler{
		cfg:    cfg.withDefaults(),
		gate:   access.AllowAll{},
		clock:  clock.Real{},
		logger: pslog.NoopLogger(),
		tracer: otel.Tracer("pkt.systems/dataserver/session"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = svcfields.WithSubsystem(h.logger, "session")
	if h.opener == nil {
		h.opener = source.NewRouter(source.Config{}, h.logger, h.clock)
	}
	h.metrics = newSessionMetrics(h.logger)
	return h
}

// Stats summarises a finished session.
type Stats struct {
	ID       string
	Token    string
	Pairs    int64
	Bytes    int64
	Scores   int64
	Duration time.Duration
}

// Serve runs one session on conn and closes it before returning.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) (stats Stats, err error) {
	defer conn.Close()
	// Cancellation closes the connection to unblock every read and write,
	// the handshake included.
	unblock := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer unblock()
	begin := h.clock.Now()
	stats.ID = xid.New().String()
	remote := conn.RemoteAddr().String()
	logger := svcfields.WithSession(h.logger, stats.ID, remote)

	ctx, span := h.tracer.Start(ctx, "dataserver.session", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	span.SetAttributes(
		attribute.String("dataserver.session.id", stats.ID),
		attribute.String("net.peer.addr", remote),
	)
	h.metrics.begin(ctx)
	logger.Info("session.accepted")

	defer func() {
		stats.Duration = h.clock.Now().Sub(begin)
		outcome := "ok"
		if err != nil {
			outcome = classify(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			logger.Warn("session.failed",
				"token", stats.Token,
				"outcome", outcome,
				"pairs", stats.Pairs,
				"scores", stats.Scores,
				"elapsed", stats.Duration,
				"error", err,
			)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Info("session.finished",
				"token", stats.Token,
				"pairs", stats.Pairs,
				"scores", stats.Scores,
				"bytes", stats.Bytes,
				"elapsed", stats.Duration,
			)
		}
		h.metrics.end(ctx, outcome, stats.Duration)
	}()

	lines := wire.NewLineReader(conn, h.cfg.MaxLine)
	token, err := h.handshake(conn, lines)
	if err != nil {
		h.recordFailure(remote, connguard.ReasonHandshake)
		return stats, err
	}
	stats.Token = token
	span.SetAttributes(attribute.String("dataserver.session.token", token))
	if err := h.gate.Check(ctx, access.Request{Token: token, Remote: conn.RemoteAddr()}); err != nil {
		h.recordFailure(remote, connguard.ReasonAccess)
		return stats, fmt.Errorf("session: access: %w", err)
	}
	logger = logger.With("token", token)
	logger.Info("session.authorized")

	pipelineLogger, closeLog, err := h.sessionLog(logger, remote, token)
	if err != nil {
		return stats, err
	}
	defer closeLog()

	err = h.stream(ctx, conn, lines, token, pipelineLogger, &stats)
	if err != nil && isProtocolError(err) {
		h.recordFailure(remote, connguard.ReasonProtocol)
	}
	return stats, err
}

func (h *Handler) handshake(conn net.Conn, lines *wire.LineReader) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	token, err := lines.ReadLine()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return strings.TrimSpace(token), nil
}

// sessionLog returns the logger the pipeline stages use. With session logs
// enabled it writes to a file of its own and the shared logger only sees the
// session's lifecycle.
func (h *Handler) sessionLog(logger pslog.Logger, remote, token string) (pslog.Logger, func(), error) {
	if !h.cfg.SessionLogs {
		return logger, func() {}, nil
	}
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		host, port = remote, "0"
	}
	name := fmt.Sprintf("%s_%s_%s.log", strings.NewReplacer(":", "-", "[", "", "]", "").Replace(host), port, token)
	f, err := os.OpenFile(filepath.Join(h.cfg.OutputDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("session: open log: %w", err)
	}
	fileLogger := pslog.NewWithOptions(f, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: pslog.InfoLevel,
	}).With("app", "dataserver")
	fileLogger = svcfields.WithSession(fileLogger, "", remote).With("token", token)
	logger.Debug("session.log.opened", "path", f.Name())
	return fileLogger, func() { _ = f.Close() }, nil
}

func (h *Handler) recordFailure(remote, reason string) {
	if h.guard != nil {
		h.guard.RecordFailure(remote, reason)
	}
}

// stream runs the pipeline stages:
//
//	revisions: relay -> extractor -> revision queue --\
//	                                                  mux -> conn
//	metadata:  relay -> extractor -> filter -> queue --/
//	conn -> recorder -> <OutputDir>/<token>.csv
func (h *Handler) stream(ctx context.Context, conn net.Conn, lines *wire.LineReader, token string, logger pslog.Logger, stats *Stats) error {
	outPath := filepath.Join(h.cfg.OutputDir, token+".csv")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("session: create output: %w", err)
	}
	defer out.Close()

	revSrc, err := h.opener.Open(ctx, h.cfg.Revisions)
	if err != nil {
		return fmt.Errorf("session: open revisions: %w", err)
	}
	metaSrc, err := h.opener.Open(ctx, h.cfg.Metadata)
	if err != nil {
		_ = revSrc.Close()
		return fmt.Errorf("session: open metadata: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	revQueue := item.NewQueue(h.cfg.QueueDepth)
	metaQueue := item.NewQueue(h.cfg.QueueDepth)
	win := window.New(h.cfg.WindowSize)
	revRelay := relay.Start(gctx, revSrc, h.cfg.RevisionBuffer, logger)
	metaRelay := relay.Start(gctx, metaSrc, h.cfg.MetadataBuffer, logger)

	first := newFirstKey()
	revExtractor := extract.New("revisions", extract.NewRevisionSplitter(), revQueue,
		extract.WithLogger(logger),
		extract.OnFirst(first.set),
	)
	aligned := &alignment{next: metaQueue}
	metaExtractor := extract.New("metadata", extract.NewMetadataSplitter(), aligned,
		extract.WithLogger(logger),
	)
	multiplexer := mux.New(mux.Config{ProgressInterval: h.cfg.ProgressInterval}, revQueue, metaQueue, win, conn,
		mux.WithLogger(logger),
		mux.WithClock(h.clock),
	)
	sendDone := make(chan struct{})
	recorder := result.NewRecorder(result.Config{ProgressInterval: h.cfg.ProgressInterval},
		result.NewParser(lines), result.NewPrinter(out), win,
		result.WithLogger(logger),
		result.WithClock(h.clock),
		result.WithSendDone(sendDone),
	)

	revDone := make(chan error, 1)
	g.Go(func() error {
		err := revExtractor.Run(gctx, revRelay)
		if cerr := revRelay.Close(); err == nil {
			err = cerr
		}
		revQueue.Close()
		if err != nil {
			err = fmt.Errorf("session: revisions: %w", err)
		}
		revDone <- err
		return err
	})

	metaDone := make(chan error, 1)
	g.Go(func() error {
		err := runMetadata(gctx, first, aligned, metaExtractor, metaRelay, logger)
		metaQueue.Close()
		metaDone <- err
		return err
	})

	g.Go(func() error {
		if err := multiplexer.Run(gctx); err != nil {
			return fmt.Errorf("session: send: %w", err)
		}
		if err := <-revDone; err != nil {
			return err
		}
		metaExtractor.Stop()
		if err := drain(gctx, metaQueue); err != nil {
			return err
		}
		if err := <-metaDone; err != nil {
			return err
		}
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			if err := cw.CloseWrite(); err != nil {
				return fmt.Errorf("session: half-close: %w", err)
			}
		}
		close(sendDone)
		logger.Info("session.sent", "pairs", multiplexer.Pairs(), "bytes", multiplexer.Bytes())
		return nil
	})

	g.Go(func() error {
		if err := recorder.Run(gctx); err != nil {
			return fmt.Errorf("session: record: %w", err)
		}
		return nil
	})

	err = g.Wait()
	stats.Pairs = multiplexer.Pairs()
	stats.Bytes = multiplexer.Bytes()
	stats.Scores = recorder.Written()
	h.metrics.sent(ctx, stats.Pairs, stats.Bytes)
	logger.Info("session.pipeline.done",
		"recorder", recorder.State().String(),
		"output", outPath,
		"pairs", stats.Pairs,
		"scores", stats.Scores,
	)
	return err
}

// runMetadata waits until the first revision is known, then extracts
// metadata rows from that revision onwards.
func runMetadata(ctx context.Context, first *firstKey, aligned *alignment, x *extract.Extractor, src *relay.Reader, logger pslog.Logger) error {
	target, err := first.wait(ctx)
	if err != nil {
		_ = src.Close()
		return err
	}
	aligned.filter = item.NewFilter(target, aligned.next)
	err = x.Run(ctx, src)
	if cerr := src.Close(); err == nil || errors.Is(err, extract.ErrStopped) {
		err = cerr
	}
	logger.Debug("session.metadata.done", "target", target, "dropped", aligned.filter.Dropped(), "aligned", aligned.filter.Aligned())
	if err != nil {
		return fmt.Errorf("session: metadata: %w", err)
	}
	return nil
}

// alignment forwards metadata through a filter created once the first
// revision id is known. Put is only called after that.
type alignment struct {
	next   item.Sink
	filter *item.Filter
}

func (a *alignment) Put(ctx context.Context, it item.Item) error {
	return a.filter.Put(ctx, it)
}

// drain discards metadata rows left after the trailer so a stopped extractor
// blocked on a full queue can observe Stop.
func drain(ctx context.Context, q *item.Queue) error {
	for {
		_, ok, err := q.Take(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// firstKey is the one-shot "first revision known" signal.
type firstKey struct {
	once  sync.Once
	ready chan struct{}
	key   int64
}

func newFirstKey() *firstKey {
	return &firstKey{ready: make(chan struct{})}
}

func (f *firstKey) set(key int64) {
	f.once.Do(func() {
		f.key = key
		close(f.ready)
	})
}

func (f *firstKey) wait(ctx context.Context) (int64, error) {
	select {
	case <-f.ready:
		return f.key, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, wire.ErrInvalidLineEnding) ||
		errors.Is(err, wire.ErrLineTooLong) ||
		errors.Is(err, result.ErrHeader) ||
		errors.Is(err, result.ErrRow) ||
		errors.Is(err, result.ErrUnexpectedRevision) ||
		errors.Is(err, result.ErrDuplicateRevision)
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, access.ErrInvalidToken), errors.Is(err, access.ErrInvalidClient):
		return "access"
	case errors.Is(err, result.ErrMissingScores):
		return "missing_scores"
	case isProtocolError(err):
		return "protocol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
