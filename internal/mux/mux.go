// Package mux interleaves the revision and metadata streams onto a client
// connection as (metadata, revision) frame pairs.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/item"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/dataserver/internal/window"
	"pkt.systems/dataserver/internal/wire"
	"pkt.systems/pslog"
)

const (
	// DefaultProgressInterval bounds how often progress is logged.
	DefaultProgressInterval = 10 * time.Second
	// DefaultBufferSize is the write buffer placed in front of the connection.
	DefaultBufferSize = 64 << 10
)

var (
	// ErrMetadataExhausted is returned when the metadata stream ends before
	// the revision stream does.
	ErrMetadataExhausted = errors.New("mux: metadata stream exhausted before revisions")
	// ErrRevisionsTruncated is returned when the revision queue closes
	// without delivering its sentinel.
	ErrRevisionsTruncated = errors.New("mux: revision stream ended without sentinel")
)

// Config tunes a Multiplexer.
type Config struct {
	ProgressInterval time.Duration
	BufferSize       int
}

// Multiplexer pairs every revision with the next metadata row, registers the
// revision in the window and writes both frames.
type Multiplexer struct {
	cfg       Config
	revisions *item.Queue
	metadata  *item.Queue
	win       *window.Window
	out       *wire.FrameWriter
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *muxMetrics

	pairs        int64
	lastKey      int64
	lastProgress time.Time
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger attaches a logger.
func WithLogger(l pslog.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock injects the clock used for the progress cadence.
func WithClock(c clock.Clock) Option {
	return func(m *Multiplexer) {
		if c != nil {
			m.clock = c
		}
	}
}

// New returns a multiplexer writing to w.
func New(cfg Config, revisions, metadata *item.Queue, win *window.Window, w io.Writer, opts ...Option) *Multiplexer {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	m := &Multiplexer{
		cfg:       cfg,
		revisions: revisions,
		metadata:  metadata,
		win:       win,
		out:       wire.NewFrameWriter(w, cfg.BufferSize),
		clock:     clock.Real{},
		logger:    pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = svcfields.WithSubsystem(m.logger, "session.mux")
	m.metrics = newMuxMetrics(m.logger)
	m.lastProgress = m.clock.Now()
	return m
}

// Run sends pairs until the revision sentinel, then writes the trailer pair
// and returns. A nil return means the client has received a complete
// document; the caller owns half-closing the connection.
func (m *Multiplexer) Run(ctx context.Context) error {
	for {
		rev, ok, err := m.revisions.Take(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrRevisionsTruncated
		}
		if rev.IsSentinel() {
			return m.trailer(ctx, rev)
		}
		meta, ok, err := m.metadata.Take(ctx)
		if err != nil {
			return err
		}
		if !ok || meta.IsSentinel() {
			return fmt.Errorf("%w: revision %d has no metadata row", ErrMetadataExhausted, rev.Key)
		}
		if err := m.win.Register(ctx, rev.Key); err != nil {
			return fmt.Errorf("mux: register revision %d: %w", rev.Key, err)
		}
		if err := m.out.WritePair(meta, rev); err != nil {
			return fmt.Errorf("mux: send revision %d: %w", rev.Key, err)
		}
		m.pairs++
		m.lastKey = rev.Key
		m.metrics.recordPair(ctx, int64(meta.Len()+rev.Len()+2*wire.FrameHeaderSize))
		if err := m.progress(m.win); err != nil {
			return err
		}
	}
}

// trailer sends the closing pair. The metadata half carries the metadata
// sentinel's trailing bytes when the metadata stream is also at its end and
// is empty otherwise; the revision half carries the document footer.
func (m *Multiplexer) trailer(ctx context.Context, rev item.Item) error {
	meta := item.Sentinel(nil)
	next, ok, err := m.metadata.Take(ctx)
	if err != nil {
		return err
	}
	if ok && next.IsSentinel() {
		meta = next
	}
	if err := m.out.WritePair(meta, rev); err != nil {
		return fmt.Errorf("mux: send trailer: %w", err)
	}
	m.metrics.recordPair(ctx, int64(meta.Len()+rev.Len()+2*wire.FrameHeaderSize))
	m.logger.Info("mux.trailer.sent",
		"pairs", m.pairs,
		"last_revision", m.lastKey,
		"frames", m.out.Frames(),
		"bytes", m.out.Bytes(),
	)
	return nil
}

// sizer is the part of the window progress reporting reads.
type sizer interface {
	Len() (int, error)
}

func (m *Multiplexer) progress(win sizer) error {
	now := m.clock.Now()
	if now.Sub(m.lastProgress) < m.cfg.ProgressInterval {
		return nil
	}
	m.lastProgress = now
	size, err := win.Len()
	if err != nil {
		return fmt.Errorf("mux: window: %w", err)
	}
	m.logger.Info("mux.progress", "revision", m.lastKey, "window", size, "pairs", m.pairs)
	return nil
}

// Pairs returns the number of data pairs sent, excluding the trailer.
func (m *Multiplexer) Pairs() int64 {
	return m.pairs
}

// Bytes returns the number of bytes written including frame headers.
func (m *Multiplexer) Bytes() int64 {
	return m.out.Bytes()
}
