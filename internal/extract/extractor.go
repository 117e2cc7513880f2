// Package extract turns a line-oriented text source into keyed items.
//
// An Extractor accumulates lines into the current item, re-terminating each
// line with CRLF regardless of the source's line endings, and asks its
// Splitter after every line whether the item is complete. At end of input
// the remaining buffered bytes are emitted as a single sentinel item.
package extract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/dataserver/internal/item"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

// CRLF is the canonical line terminator applied to every emitted line.
const CRLF = "\r\n"

// maxScanLine bounds a single source line. Revision texts are stored on one
// line in the XML dumps and can be large.
const maxScanLine = 256 << 20

// ErrStopped is returned when extraction ended because Stop was called.
var ErrStopped = errors.New("extract: stopped")

// Splitter detects item boundaries. Split is called with every line after
// it has been appended to the current item. When emit is true the buffered
// item is handed downstream under key.
type Splitter interface {
	Split(line string) (key int64, emit bool, err error)
}

// Extractor drives a Splitter over a source.
type Extractor struct {
	name     string
	splitter Splitter
	sink     item.Sink
	logger   pslog.Logger

	stopping  atomic.Bool
	firstOnce sync.Once
	onFirst   func(key int64)

	buf   []byte
	lines int64
	items int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger attaches a logger.
func WithLogger(l pslog.Logger) Option {
	return func(e *Extractor) {
		if l != nil {
			e.logger = l
		}
	}
}

// OnFirst registers fn to run exactly once with the key of the first item
// handed to the sink, which may be the sentinel for an empty source.
func OnFirst(fn func(key int64)) Option {
	return func(e *Extractor) {
		e.onFirst = fn
	}
}

// New returns an extractor named name that feeds sink.
func New(name string, splitter Splitter, sink item.Sink, opts ...Option) *Extractor {
	e := &Extractor{
		name:     name,
		splitter: splitter,
		sink:     sink,
		logger:   pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = svcfields.WithSubsystem(e.logger, svcfields.Subsystem("session.extract", name))
	return e
}

// Stop asks the extractor to exit at the next line boundary without
// emitting the sentinel. It is safe to call from any goroutine.
func (e *Extractor) Stop() {
	e.stopping.Store(true)
}

// Stopped reports whether Stop has been called.
func (e *Extractor) Stopped() bool {
	return e.stopping.Load()
}

// Lines returns the number of source lines consumed.
func (e *Extractor) Lines() int64 {
	return atomic.LoadInt64(&e.lines)
}

// Items returns the number of items emitted, including the sentinel.
func (e *Extractor) Items() int64 {
	return atomic.LoadInt64(&e.items)
}

// Run consumes r until end of input, an error or Stop.
func (e *Extractor) Run(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxScanLine)
	for {
		if e.stopping.Load() {
			e.logger.Debug("extract.stopped", "lines", e.Lines(), "items", e.Items())
			return ErrStopped
		}
		if !sc.Scan() {
			break
		}
		line := sc.Text()
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		atomic.AddInt64(&e.lines, 1)
		e.buf = append(e.buf, line...)
		e.buf = append(e.buf, CRLF...)
		key, emit, err := e.splitter.Split(line)
		if err != nil {
			return fmt.Errorf("extract %s: line %d: %w", e.name, e.Lines(), err)
		}
		if !emit {
			continue
		}
		if key == item.SentinelKey {
			return fmt.Errorf("extract %s: line %d: key %d is reserved", e.name, e.Lines(), key)
		}
		if err := e.emit(ctx, item.New(key, e.take())); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("extract %s: read: %w", e.name, err)
	}
	if e.stopping.Load() {
		return ErrStopped
	}
	e.logger.Debug("extract.end_of_input", "lines", e.Lines(), "items", e.Items(), "trailing_bytes", len(e.buf))
	return e.emit(ctx, item.Sentinel(e.take()))
}

func (e *Extractor) emit(ctx context.Context, it item.Item) error {
	if e.onFirst != nil {
		e.firstOnce.Do(func() { e.onFirst(it.Key) })
	}
	if err := e.sink.Put(ctx, it); err != nil {
		if e.stopping.Load() {
			return ErrStopped
		}
		return fmt.Errorf("extract %s: emit %d: %w", e.name, it.Key, err)
	}
	atomic.AddInt64(&e.items, 1)
	return nil
}

func (e *Extractor) take() []byte {
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	e.buf = e.buf[:0]
	return out
}
