package result

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/dataserver/internal/window"
	"pkt.systems/pslog"
)

var (
	// ErrUnexpectedRevision is matched by errors for scores of revisions that
	// were never sent or have already been written.
	ErrUnexpectedRevision = errors.New("unexpected revision")
	// ErrDuplicateRevision is matched by errors for a second score of an
	// in-flight revision.
	ErrDuplicateRevision = errors.New("duplicate revision")
	// ErrMissingScores is matched when the client ends its stream while
	// revisions are still waiting for scores.
	ErrMissingScores = errors.New("missing scores")
)

// RevisionError reports a reconciliation failure for one revision.
type RevisionError struct {
	Kind error
	Key  int64
}

func (e *RevisionError) Error() string {
	return fmt.Sprintf("%s: %d", e.Kind, e.Key)
}

// Unwrap exposes the kind for errors.Is.
func (e *RevisionError) Unwrap() error {
	return e.Kind
}

// MissingScoresError lists every revision still in the window at end of
// input, including scored ones queued behind an unscored head.
type MissingScoresError struct {
	Keys []int64
}

func (e *MissingScoresError) Error() string {
	return fmt.Sprintf("missing scores for: %v", e.Keys)
}

// Unwrap exposes ErrMissingScores for errors.Is.
func (e *MissingScoresError) Unwrap() error {
	return ErrMissingScores
}

// State is the recorder's position in its lifecycle.
type State int32

const (
	// AwaitHeader is the initial state.
	AwaitHeader State = iota
	// Streaming means the header was accepted and rows are being reconciled.
	Streaming
	// Drained means every sent revision was scored and written.
	Drained
	// Failed means the recorder stopped on an error.
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitHeader:
		return "await_header"
	case Streaming:
		return "streaming"
	case Drained:
		return "drained"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes a Recorder.
type Config struct {
	// ProgressInterval throttles progress logs; zero disables them.
	ProgressInterval time.Duration
}

// Recorder reconciles client scores with the window and writes drained
// entries to a Printer in send order.
type Recorder struct {
	cfg      Config
	parser   *Parser
	printer  *Printer
	win      *window.Window
	sendDone <-chan struct{}
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *recorderMetrics

	state        atomic.Int32
	lastProgress time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger attaches a logger.
func WithLogger(l pslog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock injects the clock used for progress logging.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithSendDone supplies a channel closed once the multiplexer has registered
// its last revision. Without it the window is checked as soon as the client
// ends its stream.
func WithSendDone(ch <-chan struct{}) Option {
	return func(r *Recorder) {
		r.sendDone = ch
	}
}

// NewRecorder returns a recorder in the AwaitHeader state.
func NewRecorder(cfg Config, parser *Parser, printer *Printer, win *window.Window, opts ...Option) *Recorder {
	r := &Recorder{
		cfg:     cfg,
		parser:  parser,
		printer: printer,
		win:     win,
		clock:   clock.Real{},
		logger:  pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = svcfields.WithSubsystem(r.logger, "session.recorder")
	r.metrics = newRecorderMetrics(r.logger)
	return r
}

// State returns the current state.
func (r *Recorder) State() State {
	return State(r.state.Load())
}

// Written returns the number of rows persisted.
func (r *Recorder) Written() int64 {
	return r.printer.Rows()
}

// Run reads replies until the client closes its stream. It returns nil only
// after every registered revision has been scored and written.
func (r *Recorder) Run(ctx context.Context) error {
	err := r.run(ctx)
	if err != nil {
		r.state.Store(int32(Failed))
		return err
	}
	r.state.Store(int32(Drained))
	r.logger.Info("recorder.drained", "rows", r.printer.Rows())
	return nil
}

func (r *Recorder) run(ctx context.Context) error {
	r.state.Store(int32(AwaitHeader))
	if err := r.printer.WriteHeader(); err != nil {
		return err
	}
	if err := r.parser.ReadHeader(); err != nil {
		if errors.Is(err, io.EOF) {
			return r.finish(ctx)
		}
		return fmt.Errorf("recorder: header: %w", err)
	}
	r.state.Store(int32(Streaming))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		score, err := r.parser.Next()
		if errors.Is(err, io.EOF) {
			return r.finish(ctx)
		}
		if err != nil {
			return fmt.Errorf("recorder: row %d: %w", r.parser.Rows(), err)
		}
		if err := r.consume(ctx, score); err != nil {
			return err
		}
	}
}

func (r *Recorder) consume(ctx context.Context, score Score) error {
	if err := r.win.SetScore(score.Key, score.Value); err != nil {
		switch {
		case errors.Is(err, window.ErrUnknownKey):
			r.metrics.recordRejected(ctx, "unexpected")
			return &RevisionError{Kind: ErrUnexpectedRevision, Key: score.Key}
		case errors.Is(err, window.ErrAlreadyScored):
			r.metrics.recordRejected(ctx, "duplicate")
			return &RevisionError{Kind: ErrDuplicateRevision, Key: score.Key}
		default:
			return err
		}
	}
	r.metrics.recordScore(ctx)
	var last int64
	n, err := r.win.DrainScored(func(res window.Result) error {
		last = res.Key
		return r.printer.Print(res.Key, res.Score)
	})
	if err != nil {
		return fmt.Errorf("recorder: write: %w", err)
	}
	if n > 0 {
		return r.progress(r.win, last)
	}
	return nil
}

// finish decides the outcome once the client closed its stream. Revisions
// still in the window can never be scored; when the window is empty the
// recorder waits for the sender so a revision sent after the client gave up
// is reported too.
func (r *Recorder) finish(ctx context.Context) error {
	for {
		changed := r.win.Changed()
		if keys := r.win.Keys(); len(keys) > 0 {
			return &MissingScoresError{Keys: keys}
		}
		if r.sendDone == nil {
			return nil
		}
		select {
		case <-r.sendDone:
			if keys := r.win.Keys(); len(keys) > 0 {
				return &MissingScoresError{Keys: keys}
			}
			return nil
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sizer is the part of the window progress reporting reads.
type sizer interface {
	Len() (int, error)
}

func (r *Recorder) progress(win sizer, key int64) error {
	if r.cfg.ProgressInterval <= 0 {
		return nil
	}
	now := r.clock.Now()
	if now.Sub(r.lastProgress) < r.cfg.ProgressInterval {
		return nil
	}
	r.lastProgress = now
	size, err := win.Len()
	if err != nil {
		return fmt.Errorf("recorder: window: %w", err)
	}
	r.logger.Debug("recorder.progress", "revision", key, "window", size, "rows", r.printer.Rows())
	return nil
}
