package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"
)

type trackedSource struct {
	io.Reader
	closed   atomic.Bool
	closeErr error
}

func (s *trackedSource) Close() error {
	s.closed.Store(true)
	return s.closeErr
}

func TestRelayCopiesWholeSource(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 100000)
	src := &trackedSource{Reader: bytes.NewReader(payload)}
	r := Start(context.Background(), src, 4096, pslog.NoopLogger())
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !src.closed.Load() {
		t.Fatalf("source must be closed by the producer")
	}
	if r.Produced() != int64(len(payload)) {
		t.Fatalf("expected %d produced bytes, got %d", len(payload), r.Produced())
	}
}

func TestRelayBoundsBufferedBytes(t *testing.T) {
	src := &trackedSource{Reader: bytes.NewReader(make([]byte, 1<<20))}
	r := Start(context.Background(), src, 1024, pslog.NoopLogger())
	deadline := time.Now().Add(time.Second)
	for r.Buffered() < 1024 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if b := r.Buffered(); b > 1024 {
		t.Fatalf("pipe holds %d bytes, capacity is 1024", b)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("early close must not report the aborted copy: %v", err)
	}
}

func TestRelayPropagatesSourceCloseError(t *testing.T) {
	multi := errors.New("multiple streams")
	src := &trackedSource{Reader: strings.NewReader("abc"), closeErr: multi}
	r := Start(context.Background(), src, 16, pslog.NoopLogger())
	_, readErr := io.ReadAll(r)
	if !errors.Is(readErr, multi) {
		t.Fatalf("consumer must see the close error, got %v", readErr)
	}
	if err := r.Close(); !errors.Is(err, multi) {
		t.Fatalf("expected close error to propagate, got %v", err)
	}
}

type failingSource struct {
	err error
}

func (f failingSource) Read([]byte) (int, error) { return 0, f.err }
func (f failingSource) Close() error             { return nil }

func TestRelayPropagatesReadError(t *testing.T) {
	boom := errors.New("corrupt block")
	r := Start(context.Background(), failingSource{err: boom}, 16, pslog.NoopLogger())
	if _, err := io.ReadAll(r); !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if err := r.Close(); !errors.Is(err, boom) {
		t.Fatalf("expected close to report read error, got %v", err)
	}
}

func TestPipeWriteFailsAfterReadClose(t *testing.T) {
	p := newPipe(4)
	if _, err := p.write([]byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := p.write([]byte("e"))
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("write into full pipe returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	p.closeRead()
	if err := <-done; !errors.Is(err, ErrClosedPipe) {
		t.Fatalf("expected ErrClosedPipe, got %v", err)
	}
}
