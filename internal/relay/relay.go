// Package relay decouples a slow decompressing source from its parser by
// copying the source into a bounded in-memory pipe on a dedicated goroutine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

// Default pipe capacities per source kind. Single revisions can be very
// large, metadata rows are small.
const (
	DefaultRevisionCapacity int64 = 512 << 20
	DefaultMetadataCapacity int64 = 16 << 20
)

const copyBufferSize = 256 << 10

// Reader is the consumer end of a relay.
type Reader struct {
	pipe   *pipe
	src    io.ReadCloser
	logger pslog.Logger

	done      chan struct{}
	copyErr   error
	srcErr    error
	produced  atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

// Start launches the producer goroutine copying src into a pipe of at most
// capacity bytes and returns the consumer end. The producer closes src when
// it finishes. ctx cancellation aborts the copy between reads.
func Start(ctx context.Context, src io.ReadCloser, capacity int64, logger pslog.Logger) *Reader {
	r := &Reader{
		pipe:   newPipe(capacity),
		src:    src,
		logger: svcfields.WithSubsystem(logger, "relay"),
		done:   make(chan struct{}),
	}
	go r.produce(ctx)
	return r
}

func (r *Reader) produce(ctx context.Context) {
	defer close(r.done)
	buf := make([]byte, copyBufferSize)
	var err error
	for err == nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
			break
		}
		var n int
		n, err = r.src.Read(buf)
		if n > 0 {
			if _, werr := r.pipe.write(buf[:n]); werr != nil {
				err = werr
				break
			}
			r.produced.Add(int64(n))
		}
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	r.copyErr = err
	r.srcErr = r.src.Close()
	switch {
	case r.srcErr != nil:
		r.pipe.closeWrite(fmt.Errorf("relay: close source: %w", r.srcErr))
	case err != nil:
		r.pipe.closeWrite(fmt.Errorf("relay: source: %w", err))
	default:
		r.pipe.closeWrite(nil)
	}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	return r.pipe.read(p)
}

// Buffered returns the number of bytes waiting in the pipe.
func (r *Reader) Buffered() int64 {
	return r.pipe.len()
}

// Produced returns the number of bytes copied from the source so far.
func (r *Reader) Produced() int64 {
	return r.produced.Load()
}

// Close shuts the consumer side, waits for the producer and returns any error
// the producer hit, including errors from closing the source. A copy aborted
// because the consumer left or its context ended is not reported.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.pipe.closeRead()
		<-r.done
		copyErr := r.copyErr
		if errors.Is(copyErr, ErrClosedPipe) || errors.Is(copyErr, context.Canceled) || errors.Is(copyErr, context.DeadlineExceeded) {
			copyErr = nil
		}
		switch {
		case copyErr != nil:
			r.logger.Warn("relay.produce.error", "error", copyErr, "bytes", r.produced.Load())
			r.closeErr = fmt.Errorf("relay: source: %w", copyErr)
		case r.srcErr != nil:
			r.logger.Warn("relay.source.close_error", "error", r.srcErr, "bytes", r.produced.Load())
			r.closeErr = fmt.Errorf("relay: close source: %w", r.srcErr)
		}
	})
	return r.closeErr
}
