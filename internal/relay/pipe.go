package relay

import (
	"errors"
	"io"
	"sync"
)

// ErrClosedPipe is returned to the writer once the reader closed the pipe.
var ErrClosedPipe = errors.New("relay: read side closed")

// pipe is an in-memory byte pipe holding at most capacity bytes. Memory is
// allocated per written chunk, so a large capacity costs nothing until the
// consumer falls behind.
type pipe struct {
	mu       sync.Mutex
	cond     *sync.Cond
	chunks   [][]byte
	buffered int64
	capacity int64

	writeErr   error // set by closeWrite; io.EOF on a clean end
	readClosed bool
}

func newPipe(capacity int64) *pipe {
	if capacity <= 0 {
		capacity = 1 << 20
	}
	p := &pipe{capacity: capacity}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// write copies b into the pipe, blocking while it is full.
func (p *pipe) write(b []byte) (int, error) {
	written := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(b) > 0 {
		for p.buffered >= p.capacity && !p.readClosed {
			p.cond.Wait()
		}
		if p.readClosed {
			return written, ErrClosedPipe
		}
		n := int64(len(b))
		if room := p.capacity - p.buffered; n > room {
			n = room
		}
		chunk := make([]byte, n)
		copy(chunk, b[:n])
		p.chunks = append(p.chunks, chunk)
		p.buffered += n
		written += int(n)
		b = b[n:]
		p.cond.Broadcast()
	}
	return written, nil
}

// read drains buffered bytes into b, blocking while the pipe is empty and
// the writer is still open.
func (p *pipe) read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.chunks) == 0 && p.writeErr == nil && !p.readClosed {
		p.cond.Wait()
	}
	if p.readClosed {
		return 0, io.ErrClosedPipe
	}
	if len(p.chunks) == 0 {
		return 0, p.writeErr
	}
	n := 0
	for n < len(b) && len(p.chunks) > 0 {
		c := copy(b[n:], p.chunks[0])
		n += c
		if c == len(p.chunks[0]) {
			p.chunks[0] = nil
			p.chunks = p.chunks[1:]
		} else {
			p.chunks[0] = p.chunks[0][c:]
		}
	}
	p.buffered -= int64(n)
	p.cond.Broadcast()
	return n, nil
}

// closeWrite ends the stream. A nil err means a clean end of input.
func (p *pipe) closeWrite(err error) {
	if err == nil {
		err = io.EOF
	}
	p.mu.Lock()
	if p.writeErr == nil {
		p.writeErr = err
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// closeRead discards buffered bytes and fails pending and future writes.
func (p *pipe) closeRead() {
	p.mu.Lock()
	p.readClosed = true
	p.chunks = nil
	p.buffered = 0
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *pipe) len() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}
