// Package wire holds the byte-level protocol shared by the server and its
// scoring clients: length-prefixed frames flowing to the client and CRLF
// lines flowing back.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"pkt.systems/dataserver/internal/item"
)

// FrameHeaderSize is the size of the big-endian length prefix.
const FrameHeaderSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the reader's bound or
// the 32-bit length prefix.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// WriteFrame writes payload as [uint32 length][payload].
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	var hdr [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. A clean end of stream before the header returns
// io.EOF; a stream cut inside a frame returns io.ErrUnexpectedEOF. max bounds
// the accepted payload size; zero means no bound beyond the prefix.
func ReadFrame(r io.Reader, max uint32) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if max > 0 && n > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// FrameWriter buffers frames on top of a connection.
type FrameWriter struct {
	bw     *bufio.Writer
	frames int64
	bytes  int64
}

// NewFrameWriter wraps w with a buffer of size bytes.
func NewFrameWriter(w io.Writer, size int) *FrameWriter {
	if size <= 0 {
		size = 64 << 10
	}
	return &FrameWriter{bw: bufio.NewWriterSize(w, size)}
}

// WriteItem frames the item's payload. The key is not transmitted.
func (f *FrameWriter) WriteItem(it item.Item) error {
	if err := WriteFrame(f.bw, it.Payload); err != nil {
		return err
	}
	f.frames++
	f.bytes += int64(FrameHeaderSize + len(it.Payload))
	return nil
}

// WritePair writes the metadata frame followed by the revision frame and
// flushes both.
func (f *FrameWriter) WritePair(metadata, revision item.Item) error {
	if err := f.WriteItem(metadata); err != nil {
		return err
	}
	if err := f.WriteItem(revision); err != nil {
		return err
	}
	return f.Flush()
}

// Flush sends buffered frames.
func (f *FrameWriter) Flush() error {
	if err := f.bw.Flush(); err != nil {
		return fmt.Errorf("wire: flush: %w", err)
	}
	return nil
}

// Frames returns the number of frames written.
func (f *FrameWriter) Frames() int64 { return f.frames }

// Bytes returns the number of bytes written including headers.
func (f *FrameWriter) Bytes() int64 { return f.bytes }
