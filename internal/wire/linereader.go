package wire

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLine is the longest line accepted from a client.
const DefaultMaxLine = 10000

var (
	// ErrLineTooLong is returned when a line exceeds the reader's bound.
	ErrLineTooLong = errors.New("wire: line too long")
	// ErrInvalidLineEnding is returned when a line is not terminated by CRLF.
	ErrInvalidLineEnding = errors.New("wire: invalid line ending")
)

// LineReader reads CRLF-terminated lines one byte at a time. It never
// consumes a byte beyond the terminator of the line it returns, so the same
// connection can be handed to another reader between lines.
type LineReader struct {
	r   io.Reader
	buf []byte
	one [1]byte
}

// NewLineReader returns a reader accepting lines of at most max bytes,
// excluding the terminator.
func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLine
	}
	return &LineReader{r: r, buf: make([]byte, 0, max)}
}

// MaxLine returns the configured bound.
func (l *LineReader) MaxLine() int {
	return cap(l.buf)
}

// ReadLine returns the next line without its terminator. It returns io.EOF
// when the stream ends before the first byte of a line and
// io.ErrUnexpectedEOF when it ends inside one.
func (l *LineReader) ReadLine() (string, error) {
	l.buf = l.buf[:0]
	for {
		b, err := l.readByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(l.buf) == 0 {
					return "", io.EOF
				}
				return "", io.ErrUnexpectedEOF
			}
			return "", err
		}
		switch b {
		case '\r':
			next, err := l.readByte()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return "", io.ErrUnexpectedEOF
				}
				return "", err
			}
			if next != '\n' {
				return "", fmt.Errorf("%w: 0x%02x after CR", ErrInvalidLineEnding, next)
			}
			return string(l.buf), nil
		case '\n':
			return "", fmt.Errorf("%w: LF without CR", ErrInvalidLineEnding)
		}
		if len(l.buf) == cap(l.buf) {
			return "", fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, cap(l.buf))
		}
		l.buf = append(l.buf, b)
	}
}

func (l *LineReader) readByte() (byte, error) {
	for {
		n, err := l.r.Read(l.one[:])
		if n == 1 {
			return l.one[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}
