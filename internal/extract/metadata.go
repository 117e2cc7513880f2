package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRow is returned for a metadata row without an integer key
// before its first comma.
var ErrMalformedRow = errors.New("extract: malformed metadata row")

// MetadataSplitter emits one item per CSV row keyed by its first column.
// The header line is never an item of its own; its bytes lead the first row.
type MetadataSplitter struct {
	headerSeen bool
	header     string
}

// NewMetadataSplitter returns a splitter expecting a header line first.
func NewMetadataSplitter() *MetadataSplitter {
	return &MetadataSplitter{}
}

// Header returns the header line once it has been read.
func (s *MetadataSplitter) Header() string {
	return s.header
}

// Split consumes one line.
func (s *MetadataSplitter) Split(line string) (int64, bool, error) {
	if !s.headerSeen {
		s.headerSeen = true
		s.header = line
		return 0, false, nil
	}
	idx := strings.IndexByte(line, ',')
	if idx < 0 {
		return 0, false, fmt.Errorf("%w: no comma in %q", ErrMalformedRow, truncate(line, 64))
	}
	key, err := strconv.ParseInt(line[:idx], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: key %q", ErrMalformedRow, truncate(line[:idx], 64))
	}
	return key, true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
