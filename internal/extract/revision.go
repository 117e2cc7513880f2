package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Revision markers as they appear in MediaWiki XML dumps.
const (
	RevisionOpenTag  = "    <revision>"
	RevisionCloseTag = "    </revision>"
	RevisionIDPrefix = "      <id>"
	RevisionIDSuffix = "</id>"
)

// ErrMalformedID is returned for a revision id line that is not an integer.
var ErrMalformedID = errors.New("extract: malformed revision id")

// RevisionState is the position of the revision state machine.
type RevisionState int

const (
	// ExpectRevisionStart waits for the opening marker.
	ExpectRevisionStart RevisionState = iota
	// ExpectRevisionID waits for the id line of the current revision.
	ExpectRevisionID
	// ExpectRevisionClosingTag waits for the closing marker.
	ExpectRevisionClosingTag
)

func (s RevisionState) String() string {
	switch s {
	case ExpectRevisionStart:
		return "expect_revision_start"
	case ExpectRevisionID:
		return "expect_revision_id"
	case ExpectRevisionClosingTag:
		return "expect_revision_closing_tag"
	default:
		return "unknown"
	}
}

// RevisionSplitter recognises one <revision> block per item. Lines between
// revisions (the document preamble, page headers and footers) stay buffered
// and lead the next revision, so concatenating every emitted payload yields
// the whole document.
type RevisionSplitter struct {
	state RevisionState
	key   int64
}

// NewRevisionSplitter returns a splitter awaiting the first revision.
func NewRevisionSplitter() *RevisionSplitter {
	return &RevisionSplitter{state: ExpectRevisionStart}
}

// State returns the current state.
func (s *RevisionSplitter) State() RevisionState {
	return s.state
}

// Split advances the state machine by one line.
func (s *RevisionSplitter) Split(line string) (int64, bool, error) {
	switch s.state {
	case ExpectRevisionStart:
		if line == RevisionOpenTag {
			s.state = ExpectRevisionID
		}
	case ExpectRevisionID:
		if strings.HasPrefix(line, RevisionIDPrefix) {
			key, err := parseRevisionID(line)
			if err != nil {
				return 0, false, err
			}
			s.key = key
			s.state = ExpectRevisionClosingTag
		}
	case ExpectRevisionClosingTag:
		if line == RevisionCloseTag {
			s.state = ExpectRevisionStart
			return s.key, true, nil
		}
	}
	return 0, false, nil
}

func parseRevisionID(line string) (int64, error) {
	raw := strings.TrimPrefix(line, RevisionIDPrefix)
	if !strings.HasSuffix(raw, RevisionIDSuffix) {
		return 0, fmt.Errorf("%w: %q", ErrMalformedID, line)
	}
	raw = strings.TrimSuffix(raw, RevisionIDSuffix)
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedID, raw)
	}
	return key, nil
}
