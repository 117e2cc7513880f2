package result

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"
	"time"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/window"
	"pkt.systems/dataserver/internal/wire"
)

func newTestRecorder(t *testing.T, input io.Reader, win *window.Window, opts ...Option) (*Recorder, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	parser := NewParser(wire.NewLineReader(input, wire.DefaultMaxLine))
	return NewRecorder(Config{}, parser, NewPrinter(out), win, opts...), out
}

func register(t *testing.T, win *window.Window, keys ...int64) {
	t.Helper()
	for _, key := range keys {
		if err := win.Register(context.Background(), key); err != nil {
			t.Fatalf("register %d: %v", key, err)
		}
	}
}

func TestRecorderWritesInSendOrder(t *testing.T) {
	win := window.New(2)
	pr, pw := io.Pipe()
	rec, out := newTestRecorder(t, pr, win)

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()

	register(t, win, 1, 2)
	registered := make(chan error, 1)
	go func() { registered <- win.Register(context.Background(), 3) }()

	write := func(s string) {
		if _, err := io.WriteString(pw, s); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("REVISION_ID,VANDALISM_SCORE\r\n")
	write("2,0.2\r\n")
	select {
	case <-registered:
		t.Fatalf("revision 3 must wait while 1 is unscored")
	case <-time.After(20 * time.Millisecond):
	}
	write("1,0.1\r\n")
	if err := <-registered; err != nil {
		t.Fatalf("register 3: %v", err)
	}
	write("3,0.3\r\n")
	_ = pw.Close()

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "REVISION_ID,VANDALISM_SCORE\r\n1,0.1\r\n2,0.2\r\n3,0.3\r\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", out.String(), want)
	}
	if rec.State() != Drained {
		t.Fatalf("expected drained state, got %s", rec.State())
	}
	if rec.Written() != 3 {
		t.Fatalf("expected 3 rows written, got %d", rec.Written())
	}
}

func TestRecorderOrderForAnyArrivalPermutation(t *testing.T) {
	perms := [][]int64{
		{1, 2, 3, 4},
		{4, 3, 2, 1},
		{2, 4, 1, 3},
		{3, 1, 4, 2},
	}
	for _, perm := range perms {
		win := window.New(4)
		register(t, win, 1, 2, 3, 4)
		var in strings.Builder
		in.WriteString("REVISION_ID,VANDALISM_SCORE\r\n")
		for _, key := range perm {
			in.WriteString(strconv.FormatInt(key, 10) + ",0.5\r\n")
		}
		rec, out := newTestRecorder(t, strings.NewReader(in.String()), win)
		if err := rec.Run(context.Background()); err != nil {
			t.Fatalf("perm %v: %v", perm, err)
		}
		want := "REVISION_ID,VANDALISM_SCORE\r\n1,0.5\r\n2,0.5\r\n3,0.5\r\n4,0.5\r\n"
		if out.String() != want {
			t.Fatalf("perm %v: unexpected output %q", perm, out.String())
		}
	}
}

func TestRecorderReconciliationErrors(t *testing.T) {
	tests := []struct {
		name    string
		keys    []int64
		input   string
		wantErr error
		check   func(t *testing.T, err error)
	}{
		{
			name:    "unexpected revision",
			keys:    []int64{1},
			input:   "REVISION_ID,VANDALISM_SCORE\r\n9,0.1\r\n",
			wantErr: ErrUnexpectedRevision,
			check: func(t *testing.T, err error) {
				var rerr *RevisionError
				if !errors.As(err, &rerr) || rerr.Key != 9 {
					t.Fatalf("expected revision 9 in error, got %v", err)
				}
				if err.Error() != "unexpected revision: 9" {
					t.Fatalf("unexpected message %q", err.Error())
				}
			},
		},
		{
			name:    "duplicate revision",
			keys:    []int64{1, 2},
			input:   "REVISION_ID,VANDALISM_SCORE\r\n2,0.1\r\n2,0.3\r\n",
			wantErr: ErrDuplicateRevision,
			check: func(t *testing.T, err error) {
				if err.Error() != "duplicate revision: 2" {
					t.Fatalf("unexpected message %q", err.Error())
				}
			},
		},
		{
			name:    "score after drain is unexpected",
			keys:    []int64{1},
			input:   "REVISION_ID,VANDALISM_SCORE\r\n1,0.1\r\n1,0.1\r\n",
			wantErr: ErrUnexpectedRevision,
		},
		{
			name:    "missing scores names every open key",
			keys:    []int64{1, 2, 3},
			input:   "REVISION_ID,VANDALISM_SCORE\r\n2,0.1\r\n",
			wantErr: ErrMissingScores,
			check: func(t *testing.T, err error) {
				var merr *MissingScoresError
				if !errors.As(err, &merr) {
					t.Fatalf("expected MissingScoresError, got %T", err)
				}
				if len(merr.Keys) != 3 || merr.Keys[0] != 1 || merr.Keys[1] != 2 || merr.Keys[2] != 3 {
					t.Fatalf("expected keys [1 2 3], got %v", merr.Keys)
				}
				if err.Error() != "missing scores for: [1 2 3]" {
					t.Fatalf("unexpected message %q", err.Error())
				}
			},
		},
		{
			name:    "wrong header",
			input:   "REVISION_ID,SCORE\r\n",
			wantErr: ErrHeader,
		},
		{
			name:    "wrong column count",
			input:   "REVISION_ID,VANDALISM_SCORE,EXTRA\r\n",
			wantErr: ErrHeader,
		},
		{
			name:    "malformed score",
			keys:    []int64{1},
			input:   "REVISION_ID,VANDALISM_SCORE\r\n1,abc\r\n",
			wantErr: ErrRow,
		},
		{
			name:    "bare lf",
			input:   "REVISION_ID,VANDALISM_SCORE\n",
			wantErr: wire.ErrInvalidLineEnding,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			win := window.New(4)
			register(t, win, tc.keys...)
			rec, _ := newTestRecorder(t, strings.NewReader(tc.input), win)
			err := rec.Run(context.Background())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if rec.State() != Failed {
				t.Fatalf("expected failed state, got %s", rec.State())
			}
			if tc.check != nil {
				tc.check(t, err)
			}
		})
	}
}

func TestRecorderEmptyReplyWithEmptyWindowDrains(t *testing.T) {
	win := window.New(2)
	rec, out := newTestRecorder(t, strings.NewReader(""), win)
	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "REVISION_ID,VANDALISM_SCORE\r\n" {
		t.Fatalf("expected header only, got %q", out.String())
	}
}

func TestRecorderReportsRevisionSentAfterClientEOF(t *testing.T) {
	win := window.New(2)
	sendDone := make(chan struct{})
	rec, _ := newTestRecorder(t, strings.NewReader("REVISION_ID,VANDALISM_SCORE\r\n"), win, WithSendDone(sendDone))
	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("recorder must wait for the sender, returned %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	register(t, win, 5)
	err := <-done
	var merr *MissingScoresError
	if !errors.As(err, &merr) || len(merr.Keys) != 1 || merr.Keys[0] != 5 {
		t.Fatalf("expected missing score for 5, got %v", err)
	}
}

func TestRecorderFinishesWhenSenderDone(t *testing.T) {
	win := window.New(2)
	sendDone := make(chan struct{})
	close(sendDone)
	rec, _ := newTestRecorder(t, strings.NewReader("REVISION_ID,VANDALISM_SCORE\r\n"), win, WithSendDone(sendDone))
	if err := rec.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestParserAcceptsQuotedFields(t *testing.T) {
	p := NewParser(wire.NewLineReader(strings.NewReader("\"REVISION_ID\",\"VANDALISM_SCORE\"\r\n\"42\",\"0.25\"\r\n"), 100))
	score, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if score.Key != 42 || score.Value != 0.25 {
		t.Fatalf("unexpected score %+v", score)
	}
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

type divergedWindow struct{}

func (divergedWindow) Len() (int, error) { return 0, window.ErrInvariantViolation }

func TestRecorderProgressFailsOnDivergedWindow(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	win := window.New(1)
	rec := NewRecorder(Config{ProgressInterval: time.Minute},
		NewParser(wire.NewLineReader(strings.NewReader(""), wire.DefaultMaxLine)),
		NewPrinter(io.Discard), win, WithClock(clk))
	if err := rec.progress(win, 1); err != nil {
		t.Fatalf("progress on a consistent window: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if err := rec.progress(divergedWindow{}, 2); !errors.Is(err, window.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
