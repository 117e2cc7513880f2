package scoreclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"pkt.systems/dataserver/internal/wire"
	"pkt.systems/pslog"
)

func revisionXML(id string) string {
	return "    <revision>\r\n      <id>" + id + "</id>\r\n      <text>x</text>\r\n    </revision>\r\n"
}

type fakeServer struct {
	ln      net.Listener
	token   chan string
	replies chan string
}

// startFakeServer sends pairs followed by the trailer unless truncate is set,
// then records the client's reply stream.
func startFakeServer(t *testing.T, pairs [][2]string, trailer bool) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	fs := &fakeServer{ln: ln, token: make(chan string, 1), replies: make(chan string, 1)}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		lines := wire.NewLineReader(conn, 0)
		token, err := lines.ReadLine()
		if err != nil {
			return
		}
		fs.token <- token
		w := bufio.NewWriter(conn)
		for _, p := range pairs {
			_ = wire.WriteFrame(w, []byte(p[0]))
			_ = wire.WriteFrame(w, []byte(p[1]))
		}
		if trailer {
			_ = wire.WriteFrame(w, nil)
			_ = wire.WriteFrame(w, []byte("  </page>\r\n</mediawiki>\r\n"))
		}
		_ = w.Flush()
		_ = conn.(*net.TCPConn).CloseWrite()
		var reply strings.Builder
		for {
			line, err := lines.ReadLine()
			if err != nil {
				break
			}
			reply.WriteString(line + "\n")
		}
		fs.replies <- reply.String()
	}()
	return fs
}

func TestRunScoresEveryRevision(t *testing.T) {
	srv := startFakeServer(t, [][2]string{
		{"REVISION_ID,SESSION\r\n7,1\r\n", "<mediawiki>\r\n  <page>\r\n    <id>99</id>\r\n" + revisionXML("7")},
		{"8,1\r\n", revisionXML("8")},
	}, true)
	var xml, meta bytes.Buffer
	stats, err := Run(context.Background(), Config{
		Addr:      srv.ln.Addr().String(),
		Token:     "team-a",
		Score:     ConstantScore(0.25),
		Revisions: &xml,
		Metadata:  &meta,
	}, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := <-srv.token; got != "team-a" {
		t.Fatalf("unexpected token %q", got)
	}
	want := "REVISION_ID,VANDALISM_SCORE\n7,0.25\n8,0.25\n"
	if got := <-srv.replies; got != want {
		t.Fatalf("unexpected replies %q", got)
	}
	if stats.Pairs != 2 || stats.Scores != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if !strings.HasSuffix(xml.String(), "</mediawiki>\r\n") || !strings.HasPrefix(xml.String(), "<mediawiki>") {
		t.Fatalf("document not reassembled: %q", xml.String())
	}
	if meta.String() != "REVISION_ID,SESSION\r\n7,1\r\n8,1\r\n" {
		t.Fatalf("metadata not reassembled: %q", meta.String())
	}
}

func TestRunWithoutTrailerFails(t *testing.T) {
	srv := startFakeServer(t, [][2]string{{"1,1\r\n", revisionXML("1")}}, false)
	_, err := Run(context.Background(), Config{Addr: srv.ln.Addr().String(), Token: "t"}, pslog.NoopLogger())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestRevisionID(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		id      int64
		ok      bool
		wantErr bool
	}{
		{name: "revision", payload: revisionXML("42"), id: 42, ok: true},
		{name: "page id is ignored", payload: "  <page>\r\n    <id>5</id>\r\n" + revisionXML("6"), id: 6, ok: true},
		{name: "footer", payload: "  </page>\r\n</mediawiki>\r\n"},
		{name: "empty"},
		{name: "bad id", payload: "    <revision>\r\n      <id>x</id>\r\n", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, ok, err := RevisionID([]byte(tc.payload))
			if (err != nil) != tc.wantErr {
				t.Fatalf("unexpected error %v", err)
			}
			if id != tc.id || ok != tc.ok {
				t.Fatalf("expected (%d,%v), got (%d,%v)", tc.id, tc.ok, id, ok)
			}
		})
	}
}

func TestRunHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			_, _ = io.Copy(io.Discard, conn)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := Run(ctx, Config{Addr: ln.Addr().String(), Token: "t"}, pslog.NoopLogger()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRandomScoreIsSeeded(t *testing.T) {
	a, b := RandomScore(7), RandomScore(7)
	for i := 0; i < 5; i++ {
		x, y := a(int64(i)), b(int64(i))
		if x != y || x < 0 || x >= 1 {
			t.Fatalf("unexpected scores %v %v", x, y)
		}
	}
}
