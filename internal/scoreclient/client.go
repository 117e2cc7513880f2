// Package scoreclient is a reference client for the dataserver protocol. It
// sends a token, consumes (metadata, revision) frame pairs and answers every
// revision with a score.
package scoreclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/dataserver/internal/extract"
	"pkt.systems/dataserver/internal/result"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/dataserver/internal/wire"
	"pkt.systems/pslog"
)

// DefaultMaxFrame bounds a single frame read from the server.
const DefaultMaxFrame = 1 << 30

var (
	// ErrTruncated is returned when the server closes without a trailer pair.
	ErrTruncated = errors.New("scoreclient: stream ended without trailer")
	// ErrUnpaired is returned when a metadata frame is not followed by a
	// revision frame.
	ErrUnpaired = errors.New("scoreclient: metadata frame without revision")
	// ErrAfterTrailer is returned when frames follow the trailer pair.
	ErrAfterTrailer = errors.New("scoreclient: frames after trailer")
)

// ScoreFunc returns the score reported for a revision.
type ScoreFunc func(revisionID int64) float64

// ConstantScore reports v for every revision.
func ConstantScore(v float64) ScoreFunc {
	return func(int64) float64 { return v }
}

// RandomScore reports uniformly distributed scores in [0,1) from a seeded
// generator. The returned func is not safe for concurrent use.
func RandomScore(seed uint64) ScoreFunc {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(int64) float64 { return rng.Float64() }
}

// Config describes one client run.
type Config struct {
	Addr        string
	Token       string
	Score       ScoreFunc
	DialTimeout time.Duration
	MaxFrame    uint32
	// Revisions and Metadata receive the concatenated payloads when set,
	// reassembling the XML document and the metadata CSV.
	Revisions io.Writer
	Metadata  io.Writer
}

// Stats summarises a run.
type Stats struct {
	Pairs  int64
	Scores int64
	Bytes  int64
}

// Run dials cfg.Addr and streams one session.
func Run(ctx context.Context, cfg Config, logger pslog.Logger) (Stats, error) {
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return Stats{}, fmt.Errorf("scoreclient: dial %s: %w", cfg.Addr, err)
	}
	defer conn.Close()
	return Stream(ctx, conn, cfg, logger)
}

// Stream runs the protocol over an established connection. It returns once
// the trailer has arrived and every score has been sent and half-closed. The
// server sends nothing after the trailer, so its recorder may still be
// writing scores when Stream returns.
func Stream(ctx context.Context, conn net.Conn, cfg Config, logger pslog.Logger) (Stats, error) {
	logger = svcfields.WithSubsystem(logger, "client")
	if cfg.Score == nil {
		cfg.Score = ConstantScore(0)
	}
	if cfg.MaxFrame == 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	out := bufio.NewWriter(conn)
	if _, err := out.WriteString(cfg.Token + extract.CRLF); err != nil {
		return Stats{}, fmt.Errorf("scoreclient: send token: %w", err)
	}
	if _, err := out.WriteString(strings.Join(result.Header, ",") + extract.CRLF); err != nil {
		return Stats{}, fmt.Errorf("scoreclient: send header: %w", err)
	}
	if err := out.Flush(); err != nil {
		return Stats{}, fmt.Errorf("scoreclient: send header: %w", err)
	}

	in := bufio.NewReader(conn)
	var stats Stats
	trailer := false
	for {
		meta, err := wire.ReadFrame(in, cfg.MaxFrame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, ctxErr(ctx, fmt.Errorf("scoreclient: read metadata frame: %w", err))
		}
		rev, err := wire.ReadFrame(in, cfg.MaxFrame)
		if errors.Is(err, io.EOF) {
			return stats, ErrUnpaired
		}
		if err != nil {
			return stats, ctxErr(ctx, fmt.Errorf("scoreclient: read revision frame: %w", err))
		}
		if trailer {
			return stats, ErrAfterTrailer
		}
		stats.Bytes += int64(len(meta) + len(rev) + 2*wire.FrameHeaderSize)
		if err := copyPayload(cfg.Metadata, meta); err != nil {
			return stats, err
		}
		if err := copyPayload(cfg.Revisions, rev); err != nil {
			return stats, err
		}
		id, ok, err := RevisionID(rev)
		if err != nil {
			return stats, err
		}
		if !ok {
			trailer = true
			continue
		}
		stats.Pairs++
		row := strconv.FormatInt(id, 10) + "," + strconv.FormatFloat(cfg.Score(id), 'f', -1, 64) + extract.CRLF
		if _, err := out.WriteString(row); err != nil {
			return stats, ctxErr(ctx, fmt.Errorf("scoreclient: send score %d: %w", id, err))
		}
		if err := out.Flush(); err != nil {
			return stats, ctxErr(ctx, fmt.Errorf("scoreclient: send score %d: %w", id, err))
		}
		stats.Scores++
	}
	if !trailer {
		return stats, ErrTruncated
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return stats, fmt.Errorf("scoreclient: half-close: %w", err)
		}
	}
	logger.Info("client.finished", "pairs", stats.Pairs, "scores", stats.Scores, "bytes", stats.Bytes)
	return stats, nil
}

// RevisionID returns the id of the revision block in payload. ok is false
// for payloads without a complete revision, such as the document footer.
func RevisionID(payload []byte) (id int64, ok bool, err error) {
	splitter := extract.NewRevisionSplitter()
	for len(payload) > 0 {
		line := payload
		if i := bytes.IndexByte(payload, '\n'); i >= 0 {
			line, payload = payload[:i], payload[i+1:]
		} else {
			payload = nil
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})
		key, emit, serr := splitter.Split(string(line))
		if serr != nil {
			return 0, false, fmt.Errorf("scoreclient: %w", serr)
		}
		if emit {
			return key, true, nil
		}
	}
	return 0, false, nil
}

func copyPayload(w io.Writer, payload []byte) error {
	if w == nil || len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("scoreclient: copy payload: %w", err)
	}
	return nil
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
