// Package connguard rate-limits misbehaving peers. Failed handshakes, denied
// tokens and protocol violations are counted per client IP; once a peer
// crosses the threshold its connections are dropped on accept until the
// block expires.
package connguard

import (
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

// Failure reasons reported by the server.
const (
	ReasonSilent    = "silent_connect"
	ReasonHandshake = "handshake"
	ReasonAccess    = "access_denied"
	ReasonProtocol  = "protocol"
)

// Config controls the guard.
type Config struct {
	// Enabled toggles enforcement.
	Enabled bool
	// FailureThreshold is the number of failures before blocking.
	FailureThreshold int
	// FailureWindow is the period failures are counted in.
	FailureWindow time.Duration
	// BlockDuration is how long a blocked IP stays blocked.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for a peer's first byte on accept. Zero
	// disables the probe.
	ProbeTimeout time.Duration
}

type peerState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard stores per-peer failure state and can wrap a listener.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	peers map[string]*peerState
}

// New constructs a guard. A nil clock uses the wall clock.
func New(cfg Config, logger pslog.Logger, clk clock.Clock) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 30 * time.Second
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 5 * time.Minute
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(logger, "server.connguard"),
		clock:  clk,
		peers:  make(map[string]*peerState),
	}
}

// WrapListener returns a listener that drops blocked peers and probes the
// rest for their first byte.
func (g *Guard) WrapListener(ln net.Listener) net.Listener {
	if g == nil || !g.cfg.Enabled || ln == nil {
		return ln
	}
	return &guardedListener{Listener: ln, guard: g}
}

// RecordFailure counts a failure for the peer and reports whether it is now
// blocked.
func (g *Guard) RecordFailure(remote, reason string) bool {
	if g == nil || !g.cfg.Enabled || g.cfg.FailureThreshold <= 0 {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.peers[remote]
	if state == nil {
		state = &peerState{}
		g.peers[remote] = state
	}
	if !state.blockedUntil.IsZero() && state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	for len(state.failures) > 0 && state.failures[0].Before(cutoff) {
		state.failures = state.failures[1:]
	}
	state.failures = append(state.failures, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Warn("dataserver.connguard.suspicious",
			"remote", remote,
			"reason", reason,
			"count", len(state.failures),
			"threshold", g.cfg.FailureThreshold)
		return false
	}

	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	state.failures = nil
	g.logger.Warn("dataserver.connguard.engaged",
		"remote", remote,
		"threshold", g.cfg.FailureThreshold,
		"window", g.cfg.FailureWindow,
		"duration", g.cfg.BlockDuration,
		"reason", reason)
	return true
}

// Blocked reports whether the peer is currently blocked. An expired block is
// cleared.
func (g *Guard) Blocked(remote string) bool {
	if g == nil || !g.cfg.Enabled {
		return false
	}
	remote = normalizeRemoteAddr(remote)
	if remote == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.peers[remote]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	g.logger.Info("dataserver.connguard.disengaged", "remote", remote)
	if len(state.failures) == 0 {
		delete(g.peers, remote)
	}
	return false
}

// normalizeRemoteAddr extracts just the host component.
func normalizeRemoteAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host
	}
	return raw
}

type guardedListener struct {
	net.Listener
	guard *Guard
}

// Accept drops blocked and silent peers before handing a connection to the
// server.
func (l *guardedListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		accepted, ok := l.admit(conn)
		if ok {
			return accepted, nil
		}
		_ = conn.Close()
	}
}

func (l *guardedListener) admit(conn net.Conn) (net.Conn, bool) {
	remote := remoteAddress(conn)
	if l.guard.Blocked(remote) {
		l.guard.logger.Warn("dataserver.connguard.blocked", "remote", remote)
		return nil, false
	}
	return l.probe(conn, remote)
}

func remoteAddress(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

// probe waits for the first byte of the token line. Peers that connect and
// send nothing count as failures.
func (l *guardedListener) probe(conn net.Conn, remote string) (net.Conn, bool) {
	if l.guard.cfg.ProbeTimeout <= 0 {
		return conn, true
	}
	if err := conn.SetReadDeadline(time.Now().Add(l.guard.cfg.ProbeTimeout)); err != nil {
		l.guard.logger.Warn("dataserver.connguard.deadline", "remote", remote, "error", err)
		return conn, true
	}
	buffer := make([]byte, 1)
	n, err := conn.Read(buffer)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		if err == nil {
			err = io.EOF
		}
		l.guard.logger.Debug("dataserver.connguard.probe_failed", "remote", remote, "error", err)
		l.guard.RecordFailure(remote, ReasonSilent)
		return nil, false
	}
	return &prefixedConn{Conn: conn, prefix: buffer[:n]}, true
}

// prefixedConn replays the probed byte ahead of the connection's stream.
type prefixedConn struct {
	net.Conn
	prefix []byte
	used   int
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > c.used {
		n := copy(p, c.prefix[c.used:])
		c.used += n
		if n < len(p) {
			next, err := c.Conn.Read(p[n:])
			n += next
			return n, err
		}
		return n, nil
	}
	return c.Conn.Read(p)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *prefixedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// Unwrap returns the underlying connection.
func (c *prefixedConn) Unwrap() net.Conn {
	return c.Conn
}
