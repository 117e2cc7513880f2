package dataserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/dataserver/internal/access"
	"pkt.systems/dataserver/internal/admission"
	"pkt.systems/dataserver/internal/scoreclient"
	"pkt.systems/pslog"
)

const testRevisions = `<mediawiki>
  <page>
    <id>1</id>
    <revision>
      <id>10</id>
      <text>a</text>
    </revision>
    <revision>
      <id>11</id>
      <text>b</text>
    </revision>
  </page>
  <page>
    <id>2</id>
    <revision>
      <id>12</id>
      <text>c</text>
    </revision>
  </page>
</mediawiki>
`

const testMetadata = "REVISION_ID,REVISION_SESSION_ID\n" +
	"9,1\n" +
	"10,1\n" +
	"11,1\n" +
	"12,2\n"

const wantScores = "REVISION_ID,VANDALISM_SCORE\r\n10,0.25\r\n11,0.25\r\n12,0.25\r\n"

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	revisions := filepath.Join(dir, "revisions.xml")
	metadata := filepath.Join(dir, "metadata.csv")
	if err := os.WriteFile(revisions, []byte(testRevisions), 0o600); err != nil {
		t.Fatalf("write revisions: %v", err)
	}
	if err := os.WriteFile(metadata, []byte(testMetadata), 0o600); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	out := filepath.Join(dir, "out")
	if err := os.Mkdir(out, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return Config{
		Listen:    "127.0.0.1:0",
		Revisions: revisions,
		Metadata:  metadata,
		OutputDir: out,
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(pslog.NoopLogger())}, opts...)
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Errorf("stop server: %v", err)
		}
	})
	return srv
}

func runClient(ctx context.Context, srv *Server, token string, revisions *bytes.Buffer) (scoreclient.Stats, error) {
	cfg := scoreclient.Config{
		Addr:        srv.ListenerAddr().String(),
		Token:       token,
		Score:       scoreclient.ConstantScore(0.25),
		DialTimeout: time.Second,
	}
	if revisions != nil {
		cfg.Revisions = revisions
	}
	return scoreclient.Run(ctx, cfg, pslog.NoopLogger())
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStreamsToConcurrentClients(t *testing.T) {
	cfg := testConfig(t)
	srv := startTestServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const clients = 4
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	docs := make([]bytes.Buffer, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := runClient(ctx, srv, fmt.Sprintf("team-%d", i), &docs[i])
			if err != nil {
				errs <- fmt.Errorf("client %d: %w", i, err)
				return
			}
			if stats.Pairs != 3 || stats.Scores != 3 {
				errs <- fmt.Errorf("client %d: unexpected stats %+v", i, stats)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return srv.Sessions() == 0 })
	for i := 0; i < clients; i++ {
		out, err := os.ReadFile(filepath.Join(cfg.OutputDir, fmt.Sprintf("team-%d.csv", i)))
		if err != nil {
			t.Fatalf("read output %d: %v", i, err)
		}
		if string(out) != wantScores {
			t.Fatalf("client %d: unexpected scores %q", i, out)
		}
		if !bytes.HasSuffix(docs[i].Bytes(), []byte("</mediawiki>\r\n")) {
			t.Fatalf("client %d: document not terminated: %q", i, docs[i].String())
		}
	}
}

func TestServerWorkerPoolBoundsSessions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Workers = 1
	srv := startTestServer(t, cfg)

	idle, err := net.Dial("tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, time.Second, func() bool { return srv.Sessions() == 1 })

	done := make(chan error, 1)
	go func() {
		_, err := runClient(context.Background(), srv, "queued", nil)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("second client served while the only worker was busy: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	_ = idle.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued client: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("queued client was never served")
	}
}

func TestServerRejectsDeniedToken(t *testing.T) {
	cfg := testConfig(t)
	gate := access.GateFunc(func(_ context.Context, req access.Request) error {
		if req.Token == "intruder" {
			return access.ErrInvalidToken
		}
		return nil
	})
	srv := startTestServer(t, cfg, WithAccessGate(gate))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := runClient(ctx, srv, "intruder", nil); err == nil {
		t.Fatalf("expected denied client to fail")
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "intruder.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("denied token must not create output, stat err %v", err)
	}
	if _, err := runClient(ctx, srv, "welcome", nil); err != nil {
		t.Fatalf("listener must keep serving after a denial: %v", err)
	}
}

func TestServerAdmissionRejectsUnderPressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdmissionEnabled = true
	cfg.AdmissionSampleInterval = 10 * time.Millisecond
	sampler := admission.SamplerFunc(func(context.Context) (admission.Snapshot, error) {
		return admission.Snapshot{MemoryUsedPercent: 99}, nil
	})
	srv := startTestServer(t, cfg, WithSampler(sampler))
	waitFor(t, 2*time.Second, func() bool { return srv.admission.State() == admission.StateEngaged })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := runClient(ctx, srv, "pressured", nil); err == nil {
		t.Fatalf("expected session to be rejected")
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, "pressured.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("rejected session must not create output, stat err %v", err)
	}
}

func TestServerShutdownAbortsIdleSessions(t *testing.T) {
	cfg := testConfig(t)
	srv, stop, err := StartServer(context.Background(), cfg, WithLogger(pslog.NoopLogger()))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	conn, err := net.Dial("tcp", srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return srv.Sessions() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while a session was running, got %v", err)
	}
	if n := srv.Sessions(); n != 0 {
		t.Fatalf("expected sessions aborted, %d still running", n)
	}
	if _, err := net.DialTimeout("tcp", srv.ListenerAddr().String(), 100*time.Millisecond); err == nil {
		t.Fatalf("listener still accepting after shutdown")
	}
}

func TestStartServerRejectsInvalidConfig(t *testing.T) {
	if _, _, err := StartServer(context.Background(), Config{}); err == nil {
		t.Fatalf("expected validation error")
	}
}
