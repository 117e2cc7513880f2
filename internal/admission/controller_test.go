package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/pslog"
)

func newTestController(clk clock.Clock) *Controller {
	return NewController(Config{
		Enabled:                true,
		MemorySoftLimitPercent: 80,
		MemoryHardLimitPercent: 90,
		SwapHardLimitPercent:   50,
		RecoverySamples:        2,
		PollInterval:           100 * time.Millisecond,
		MaxWait:                time.Second,
	}, nil, clk, pslog.NoopLogger())
}

func TestControllerTransitions(t *testing.T) {
	c := newTestController(nil)
	steps := []struct {
		mem, swap float64
		want      State
	}{
		{mem: 10, want: StateDisengaged},
		{mem: 85, want: StateSoftArm},
		{mem: 95, want: StateEngaged},
		{mem: 85, want: StateEngaged},
		{mem: 10, want: StateEngaged},
		{mem: 10, want: StateSoftArm},
		{mem: 10, want: StateSoftArm},
		{mem: 10, want: StateDisengaged},
		{mem: 10, swap: 60, want: StateEngaged},
	}
	for i, step := range steps {
		c.Observe(Snapshot{MemoryUsedPercent: step.mem, SwapUsedPercent: step.swap})
		if got := c.State(); got != step.want {
			t.Fatalf("step %d: expected %s, got %s", i, step.want, got)
		}
	}
}

func TestAdmitRejectsWhenEngaged(t *testing.T) {
	c := newTestController(nil)
	c.Observe(Snapshot{MemoryUsedPercent: 99})
	_, err := c.Admit(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	var rerr *RejectError
	if !errors.As(err, &rerr) || rerr.Reason != "memory hard limit" {
		t.Fatalf("expected memory hard limit reason, got %v", err)
	}
}

func TestAdmitTracksSessions(t *testing.T) {
	c := newTestController(nil)
	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if c.Sessions() != 1 {
		t.Fatalf("expected 1 session, got %d", c.Sessions())
	}
	release()
	release()
	if c.Sessions() != 0 {
		t.Fatalf("release must be idempotent, got %d sessions", c.Sessions())
	}
}

func TestAdmitWaitsWhileSoftArmed(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := newTestController(clk)
	c.Observe(Snapshot{MemoryUsedPercent: 85})

	done := make(chan error, 1)
	go func() {
		release, err := c.Admit(context.Background())
		if release != nil {
			release()
		}
		done <- err
	}()

	waitPending(t, clk)
	c.Observe(Snapshot{MemoryUsedPercent: 10})
	c.Observe(Snapshot{MemoryUsedPercent: 10})
	clk.Advance(100 * time.Millisecond)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected admission after pressure eased, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("admission did not resume")
	}
}

func TestAdmitGivesUpAfterMaxWait(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	c := newTestController(clk)
	c.Observe(Snapshot{MemoryUsedPercent: 85})

	done := make(chan error, 1)
	go func() {
		_, err := c.Admit(context.Background())
		done <- err
	}()
	for i := 0; i < 10; i++ {
		waitPending(t, clk)
		clk.Advance(100 * time.Millisecond)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("expected rejection after max wait, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("admission did not give up")
	}
}

func TestDisabledControllerAdmitsEverything(t *testing.T) {
	c := NewController(Config{MemoryHardLimitPercent: 1}, nil, nil, nil)
	c.Observe(Snapshot{MemoryUsedPercent: 100})
	if _, err := c.Admit(context.Background()); err != nil {
		t.Fatalf("disabled controller rejected: %v", err)
	}
}

func TestSamplingLoopFeedsController(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	samples := make(chan struct{}, 8)
	sampler := SamplerFunc(func(ctx context.Context) (Snapshot, error) {
		samples <- struct{}{}
		return Snapshot{MemoryUsedPercent: 97}, nil
	})
	c := NewController(Config{Enabled: true, MemoryHardLimitPercent: 95, SampleInterval: time.Second}, sampler, clk, pslog.NoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	<-samples
	waitPending(t, clk)
	if c.State() != StateEngaged {
		t.Fatalf("expected engaged after sample, got %s", c.State())
	}
	if c.Snapshot().CollectedAt.IsZero() {
		t.Fatalf("snapshot must carry its collection time")
	}
	cancel()
	c.Wait()
}

func waitPending(t *testing.T, clk *clock.Manual) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clk.BlockUntil(ctx, 1); err != nil {
		t.Fatalf("no timer scheduled: %v", err)
	}
}
