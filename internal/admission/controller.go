// Package admission gates new client sessions on host memory pressure.
//
// A sampler polls memory and swap usage; the controller moves between
// disengaged, soft-armed and engaged postures. Soft-armed delays new
// sessions until pressure eases or the wait budget runs out; engaged rejects
// them outright. Running sessions are never interrupted.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/dataserver/internal/clock"
	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

// State is the controller's posture.
type State int

const (
	// StateDisengaged admits every session.
	StateDisengaged State = iota
	// StateSoftArm delays new sessions.
	StateSoftArm
	// StateEngaged rejects new sessions.
	StateEngaged
)

func (s State) String() string {
	switch s {
	case StateDisengaged:
		return "disengaged"
	case StateSoftArm:
		return "soft_arm"
	case StateEngaged:
		return "engaged"
	default:
		return "unknown"
	}
}

// ErrRejected is matched by errors returned when a session is turned away.
var ErrRejected = errors.New("admission: rejected")

// RejectError describes why a session was not admitted.
type RejectError struct {
	State  State
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("admission: rejected while %s: %s", e.State, e.Reason)
}

// Unwrap exposes ErrRejected.
func (e *RejectError) Unwrap() error {
	return ErrRejected
}

// Config sets thresholds and timings. Percent limits of zero are ignored.
type Config struct {
	Enabled bool

	MemorySoftLimitPercent float64
	MemoryHardLimitPercent float64
	SwapSoftLimitPercent   float64
	SwapHardLimitPercent   float64

	// RecoverySamples is the number of healthy samples needed to step down.
	RecoverySamples int
	// SampleInterval is the sampler cadence.
	SampleInterval time.Duration
	// PollInterval is how often a delayed session rechecks the posture.
	PollInterval time.Duration
	// MaxWait bounds how long a session waits while soft-armed.
	MaxWait time.Duration
}

// Default settings.
const (
	DefaultMemorySoftLimitPercent = 85
	DefaultMemoryHardLimitPercent = 95
	DefaultRecoverySamples        = 3
	DefaultSampleInterval         = time.Second
	DefaultPollInterval           = 250 * time.Millisecond
	DefaultMaxWait                = 30 * time.Second
)

// Snapshot is one sample of host pressure.
type Snapshot struct {
	MemoryUsedPercent float64
	MemoryAvailable   uint64
	SwapUsedPercent   float64
	Sessions          int64
	CollectedAt       time.Time
}

// Sampler produces snapshots.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// Controller tracks pressure and decides admissions.
type Controller struct {
	cfg     Config
	sampler Sampler
	clock   clock.Clock
	logger  pslog.Logger
	metrics *admissionMetrics

	mu                 sync.RWMutex
	state              State
	reason             string
	consecutiveHealthy int
	last               Snapshot

	sessions atomic.Int64
	running  atomic.Bool
	wg       sync.WaitGroup
}

// NewController constructs a controller. A nil clock uses the wall clock.
func NewController(cfg Config, sampler Sampler, clk clock.Clock, logger pslog.Logger) *Controller {
	if cfg.RecoverySamples <= 0 {
		cfg.RecoverySamples = DefaultRecoverySamples
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxWait < 0 {
		cfg.MaxWait = 0
	}
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Controller{
		cfg:     cfg,
		sampler: sampler,
		clock:   clk,
		logger:  svcfields.WithSubsystem(logger, "server.admission"),
	}
	c.metrics = newAdmissionMetrics(c.logger, c)
	return c
}

// Start launches the sampling loop. Only the first call has an effect.
func (c *Controller) Start(ctx context.Context) {
	if c == nil || !c.cfg.Enabled || c.sampler == nil {
		return
	}
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (c *Controller) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context) {
	for {
		snapshot, err := c.sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("admission.sample.failed", "error", err)
		} else {
			snapshot.Sessions = c.sessions.Load()
			snapshot.CollectedAt = c.clock.Now()
			c.Observe(snapshot)
		}
		if err := clock.SleepContext(ctx, c.clock, c.cfg.SampleInterval); err != nil {
			return
		}
	}
}

// Observe feeds one snapshot into the state machine.
func (c *Controller) Observe(snapshot Snapshot) {
	if c == nil || !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = snapshot
	prev := c.state
	next := prev

	hard, hardReason := c.hardBreach(snapshot)
	soft, softReason := c.softBreach(snapshot)
	switch {
	case hard:
		next = StateEngaged
		c.consecutiveHealthy = 0
		c.reason = hardReason
	case soft:
		if prev != StateEngaged {
			next = StateSoftArm
			c.reason = softReason
		}
		c.consecutiveHealthy = 0
	default:
		c.consecutiveHealthy++
		if prev != StateDisengaged && c.consecutiveHealthy >= c.cfg.RecoverySamples {
			// Engaged steps down through soft-armed.
			if prev == StateEngaged {
				next = StateSoftArm
			} else {
				next = StateDisengaged
			}
			c.consecutiveHealthy = 0
			c.reason = "pressure eased"
		}
	}
	if next == prev {
		return
	}
	c.state = next
	c.logger.Info("admission.transition",
		"from", prev.String(),
		"to", next.String(),
		"reason", c.reason,
		"memory_percent", snapshot.MemoryUsedPercent,
		"swap_percent", snapshot.SwapUsedPercent,
		"sessions", snapshot.Sessions,
	)
	c.metrics.recordTransition(context.Background(), prev, next, c.reason)
}

func (c *Controller) hardBreach(s Snapshot) (bool, string) {
	if limit := c.cfg.MemoryHardLimitPercent; limit > 0 && s.MemoryUsedPercent >= limit {
		return true, "memory hard limit"
	}
	if limit := c.cfg.SwapHardLimitPercent; limit > 0 && s.SwapUsedPercent >= limit {
		return true, "swap hard limit"
	}
	return false, ""
}

func (c *Controller) softBreach(s Snapshot) (bool, string) {
	if limit := c.cfg.MemorySoftLimitPercent; limit > 0 && s.MemoryUsedPercent >= limit {
		return true, "memory soft limit"
	}
	if limit := c.cfg.SwapSoftLimitPercent; limit > 0 && s.SwapUsedPercent >= limit {
		return true, "swap soft limit"
	}
	return false, ""
}

// State returns the current posture.
func (c *Controller) State() State {
	if c == nil {
		return StateDisengaged
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Snapshot returns the last observed snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Controller) status() (State, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.reason
}

// Admit decides whether a new session may start. While soft-armed it waits
// for the posture to clear, at most MaxWait. On success the caller must
// invoke the returned release function when the session ends.
func (c *Controller) Admit(ctx context.Context) (func(), error) {
	if c == nil || !c.cfg.Enabled {
		return func() {}, nil
	}
	var waited time.Duration
	for {
		state, reason := c.status()
		switch state {
		case StateDisengaged:
			c.metrics.recordDecision(ctx, "admitted")
			return c.begin(), nil
		case StateEngaged:
			c.metrics.recordDecision(ctx, "rejected")
			return nil, &RejectError{State: state, Reason: reason}
		}
		if waited >= c.cfg.MaxWait {
			c.metrics.recordDecision(ctx, "rejected")
			return nil, &RejectError{State: state, Reason: reason}
		}
		step := c.cfg.PollInterval
		if remaining := c.cfg.MaxWait - waited; step > remaining {
			step = remaining
		}
		if err := clock.SleepContext(ctx, c.clock, step); err != nil {
			return nil, err
		}
		waited += step
	}
}

func (c *Controller) begin() func() {
	c.sessions.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.sessions.Add(-1) })
	}
}

// Sessions returns the number of admitted sessions still running.
func (c *Controller) Sessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessions.Load()
}
