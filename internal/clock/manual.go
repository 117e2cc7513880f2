package clock

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Retry backoff
// and admission sampling tests use it to step through waits without
// sleeping.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
	changed chan struct{}
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual returns a Manual clock reading start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), changed: make(chan struct{})}
}

// Now returns the clock reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After returns a channel that receives once the clock has moved d past
// the current reading. Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		ch <- m.now
		return ch
	}
	w := waiter{deadline: m.now.Add(d), ch: ch}
	i, _ := slices.BinarySearchFunc(m.waiters, w.deadline, func(w waiter, t time.Time) int {
		return w.deadline.Compare(t)
	})
	m.waiters = slices.Insert(m.waiters, i, w)
	m.notifyLocked()
	return ch
}

// Sleep blocks until the clock has moved d past the current reading.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and releases every waiter whose
// deadline has been reached, earliest first. It returns the new reading.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	due := 0
	for due < len(m.waiters) && !m.waiters[due].deadline.After(m.now) {
		m.waiters[due].ch <- m.now
		due++
	}
	if due > 0 {
		m.waiters = slices.Delete(m.waiters, 0, due)
		m.notifyLocked()
	}
	return m.now
}

// Pending returns the number of goroutines waiting on the clock.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}

// BlockUntil waits until at least n waiters are parked on the clock or ctx
// ends.
func (m *Manual) BlockUntil(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		if len(m.waiters) >= n {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manual) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
