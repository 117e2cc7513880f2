// Package window implements the bounded in-flight revision window that ties
// the multiplexer's send order to the recorder's out-of-order scores.
//
// The window keeps a fixed-capacity ring for send order and a map for keyed
// lookup under a single mutex. Every public operation mutates both together
// and verifies they agree. Blocking operations wait on a broadcast channel
// that is replaced on every mutation, so callers can abandon a wait through
// their context.
package window

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of revisions allowed in flight.
const DefaultCapacity = 16

var (
	// ErrDuplicateKey is returned when registering a key that is already open.
	ErrDuplicateKey = errors.New("window: duplicate key")
	// ErrUnknownKey is returned when scoring a key that is not in the window.
	ErrUnknownKey = errors.New("window: unknown key")
	// ErrAlreadyScored is returned when scoring a key twice.
	ErrAlreadyScored = errors.New("window: key already scored")
	// ErrEmpty is returned when removing from an empty window.
	ErrEmpty = errors.New("window: empty")
	// ErrInvariantViolation signals that order and lookup disagree.
	ErrInvariantViolation = errors.New("window: order and lookup diverged")
)

// Result is the value stored for each in-flight revision.
type Result struct {
	Key    int64
	Score  float64
	Scored bool
}

// Window is a bounded FIFO with keyed lookup. The zero value is not usable;
// construct with New.
type Window struct {
	mu      sync.Mutex
	ring    []Result
	head    int
	count   int
	slots   map[int64]int
	changed chan struct{}
}

// New returns a window admitting at most capacity entries.
func New(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Window{
		ring:    make([]Result, capacity),
		slots:   make(map[int64]int, capacity),
		changed: make(chan struct{}),
	}
}

// Capacity returns the maximum number of entries.
func (w *Window) Capacity() int {
	return len(w.ring)
}

// Register appends an unscored entry for key, blocking while the window is
// full. Once space is available a key that is already present fails with
// ErrDuplicateKey without blocking further.
func (w *Window) Register(ctx context.Context, key int64) error {
	w.mu.Lock()
	for w.count == len(w.ring) {
		wait := w.changed
		w.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
	}
	defer w.mu.Unlock()
	if _, ok := w.slots[key]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateKey, key)
	}
	slot := (w.head + w.count) % len(w.ring)
	w.ring[slot] = Result{Key: key}
	w.slots[key] = slot
	w.count++
	w.broadcastLocked()
	return w.checkLocked()
}

// AwaitAndGet blocks until key is present and returns a copy of its entry.
func (w *Window) AwaitAndGet(ctx context.Context, key int64) (Result, error) {
	w.mu.Lock()
	for {
		if slot, ok := w.slots[key]; ok {
			res := w.ring[slot]
			w.mu.Unlock()
			return res, nil
		}
		wait := w.changed
		w.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
		w.mu.Lock()
	}
}

// Get returns the entry for key without blocking.
func (w *Window) Get(key int64) (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	slot, ok := w.slots[key]
	if !ok {
		return Result{}, false
	}
	return w.ring[slot], true
}

// SetScore records the score for key in place.
func (w *Window) SetScore(key int64, score float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	slot, ok := w.slots[key]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}
	if w.ring[slot].Scored {
		return fmt.Errorf("%w: %d", ErrAlreadyScored, key)
	}
	w.ring[slot].Score = score
	w.ring[slot].Scored = true
	w.broadcastLocked()
	return nil
}

// PeekHead returns the oldest entry without removing it.
func (w *Window) PeekHead() (Result, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return Result{}, false
	}
	return w.ring[w.head], true
}

// RemoveHead removes and returns the oldest entry.
func (w *Window) RemoveHead() (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.removeHeadLocked()
}

// DrainScored removes consecutive scored entries from the head and passes
// each to emit in order. It stops at the first unscored head or when emit
// fails; an entry whose emit failed stays in the window.
func (w *Window) DrainScored(emit func(Result) error) (int, error) {
	drained := 0
	for {
		w.mu.Lock()
		if w.count == 0 || !w.ring[w.head].Scored {
			w.mu.Unlock()
			return drained, nil
		}
		head := w.ring[w.head]
		w.mu.Unlock()

		// Only the draining goroutine removes entries, so the head cannot
		// change between the peek above and the removal below.
		if err := emit(head); err != nil {
			return drained, err
		}
		w.mu.Lock()
		removed, err := w.removeHeadLocked()
		w.mu.Unlock()
		if err != nil {
			return drained, err
		}
		if removed.Key != head.Key {
			return drained, fmt.Errorf("%w: drained %d but removed %d", ErrInvariantViolation, head.Key, removed.Key)
		}
		drained++
	}
}

// Len returns the number of entries in the window.
func (w *Window) Len() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkLocked(); err != nil {
		return 0, err
	}
	return w.count, nil
}

// Changed returns a channel closed by the next mutation. Read it before
// inspecting the window to avoid missing a change.
func (w *Window) Changed() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.changed
}

// Keys returns the open keys in registration order.
func (w *Window) Keys() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]int64, 0, w.count)
	for i := 0; i < w.count; i++ {
		keys = append(keys, w.ring[(w.head+i)%len(w.ring)].Key)
	}
	return keys
}

func (w *Window) removeHeadLocked() (Result, error) {
	if w.count == 0 {
		return Result{}, ErrEmpty
	}
	head := w.ring[w.head]
	slot, ok := w.slots[head.Key]
	if !ok || slot != w.head {
		return Result{}, fmt.Errorf("%w: head %d not mapped to its slot", ErrInvariantViolation, head.Key)
	}
	delete(w.slots, head.Key)
	w.ring[w.head] = Result{}
	w.head = (w.head + 1) % len(w.ring)
	w.count--
	w.broadcastLocked()
	if err := w.checkLocked(); err != nil {
		return Result{}, err
	}
	return head, nil
}

func (w *Window) checkLocked() error {
	if len(w.slots) != w.count {
		return fmt.Errorf("%w: %d ordered, %d mapped", ErrInvariantViolation, w.count, len(w.slots))
	}
	return nil
}

func (w *Window) broadcastLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}
