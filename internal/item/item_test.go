package item

import (
	"context"
	"errors"
	"testing"
	"time"
)

type collectSink struct {
	items []Item
}

func (c *collectSink) Put(_ context.Context, it Item) error {
	c.items = append(c.items, it)
	return nil
}

func (c *collectSink) keys() []int64 {
	keys := make([]int64, 0, len(c.items))
	for _, it := range c.items {
		keys = append(keys, it.Key)
	}
	return keys
}

func TestFilterForwardsFromTargetInclusive(t *testing.T) {
	sink := &collectSink{}
	f := NewFilter(7, sink)
	for _, key := range []int64{5, 6, 7, 8, 9} {
		if err := f.Put(context.Background(), New(key, nil)); err != nil {
			t.Fatalf("put %d: %v", key, err)
		}
	}
	got := sink.keys()
	want := []int64{7, 8, 9}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if f.Dropped() != 2 {
		t.Fatalf("expected 2 dropped items, got %d", f.Dropped())
	}
}

func TestFilterWithoutTargetForwardsNothing(t *testing.T) {
	sink := &collectSink{}
	f := NewFilter(42, sink)
	for _, key := range []int64{1, 2, 3, SentinelKey} {
		if err := f.Put(context.Background(), New(key, nil)); err != nil {
			t.Fatalf("put %d: %v", key, err)
		}
	}
	if len(sink.items) != 0 {
		t.Fatalf("expected nothing forwarded, got %v", sink.keys())
	}
	if f.Aligned() {
		t.Fatalf("filter must not report alignment")
	}
}

func TestFilterKeepsForwardingAfterAlignment(t *testing.T) {
	sink := &collectSink{}
	f := NewFilter(3, sink)
	for _, key := range []int64{3, 1, 3, SentinelKey} {
		_ = f.Put(context.Background(), New(key, nil))
	}
	if len(sink.items) != 4 {
		t.Fatalf("expected every item after alignment, got %v", sink.keys())
	}
}

func TestSentinel(t *testing.T) {
	s := Sentinel([]byte("</mediawiki>\r\n"))
	if !s.IsSentinel() {
		t.Fatalf("sentinel not recognised")
	}
	if New(1, nil).IsSentinel() {
		t.Fatalf("regular item reported as sentinel")
	}
	if s.Len() != len("</mediawiki>\r\n") {
		t.Fatalf("unexpected payload length %d", s.Len())
	}
}

func TestQueueBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()
	if err := q.Put(ctx, New(1, nil)); err != nil {
		t.Fatalf("put: %v", err)
	}
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Put(blocked, New(2, nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected put to block until deadline, got %v", err)
	}
	it, ok, err := q.Take(ctx)
	if err != nil || !ok || it.Key != 1 {
		t.Fatalf("unexpected take: %v %v %v", it, ok, err)
	}
}

func TestQueueDrainsBeforeReportingClosed(t *testing.T) {
	q := NewQueue(4)
	ctx := context.Background()
	_ = q.Put(ctx, New(1, nil))
	_ = q.Put(ctx, Sentinel(nil))
	q.Close()
	q.Close()

	if err := q.Put(ctx, New(3, nil)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	for _, want := range []int64{1, SentinelKey} {
		it, ok, err := q.Take(ctx)
		if err != nil || !ok {
			t.Fatalf("take: ok=%v err=%v", ok, err)
		}
		if it.Key != want {
			t.Fatalf("expected key %d, got %d", want, it.Key)
		}
	}
	if _, ok, err := q.Take(ctx); ok || err != nil {
		t.Fatalf("expected closed queue, got ok=%v err=%v", ok, err)
	}
}

func TestQueueTakeHonoursContext(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := q.Take(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
