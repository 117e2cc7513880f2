package item

import "context"

// Filter aligns a stream to a target key. It forwards nothing until an item
// keyed target arrives and everything from that item on.
type Filter struct {
	target  int64
	next    Sink
	aligned bool
	dropped int64
}

// NewFilter returns a filter forwarding to next once target is observed.
func NewFilter(target int64, next Sink) *Filter {
	return &Filter{target: target, next: next}
}

// Put forwards it when the stream is aligned and drops it otherwise.
func (f *Filter) Put(ctx context.Context, it Item) error {
	if !f.aligned && it.Key == f.target {
		f.aligned = true
	}
	if !f.aligned {
		f.dropped++
		return nil
	}
	return f.next.Put(ctx, it)
}

// Aligned reports whether the target key has been seen.
func (f *Filter) Aligned() bool {
	return f.aligned
}

// Dropped returns how many items were discarded before alignment.
func (f *Filter) Dropped() int64 {
	return f.dropped
}
