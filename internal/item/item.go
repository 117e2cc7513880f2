// Package item defines the keyed byte payloads that flow from the extractors
// to the multiplexer, together with the bounded queue and alignment filter
// that connect them.
package item

import (
	"context"
	"math"
)

// SentinelKey marks the end of an item stream. No revision may use it.
const SentinelKey int64 = math.MaxInt64

// Item is one logical unit of a source: a revision block, a metadata row or
// the trailing bytes carried by the sentinel. Items are never mutated after
// construction.
type Item struct {
	Key     int64
	Payload []byte
}

// New constructs an item. The payload is retained, not copied.
func New(key int64, payload []byte) Item {
	return Item{Key: key, Payload: payload}
}

// Sentinel constructs the end-of-stream item carrying the trailing bytes.
func Sentinel(payload []byte) Item {
	return Item{Key: SentinelKey, Payload: payload}
}

// IsSentinel reports whether the item terminates its stream.
func (it Item) IsSentinel() bool {
	return it.Key == SentinelKey
}

// Len returns the payload length in bytes.
func (it Item) Len() int {
	return len(it.Payload)
}

// Sink receives items from a producer.
type Sink interface {
	Put(ctx context.Context, it Item) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, it Item) error

// Put calls f.
func (f SinkFunc) Put(ctx context.Context, it Item) error {
	return f(ctx, it)
}
