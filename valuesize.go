/*
package ustcp implements a user-space TCP engine.

The engine is built from small, synchronous parts that are driven by an
external event loop: a bounded [ByteStream], an out-of-order [Reassembler],
a [Receiver] and [Sender] for each half of the connection, and the [Conn]
orchestrator which owns the connection lifecycle and timers.
None of the types in this package block or start goroutines; time only
advances through calls to Tick.

# Values and Sizes

Sequence numbers on the wire are 32 bit and wrap around. All arithmetic
dealing with wire sequence numbers is performed modulo 2**32. Internally the
engine tracks 64 bit absolute sequence numbers and stream indices which never
wrap; [Wrap] and [Unwrap] convert between both representations.
*/
package ustcp

import "time"

// Value represents the value of a sequence number.
type Value uint32

// Size represents the size (length) of a sequence number window.
type Size uint32

// LessThan checks if v is before w (modulo 32) i.e., v < w.
func LessThan(v, w Value) bool {
	return int32(v-w) < 0
}

// InRange checks if v is in the range [a,b) (modulo 32), i.e., a <= v < b.
func InRange(v, a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at 'first' and spans 'size'
// sequence numbers (modulo 32).
func InWindow(v, first Value, size Size) bool {
	return InRange(v, first, Add(first, size))
}

// Add calculates the sequence number following the [v, v+s) window.
func Add(v Value, s Size) Value {
	return v + Value(s)
}

// DefaultNewISS returns a new initial send sequence number.
// It's implementation is suggested by RFC9293.
func DefaultNewISS(t time.Time) Value {
	return Value(t.UnixMicro() / 4)
}

// Wrap converts the absolute sequence number abs into its 32 bit wire
// representation given the zero point (the initial sequence number).
func Wrap(abs uint64, zero Value) Value {
	return zero + Value(uint32(abs))
}

// Unwrap returns the absolute sequence number that wraps to v and is closest
// to checkpoint. When two candidates are equally close the larger one is returned.
// The zero point is the sequence number that corresponds to absolute zero.
func Unwrap(v, zero Value, checkpoint uint64) uint64 {
	const span = 1 << 32
	const half = 1 << 31
	rel := uint64(uint32(v - zero))
	if checkpoint+half < rel {
		// Checkpoint sits in the first wrap, rel itself is closest.
		return rel
	}
	// Number of whole wraps that keeps the candidate at or above checkpoint-half.
	wraps := (checkpoint + half - rel) >> 32
	return rel + wraps*span
}
