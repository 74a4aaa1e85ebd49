package ustcp

import (
	"errors"
	"io"

	"github.com/soypat/ustcp/internal"
)

var (
	// ErrStreamClosed is returned when writing to a stream whose input has ended.
	ErrStreamClosed = errors.New("ustcp: write to ended stream")
	// ErrStreamReset is returned by reads and writes on a stream marked with an error,
	// usually because the connection was reset.
	ErrStreamReset = errors.New("ustcp: stream reset")
)

// ByteStream is a bounded single-producer single-consumer buffer of bytes
// with explicit end of input and error signaling. It never blocks: writes
// return the amount of bytes that fit and reads return what is buffered.
//
// ByteStream is not safe for concurrent use. The owner is expected to
// serialize access, see package stack.
type ByteStream struct {
	ring    internal.Ring
	written uint64
	read    uint64
	ended   bool
	errored bool
}

// NewByteStream returns a ByteStream that buffers at most capacity bytes.
func NewByteStream(capacity int) *ByteStream {
	if capacity < 0 {
		panic("negative ByteStream capacity")
	}
	return &ByteStream{ring: internal.Ring{Buf: make([]byte, capacity)}}
}

// Write appends as many bytes of b as there is capacity for and returns the
// amount written. It fails with [ErrStreamClosed] if EndInput was called and
// with [ErrStreamReset] if the stream has an error; in both cases nothing is written.
func (bs *ByteStream) Write(b []byte) (int, error) {
	if bs.errored {
		return 0, ErrStreamReset
	} else if bs.ended {
		return 0, ErrStreamClosed
	}
	n := bs.ring.Write(b)
	bs.written += uint64(n)
	return n, nil
}

// Peek returns buffered bytes without consuming them. The returned slice is the
// contiguous prefix of the buffered data and may be shorter than [ByteStream.BytesBuffered].
// It is valid until the next call to Write or Pop.
func (bs *ByteStream) Peek() []byte {
	return bs.ring.Peek()
}

// Pop removes and discards the first n buffered bytes. Requests for more bytes
// than buffered are clamped to the buffered amount.
func (bs *ByteStream) Pop(n int) {
	if n < 0 {
		return
	}
	bs.read += uint64(bs.ring.Discard(n))
}

// Read implements [io.Reader] over Peek and Pop. It does not block: an empty
// open stream returns (0, nil). A finished stream returns [io.EOF] and an
// errored stream returns [ErrStreamReset].
func (bs *ByteStream) Read(b []byte) (n int, err error) {
	if bs.errored {
		return 0, ErrStreamReset
	}
	for n < len(b) {
		chunk := bs.Peek()
		if len(chunk) == 0 {
			break
		}
		c := copy(b[n:], chunk)
		bs.Pop(c)
		n += c
	}
	if n == 0 && bs.IsFinished() && len(b) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// EndInput signals no further writes will occur. It cannot be undone.
func (bs *ByteStream) EndInput() { bs.ended = true }

// SetError marks the stream as permanently broken.
func (bs *ByteStream) SetError() { bs.errored = true }

// HasError returns true if the stream was marked with SetError.
func (bs *ByteStream) HasError() bool { return bs.errored }

// InputEnded returns true if EndInput was called.
func (bs *ByteStream) InputEnded() bool { return bs.ended }

// IsFinished returns true if input ended and all bytes have been read.
func (bs *ByteStream) IsFinished() bool { return bs.ended && bs.ring.Buffered() == 0 }

// BytesWritten returns the cumulative amount of bytes written.
func (bs *ByteStream) BytesWritten() uint64 { return bs.written }

// BytesRead returns the cumulative amount of bytes popped.
func (bs *ByteStream) BytesRead() uint64 { return bs.read }

// BytesBuffered returns the amount of bytes written and not yet read.
func (bs *ByteStream) BytesBuffered() int { return bs.ring.Buffered() }

// AvailableCapacity returns the amount of bytes that can be written before the stream is full.
func (bs *ByteStream) AvailableCapacity() int { return bs.ring.Free() }

// Capacity returns the maximum amount of bytes the stream buffers.
func (bs *ByteStream) Capacity() int { return len(bs.ring.Buf) }
