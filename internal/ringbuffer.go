package internal

import "io"

// Ring is a fixed capacity ring buffer of bytes. Writes never block nor fail,
// they write as much as fits. The zero value with a non-nil Buf is ready for use.
type Ring struct {
	Buf []byte
	// Off is the offset of the first buffered byte.
	Off int
	// N is the number of buffered bytes.
	N int
}

// Write writes as many bytes of b as fit in the free space and returns the amount written.
func (r *Ring) Write(b []byte) int {
	free := r.Free()
	if len(b) > free {
		b = b[:free]
	}
	end := r.end()
	// start     end       off    len(buf)
	//   |  free  |  used   |  free  |     or wrapped equivalent.
	n := copy(r.Buf[end:], b)
	if n < len(b) {
		n += copy(r.Buf, b[n:])
	}
	r.N += n
	return n
}

// Read reads buffered data into b, consuming it.
func (r *Ring) Read(b []byte) (int, error) {
	if r.N == 0 {
		return 0, io.EOF
	}
	n := 0
	for n < len(b) && r.N > 0 {
		c := copy(b[n:], r.Peek())
		r.Discard(c)
		n += c
	}
	return n, nil
}

// Peek returns the contiguous run of buffered bytes starting at the read offset.
// It may be shorter than Buffered when the data wraps around the end of Buf.
func (r *Ring) Peek() []byte {
	if r.N == 0 {
		return nil
	}
	end := r.Off + r.N
	if end > len(r.Buf) {
		end = len(r.Buf)
	}
	return r.Buf[r.Off:end]
}

// Discard drops up to n buffered bytes and returns the amount dropped.
func (r *Ring) Discard(n int) int {
	if n > r.N {
		n = r.N
	}
	r.N -= n
	if r.N == 0 {
		r.Off = 0 // Buffer emptied, start from beginning to keep Peek contiguous.
	} else {
		r.Off = (r.Off + n) % len(r.Buf)
	}
	return n
}

// Buffered returns the amount of bytes stored in the ring.
func (r *Ring) Buffered() int { return r.N }

// Free returns the amount of bytes that can be written before the ring is full.
func (r *Ring) Free() int { return len(r.Buf) - r.N }

// Reset discards all buffered data.
func (r *Ring) Reset() {
	r.Off = 0
	r.N = 0
}

func (r *Ring) end() int {
	end := r.Off + r.N
	if end >= len(r.Buf) && len(r.Buf) > 0 {
		end -= len(r.Buf)
	}
	return end
}
