package ustcp

import (
	"github.com/google/btree"
)

// fragment is a buffered out-of-order substring of the stream.
type fragment struct {
	index uint64
	data  []byte
}

func (f fragment) end() uint64 { return f.index + uint64(len(f.data)) }

func fragmentLess(a, b fragment) bool { return a.index < b.index }

// Reassembler accepts substrings of a byte stream tagged with their absolute
// index and writes them in order to its output [ByteStream] as gaps are filled.
//
// Only bytes in the window [FirstUnassembled, FirstUnassembled+remaining output capacity)
// are kept, so buffered fragments plus bytes buffered in the output never exceed
// the output capacity. Buffered fragments never overlap.
type Reassembler struct {
	out     *ByteStream
	pending *btree.BTreeG[fragment]
	// pendingBytes is the sum of lengths of buffered fragments.
	pendingBytes uint64
	// lastEnd is the index one past the final byte of the stream, valid when hasLast is set.
	lastEnd uint64
	hasLast bool
}

// NewReassembler returns a Reassembler writing to out. The Reassembler is the only writer of out.
func NewReassembler(out *ByteStream) *Reassembler {
	return &Reassembler{
		out:     out,
		pending: btree.NewG[fragment](8, fragmentLess),
	}
}

// Output returns the stream the Reassembler writes to.
func (r *Reassembler) Output() *ByteStream { return r.out }

// FirstUnassembled returns the index of the next byte the output expects.
func (r *Reassembler) FirstUnassembled() uint64 { return r.out.BytesWritten() }

// FirstUnacceptable returns the index of the first byte that does not fit in the output.
func (r *Reassembler) FirstUnacceptable() uint64 {
	return r.out.BytesWritten() + uint64(r.out.AvailableCapacity())
}

// BytesPending returns the amount of bytes buffered and not yet written to the output.
func (r *Reassembler) BytesPending() uint64 { return r.pendingBytes }

// Insert adds the substring data that starts at the stream's absolute index.
// isLast marks data as the final substring of the stream: the output is ended
// once every byte up to the end of this substring has been written.
// Bytes already written, bytes beyond the output's capacity and bytes past a
// known end of stream are discarded silently.
func (r *Reassembler) Insert(index uint64, data []byte, isLast bool) {
	if r.out.InputEnded() || r.out.HasError() {
		return
	}
	if isLast {
		end := index + uint64(len(data))
		if !r.hasLast || end < r.lastEnd {
			r.lastEnd = end
		}
		r.hasLast = true
	}
	first := r.FirstUnassembled()
	limit := r.FirstUnacceptable()
	if r.hasLast && r.lastEnd < limit {
		limit = r.lastEnd
	}
	start := max(index, first)
	end := min(index+uint64(len(data)), limit)
	if start < end {
		data = data[start-index : end-index]
		if start == first {
			r.push(data)
		} else {
			r.store(start, data)
		}
	}
	if r.hasLast && r.FirstUnassembled() >= r.lastEnd {
		r.out.EndInput()
		r.clear()
	}
}

// push writes data starting at the first unassembled index and then flushes
// every buffered fragment made contiguous by the write.
func (r *Reassembler) push(data []byte) {
	r.out.Write(data)
	for {
		f, ok := r.pending.Min()
		next := r.FirstUnassembled()
		if !ok || f.index > next {
			return
		}
		r.pending.DeleteMin()
		r.pendingBytes -= uint64(len(f.data))
		if f.end() > next {
			r.out.Write(f.data[next-f.index:])
		}
	}
}

// store buffers data at index merging it with any overlapping or adjacent fragments.
func (r *Reassembler) store(index uint64, data []byte) {
	merged := fragment{index: index, data: data}
	var absorbed []fragment
	// A fragment starting before index may overlap with or touch the new data.
	r.pending.DescendLessOrEqual(merged, func(f fragment) bool {
		if f.end() >= merged.index {
			absorbed = append(absorbed, f)
		}
		return false
	})
	r.pending.AscendGreaterOrEqual(fragment{index: index + 1}, func(f fragment) bool {
		if f.index > merged.end() {
			return false
		}
		absorbed = append(absorbed, f)
		return true
	})
	if len(absorbed) == 0 {
		r.pending.ReplaceOrInsert(fragment{index: index, data: append([]byte(nil), data...)})
		r.pendingBytes += uint64(len(data))
		return
	}
	lo, hi := merged.index, merged.end()
	for _, f := range absorbed {
		lo = min(lo, f.index)
		hi = max(hi, f.end())
	}
	buf := make([]byte, hi-lo)
	for _, f := range absorbed {
		copy(buf[f.index-lo:], f.data)
		r.pending.Delete(f)
		r.pendingBytes -= uint64(len(f.data))
	}
	copy(buf[index-lo:], data)
	r.pending.ReplaceOrInsert(fragment{index: lo, data: buf})
	r.pendingBytes += uint64(len(buf))
}

func (r *Reassembler) clear() {
	r.pending.Clear(false)
	r.pendingBytes = 0
}
