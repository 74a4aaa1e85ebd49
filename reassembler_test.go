package ustcp_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/soypat/ustcp"
)

func readAll(bs *ustcp.ByteStream) string {
	var buf bytes.Buffer
	for {
		chunk := bs.Peek()
		if len(chunk) == 0 {
			return buf.String()
		}
		buf.Write(chunk)
		bs.Pop(len(chunk))
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	r := ustcp.NewReassembler(ustcp.NewByteStream(8))
	r.Insert(3, []byte("def"), false)
	if r.FirstUnassembled() != 0 || r.BytesPending() != 3 {
		t.Fatalf("first=%d pending=%d", r.FirstUnassembled(), r.BytesPending())
	}
	r.Insert(0, []byte("abc"), false)
	if got := readAll(r.Output()); got != "abcdef" {
		t.Fatalf("got %q", got)
	}
	if r.BytesPending() != 0 {
		t.Fatalf("pending=%d", r.BytesPending())
	}
	r.Insert(6, []byte("gh"), true)
	if got := readAll(r.Output()); got != "gh" {
		t.Fatalf("got %q", got)
	}
	if !r.Output().IsFinished() {
		t.Fatal("expected finished stream")
	}
}

func TestReassemblerCascade(t *testing.T) {
	r := ustcp.NewReassembler(ustcp.NewByteStream(64))
	r.Insert(8, []byte("ij"), false)
	r.Insert(4, []byte("ef"), false)
	r.Insert(2, []byte("cd"), false)
	r.Insert(6, []byte("gh"), false)
	// Adjacent fragments merge into a single run.
	if r.BytesPending() != 8 {
		t.Fatalf("pending=%d", r.BytesPending())
	}
	r.Insert(0, []byte("ab"), false)
	if got := readAll(r.Output()); got != "abcdefghij" {
		t.Fatalf("got %q", got)
	}
	if r.BytesPending() != 0 {
		t.Fatalf("pending=%d", r.BytesPending())
	}
}

func TestReassemblerOverlapAndDuplicates(t *testing.T) {
	r := ustcp.NewReassembler(ustcp.NewByteStream(64))
	r.Insert(2, []byte("cdef"), false)
	r.Insert(2, []byte("cdef"), false)
	r.Insert(4, []byte("efgh"), false)
	r.Insert(1, []byte("bc"), false)
	if r.BytesPending() != 7 {
		t.Fatalf("pending=%d, want 7", r.BytesPending())
	}
	r.Insert(0, []byte("abc"), false)
	if got := readAll(r.Output()); got != "abcdefgh" {
		t.Fatalf("got %q", got)
	}
	// Already assembled bytes are ignored, only the new suffix is written.
	r.Insert(5, []byte("fghij"), false)
	if got := readAll(r.Output()); got != "ij" {
		t.Fatalf("got %q", got)
	}
}

func TestReassemblerTruncatesToCapacity(t *testing.T) {
	r := ustcp.NewReassembler(ustcp.NewByteStream(4))
	r.Insert(2, []byte("cdefgh"), false)
	if r.BytesPending() != 2 {
		t.Fatalf("pending=%d, want 2", r.BytesPending())
	}
	if r.FirstUnacceptable() != 4 {
		t.Fatalf("first unacceptable=%d", r.FirstUnacceptable())
	}
	r.Insert(0, []byte("abcdef"), false)
	if got := readAll(r.Output()); got != "abcd" {
		t.Fatalf("got %q", got)
	}
	// Space freed by reading lets the retransmitted remainder in.
	r.Insert(4, []byte("efgh"), true)
	if got := readAll(r.Output()); got != "efgh" {
		t.Fatalf("got %q", got)
	}
	if !r.Output().InputEnded() {
		t.Fatal("expected end of input")
	}
}

func TestReassemblerLastSubstring(t *testing.T) {
	r := ustcp.NewReassembler(ustcp.NewByteStream(16))
	r.Insert(3, []byte("de"), true)
	if r.Output().InputEnded() {
		t.Fatal("ended before gap filled")
	}
	// Bytes beyond the end of stream are dropped.
	r.Insert(5, []byte("zz"), false)
	if r.BytesPending() != 2 {
		t.Fatalf("pending=%d", r.BytesPending())
	}
	r.Insert(0, []byte("abc"), false)
	if got := readAll(r.Output()); got != "abcde" {
		t.Fatalf("got %q", got)
	}
	if !r.Output().IsFinished() {
		t.Fatal("expected finished")
	}
	// Inserts after the end are ignored.
	r.Insert(5, []byte("x"), false)
	if r.Output().BytesWritten() != 5 {
		t.Fatal("wrote after end")
	}
}

func TestReassemblerEmptyLast(t *testing.T) {
	r := ustcp.NewReassembler(ustcp.NewByteStream(16))
	r.Insert(0, nil, true)
	if !r.Output().InputEnded() {
		t.Fatal("empty last substring at index 0 should end stream")
	}
}

func TestReassemblerRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		capacity := 1 + rng.Intn(64)
		data := make([]byte, 1+rng.Intn(256))
		rng.Read(data)
		r := ustcp.NewReassembler(ustcp.NewByteStream(capacity))
		var got []byte
		for !r.Output().IsFinished() {
			// Bias substrings around the assembly point so trials finish quickly.
			start := int(r.FirstUnassembled()) - 8 + rng.Intn(2*capacity+8)
			start = max(0, min(start, len(data)-1))
			end := start + rng.Intn(min(len(data)-start, 2*capacity)+1)
			r.Insert(uint64(start), data[start:end], end == len(data))
			used := uint64(r.Output().BytesBuffered()) + r.BytesPending()
			if used > uint64(capacity) {
				t.Fatalf("trial %d: buffered %d exceeds capacity %d", trial, used, capacity)
			}
			if rng.Intn(2) == 0 {
				got = append(got, readAll(r.Output())...)
			}
		}
		got = append(got, readAll(r.Output())...)
		if !bytes.Equal(got, data) {
			t.Fatalf("trial %d: reassembled data mismatch", trial)
		}
	}
}

func BenchmarkReassembler(b *testing.B) {
	const segSize = 1000
	data := make([]byte, 64*segSize)
	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		r := ustcp.NewReassembler(ustcp.NewByteStream(len(data)))
		// Insert odd segments first so every even insert cascades.
		for off := segSize; off < len(data); off += 2 * segSize {
			r.Insert(uint64(off), data[off:off+segSize], false)
		}
		for off := 0; off < len(data); off += 2 * segSize {
			r.Insert(uint64(off), data[off:off+segSize], false)
		}
	}
}
