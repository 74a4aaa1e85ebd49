//go:build debugheaplog

package internal

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

const HeapAllocDebugging = true

// heapLog serializes records of all goroutines of a stack. Every record is
// preceded by an [ALLOC] line when the heap grew since the previous one, so
// allocations can be attributed to the code path that logged last.
var heapLog struct {
	mu         sync.Mutex
	memstats   runtime.MemStats
	lastAllocs uint64
	buf        []byte
}

// LogAttrs ignores the logger and writes a compact text record to stderr.
func LogAttrs(_ *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	hl := &heapLog
	hl.mu.Lock()
	defer hl.mu.Unlock()
	runtime.ReadMemStats(&hl.memstats)
	b := hl.buf[:0]
	if inc := hl.memstats.TotalAlloc - hl.lastAllocs; inc != 0 && hl.lastAllocs != 0 {
		b = fmt.Appendf(b, "[ALLOC] inc=%d tot=%d\n", inc, hl.memstats.TotalAlloc)
	}
	b = time.Now().AppendFormat(b, "[15:04:05.000] ")
	switch {
	case level == LevelTrace:
		b = append(b, "TRACE"...)
	case level < slog.LevelDebug:
		b = fmt.Appendf(b, "DEBUG%d", level-slog.LevelDebug)
	default:
		b = append(b, level.String()...)
	}
	b = append(b, ' ')
	b = append(b, msg...)
	for _, a := range attrs {
		b = append(b, ' ')
		b = append(b, a.Key...)
		b = append(b, '=')
		b = append(b, a.Value.Resolve().String()...)
	}
	b = append(b, '\n')
	os.Stderr.Write(b)
	hl.buf = b
	// Exclude the allocations of this call from the next record.
	runtime.ReadMemStats(&hl.memstats)
	hl.lastAllocs = hl.memstats.TotalAlloc
}

// LogEnabled always returns true so that all log calls reach the heap logger.
func LogEnabled(_ *slog.Logger, _ slog.Level) bool { return true }
