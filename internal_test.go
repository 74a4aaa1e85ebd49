package ustcp

import (
	"bytes"
	"fmt"
	"testing"
)

// Here we define internal testing helpers that may be used in any *_test.go file
// but are not exported.

// Exchange is a step of a conversation with a Conn: an optional incoming
// segment followed by the segments the Conn is expected to send in response.
type Exchange struct {
	Incoming *Segment
	// Write is written to the outbound stream before processing Incoming.
	Write []byte
	// EndInput ends the outbound stream after Write.
	EndInput bool
	// WantOutgoing are the segments expected to be sent. If nil not checked.
	WantOutgoing []Segment
	WantState    State
}

func (c *Conn) HelperExchange(t *testing.T, exchange []Exchange) {
	t.Helper()
	const pfx = "exchange"
	for i, ex := range exchange {
		if len(ex.Write) > 0 {
			n, err := c.Write(ex.Write)
			if err != nil || n != len(ex.Write) {
				t.Fatalf(pfx+"[%d] write: n=%d err=%v", i, n, err)
			}
		}
		if ex.EndInput {
			c.EndInput()
		}
		if ex.Incoming != nil {
			c.SegmentReceived(*ex.Incoming)
		}
		got := c.HelperDrain()
		if ex.WantOutgoing != nil {
			if len(got) != len(ex.WantOutgoing) {
				t.Fatalf(pfx+"[%d] outgoing: got %d segments %v, want %d %v", i, len(got), got, len(ex.WantOutgoing), ex.WantOutgoing)
			}
			for j := range got {
				if !SegmentEqual(got[j], ex.WantOutgoing[j]) {
					t.Errorf(pfx+"[%d] outgoing[%d]:\n got=%s\nwant=%s", i, j, got[j], ex.WantOutgoing[j])
				}
			}
		}
		if state := c.State(); state != ex.WantState {
			t.Errorf(pfx+"[%d] unexpected state:\n got=%s\nwant=%s", i, state, ex.WantState)
		}
	}
}

// HelperDrain pops all pending outgoing segments.
func (c *Conn) HelperDrain() (segs []Segment) {
	for {
		seg, ok := c.PendingSegment()
		if !ok {
			return segs
		}
		segs = append(segs, seg)
	}
}

// HelperCheckFlight verifies outstanding segments are ordered and do not overlap.
func (s *Sender) HelperCheckFlight() error {
	for i := 1; i < len(s.flight); i++ {
		prev, cur := s.flight[i-1], s.flight[i]
		if prev.abs+uint64(prev.seg.LEN()) > cur.abs {
			return fmt.Errorf("outstanding segments overlap: [%d,+%d) and [%d,+%d)", prev.abs, prev.seg.LEN(), cur.abs, cur.seg.LEN())
		}
	}
	if len(s.flight) > 0 && s.flight[0].abs+uint64(s.flight[0].seg.LEN()) <= s.una {
		return fmt.Errorf("fully acknowledged segment still outstanding")
	}
	return nil
}

// HelperOutstanding returns the amount of outstanding segments.
func (s *Sender) HelperOutstanding() int { return len(s.flight) }

// SegmentEqual compares segments field by field, payloads by content.
func SegmentEqual(a, b Segment) bool {
	return a.SEQ == b.SEQ && a.ACK == b.ACK && a.WND == b.WND && a.Flags == b.Flags && bytes.Equal(a.Payload, b.Payload)
}
