package ustcp_test

import (
	"strings"
	"testing"

	"github.com/soypat/ustcp"
)

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags ustcp.Flags
		want  string
	}{
		{0, "[]"},
		{ustcp.FlagSYN, "[SYN]"},
		{ustcp.FlagSYN | ustcp.FlagACK, "[SYN,ACK]"},
		{ustcp.FlagFIN | ustcp.FlagPSH | ustcp.FlagACK, "[FIN,PSH,ACK]"},
		{ustcp.FlagNS | ustcp.FlagRST, "[RST,NS]"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("%#x: got %q, want %q", uint16(tc.flags), got, tc.want)
		}
	}
}

func TestSegmentLEN(t *testing.T) {
	seg := ustcp.Segment{SEQ: 10, Flags: ustcp.FlagSYN | ustcp.FlagFIN, Payload: []byte("abc")}
	if seg.LEN() != 5 {
		t.Fatalf("LEN=%d, want 5", seg.LEN())
	}
	if seg.Last() != 14 {
		t.Fatalf("Last=%d, want 14", seg.Last())
	}
	empty := ustcp.Segment{SEQ: 10, Flags: ustcp.FlagACK}
	if empty.LEN() != 0 || empty.Last() != 10 {
		t.Fatal("empty segment occupies sequence space")
	}
}

func TestSegmentString(t *testing.T) {
	seg := ustcp.Segment{SEQ: 100, ACK: 301, WND: 1000, Flags: ustcp.FlagPSH | ustcp.FlagACK, Payload: []byte("hello")}
	const want = "<SEQ=100><ACK=301><WND=1000><DATA=5>[PSH,ACK]"
	if got := seg.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	// ACK number omitted when not significant.
	seg = ustcp.Segment{SEQ: 100, ACK: 301, WND: 10, Flags: ustcp.FlagSYN}
	if got := seg.String(); got != "<SEQ=100><WND=10>[SYN]" {
		t.Fatalf("got %q", got)
	}
}

func TestStringExchange(t *testing.T) {
	seg := ustcp.Segment{SEQ: 300, ACK: 91, WND: 1000, Flags: ustcp.FlagSYN | ustcp.FlagACK}
	got := ustcp.StringExchange(seg, ustcp.StateSynSent, ustcp.StateSynReceived, false)
	if !strings.HasPrefix(got, "SynSent") || !strings.HasSuffix(got, " --> SynReceived") {
		t.Fatalf("unexpected visualization %q", got)
	}
	if !strings.Contains(got, seg.String()) {
		t.Fatalf("segment missing from %q", got)
	}
	got = ustcp.StringExchange(seg, ustcp.StateSynSent, ustcp.StateSynReceived, true)
	if !strings.Contains(got, " <-- ") {
		t.Fatalf("direction not inverted: %q", got)
	}
}

func TestStateString(t *testing.T) {
	if s := ustcp.StateEstablished.String(); s != "Established" {
		t.Fatalf("got %q", s)
	}
	if !ustcp.StateReset.IsTerminal() || !ustcp.StateClosed.IsTerminal() || ustcp.StateClosing.IsTerminal() {
		t.Fatal("bad terminal states")
	}
}
