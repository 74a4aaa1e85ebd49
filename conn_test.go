package ustcp

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"
	"time"
)

func TestConnActiveOpenAndClose(t *testing.T) {
	const issA, issB = 1000, 5000
	const wnd = DefaultCapacity
	c := NewConn(Config{ISN: issA})
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	c.HelperExchange(t, []Exchange{
		{ // A sends SYN.
			WantOutgoing: []Segment{{SEQ: issA, WND: wnd, Flags: FlagSYN}},
			WantState:    StateSynSent,
		},
		{ // B sends SYN-ACK, A acknowledges.
			Incoming:     &Segment{SEQ: issB, ACK: issA + 1, WND: 65535, Flags: FlagSYN | FlagACK},
			WantOutgoing: []Segment{{SEQ: issA + 1, ACK: issB + 1, WND: wnd, Flags: FlagACK}},
			WantState:    StateEstablished,
		},
		{ // A sends data.
			Write:        []byte("hello"),
			WantOutgoing: []Segment{{SEQ: issA + 1, ACK: issB + 1, WND: wnd, Flags: FlagACK, Payload: []byte("hello")}},
			WantState:    StateEstablished,
		},
		{ // A closes its stream.
			EndInput:     true,
			WantOutgoing: []Segment{{SEQ: issA + 6, ACK: issB + 1, WND: wnd, Flags: FlagFIN | FlagACK}},
			WantState:    StateFinSent,
		},
		{ // B acknowledges everything and closes too.
			Incoming:     &Segment{SEQ: issB + 1, ACK: issA + 7, WND: 65535, Flags: FlagFIN | FlagACK},
			WantOutgoing: []Segment{{SEQ: issA + 7, ACK: issB + 2, WND: wnd, Flags: FlagACK}},
			WantState:    StateClosing,
		},
		{ // B did not hear our ACK and retransmits its FIN.
			Incoming:     &Segment{SEQ: issB + 1, ACK: issA + 7, WND: 65535, Flags: FlagFIN | FlagACK},
			WantOutgoing: []Segment{{SEQ: issA + 7, ACK: issB + 2, WND: wnd, Flags: FlagACK}},
			WantState:    StateClosing,
		},
	})
	if !c.Linger() {
		t.Fatal("active closer must linger")
	}
	c.Tick(9 * DefaultRTO)
	if c.State() != StateClosing {
		t.Fatalf("closed before linger elapsed: %s", c.State())
	}
	c.Tick(DefaultRTO)
	if c.State() != StateClosed || c.Err() != nil {
		t.Fatalf("state=%s err=%v", c.State(), c.Err())
	}
}

func TestConnPassiveOpenAndClose(t *testing.T) {
	const issA, issB = 90, 300
	const wnd = DefaultCapacity
	c := NewConn(Config{ISN: issB})
	c.HelperExchange(t, []Exchange{
		{
			Incoming:     &Segment{SEQ: issA, WND: 1000, Flags: FlagSYN},
			WantOutgoing: []Segment{{SEQ: issB, ACK: issA + 1, WND: wnd, Flags: FlagSYN | FlagACK}},
			WantState:    StateSynReceived,
		},
		{
			Incoming:     &Segment{SEQ: issA + 1, ACK: issB + 1, WND: 1000, Flags: FlagACK},
			WantOutgoing: []Segment{},
			WantState:    StateEstablished,
		},
		{ // Peer closes first.
			Incoming:     &Segment{SEQ: issA + 1, ACK: issB + 1, WND: 1000, Flags: FlagFIN | FlagACK},
			WantOutgoing: []Segment{{SEQ: issB + 1, ACK: issA + 2, WND: wnd, Flags: FlagACK}},
			WantState:    StateFinReceived,
		},
		{
			EndInput:     true,
			WantOutgoing: []Segment{{SEQ: issB + 1, ACK: issA + 2, WND: wnd, Flags: FlagFIN | FlagACK}},
			WantState:    StateClosing,
		},
		{ // No lingering needed, closes on acknowledgment of FIN.
			Incoming:     &Segment{SEQ: issA + 2, ACK: issB + 2, WND: 1000, Flags: FlagACK},
			WantOutgoing: []Segment{},
			WantState:    StateClosed,
		},
	})
	if c.Linger() {
		t.Fatal("passive closer must not linger")
	}
}

func TestConnKeepaliveAcked(t *testing.T) {
	c := establishedConn(t, 10, 20)
	c.SegmentReceived(Segment{SEQ: 20, ACK: 11, WND: 100, Flags: FlagACK})
	segs := c.HelperDrain()
	if len(segs) != 1 || segs[0].ACK != 21 || segs[0].LEN() != 0 {
		t.Fatalf("keep-alive not acknowledged: %v", segs)
	}
}

func TestConnReadReopensWindow(t *testing.T) {
	const iss, peer = 100, 700
	c := NewConn(Config{ISN: iss, RecvCapacity: 4})
	c.Connect()
	c.HelperDrain()
	c.SegmentReceived(Segment{SEQ: peer, ACK: iss + 1, WND: 1000, Flags: FlagSYN | FlagACK})
	c.HelperDrain()
	c.SegmentReceived(Segment{SEQ: peer + 1, ACK: iss + 1, WND: 1000, Flags: FlagACK, Payload: []byte("full")})
	segs := c.HelperDrain()
	if len(segs) != 1 || segs[0].WND != 0 || segs[0].ACK != peer+5 {
		t.Fatalf("want zero window ack, got %v", segs)
	}
	var buf [3]byte
	n, err := c.Read(buf[:])
	if err != nil || string(buf[:n]) != "ful" {
		t.Fatalf("read %q err=%v", buf[:n], err)
	}
	want := Segment{SEQ: iss + 1, ACK: peer + 5, WND: 3, Flags: FlagACK}
	segs = c.HelperDrain()
	if len(segs) != 1 || !SegmentEqual(segs[0], want) {
		t.Fatalf("want window update %v, got %v", want, segs)
	}
	// Window no longer zero, reading does not generate more segments.
	c.Read(buf[:])
	if segs = c.HelperDrain(); len(segs) != 0 {
		t.Fatalf("unexpected segments %v", segs)
	}
}

func TestConnReset(t *testing.T) {
	t.Run("in window", func(t *testing.T) {
		c := establishedConn(t, 1000, 5000)
		c.SegmentReceived(Segment{SEQ: 5001, Flags: FlagRST})
		if c.State() != StateReset || !errors.Is(c.Err(), ErrConnReset) {
			t.Fatalf("state=%s err=%v", c.State(), c.Err())
		}
		var buf [1]byte
		if _, err := c.Inbound().Read(buf[:]); !errors.Is(err, ErrStreamReset) {
			t.Fatalf("inbound read err=%v", err)
		}
		if _, err := c.Write([]byte("x")); !errors.Is(err, ErrConnReset) {
			t.Fatalf("write err=%v", err)
		}
		if segs := c.HelperDrain(); len(segs) != 0 {
			t.Fatalf("sent after RST: %v", segs)
		}
	})
	t.Run("out of window", func(t *testing.T) {
		c := establishedConn(t, 1000, 5000)
		c.SegmentReceived(Segment{SEQ: 5001 + 100000, Flags: FlagRST})
		if c.State() != StateEstablished {
			t.Fatalf("state=%s", c.State())
		}
	})
	t.Run("syn sent", func(t *testing.T) {
		c := NewConn(Config{ISN: 1000})
		c.Connect()
		c.HelperDrain()
		c.SegmentReceived(Segment{SEQ: 7, Flags: FlagRST})
		if c.State() != StateSynSent {
			t.Fatal("RST not acknowledging SYN must be ignored")
		}
		c.SegmentReceived(Segment{SEQ: 7, ACK: 1001, Flags: FlagRST | FlagACK})
		if c.State() != StateReset {
			t.Fatalf("state=%s", c.State())
		}
	})
}

func TestConnAbort(t *testing.T) {
	c := establishedConn(t, 1000, 5000)
	c.Abort()
	segs := c.HelperDrain()
	want := Segment{SEQ: 1001, ACK: 5001, WND: DefaultCapacity, Flags: FlagRST | FlagACK}
	if len(segs) != 1 || !SegmentEqual(segs[0], want) {
		t.Fatalf("got %v, want %s", segs, want)
	}
	if c.State() != StateReset || !errors.Is(c.Err(), ErrConnReset) {
		t.Fatalf("state=%s err=%v", c.State(), c.Err())
	}
	// Terminal state ignores everything.
	c.SegmentReceived(Segment{SEQ: 5001, ACK: 1001, Flags: FlagACK, Payload: []byte("x")})
	c.Tick(time.Hour)
	if segs := c.HelperDrain(); len(segs) != 0 {
		t.Fatalf("terminal conn sent %v", segs)
	}
}

func TestConnRetransmissionsExhausted(t *testing.T) {
	c := NewConn(Config{ISN: 1000})
	c.Connect()
	c.HelperDrain()
	var last Segment
	var ticks int
	for c.Active() {
		ticks++
		if ticks > 2*MaxRetxAttempts {
			t.Fatal("connection never gave up")
		}
		c.Tick(c.Sender().RTO())
		segs := c.HelperDrain()
		if len(segs) != 1 {
			t.Fatalf("tick %d: want one segment, got %v", ticks, segs)
		}
		last = segs[0]
		if c.Active() && last.Flags != FlagSYN {
			t.Fatalf("tick %d: want SYN retransmission, got %s", ticks, last)
		}
	}
	if ticks != MaxRetxAttempts+1 {
		t.Errorf("gave up after %d ticks, want %d", ticks, MaxRetxAttempts+1)
	}
	if !last.Flags.HasAny(FlagRST) {
		t.Errorf("last segment should be RST, got %s", last)
	}
	if c.State() != StateReset || !errors.Is(c.Err(), ErrConnTimeout) {
		t.Fatalf("state=%s err=%v", c.State(), c.Err())
	}
}

func TestConnZeroWindowPeerTimesOut(t *testing.T) {
	c := establishedConn(t, 10, 20)
	c.SegmentReceived(Segment{SEQ: 21, ACK: 11, WND: 0, Flags: FlagACK})
	if segs := c.HelperDrain(); len(segs) != 0 {
		t.Fatalf("window update needs no reply, got %v", segs)
	}
	c.Write([]byte("abc"))
	segs := c.HelperDrain()
	if len(segs) != 1 || string(segs[0].Payload) != "a" {
		t.Fatalf("want one byte probe, got %v", segs)
	}
	rto := c.Sender().RTO()
	var ticks int
	for c.Active() {
		ticks++
		if ticks > 2*MaxRetxAttempts {
			t.Fatal("connection never gave up on a silent zero window peer")
		}
		c.Tick(rto)
		c.HelperDrain()
		if c.Active() && c.Sender().RTO() != rto {
			t.Fatalf("tick %d: probe backed off to %s", ticks, c.Sender().RTO())
		}
	}
	if ticks != MaxRetxAttempts+1 {
		t.Errorf("gave up after %d ticks, want %d", ticks, MaxRetxAttempts+1)
	}
	if c.State() != StateReset || !errors.Is(c.Err(), ErrConnTimeout) {
		t.Fatalf("state=%s err=%v", c.State(), c.Err())
	}
}

func TestConnConnectSendsSYN(t *testing.T) {
	const iss = 1000
	c := NewConn(Config{ISN: iss})
	if c.State() != StateIdle {
		t.Fatalf("state=%s", c.State())
	}
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	segs := c.HelperDrain()
	if len(segs) != 1 || segs[0].Flags != FlagSYN || segs[0].SEQ != iss || len(segs[0].Payload) != 0 {
		t.Fatalf("want a lone SYN, got %v", segs)
	}
	if c.State() != StateSynSent || !c.Sender().SynSent() {
		t.Fatalf("state=%s", c.State())
	}
}

func TestConnStaleSegmentAcked(t *testing.T) {
	c := establishedConn(t, 10, 20)
	c.SegmentReceived(Segment{SEQ: 21, ACK: 11, WND: 100, Flags: FlagACK, Payload: []byte("hi")})
	c.HelperDrain()
	// An old duplicate ACK from before the data arrived.
	c.SegmentReceived(Segment{SEQ: 21, ACK: 11, WND: 100, Flags: FlagACK})
	segs := c.HelperDrain()
	if len(segs) != 1 || segs[0].ACK != 23 || segs[0].LEN() != 0 {
		t.Fatalf("stale segment not acknowledged: %v", segs)
	}
	// An up to date pure ACK needs no answer.
	c.SegmentReceived(Segment{SEQ: 23, ACK: 11, WND: 100, Flags: FlagACK})
	if segs := c.HelperDrain(); len(segs) != 0 {
		t.Fatalf("pure ACK answered with %v", segs)
	}
}

func TestConnDoubleConnect(t *testing.T) {
	c := NewConn(Config{})
	if err := c.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(); err == nil {
		t.Fatal("expected error on second connect")
	}
}

func TestConnPairTransfer(t *testing.T) {
	a, b := connPair(t, 0)
	rng := rand.New(rand.NewSource(1))
	dataA := make([]byte, 150_000)
	dataB := make([]byte, 20_000)
	rng.Read(dataA)
	rng.Read(dataB)
	gotA, gotB := transfer(t, a, b, dataA, dataB, rng, 0)
	if !bytes.Equal(gotB, dataA) || !bytes.Equal(gotA, dataB) {
		t.Fatalf("data mismatch: b got %d/%d, a got %d/%d", len(gotB), len(dataA), len(gotA), len(dataB))
	}
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("a=%s b=%s", a.State(), b.State())
	}
}

func TestConnPairLossyTransfer(t *testing.T) {
	a, b := connPair(t, 0.1)
	rng := rand.New(rand.NewSource(2))
	dataA := make([]byte, 40_000)
	dataB := make([]byte, 10_000)
	rng.Read(dataA)
	rng.Read(dataB)
	gotA, gotB := transfer(t, a, b, dataA, dataB, rng, 0.1)
	if !bytes.Equal(gotB, dataA) || !bytes.Equal(gotA, dataB) {
		t.Fatalf("data mismatch: b got %d/%d, a got %d/%d", len(gotB), len(dataA), len(gotA), len(dataB))
	}
	if a.Active() || b.Active() {
		t.Fatalf("a=%s b=%s", a.State(), b.State())
	}
}

func establishedConn(t *testing.T, iss, peerISS Value) *Conn {
	t.Helper()
	c := NewConn(Config{ISN: iss})
	c.Connect()
	c.HelperDrain()
	c.SegmentReceived(Segment{SEQ: peerISS, ACK: iss + 1, WND: 65535, Flags: FlagSYN | FlagACK})
	c.HelperDrain()
	if c.State() != StateEstablished {
		t.Fatalf("state=%s", c.State())
	}
	return c
}

const pairRTO = 10 * time.Millisecond

func connPair(t *testing.T, loss float64) (a, b *Conn) {
	t.Helper()
	a = NewConn(Config{ISN: 1 << 31, InitialRTO: pairRTO, MaxRetx: 16})
	b = NewConn(Config{ISN: 1<<32 - 100, InitialRTO: pairRTO, MaxRetx: 16})
	if err := a.Connect(); err != nil {
		t.Fatal(err)
	}
	return a, b
}

// transfer writes dataA into a and dataB into b and pumps segments between
// them until both are no longer active. It returns what each side read.
// With a positive loss each segment is dropped, held back a round or
// delivered twice with that probability and every round's segments are
// delivered in random order.
func transfer(t *testing.T, a, b *Conn, dataA, dataB []byte, rng *rand.Rand, loss float64) (gotA, gotB []byte) {
	t.Helper()
	var heldAB, heldBA []Segment
	deliver := func(src, dst *Conn, held *[]Segment) {
		segs := append(*held, src.HelperDrain()...)
		*held = nil
		if loss > 0 {
			rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })
		}
		for _, seg := range segs {
			if loss > 0 {
				switch r := rng.Float64(); {
				case r < loss:
					continue
				case r < 2*loss:
					*held = append(*held, seg)
					continue
				case r < 3*loss:
					dst.SegmentReceived(seg)
				}
			}
			dst.SegmentReceived(seg)
		}
	}
	write := func(c *Conn, data *[]byte) {
		if c.Outbound().InputEnded() || !c.Active() {
			return
		}
		n, err := c.Write(*data)
		if err != nil {
			t.Fatal(err)
		}
		*data = (*data)[n:]
		if len(*data) == 0 {
			c.EndInput()
		}
	}
	read := func(c *Conn, dst []byte) []byte {
		var buf [4096]byte
		for {
			n, err := c.Inbound().Read(buf[:])
			dst = append(dst, buf[:n]...)
			if err != nil && err != io.EOF && loss == 0 {
				t.Fatal(err)
			} else if err != nil || n == 0 {
				// Under loss final ACKs may outlast the peer's linger period and reset.
				return dst
			}
		}
	}
	const dt = pairRTO / 4
	for round := 0; a.Active() || b.Active(); round++ {
		if round > 1_000_000 {
			t.Fatalf("transfer did not finish: a=%s b=%s", a.State(), b.State())
		}
		write(a, &dataA)
		write(b, &dataB)
		deliver(a, b, &heldAB)
		deliver(b, a, &heldBA)
		gotA = read(a, gotA)
		gotB = read(b, gotB)
		a.Tick(dt)
		b.Tick(dt)
	}
	// Drain whatever was assembled on the final segments.
	gotA = read(a, gotA)
	gotB = read(b, gotB)
	return gotA, gotB
}
