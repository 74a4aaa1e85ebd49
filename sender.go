package ustcp

import (
	"log/slog"
	"time"

	"github.com/soypat/ustcp/internal"
)

const (
	// DefaultCapacity is the default capacity of connection byte streams.
	DefaultCapacity = 64000
	// MaxPayloadSize is the default largest payload placed in a single segment.
	MaxPayloadSize = 1000
	// DefaultRTO is the default initial retransmission timeout.
	DefaultRTO = time.Second
	// MaxRetxAttempts is the default number of consecutive retransmissions
	// after which a connection is given up on.
	MaxRetxAttempts = 8
)

// SenderConfig configures a [Sender]. Zero fields take package defaults.
type SenderConfig struct {
	// ISN is the initial sequence number, carried by the SYN.
	ISN Value
	// Capacity of the outbound stream.
	Capacity int
	// InitialRTO is the retransmission timeout before any backoff.
	InitialRTO time.Duration
	// MaxPayload is the largest payload put in one segment.
	MaxPayload int
	Logger     *slog.Logger
}

func (cfg SenderConfig) withDefaults() SenderConfig {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.InitialRTO <= 0 {
		cfg.InitialRTO = DefaultRTO
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = MaxPayloadSize
	}
	return cfg
}

// outstanding is a segment sent and not yet fully acknowledged.
type outstanding struct {
	abs uint64 // absolute sequence number of the first octet.
	seg Segment
}

// Sender is the sending half of a TCP connection. It reads the outbound
// [ByteStream] into segments within the peer's window and keeps them until
// acknowledged, retransmitting the earliest one when the retransmission timer expires.
//
// Segments ready for transmission are obtained with [Sender.PendingSegment].
type Sender struct {
	out        *ByteStream
	isn        Value
	initialRTO time.Duration
	rto        time.Duration
	maxPayload int
	logger     *slog.Logger

	// next is the absolute sequence number of the next octet to send.
	next uint64
	// una is the absolute sequence number of the oldest unacknowledged octet.
	una uint64
	// window is the peer's last advertised window, not floored.
	window  Size
	synSent bool
	finSent bool

	// Retransmission timer.
	timerRunning bool
	elapsed      time.Duration
	retx         int

	flight []outstanding
	ready  []Segment
}

// NewSender returns a Sender with a freshly allocated outbound stream.
func NewSender(cfg SenderConfig) *Sender {
	cfg = cfg.withDefaults()
	return &Sender{
		out:        NewByteStream(cfg.Capacity),
		isn:        cfg.ISN,
		initialRTO: cfg.InitialRTO,
		rto:        cfg.InitialRTO,
		maxPayload: cfg.MaxPayload,
		logger:     cfg.Logger,
		window:     1, // Until the peer tells us otherwise send only the SYN.
	}
}

// FillWindow generates as many segments as the peer's window allows from the
// outbound stream. The SYN is sent on the first call and the FIN once the
// outbound stream has ended and all its bytes have been sent.
// A zero peer window is treated as a window of one octet so the peer is probed
// for window updates.
func (s *Sender) FillWindow() {
	window := uint64(s.window)
	if window == 0 {
		window = 1
	}
	for !s.finSent {
		inflight := s.next - s.una
		if inflight >= window {
			break
		}
		budget := window - inflight
		seg := Segment{SEQ: Wrap(s.next, s.isn)}
		if !s.synSent {
			seg.Flags |= FlagSYN
			s.synSent = true
			budget--
		}
		n := min(uint64(s.maxPayload), budget, uint64(s.out.BytesBuffered()))
		if n > 0 {
			seg.Payload = make([]byte, n)
			s.read(seg.Payload)
			budget -= n
		}
		if budget > 0 && s.out.InputEnded() && s.out.BytesBuffered() == 0 {
			seg.Flags |= FlagFIN
			s.finSent = true
		}
		if seg.LEN() == 0 {
			break
		}
		s.push(seg)
	}
}

// read fills b from the outbound stream. b must not be larger than the amount buffered.
func (s *Sender) read(b []byte) {
	n := 0
	for n < len(b) {
		c := copy(b[n:], s.out.Peek())
		s.out.Pop(c)
		n += c
	}
}

func (s *Sender) push(seg Segment) {
	if internal.LogEnabled(s.logger, internal.LevelTrace) {
		s.trace("snd:push", slog.Uint64("abs", s.next), slog.String("seg", seg.String()))
	}
	s.flight = append(s.flight, outstanding{abs: s.next, seg: seg})
	s.ready = append(s.ready, seg)
	s.next += uint64(seg.LEN())
	if !s.timerRunning {
		s.timerRunning = true
		s.elapsed = 0
	}
}

// AckReceived processes an acknowledgment and window update from the peer.
// Acknowledgments outside [oldest unacknowledged, next to send] are ignored
// and false is returned.
func (s *Sender) AckReceived(ack Value, wnd Size) (accepted bool) {
	abs := Unwrap(ack, s.isn, s.next)
	if abs > s.next || abs < s.una {
		s.debug("snd:ack-ignored", slog.Uint64("ack", uint64(ack)), slog.Uint64("una", s.una), slog.Uint64("nxt", s.next))
		return false
	}
	s.window = wnd
	for len(s.flight) > 0 {
		front := &s.flight[0]
		if front.abs+uint64(front.seg.LEN()) > abs {
			break
		}
		s.flight[0] = outstanding{} // Release payload.
		s.flight = s.flight[1:]
	}
	if abs > s.una {
		s.una = abs
		s.rto = s.initialRTO
		s.retx = 0
		s.elapsed = 0
		s.timerRunning = len(s.flight) > 0
	}
	return true
}

// Tick advances the retransmission timer by elapsed. When the timer expires the
// earliest outstanding segment is queued again and the retransmission counted.
// The retransmission timeout is doubled unless the peer's window is zero.
func (s *Sender) Tick(elapsed time.Duration) {
	if !s.timerRunning {
		return
	}
	s.elapsed += elapsed
	if s.elapsed < s.rto || len(s.flight) == 0 {
		return
	}
	seg := s.flight[0].seg
	s.ready = append(s.ready, seg)
	s.retx++
	if s.window > 0 {
		s.rto *= 2
	}
	s.elapsed = 0
	if internal.LogEnabled(s.logger, slog.LevelDebug) {
		s.debug("snd:retransmit", slog.String("seg", seg.String()), slog.Int("retx", s.retx), slog.Duration("rto", s.rto))
	}
}

// PendingSegment pops the next segment ready to be transmitted. The returned
// segment has no acknowledgment or window set; see [Conn].
func (s *Sender) PendingSegment() (Segment, bool) {
	if len(s.ready) == 0 {
		return Segment{}, false
	}
	seg := s.ready[0]
	s.ready[0] = Segment{}
	s.ready = s.ready[1:]
	return seg, true
}

// DiscardPending drops all segments ready to be transmitted.
func (s *Sender) DiscardPending() {
	clear(s.ready)
	s.ready = s.ready[:0]
}

// QueueEmptySegment queues an empty segment unless a segment is already ready
// to be transmitted, which carries the acknowledgment just as well.
func (s *Sender) QueueEmptySegment() {
	if len(s.ready) == 0 {
		s.ready = append(s.ready, s.EmptySegment())
	}
}

// EmptySegment returns a segment that occupies no sequence space carrying the next
// sequence number. It is used for pure acknowledgments and resets.
func (s *Sender) EmptySegment() Segment {
	seg := Segment{SEQ: Wrap(s.next, s.isn)}
	if s.out.HasError() {
		seg.Flags |= FlagRST
	}
	return seg
}

// SequenceNumbersInFlight returns the amount of sequence numbers sent and not acknowledged.
func (s *Sender) SequenceNumbersInFlight() uint64 { return s.next - s.una }

// ConsecutiveRetransmissions returns the amount of retransmissions since the last acknowledgment that advanced.
func (s *Sender) ConsecutiveRetransmissions() int { return s.retx }

// RTO returns the current retransmission timeout.
func (s *Sender) RTO() time.Duration { return s.rto }

// InitialRTO returns the retransmission timeout before backoff.
func (s *Sender) InitialRTO() time.Duration { return s.initialRTO }

// NextSeqno returns the wire sequence number of the next octet to send.
func (s *Sender) NextSeqno() Value { return Wrap(s.next, s.isn) }

// Window returns the peer's last advertised window.
func (s *Sender) Window() Size { return s.window }

// ISN returns the initial sequence number.
func (s *Sender) ISN() Value { return s.isn }

// SynSent returns true once the SYN has been generated.
func (s *Sender) SynSent() bool { return s.synSent }

// SynAcked returns true once the peer acknowledged the SYN.
func (s *Sender) SynAcked() bool { return s.synSent && s.una > 0 }

// FinSent returns true once the FIN has been generated.
func (s *Sender) FinSent() bool { return s.finSent }

// FinAcked returns true once the FIN has been sent and everything up to it acknowledged.
func (s *Sender) FinAcked() bool { return s.finSent && s.una == s.next }

// Stream returns the outbound stream the application writes to.
func (s *Sender) Stream() *ByteStream { return s.out }

func (s *Sender) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, internal.LevelTrace, msg, attrs...)
}

func (s *Sender) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelDebug, msg, attrs...)
}
