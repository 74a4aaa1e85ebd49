package ustcp

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/ustcp/internal"
)

var (
	// ErrConnReset is the error observed on the streams of a connection reset by the peer or by the user.
	ErrConnReset = errors.New("ustcp: connection reset")
	// ErrConnTimeout is the error observed when retransmissions are exhausted.
	ErrConnTimeout = errors.New("ustcp: connection timed out")
	errConnActive  = errors.New("ustcp: connection already opened")
)

// Config configures a [Conn]. Zero fields take package defaults.
type Config struct {
	// ISN is the initial sequence number of the local stream.
	// Use [DefaultNewISS] or a random source to generate it.
	ISN Value
	// RecvCapacity is the capacity of the inbound stream.
	RecvCapacity int
	// SendCapacity is the capacity of the outbound stream.
	SendCapacity int
	// InitialRTO is the retransmission timeout before backoff.
	InitialRTO time.Duration
	// MaxRetx is the amount of consecutive retransmissions tolerated before
	// the connection is reset.
	MaxRetx int
	// MaxPayload is the largest payload put in one segment.
	MaxPayload int
	Logger     *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.RecvCapacity <= 0 {
		cfg.RecvCapacity = DefaultCapacity
	}
	if cfg.SendCapacity <= 0 {
		cfg.SendCapacity = DefaultCapacity
	}
	if cfg.InitialRTO <= 0 {
		cfg.InitialRTO = DefaultRTO
	}
	if cfg.MaxRetx <= 0 {
		cfg.MaxRetx = MaxRetxAttempts
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = MaxPayloadSize
	}
	return cfg
}

// Conn is a TCP connection: the orchestrator that owns a [Sender] and a
// [Receiver], drives the connection lifecycle and decides what to send in
// response to inbound segments, application writes and the passing of time.
//
// Conn is synchronous and is not safe for concurrent use. Outgoing segments
// are queued and retrieved with [Conn.PendingSegment] by the IP layer.
type Conn struct {
	snd     *Sender
	rcv     *Receiver
	state   State
	maxRetx int
	logger  *slog.Logger
	// sinceLastRx is the time elapsed since the last segment was received.
	sinceLastRx time.Duration
	// linger is cleared when the peer ends its stream before ours, in which
	// case there is no need to wait after the final ACK.
	linger bool
	// reset is set on abnormal termination, closed on clean shutdown.
	reset  bool
	closed bool
	// abortErr is the cause of an abnormal termination.
	abortErr error
	// advWnd is the last receive window advertised to the peer.
	advWnd Size
	out    []Segment
}

// NewConn returns an Idle connection. Call [Conn.Connect] for an active open;
// a passive connection waits for the peer's SYN.
func NewConn(cfg Config) *Conn {
	cfg = cfg.withDefaults()
	c := &Conn{
		snd: NewSender(SenderConfig{
			ISN:        cfg.ISN,
			Capacity:   cfg.SendCapacity,
			InitialRTO: cfg.InitialRTO,
			MaxPayload: cfg.MaxPayload,
			Logger:     cfg.Logger,
		}),
		rcv:     NewReceiver(cfg.RecvCapacity),
		maxRetx: cfg.MaxRetx,
		logger:  cfg.Logger,
		linger:  true,
	}
	return c
}

// Connect starts an active open by sending a SYN.
func (c *Conn) Connect() error {
	if c.snd.SynSent() || c.rcv.SynReceived() || c.state.IsTerminal() {
		return errConnActive
	}
	c.trace("conn:connect", slog.Uint64("iss", uint64(c.snd.ISN())))
	c.snd.FillWindow()
	c.sendOutgoingSegments()
	return nil
}

// Write writes b to the outbound stream and sends as much as the window allows.
// It returns the amount of bytes accepted which may be less than len(b) when
// the outbound stream is full.
func (c *Conn) Write(b []byte) (int, error) {
	if c.reset {
		return 0, c.resetErr()
	}
	n, err := c.snd.Stream().Write(b)
	if n > 0 {
		c.sendOutgoingSegments()
	}
	return n, err
}

// Read reads bytes received from the peer. If a zero receive window had been
// advertised and reading opens it, an ACK is queued announcing the new window.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.rcv.Stream().Read(b)
	if n > 0 && c.advWnd == 0 && c.Active() && !c.state.IsPreestablished() {
		if _, ok, wnd := c.rcv.AckAndWindow(); ok && wnd > 0 {
			c.trace("conn:window-update", slog.Uint64("wnd", uint64(wnd)))
			seg := c.snd.EmptySegment()
			c.stamp(&seg)
			c.out = append(c.out, seg)
		}
	}
	return n, err
}

// EndInput ends the outbound stream. The FIN is sent once all buffered bytes
// have been sent. This is the only way to close a connection cleanly.
func (c *Conn) EndInput() {
	if c.state.IsTerminal() {
		return
	}
	c.snd.Stream().EndInput()
	c.sendOutgoingSegments()
}

// Abort resets the connection: a RST is sent and both streams are marked with an error.
func (c *Conn) Abort() {
	if c.state.IsTerminal() {
		return
	}
	c.info("conn:abort")
	c.sendReset(ErrConnReset)
}

// SegmentReceived processes an inbound segment. Invalid segments are dropped
// silently and never produce an error.
func (c *Conn) SegmentReceived(seg Segment) {
	if c.state.IsTerminal() {
		return
	}
	prevState := c.state
	if internal.LogEnabled(c.logger, internal.LevelTrace) {
		c.trace("conn:rx", slog.String("seg", seg.String()), slog.String("state", prevState.String()))
	}
	c.sinceLastRx = 0
	if seg.Flags.HasAny(FlagRST) {
		if c.acceptableReset(seg) {
			c.info("conn:rx-reset", slog.String("state", prevState.String()))
			c.setReset(ErrConnReset)
			c.updateState()
		}
		return
	}
	if !c.rcv.SynReceived() && !seg.Flags.HasAny(FlagSYN) {
		return // Listening or awaiting SYN-ACK, only a SYN is meaningful.
	}
	c.rcv.SegmentReceived(seg)
	if seg.Flags.HasAny(FlagACK) && c.snd.SynSent() {
		c.snd.AckReceived(seg.ACK, seg.WND)
	}
	if c.rcv.FinReceived() && !c.snd.FinSent() {
		// Peer closed first, no need to linger after our FIN is acknowledged.
		c.linger = false
	}

	needAck := seg.LEN() > 0
	if ack, ok, _ := c.rcv.AckAndWindow(); ok && seg.LEN() == 0 && LessThan(seg.SEQ, ack) {
		needAck = true // Keep-alive or stale segment.
	}
	c.snd.FillWindow()
	if needAck {
		c.snd.QueueEmptySegment()
	}
	c.sendOutgoingSegments()
	c.checkCleanShutdown()
}

// acceptableReset validates an inbound RST. Before our SYN is acknowledged
// a RST is only accepted if it acknowledges the SYN or falls within the receive
// window; afterwards it must be in the receive window.
func (c *Conn) acceptableReset(seg Segment) bool {
	ack, ok, wnd := c.rcv.AckAndWindow()
	if !ok {
		// We have not seen the peer's SYN: accept only if it refers to our SYN.
		return c.snd.SynSent() && seg.Flags.HasAny(FlagACK) && seg.ACK == c.snd.NextSeqno()
	}
	return InWindow(seg.SEQ, ack, max(wnd, 1))
}

// Tick advances the connection's timers by elapsed. It drives retransmissions,
// gives up on the connection after too many of them and ends the linger period.
func (c *Conn) Tick(elapsed time.Duration) {
	if c.state.IsTerminal() {
		return
	}
	c.sinceLastRx += elapsed
	c.snd.Tick(elapsed)
	if c.snd.ConsecutiveRetransmissions() > c.maxRetx {
		c.logerr("conn:retx-exhausted", slog.Int("retx", c.snd.ConsecutiveRetransmissions()), slog.String("state", c.state.String()))
		c.snd.DiscardPending()
		c.sendReset(ErrConnTimeout)
		return
	}
	c.sendOutgoingSegments()
	c.checkCleanShutdown()
}

// PendingSegment pops the next segment to be handed to the IP layer.
func (c *Conn) PendingSegment() (Segment, bool) {
	if len(c.out) == 0 {
		return Segment{}, false
	}
	seg := c.out[0]
	c.out[0] = Segment{}
	c.out = c.out[1:]
	return seg, true
}

// sendOutgoingSegments asks the sender to fill the window and moves the
// sender's ready segments into the outgoing queue stamped with the current
// acknowledgment number and receive window.
func (c *Conn) sendOutgoingSegments() {
	if c.snd.SynSent() || c.rcv.SynReceived() {
		c.snd.FillWindow()
	}
	for {
		seg, ok := c.snd.PendingSegment()
		if !ok {
			break
		}
		c.stamp(&seg)
		c.out = append(c.out, seg)
	}
	c.updateState()
}

// stamp sets the acknowledgment and window fields of seg.
func (c *Conn) stamp(seg *Segment) {
	ack, ok, wnd := c.rcv.AckAndWindow()
	if ok {
		seg.Flags |= FlagACK
		seg.ACK = ack
	}
	seg.WND = wnd
	c.advWnd = wnd
	if c.rcv.Stream().HasError() {
		seg.Flags |= FlagRST
	}
}

// sendReset queues a RST, marks both streams with an error and moves to Reset.
func (c *Conn) sendReset(cause error) {
	c.setReset(cause)
	seg := c.snd.EmptySegment()
	seg.Flags |= FlagRST
	c.stamp(&seg)
	c.out = append(c.out, seg)
	c.updateState()
}

func (c *Conn) setReset(cause error) {
	c.snd.Stream().SetError()
	c.rcv.Stream().SetError()
	c.snd.DiscardPending()
	c.reset = true
	c.abortErr = cause
}

// checkCleanShutdown moves the connection to Closed once both streams have
// finished and, when lingering, enough time passed without hearing from the peer.
func (c *Conn) checkCleanShutdown() {
	if c.state.IsTerminal() {
		return
	}
	if !c.rcv.FinReceived() || !c.snd.Stream().InputEnded() || !c.snd.FinAcked() {
		return
	}
	if c.linger && c.sinceLastRx < 10*c.snd.RTO() {
		return
	}
	c.closed = true
	c.updateState()
}

// updateState derives the lifecycle state from the sender and receiver status.
func (c *Conn) updateState() {
	prev := c.state
	var state State
	synRcvd := c.rcv.SynReceived()
	finRcvd := c.rcv.FinReceived()
	finSent := c.snd.FinSent()
	switch {
	case c.reset:
		state = StateReset
	case c.closed:
		state = StateClosed
	case !c.snd.SynSent() && !synRcvd:
		state = StateIdle
	case !synRcvd:
		state = StateSynSent
	case !c.snd.SynAcked():
		state = StateSynReceived
	case !finSent && !finRcvd:
		state = StateEstablished
	case finSent && !finRcvd:
		state = StateFinSent
	case !finSent && finRcvd:
		state = StateFinReceived
	default:
		state = StateClosing
	}
	if state != prev {
		c.state = state
		c.info("conn:statechange", slog.String("old", prev.String()), slog.String("new", state.String()), slog.Bool("linger", c.linger))
	}
}

// State returns the lifecycle state of the connection.
func (c *Conn) State() State { return c.state }

// Active returns false once the connection reached Reset or Closed.
func (c *Conn) Active() bool { return !c.state.IsTerminal() }

// Err returns the cause of an abnormal termination or nil.
func (c *Conn) Err() error { return c.abortErr }

// Linger returns true if the connection must wait after both FINs have been
// exchanged to absorb retransmissions of the peer's FIN.
func (c *Conn) Linger() bool { return c.linger }

// Inbound returns the stream of bytes received from the peer.
func (c *Conn) Inbound() *ByteStream { return c.rcv.Stream() }

// Outbound returns the stream of bytes to send to the peer.
func (c *Conn) Outbound() *ByteStream { return c.snd.Stream() }

// Sender returns the connection's sending half.
func (c *Conn) Sender() *Sender { return c.snd }

// Receiver returns the connection's receiving half.
func (c *Conn) Receiver() *Receiver { return c.rcv }

// SinceLastReceived returns the time elapsed since the last received segment.
func (c *Conn) SinceLastReceived() time.Duration { return c.sinceLastRx }

func (c *Conn) resetErr() error {
	if c.abortErr != nil {
		return c.abortErr
	}
	return ErrStreamReset
}

func (c *Conn) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.logger, internal.LevelTrace, msg, attrs...)
}

func (c *Conn) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.logger, slog.LevelInfo, msg, attrs...)
}

func (c *Conn) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(c.logger, slog.LevelError, msg, attrs...)
}
