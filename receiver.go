package ustcp

import "math"

// MaxWindow is the largest window the 16 bit TCP window field can advertise.
const MaxWindow = math.MaxUint16

// Receiver is the receiving half of a TCP connection. It converts inbound
// segments into [Reassembler] input and computes the acknowledgment number and
// window to advertise to the peer.
type Receiver struct {
	reasm *Reassembler
	// isn is the peer's initial sequence number, the zero point of absolute sequence numbers.
	isn     Value
	synSeen bool
}

// NewReceiver returns a Receiver whose inbound stream buffers at most capacity bytes.
func NewReceiver(capacity int) *Receiver {
	return &Receiver{reasm: NewReassembler(NewByteStream(capacity))}
}

// SegmentReceived processes an inbound segment. Segments arriving before the
// SYN are ignored since the stream origin is unknown.
func (r *Receiver) SegmentReceived(seg Segment) {
	syn := seg.Flags.HasAny(FlagSYN)
	if !r.synSeen {
		if !syn {
			return
		}
		r.synSeen = true
		r.isn = seg.SEQ
	}
	// Absolute sequence number of next byte expected; SYN occupies absolute 0.
	checkpoint := r.reasm.FirstUnassembled() + 1
	abs := Unwrap(seg.SEQ, r.isn, checkpoint)
	if !syn && abs == 0 {
		return // Only the SYN may carry the ISN.
	}
	index := abs - 1
	if syn {
		index = abs
	}
	r.reasm.Insert(index, seg.Payload, seg.Flags.HasAny(FlagFIN))
}

// AckAndWindow returns the acknowledgment number and window to advertise.
// ok is false until a SYN has been received, in which case ack is not valid.
func (r *Receiver) AckAndWindow() (ack Value, ok bool, wnd Size) {
	wnd = Size(min(r.reasm.Output().AvailableCapacity(), MaxWindow))
	if !r.synSeen {
		return 0, false, wnd
	}
	abs := r.reasm.FirstUnassembled() + 1
	if r.reasm.Output().InputEnded() {
		abs++ // FIN consumes a sequence number.
	}
	return Wrap(abs, r.isn), true, wnd
}

// SynReceived returns true once the peer's SYN has been seen.
func (r *Receiver) SynReceived() bool { return r.synSeen }

// FinReceived returns true once the peer's FIN has been received and every byte before it assembled.
func (r *Receiver) FinReceived() bool { return r.reasm.Output().InputEnded() }

// ISN returns the peer's initial sequence number. Valid only after SynReceived returns true.
func (r *Receiver) ISN() Value { return r.isn }

// Stream returns the inbound stream the application reads from.
func (r *Receiver) Stream() *ByteStream { return r.reasm.Output() }

// Reassembler returns the receiver's reassembler.
func (r *Receiver) Reassembler() *Reassembler { return r.reasm }
