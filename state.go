package ustcp

// State enumerates the lifecycle states a [Conn] progresses through.
// The states are a condensed view of the RFC 9293 state diagram driven by the
// status of the sender and receiver halves of the connection.
//
//go:generate stringer -type=State -trimprefix=State
type State uint8

const (
	// Idle - no SYN sent nor received. Equivalent to CLOSED/LISTEN.
	StateIdle State = iota
	// SynSent - active opener sent SYN and awaits a SYN-ACK.
	StateSynSent
	// SynReceived - peer's SYN received, our SYN not yet acknowledged.
	StateSynReceived
	// Established - both directions are open. The normal state for the data transfer phase.
	StateEstablished
	// FinSent - the local stream ended and its FIN was sent, the peer is still sending.
	// Covers FIN-WAIT-1 and FIN-WAIT-2.
	StateFinSent
	// FinReceived - the peer's stream ended while the local stream is still open (CLOSE-WAIT).
	StateFinReceived
	// Closing - both FINs exchanged, waiting for the final acknowledgment or
	// lingering to absorb retransmitted FINs. Covers CLOSING, LAST-ACK and TIME-WAIT.
	StateClosing
	// Reset - terminal state reached by an abnormal termination.
	StateReset
	// Closed - terminal state reached by a clean shutdown.
	StateClosed
)

// IsTerminal returns true for the Reset and Closed states, after which the
// connection no longer processes segments.
func (s State) IsTerminal() bool { return s == StateReset || s == StateClosed }

// IsPreestablished returns true if the handshake has not completed yet.
func (s State) IsPreestablished() bool {
	return s == StateIdle || s == StateSynSent || s == StateSynReceived
}

// IsClosing returns true if either side has finished sending but the connection
// has not yet reached a terminal state.
func (s State) IsClosing() bool {
	return s == StateFinSent || s == StateFinReceived || s == StateClosing
}
