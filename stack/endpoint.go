package stack

import (
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/ustcp"
	"github.com/soypat/ustcp/internal"
)

var _ net.Conn = (*Endpoint)(nil)

// Endpoint is a TCP connection of a [Stack]. It implements [net.Conn] with
// blocking reads and writes that honor deadlines.
type Endpoint struct {
	stack    *Stack
	id       tuple
	listener *Listener

	mu       sync.Mutex
	conn     *ustcp.Conn
	lastTick time.Time
	rdead    time.Time
	wdead    time.Time
	// userClosed is set by Close. Data received afterwards is discarded.
	userClosed bool
	accepted   bool
	removed    bool
}

// Read reads data received from the peer, blocking until some is available,
// the peer ends its stream (io.EOF) or the read deadline passes.
func (ep *Endpoint) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	backoff := internal.NewBackoff(internal.BackoffCriticalPath)
	for {
		ep.mu.Lock()
		if ep.userClosed {
			ep.mu.Unlock()
			return 0, net.ErrClosed
		}
		n, err := ep.conn.Read(b)
		if n > 0 {
			ep.flushLocked()
		}
		deadline := ep.rdead
		cerr := ep.conn.Err()
		ep.mu.Unlock()
		switch {
		case n > 0:
			return n, nil
		case err == io.EOF:
			return 0, io.EOF
		case err != nil:
			if cerr != nil {
				err = cerr
			}
			return 0, errors.Wrapf(err, "read %s", ep.id)
		case deadlineExceeded(deadline):
			return 0, os.ErrDeadlineExceeded
		}
		backoff.Miss()
	}
}

// Write writes b to the connection, blocking while the send buffer is full.
func (ep *Endpoint) Write(b []byte) (int, error) {
	backoff := internal.NewBackoff(internal.BackoffCriticalPath)
	var n int
	for len(b) > 0 {
		ep.mu.Lock()
		if ep.userClosed {
			ep.mu.Unlock()
			return n, net.ErrClosed
		}
		ngot, err := ep.conn.Write(b)
		if ngot > 0 {
			ep.flushLocked()
		}
		deadline := ep.wdead
		ep.mu.Unlock()
		n += ngot
		b = b[ngot:]
		if err != nil {
			if errors.Is(err, ustcp.ErrStreamClosed) {
				return n, net.ErrClosed
			}
			return n, errors.Wrapf(err, "write %s", ep.id)
		}
		if ngot > 0 {
			backoff.Hit()
			continue
		}
		if deadlineExceeded(deadline) {
			return n, os.ErrDeadlineExceeded
		}
		backoff.Miss()
	}
	return n, nil
}

// CloseWrite ends the outbound stream. A FIN is sent once buffered data is sent.
// Reads are still possible until the peer closes its side.
func (ep *Endpoint) CloseWrite() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.userClosed {
		return net.ErrClosed
	}
	ep.conn.EndInput()
	ep.flushLocked()
	return nil
}

// Close ends the outbound stream and releases the endpoint. The connection
// completes its shutdown in the background; data received after Close is discarded.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.userClosed {
		return net.ErrClosed
	}
	ep.userClosed = true
	ep.conn.EndInput()
	ep.discardInboundLocked()
	ep.flushLocked()
	return nil
}

// Abort resets the connection and removes it from the stack.
func (ep *Endpoint) Abort() {
	ep.mu.Lock()
	ep.userClosed = true
	ep.conn.Abort()
	ep.flushLocked()
	remove := ep.markRemovedLocked()
	ep.mu.Unlock()
	if remove {
		ep.stack.remove(ep)
	}
}

// State returns the state of the underlying connection.
func (ep *Endpoint) State() ustcp.State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.conn.State()
}

// Err returns the cause of an abnormal termination of the connection or nil.
func (ep *Endpoint) Err() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.conn.Err()
}

func (ep *Endpoint) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(ep.id.local) }
func (ep *Endpoint) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(ep.id.remote) }

func (ep *Endpoint) SetDeadline(t time.Time) error {
	ep.mu.Lock()
	ep.rdead, ep.wdead = t, t
	ep.mu.Unlock()
	return nil
}

func (ep *Endpoint) SetReadDeadline(t time.Time) error {
	ep.mu.Lock()
	ep.rdead = t
	ep.mu.Unlock()
	return nil
}

func (ep *Endpoint) SetWriteDeadline(t time.Time) error {
	ep.mu.Lock()
	ep.wdead = t
	ep.mu.Unlock()
	return nil
}

func (ep *Endpoint) segmentReceived(seg ustcp.Segment) {
	ep.mu.Lock()
	ep.conn.SegmentReceived(seg)
	if ep.userClosed {
		ep.discardInboundLocked()
	}
	ep.flushLocked()
	ep.offerLocked()
	remove := ep.markRemovedLocked()
	ep.mu.Unlock()
	if remove {
		ep.stack.remove(ep)
	}
}

func (ep *Endpoint) tick(now time.Time) {
	ep.mu.Lock()
	elapsed := now.Sub(ep.lastTick)
	ep.lastTick = now
	if elapsed > 0 {
		ep.conn.Tick(elapsed)
		ep.flushLocked()
	}
	remove := ep.markRemovedLocked()
	ep.mu.Unlock()
	if remove {
		ep.stack.remove(ep)
	}
}

// flushLocked hands queued segments to the stack.
func (ep *Endpoint) flushLocked() {
	for {
		seg, ok := ep.conn.PendingSegment()
		if !ok {
			return
		}
		if err := ep.stack.sendSegment(ep.id, seg); err != nil {
			ep.stack.debug("stack:tx-fail", slog.String("conn", ep.id.String()), slog.String("err", err.Error()))
		}
	}
}

func (ep *Endpoint) discardInboundLocked() {
	in := ep.conn.Inbound()
	if n := in.BytesBuffered(); n > 0 {
		in.Pop(n)
	}
}

// offerLocked hands a passively opened connection to its listener once the
// handshake completes. Connections the listener has no room for are reset.
func (ep *Endpoint) offerLocked() {
	if ep.listener == nil || ep.accepted || ep.conn.State().IsPreestablished() || !ep.conn.Active() {
		return
	}
	ep.accepted = true
	if !ep.listener.enqueue(ep) {
		ep.stack.info("stack:backlog-full", slog.String("conn", ep.id.String()))
		ep.userClosed = true
		ep.conn.Abort()
		ep.flushLocked()
	}
}

// markRemovedLocked reports whether the connection just reached a terminal state.
func (ep *Endpoint) markRemovedLocked() bool {
	if ep.removed || ep.conn.Active() {
		return false
	}
	ep.removed = true
	return true
}

func deadlineExceeded(deadline time.Time) bool {
	return !deadline.IsZero() && !time.Now().Before(deadline)
}
