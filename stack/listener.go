package stack

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/pkg/errors"
	"github.com/soypat/ustcp"
	"github.com/soypat/ustcp/internal"
)

// Listener accepts connections opened by peers to a local port on any interface.
type Listener struct {
	stack   *Stack
	port    uint16
	backlog chan *Endpoint
	done    chan struct{}
	once    sync.Once
}

// Listen starts accepting connections to port.
func (s *Stack) Listen(port uint16) (*Listener, error) {
	if port == 0 {
		return nil, errors.New("stack: listen on port 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[port]; ok {
		return nil, errors.Wrapf(ErrPortInUse, "listen %d", port)
	}
	l := &Listener{
		stack:   s,
		port:    port,
		backlog: make(chan *Endpoint, listenBacklog),
		done:    make(chan struct{}),
	}
	s.listeners[port] = l
	s.info("stack:listen", slog.Int("port", int(port)))
	return l, nil
}

// Accept blocks until a connection has completed the handshake, ctx is done
// or the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Endpoint, error) {
	select {
	case ep := <-l.backlog:
		return ep, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops listening. Established connections not yet accepted are reset.
func (l *Listener) Close() error {
	err := net.ErrClosed
	l.once.Do(func() {
		err = nil
		l.stack.mu.Lock()
		if l.stack.listeners[l.port] == l {
			delete(l.stack.listeners, l.port)
		}
		close(l.done)
		l.stack.mu.Unlock()
		for {
			select {
			case ep := <-l.backlog:
				ep.Abort()
			default:
				return
			}
		}
	})
	return err
}

// Port returns the listening port.
func (l *Listener) Port() uint16 { return l.port }

// enqueue offers an established connection to Accept.
func (l *Listener) enqueue(ep *Endpoint) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.backlog <- ep:
		return true
	default:
		return false
	}
}

// Dial opens a connection to remote and blocks until it is established or ctx is done.
// The local address is that of the interface routing to remote.
func (s *Stack) Dial(ctx context.Context, remote netip.AddrPort) (*Endpoint, error) {
	iface, _, ok := s.router.Lookup(remote.Addr())
	if !ok {
		return nil, errors.Wrapf(ErrNoRoute, "dial %s", remote)
	}
	select {
	case <-s.death.Dying():
		return nil, ErrStackClosed
	default:
	}
	s.mu.Lock()
	t, err := s.allocTuple(iface.Addr, remote)
	if err != nil {
		s.mu.Unlock()
		return nil, errors.Wrapf(err, "dial %s", remote)
	}
	ep := s.newEndpoint(t, nil)
	s.conns[t] = ep
	s.mu.Unlock()
	s.debug("stack:dial", slog.String("conn", t.String()))

	ep.mu.Lock()
	err = ep.conn.Connect()
	ep.flushLocked()
	ep.mu.Unlock()
	if err != nil {
		ep.Abort()
		return nil, errors.Wrapf(err, "dial %s", remote)
	}
	backoff := internal.NewBackoff(internal.BackoffCriticalPath)
	for {
		ep.mu.Lock()
		state := ep.conn.State()
		cerr := ep.conn.Err()
		ep.mu.Unlock()
		switch {
		case state.IsTerminal():
			if cerr == nil {
				cerr = ustcp.ErrConnReset
			}
			return nil, errors.Wrapf(cerr, "dial %s", remote)
		case !state.IsPreestablished():
			return ep, nil
		}
		if err := backoff.MissContext(ctx); err != nil {
			ep.Abort()
			return nil, errors.Wrapf(err, "dial %s", remote)
		}
	}
}
