// Package stack implements the IP layer underneath [ustcp.Conn]: routing of
// outgoing datagrams, validation and demultiplexing of incoming ones to
// connections and listeners, and the goroutines that drive links and timers.
package stack

import (
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
	"github.com/soypat/ustcp"
	"github.com/soypat/ustcp/internal"
	"github.com/soypat/ustcp/link"
	"github.com/soypat/ustcp/wire"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

const (
	ephemeralFirst = 49152
	ephemeralLast  = 65535
	listenBacklog  = 16
)

var (
	ErrNoRoute     = errors.New("stack: no route to host")
	ErrPortInUse   = errors.New("stack: port in use")
	ErrNoPorts     = errors.New("stack: no ephemeral ports available")
	ErrStackClosed = errors.New("stack: closed")
)

// tuple identifies a connection.
type tuple struct {
	local, remote netip.AddrPort
}

func (t tuple) String() string { return t.local.String() + "<->" + t.remote.String() }

// Stack is a user space IPv4 stack carrying TCP. Each connection is a
// [ustcp.Conn] wrapped in an [Endpoint]; Stack routes the segments they produce
// and delivers the segments it receives.
//
// After [Stack.Start] one goroutine per interface reads frames and one ticks
// connection timers. They live until [Stack.Close].
type Stack struct {
	router   *Router
	cfg      Config
	logger   *slog.Logger
	rstLimit *rate.Limiter
	// closed remembers recently removed connection tuples.
	closed *lru.Cache
	ipID   atomic.Uint32

	mu        sync.Mutex
	conns     map[tuple]*Endpoint
	listeners map[uint16]*Listener
	started   bool

	death tomb.Tomb
}

// New returns a Stack with the interfaces and routes of cfg. links maps
// interface names to the link each interface is attached to.
func New(cfg Config, links map[string]link.Link) (*Stack, error) {
	cfg = cfg.withDefaults()
	ifaces, routes, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	closed, err := lru.New(cfg.ClosedMemory)
	if err != nil {
		return nil, errors.Wrap(err, "creating closed connection memory")
	}
	s := &Stack{
		router:    NewRouter(),
		cfg:       cfg,
		logger:    cfg.Logger,
		rstLimit:  rate.NewLimiter(rate.Limit(cfg.RSTRate), cfg.RSTBurst),
		closed:    closed,
		conns:     make(map[tuple]*Endpoint),
		listeners: make(map[uint16]*Listener),
	}
	for _, iface := range ifaces {
		l, ok := links[iface.Name]
		if !ok {
			return nil, errors.Errorf("interface %q: no link", iface.Name)
		}
		iface.Link = l
		if err := s.router.AddInterface(iface); err != nil {
			return nil, err
		}
	}
	for _, rt := range routes {
		if err := s.router.AddRoute(rt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Router returns the stack's router.
func (s *Stack) Router() *Router { return s.router }

// Start launches the frame receive loops and the timer loop.
func (s *Stack) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ifaces := s.router.Interfaces()
	var wg sync.WaitGroup
	for _, iface := range ifaces {
		wg.Add(1)
		go func(iface *Interface) {
			defer wg.Done()
			s.rxLoop(iface)
		}(iface)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tickLoop()
	}()
	go func() {
		// Unblock receive loops once dying.
		<-s.death.Dying()
		for _, iface := range ifaces {
			iface.Link.Close()
		}
	}()
	go func() {
		wg.Wait()
		s.death.Done()
	}()
	s.info("stack:start", slog.Int("ifaces", len(ifaces)), slog.Duration("tick", s.cfg.TickInterval))
}

// Close aborts all connections, stops the stack's goroutines and closes its links.
// It returns the error that stopped the stack, if any.
func (s *Stack) Close() error {
	s.mu.Lock()
	eps := make([]*Endpoint, 0, len(s.conns))
	for _, ep := range s.conns {
		eps = append(eps, ep)
	}
	started := s.started
	s.started = true
	s.mu.Unlock()
	for _, ep := range eps {
		ep.Abort()
	}
	s.death.Kill(nil)
	if !started {
		for _, iface := range s.router.Interfaces() {
			iface.Link.Close()
		}
		s.death.Done()
	}
	err := s.death.Wait()
	s.info("stack:closed", slog.Any("err", err))
	return err
}

// Dying returns a channel closed when the stack starts shutting down.
func (s *Stack) Dying() <-chan struct{} { return s.death.Dying() }

func (s *Stack) rxLoop(iface *Interface) {
	buf := pool.Get(link.MaxFrameSize)
	defer pool.Put(buf)
	for {
		n, err := iface.Link.ReadFrame(buf)
		select {
		case <-s.death.Dying():
			return
		default:
		}
		if err != nil {
			if link.IsTimeout(err) {
				continue
			}
			s.logerr("stack:rx-fail", slog.String("iface", iface.Name), slog.String("err", err.Error()))
			s.death.Kill(errors.Wrapf(err, "interface %s", iface.Name))
			return
		}
		if err := s.HandleFrame(buf[:n]); err != nil {
			s.debug("stack:rx-drop", slog.String("iface", iface.Name), slog.String("err", err.Error()))
		}
	}
}

func (s *Stack) tickLoop() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.death.Dying():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick advances the timers of every connection to now.
func (s *Stack) Tick(now time.Time) {
	s.mu.Lock()
	eps := make([]*Endpoint, 0, len(s.conns))
	for _, ep := range s.conns {
		eps = append(eps, ep)
	}
	s.mu.Unlock()
	for _, ep := range eps {
		ep.tick(now)
	}
}

// HandleFrame validates an IPv4 frame and delivers its TCP payload.
// Frames not addressed to a local interface are ignored.
func (s *Stack) HandleFrame(frame []byte) error {
	hdr, payload, err := wire.DecodeIPv4(frame)
	if err != nil {
		return err
	}
	if hdr.Protocol != wire.ProtocolTCP || !s.router.IsLocal(hdr.Dst) {
		return nil
	}
	s.OnDatagramReceived(payload, hdr.Src, hdr.Dst)
	return nil
}

// OnDatagramReceived delivers the TCP segment in payload sent from src to dst.
// Segments with a bad checksum are dropped. A SYN to a listening port creates
// a connection; segments matching no connection are answered with a RST.
// payload is not retained.
func (s *Stack) OnDatagramReceived(payload []byte, src, dst netip.Addr) {
	ports, seg, err := wire.DecodeSegment(payload, src, dst)
	if err != nil {
		s.debug("stack:drop", slog.String("src", src.String()), slog.String("err", err.Error()))
		return
	}
	t := tuple{local: netip.AddrPortFrom(dst, ports.Dst), remote: netip.AddrPortFrom(src, ports.Src)}
	s.mu.Lock()
	ep := s.conns[t]
	if ep == nil && seg.Flags&(ustcp.FlagSYN|ustcp.FlagACK|ustcp.FlagRST) == ustcp.FlagSYN {
		if l := s.listeners[ports.Dst]; l != nil {
			ep = s.newEndpoint(t, l)
			s.conns[t] = ep
			s.debug("stack:syn-rx", slog.String("conn", t.String()))
		}
	}
	s.mu.Unlock()
	if ep != nil {
		ep.segmentReceived(seg)
		return
	}
	if s.closed.Contains(t) {
		s.debug("stack:rx-closed", slog.String("conn", t.String()), slog.String("seg", seg.String()))
	} else if internal.LogEnabled(s.logger, slog.LevelDebug) {
		s.debug("stack:rx-unknown", slog.String("conn", t.String()), slog.String("seg", seg.String()))
	}
	s.sendResetFor(t, seg)
}

// sendResetFor answers seg, which matched no connection, with a RST as
// described in RFC 9293 section 3.10.7.1.
func (s *Stack) sendResetFor(t tuple, seg ustcp.Segment) {
	if seg.Flags.HasAny(ustcp.FlagRST) {
		return
	}
	if !s.rstLimit.Allow() {
		s.debug("stack:rst-limited", slog.String("conn", t.String()))
		return
	}
	rst := ustcp.Segment{Flags: ustcp.FlagRST}
	if seg.Flags.HasAny(ustcp.FlagACK) {
		rst.SEQ = seg.ACK
	} else {
		rst.Flags |= ustcp.FlagACK
		rst.ACK = ustcp.Add(seg.SEQ, seg.LEN())
	}
	if err := s.sendSegment(t, rst); err != nil {
		s.debug("stack:rst-fail", slog.String("err", err.Error()))
	}
}

// SendDatagram sends payload as a TCP datagram to dst out of the interface
// selected by the routing table.
func (s *Stack) SendDatagram(payload []byte, dst netip.Addr) error {
	iface, _, ok := s.router.Lookup(dst)
	if !ok {
		return errors.Wrapf(ErrNoRoute, "%s", dst)
	}
	return s.sendFrom(iface, payload, dst)
}

func (s *Stack) sendFrom(iface *Interface, payload []byte, dst netip.Addr) error {
	buf := pool.Get(wire.IPv4HeaderLen + len(payload))
	defer pool.Put(buf)
	frame, err := wire.AppendIPv4(buf[:0], wire.IPv4Fields{
		Src: iface.Addr,
		Dst: dst,
		ID:  uint16(s.ipID.Add(1)),
	}, payload)
	if err != nil {
		return err
	}
	return iface.Link.WriteFrame(frame)
}

func (s *Stack) sendSegment(t tuple, seg ustcp.Segment) error {
	if internal.LogEnabled(s.logger, internal.LevelTrace) {
		s.trace("stack:tx", slog.String("conn", t.String()), slog.String("seg", seg.String()))
	}
	return s.SendDatagram(wire.EncodeSegment(t.local, t.remote, seg), t.remote.Addr())
}

func (s *Stack) newEndpoint(t tuple, l *Listener) *Endpoint {
	logger := s.logger
	if logger != nil {
		logger = logger.With(slog.String("conn", t.String()))
	}
	cfg := s.cfg.Conn.connConfig(ustcp.DefaultNewISS(time.Now()), logger)
	return &Endpoint{
		stack:    s,
		id:       t,
		listener: l,
		conn:     ustcp.NewConn(cfg),
		lastTick: time.Now(),
	}
}

// allocTuple picks a free ephemeral port for a connection from local to remote.
// Called with s.mu held.
func (s *Stack) allocTuple(local netip.Addr, remote netip.AddrPort) (tuple, error) {
	const span = ephemeralLast - ephemeralFirst + 1
	start := rand.Intn(span)
	for i := 0; i < span; i++ {
		port := uint16(ephemeralFirst + (start+i)%span)
		if _, listening := s.listeners[port]; listening {
			continue
		}
		t := tuple{local: netip.AddrPortFrom(local, port), remote: remote}
		if _, used := s.conns[t]; used || s.closed.Contains(t) {
			continue
		}
		return t, nil
	}
	return tuple{}, ErrNoPorts
}

func (s *Stack) remove(ep *Endpoint) {
	s.mu.Lock()
	if s.conns[ep.id] == ep {
		delete(s.conns, ep.id)
		s.closed.Add(ep.id, time.Now())
	}
	s.mu.Unlock()
	s.info("stack:conn-removed", slog.String("conn", ep.id.String()), slog.String("state", ep.State().String()))
}

// NumConns returns the amount of connections in the connection table.
func (s *Stack) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Stack) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, internal.LevelTrace, msg, attrs...)
}

func (s *Stack) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelDebug, msg, attrs...)
}

func (s *Stack) info(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelInfo, msg, attrs...)
}

func (s *Stack) logerr(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(s.logger, slog.LevelError, msg, attrs...)
}
