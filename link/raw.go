package link

import (
	"net"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
)

// RawReadBuffer is the receive buffer size requested for raw sockets.
const RawReadBuffer = 2 << 20

// RawLink exchanges IPv4 frames over a raw ip4:tcp socket with the IP_HDRINCL
// option set, so frames are sent exactly as built. Opening one usually
// requires elevated privileges. The host's TCP implementation will answer
// segments for ports it does not know about with RSTs; filter them with the
// host firewall when using RawLink.
type RawLink struct {
	pc          net.PacketConn
	raw         *ipv4.RawConn
	readTimeout time.Duration
}

// NewRawLink opens a raw socket bound to local. A positive readTimeout
// bounds every ReadFrame call.
func NewRawLink(local netip.Addr, readTimeout time.Duration) (*RawLink, error) {
	pc, err := net.ListenPacket("ip4:tcp", local.String())
	if err != nil {
		return nil, errors.Wrap(err, "opening raw socket")
	}
	if ipc, ok := pc.(*net.IPConn); ok {
		if err := ipc.SetReadBuffer(RawReadBuffer); err != nil {
			pc.Close()
			return nil, errors.Wrap(err, "setting raw socket buffer")
		}
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, errors.Wrap(err, "enabling IP_HDRINCL")
	}
	return &RawLink{pc: pc, raw: raw, readTimeout: readTimeout}, nil
}

func (l *RawLink) ReadFrame(b []byte) (int, error) {
	if l.readTimeout > 0 {
		if err := l.raw.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
			return 0, err
		}
	}
	h, p, _, err := l.raw.ReadFrom(b)
	if err != nil {
		return 0, err
	}
	// Header and payload were read contiguously into b.
	return h.Len + len(p), nil
}

func (l *RawLink) WriteFrame(frame []byte) error {
	h, err := ipv4.ParseHeader(frame)
	if err != nil {
		return errors.Wrap(err, "parsing outgoing frame")
	}
	return l.raw.WriteTo(h, frame[h.Len:], nil)
}

func (l *RawLink) Close() error {
	return l.raw.Close()
}
