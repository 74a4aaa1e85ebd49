package link

import (
	"net"

	"github.com/pkg/errors"
)

// PacketLink tunnels IPv4 frames inside the datagrams of a [net.PacketConn],
// one frame per datagram, to and from a single peer. Datagrams from other
// addresses are discarded.
type PacketLink struct {
	pc   net.PacketConn
	peer net.Addr
}

// NewPacketLink returns a PacketLink sending to peer over pc. PacketLink owns pc.
func NewPacketLink(pc net.PacketConn, peer net.Addr) *PacketLink {
	return &PacketLink{pc: pc, peer: peer}
}

// ListenUDP opens a UDP tunnel on listen that exchanges frames with peer.
func ListenUDP(listen, peer string) (*PacketLink, error) {
	raddr, err := net.ResolveUDPAddr("udp4", peer)
	if err != nil {
		return nil, errors.Wrap(err, "resolving tunnel peer")
	}
	pc, err := net.ListenPacket("udp4", listen)
	if err != nil {
		return nil, errors.Wrap(err, "listening for tunnel")
	}
	return NewPacketLink(pc, raddr), nil
}

func (l *PacketLink) ReadFrame(b []byte) (int, error) {
	for {
		n, addr, err := l.pc.ReadFrom(b)
		if err != nil {
			return 0, err
		}
		if addr.String() == l.peer.String() {
			return n, nil
		}
	}
}

func (l *PacketLink) WriteFrame(frame []byte) error {
	_, err := l.pc.WriteTo(frame, l.peer)
	return err
}

// LocalAddr returns the address of the underlying packet connection.
func (l *PacketLink) LocalAddr() net.Addr { return l.pc.LocalAddr() }

func (l *PacketLink) Close() error { return l.pc.Close() }
