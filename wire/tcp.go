// Package wire converts [ustcp.Segment] values to and from their on-the-wire
// TCP and IPv4 representations.
package wire

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
	"github.com/soypat/ustcp"
)

const (
	// ProtocolTCP is the IP protocol number of TCP.
	ProtocolTCP = 6
	// TCPHeaderLen is the size of a TCP header without options.
	TCPHeaderLen = header.TCPMinimumSize
	pseudoHeaderLen = 12
)

var (
	ErrBadChecksum = errors.New("wire: bad checksum")
	ErrShort       = errors.New("wire: short buffer")
	ErrBadOffset   = errors.New("wire: bad TCP data offset")
	ErrZeroPort    = errors.New("wire: zero port")
)

// Ports is the TCP port pair of a segment.
type Ports struct {
	Src, Dst uint16
}

// PseudoHeader is the IPv4 pseudo header covered by the TCP checksum.
type PseudoHeader struct {
	Src, Dst netip.Addr
	Protocol uint8
	// Length is the TCP header plus payload length.
	Length uint16
}

func (ph *PseudoHeader) put(b []byte) {
	src, dst := ph.Src.As4(), ph.Dst.As4()
	copy(b[0:4], src[:])
	copy(b[4:8], dst[:])
	b[8] = 0
	b[9] = ph.Protocol
	binary.BigEndian.PutUint16(b[10:12], ph.Length)
}

// Checksum returns the TCP checksum of segment, the encoded header with a zeroed
// checksum field followed by the payload, under the pseudo header ph.
func Checksum(ph PseudoHeader, segment []byte) uint16 {
	var phbuf [pseudoHeaderLen]byte
	ph.put(phbuf[:])
	sum := header.Checksum(phbuf[:], 0)
	sum = header.Checksum(segment, sum)
	return sum ^ 0xffff
}

// EncodeSegment returns the TCP encoding of seg sent from src to dst with the checksum set.
// Only IPv4 addresses are supported.
func EncodeSegment(src, dst netip.AddrPort, seg ustcp.Segment) []byte {
	b := make([]byte, TCPHeaderLen+len(seg.Payload))
	fields := header.TCPFields{
		SrcPort:    src.Port(),
		DstPort:    dst.Port(),
		SeqNum:     uint32(seg.SEQ),
		DataOffset: TCPHeaderLen,
		Flags:      uint8(seg.Flags),
		WindowSize: uint16(seg.WND),
	}
	if seg.Flags.HasAny(ustcp.FlagACK) {
		fields.AckNum = uint32(seg.ACK)
	}
	header.TCP(b).Encode(&fields)
	copy(b[TCPHeaderLen:], seg.Payload)
	sum := Checksum(PseudoHeader{
		Src:      src.Addr(),
		Dst:      dst.Addr(),
		Protocol: ProtocolTCP,
		Length:   uint16(len(b)),
	}, b)
	header.TCP(b).SetChecksum(sum)
	return b
}

// DecodeSegment parses the TCP segment in b received from src addressed to dst.
// The returned payload aliases b. TCP options are skipped.
func DecodeSegment(b []byte, src, dst netip.Addr) (Ports, ustcp.Segment, error) {
	if len(b) < TCPHeaderLen {
		return Ports{}, ustcp.Segment{}, errors.Wrapf(ErrShort, "%d byte TCP segment", len(b))
	}
	tcp := header.TCP(b)
	off := int(tcp.DataOffset())
	if off < TCPHeaderLen || off > len(b) {
		return Ports{}, ustcp.Segment{}, errors.Wrapf(ErrBadOffset, "offset %d of %d bytes", off, len(b))
	}
	ports := Ports{Src: tcp.SourcePort(), Dst: tcp.DestinationPort()}
	if ports.Src == 0 || ports.Dst == 0 {
		return ports, ustcp.Segment{}, ErrZeroPort
	}
	// Summing over the transmitted checksum yields zero for an intact segment.
	var phbuf [pseudoHeaderLen]byte
	ph := PseudoHeader{Src: src, Dst: dst, Protocol: ProtocolTCP, Length: uint16(len(b))}
	ph.put(phbuf[:])
	if sum := header.Checksum(b, header.Checksum(phbuf[:], 0)); sum != 0xffff {
		return ports, ustcp.Segment{}, errors.Wrapf(ErrBadChecksum, "TCP %s:%d->%s:%d", src, ports.Src, dst, ports.Dst)
	}
	seg := ustcp.Segment{
		SEQ:   ustcp.Value(tcp.SequenceNumber()),
		WND:   ustcp.Size(tcp.WindowSize()),
		Flags: ustcp.Flags(tcp.Flags()),
	}
	if seg.Flags.HasAny(ustcp.FlagACK) {
		seg.ACK = ustcp.Value(tcp.AckNumber())
	}
	if off < len(b) {
		seg.Payload = b[off:]
	}
	return ports, seg, nil
}
