package wire

import (
	"net/netip"

	ipv4header "github.com/brown-csci1680/iptcp-headers"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	// IPv4HeaderLen is the size of an IPv4 header without options.
	IPv4HeaderLen = ipv4header.HeaderLen
	// DefaultTTL is the time to live of outgoing datagrams.
	DefaultTTL = 64
)

var (
	ErrNotIPv4     = errors.New("wire: not an IPv4 datagram")
	ErrFragmented  = errors.New("wire: fragmented datagram")
	ErrBadTotalLen = errors.New("wire: bad IPv4 total length")
)

// IPv4Fields are the variable fields of an outgoing IPv4 header.
// Zero TTL and Protocol take DefaultTTL and ProtocolTCP.
type IPv4Fields struct {
	Src, Dst netip.Addr
	ID       uint16
	TTL      uint8
	Protocol uint8
}

// EncodeIPv4 returns an IPv4 datagram carrying payload with the Don't Fragment
// flag and the header checksum set.
func EncodeIPv4(f IPv4Fields, payload []byte) ([]byte, error) {
	return AppendIPv4(nil, f, payload)
}

// AppendIPv4 is like EncodeIPv4 but appends the datagram to dst.
func AppendIPv4(dst []byte, f IPv4Fields, payload []byte) ([]byte, error) {
	if !f.Src.Is4() || !f.Dst.Is4() {
		return nil, errors.Errorf("wire: non IPv4 address %s->%s", f.Src, f.Dst)
	}
	if f.TTL == 0 {
		f.TTL = DefaultTTL
	}
	if f.Protocol == 0 {
		f.Protocol = ProtocolTCP
	}
	hdr := ipv4header.IPv4Header{
		Version:  4,
		Len:      IPv4HeaderLen,
		TotalLen: IPv4HeaderLen + len(payload),
		ID:       int(f.ID),
		Flags:    ipv4header.DontFragment,
		TTL:      int(f.TTL),
		Protocol: int(f.Protocol),
		Src:      f.Src,
		Dst:      f.Dst,
		Options:  []byte{},
	}
	if hdr.TotalLen > 0xffff {
		return nil, errors.Wrapf(ErrBadTotalLen, "payload of %d bytes", len(payload))
	}
	hb, err := hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshalling IPv4 header")
	}
	hdr.Checksum = int(header.Checksum(hb, 0) ^ 0xffff)
	hb, err = hdr.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshalling IPv4 header")
	}
	dst = append(dst, hb...)
	return append(dst, payload...), nil
}

// DecodeIPv4 validates the IPv4 datagram in frame and returns its header and
// payload. The payload aliases frame and is trimmed to the header's total length.
func DecodeIPv4(frame []byte) (*ipv4header.IPv4Header, []byte, error) {
	if len(frame) < IPv4HeaderLen {
		return nil, nil, errors.Wrapf(ErrShort, "%d byte IPv4 frame", len(frame))
	}
	if frame[0]>>4 != 4 {
		return nil, nil, ErrNotIPv4
	}
	hdr, err := ipv4header.ParseHeader(frame)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parsing IPv4 header")
	}
	if hdr.Len < IPv4HeaderLen || hdr.Len > len(frame) {
		return nil, nil, errors.Wrapf(ErrShort, "IPv4 header length %d", hdr.Len)
	}
	if sum := header.Checksum(frame[:hdr.Len], 0); sum != 0xffff {
		return hdr, nil, errors.Wrapf(ErrBadChecksum, "IPv4 %s->%s", hdr.Src, hdr.Dst)
	}
	if hdr.TotalLen < hdr.Len || hdr.TotalLen > len(frame) {
		return hdr, nil, errors.Wrapf(ErrBadTotalLen, "total length %d of %d byte frame", hdr.TotalLen, len(frame))
	}
	if hdr.Flags&ipv4header.MoreFragments != 0 || hdr.FragOff != 0 {
		return hdr, nil, ErrFragmented
	}
	return hdr, frame[hdr.Len:hdr.TotalLen], nil
}
