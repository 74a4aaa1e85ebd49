package ustcp

import "strconv"

// Segment represents a TCP segment as seen by the engine: the sequence number
// of the first octet, the control flags and the payload it carries.
// Port numbers and the checksum belong to the wire representation, see package wire.
type Segment struct {
	SEQ     Value  // sequence number of first octet of segment. If SYN is set it is the initial sequence number (ISN) and the first data octet is ISN+1.
	ACK     Value  // acknowledgment number. Only meaningful when FlagACK is set.
	WND     Size   // segment window, at most 65535 since window scaling is not supported.
	Flags   Flags  // TCP flags.
	Payload []byte // segment data, not counting SYN and FIN.
}

// LEN returns the length of the segment in octets including SYN and FIN flags.
func (seg *Segment) LEN() Size {
	add := Size(seg.Flags>>0) & 1 // Add FIN bit.
	add += Size(seg.Flags>>1) & 1 // Add SYN bit.
	return Size(len(seg.Payload)) + add
}

// Last returns the sequence number of the last octet of the segment.
func (seg *Segment) Last() Value {
	seglen := seg.LEN()
	if seglen == 0 {
		return seg.SEQ
	}
	return Add(seg.SEQ, seglen) - 1
}

// String returns a compact representation of the segment i.e:
//
//	<SEQ=100><ACK=301><WND=1000><DATA=5>[PSH,ACK]
func (seg Segment) String() string {
	b := make([]byte, 0, 64)
	b = appendSegment(b, seg)
	return string(b)
}

func appendSegment(b []byte, seg Segment) []byte {
	appendVal := func(b []byte, name string, v uint64) []byte {
		b = append(b, '<')
		b = append(b, name...)
		b = append(b, '=')
		b = strconv.AppendUint(b, v, 10)
		return append(b, '>')
	}
	b = appendVal(b, "SEQ", uint64(seg.SEQ))
	if seg.Flags.HasAny(FlagACK) {
		b = appendVal(b, "ACK", uint64(seg.ACK))
	}
	b = appendVal(b, "WND", uint64(seg.WND))
	if len(seg.Payload) > 0 {
		b = appendVal(b, "DATA", uint64(len(seg.Payload)))
	}
	return append(b, seg.Flags.String()...)
}

// Flags is a TCP flags masked implementation i.e: SYN, FIN, ACK.
// Bit positions match those of the TCP header flag octet.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota // FlagFIN - No more data from sender.
	FlagSYN                   // FlagSYN - Synchronize sequence numbers.
	FlagRST                   // FlagRST - Reset the connection.
	FlagPSH                   // FlagPSH - Push function.
	FlagACK                   // FlagACK - Acknowledgment field significant.
	FlagURG                   // FlagURG - Urgent pointer field significant.
	FlagECE                   // FlagECE - ECN-Echo has a nonce-sum in the SYN/ACK.
	FlagCWR                   // FlagCWR - Congestion Window Reduced.
	FlagNS                    // FlagNS  - Nonce Sum flag (see RFC 3540).
)

// HasAll checks if mask bits are all set in the receiver flags.
func (flags Flags) HasAll(mask Flags) bool { return flags&mask == mask }

// HasAny checks if one or more mask bits are set in receiver flags.
func (flags Flags) HasAny(mask Flags) bool { return flags&mask != 0 }

// String returns human readable flag string. i.e:
//
//	"[SYN,ACK]"
//
// Flags are printed in order from LSB (FIN) to MSB (NS).
func (flags Flags) String() string {
	if flags == 0 {
		return "[]"
	}
	const flaglen = 3
	const strflags = "FINSYNRSTPSHACKURGECECWRNS "
	var buf [2 + (flaglen+1)*9]byte
	n := 0
	for i := 0; i*flaglen < len(strflags); i++ {
		if flags&(1<<i) == 0 {
			continue
		}
		if n == 0 {
			buf[n] = '['
		} else {
			buf[n] = ','
		}
		n++
		name := strflags[i*flaglen : i*flaglen+flaglen]
		if name[2] == ' ' {
			name = name[:2]
		}
		n += copy(buf[n:], name)
	}
	if n == 0 {
		return "[]" // Only unknown bits set.
	}
	buf[n] = ']'
	n++
	return string(buf[:n])
}
