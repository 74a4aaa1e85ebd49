package ustcp

import "unsafe"

// StringExchange returns a string representation of a segment exchange over
// a network in RFC9293 styled visualization. invertDir inverts the arrow directions.
// i.e:
//
//	SynSent     --> <SEQ=300><ACK=91><WND=1000>[SYN,ACK]  --> SynReceived
func StringExchange(seg Segment, A, B State, invertDir bool) string {
	b := make([]byte, 0, 80)
	b = appendVisualization(b, seg, A, B, invertDir)
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// appendVisualization appends a RFC9293 styled visualization of exchange to buf.
func appendVisualization(buf []byte, seg Segment, A, B State, invertDir bool) []byte {
	const emptySpaces = "                                        "
	const stateWidth, segWidth = 12, 44
	buf = buf[len(buf):] // clip off any previous data so we work with our data only.
	dirSep := " --> "
	if invertDir {
		dirSep = " <-- "
	}
	astr := A.String()
	buf = append(buf, astr...)
	if len(astr) < stateWidth {
		buf = append(buf, emptySpaces[:stateWidth-len(astr)]...)
	}
	buf = append(buf, dirSep...)
	start := len(buf)
	buf = appendSegment(buf, seg)
	if n := len(buf) - start; n < segWidth {
		buf = append(buf, emptySpaces[:segWidth-n]...)
	}
	buf = append(buf, dirSep...)
	buf = append(buf, B.String()...)
	return buf
}
