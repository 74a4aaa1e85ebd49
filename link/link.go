// Package link provides the frame level transports IPv4 datagrams are
// exchanged over: a raw IP socket and IP tunnelled in a packet connection.
package link

import (
	"net"
	"os"

	"github.com/pkg/errors"
)

// Link sends and receives whole IPv4 frames, header included.
type Link interface {
	// ReadFrame reads one frame into b and returns its length. Frames larger
	// than b are truncated.
	ReadFrame(b []byte) (int, error)
	WriteFrame(frame []byte) error
	Close() error
}

// MaxFrameSize is the largest frame read from a link.
const MaxFrameSize = 1 << 16

// IsTimeout reports whether err is the result of an expired read deadline.
// Such errors are not fatal to a link.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
