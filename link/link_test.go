package link

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/lossyconn"
)

func TestPacketLinkLossless(t *testing.T) {
	ca, err := lossyconn.NewLossyConn(0, 1)
	require.NoError(t, err)
	cb, err := lossyconn.NewLossyConn(0, 1)
	require.NoError(t, err)
	a := NewPacketLink(ca, cb.LocalAddr())
	b := NewPacketLink(cb, ca.LocalAddr())
	defer a.Close()
	defer b.Close()

	frames := [][]byte{[]byte("first frame"), []byte("second"), make([]byte, 1500)}
	for _, f := range frames {
		require.NoError(t, a.WriteFrame(f))
	}
	var got [][]byte
	buf := make([]byte, MaxFrameSize)
	for range frames {
		n, err := b.ReadFrame(buf)
		require.NoError(t, err)
		got = append(got, append([]byte(nil), buf[:n]...))
	}
	assert.ElementsMatch(t, frames, got)
}

func TestPacketLinkUDPFiltersPeer(t *testing.T) {
	a, err := ListenUDP("127.0.0.1:0", "127.0.0.1:9") // Peer fixed below.
	require.NoError(t, err)
	defer a.Close()
	b, err := ListenUDP("127.0.0.1:0", a.LocalAddr().String())
	require.NoError(t, err)
	defer b.Close()
	stranger, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer stranger.Close()

	_, err = stranger.WriteTo([]byte("noise"), b.LocalAddr())
	require.NoError(t, err)
	a.peer = b.LocalAddr()
	require.NoError(t, a.WriteFrame([]byte("frame")))

	buf := make([]byte, 64)
	b.pc.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := b.ReadFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(buf[:n]))
}

func TestIsTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	l := NewPacketLink(pc, pc.LocalAddr())
	pc.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err = l.ReadFrame(make([]byte, 16))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsTimeout(errors.Wrap(err, "wrapped")))
	assert.False(t, IsTimeout(errors.New("other")))
}

func TestRawLinkNeedsPrivileges(t *testing.T) {
	l, err := NewRawLink(netip.MustParseAddr("127.0.0.1"), 10*time.Millisecond)
	if err != nil {
		t.Skip("raw sockets unavailable:", err)
	}
	defer l.Close()
	_, err = l.ReadFrame(make([]byte, MaxFrameSize))
	if err != nil {
		assert.True(t, IsTimeout(err))
	}
}
