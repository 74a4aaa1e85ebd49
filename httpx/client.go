// Package httpx is a minimal HTTP/1.1 client that fetches resources over
// connections supplied by a dial function, typically those of a user space stack.
package httpx

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/soypat/ustcp/internal"
)

const defaultReadBufferSize = 4096

// DialFunc opens a TCP connection to addr.
type DialFunc func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

// Client performs HTTP GET requests. The zero value is not usable: Dial must be set.
type Client struct {
	Dial DialFunc
	// Resolver resolves host names. If nil only IPv4 literal hosts are supported.
	Resolver *Resolver
	// UserAgent overrides the default User-Agent header.
	UserAgent string
	// ReadBufferSize bounds the size of a response header.
	ReadBufferSize int
	Logger         *slog.Logger
}

// Response is an HTTP response whose body is read from the connection.
// Close must be called once done with the body.
type Response struct {
	Header ResponseHeader
	// Body is the response body with transfer and content codings removed.
	// A connection reset before the body ends is reported as an error by Read.
	Body io.Reader
	conn net.Conn
	stop func() bool
}

// Close releases the connection of the response.
func (r *Response) Close() error {
	if r.stop != nil {
		r.stop()
	}
	return r.conn.Close()
}

// ReadBody reads the remaining body.
func (r *Response) ReadBody() ([]byte, error) {
	return io.ReadAll(r.Body)
}

// Get requests rawURL, an http:// URL, and returns the response once its
// header has been read. Canceling ctx aborts any blocked read or write.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing URL")
	}
	if u.Scheme != strHTTP {
		return nil, errors.Errorf("httpx: unsupported scheme %q", u.Scheme)
	}
	port := uint16(80)
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return nil, errors.Errorf("httpx: bad port %q", p)
		}
		port = uint16(n)
	}
	addr, err := c.resolve(ctx, u.Hostname())
	if err != nil {
		return nil, err
	}
	remote := netip.AddrPortFrom(addr, port)
	internal.LogAttrs(c.Logger, slog.LevelDebug, "httpx:dial", slog.String("url", rawURL), slog.String("addr", remote.String()))
	conn, err := c.Dial(ctx, remote)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", remote)
	}
	resp := &Response{conn: conn}
	resp.stop = context.AfterFunc(ctx, func() {
		// Unblock pending I/O.
		conn.SetDeadline(time.Unix(1, 0))
	})
	if err := c.do(ctx, resp, u); err != nil {
		resp.Close()
		if ctx.Err() != nil {
			err = errors.Wrap(ctx.Err(), err.Error())
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, resp *Response, u *url.URL) error {
	var req RequestHeader
	req.SetRequestURI(u.RequestURI())
	req.SetHost(u.Host)
	if c.UserAgent != "" {
		req.SetUserAgent(c.UserAgent)
	}
	if _, err := resp.conn.Write(req.AppendBytes(nil)); err != nil {
		return errors.Wrap(err, "writing request")
	}
	size := c.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}
	br := bufio.NewReaderSize(resp.conn, size)
	for {
		if err := resp.Header.Read(br); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrap(err, "reading response")
		}
		// Skip interim responses.
		code := resp.Header.StatusCode()
		if code < 100 || code >= 200 || code == 101 {
			break
		}
	}
	internal.LogAttrs(c.Logger, slog.LevelInfo, "httpx:response",
		slog.Int("status", resp.Header.StatusCode()),
		slog.Int("length", resp.Header.ContentLength()),
		slog.String("encoding", string(resp.Header.ContentEncoding())))

	body := newBodyReader(&resp.Header, br)
	if resp.Header.bodyless() || resp.Header.ContentLength() == 0 {
		resp.Body = body
		return nil
	}
	var err error
	resp.Body, err = decodeBody(resp.Header.ContentEncoding(), body)
	return err
}

func (c *Client) resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Is4() {
			return netip.Addr{}, errors.Errorf("httpx: %s is not an IPv4 address", host)
		}
		return addr, nil
	}
	if c.Resolver == nil {
		return netip.Addr{}, errors.Errorf("httpx: cannot resolve %q without resolver", host)
	}
	addrs, err := c.Resolver.LookupIPv4(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}
