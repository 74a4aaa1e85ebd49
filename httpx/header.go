package httpx

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrHeaderTooLarge is returned when a response header does not fit in the read buffer.
	ErrHeaderTooLarge = errors.New("httpx: response header too large")
	// ErrBadStatusLine is returned for a response not starting with a valid status line.
	ErrBadStatusLine = errors.New("httpx: malformed status line")

	errNeedMore        = errors.New("need more data: cannot find trailing lf")
	errInvalidName     = errors.New("invalid header name")
	errNonNumericChars = errors.New("non-numeric chars found")
	errEmptyInt        = errors.New("empty integer")
	errUnexpectedFirst = errors.New("unexpected first char found. Expecting 0-9")
	errTooLongInt      = errors.New("too long int")
)

// Body framing of a response, stored in ResponseHeader.contentLength when negative.
const (
	lengthChunked    = -1
	lengthUntilClose = -2
)

// ResponseHeader is the header of an HTTP/1.x response.
//
// Header values returned by its methods alias internal buffers and are valid
// until the next call to Read or Reset.
type ResponseHeader struct {
	statusCode         int
	statusMessage      []byte
	proto              []byte
	contentLength      int
	contentLengthBytes []byte
	contentType        []byte
	connectionClose    bool
	noHTTP11           bool
	rawHeaders         []byte
	h                  []argsKV
	// Reusable buffer for normalizing keys.
	bufKV argsKV
}

// StatusCode returns the response status code.
func (h *ResponseHeader) StatusCode() int { return h.statusCode }

// StatusMessage returns the reason phrase of the status line.
func (h *ResponseHeader) StatusMessage() []byte { return h.statusMessage }

// Protocol returns the protocol of the status line, i.e: "HTTP/1.1".
func (h *ResponseHeader) Protocol() []byte { return h.proto }

// IsHTTP11 returns true if the response is HTTP/1.1.
func (h *ResponseHeader) IsHTTP11() bool { return !h.noHTTP11 }

// ContentLength returns the body length declared by the response.
//
// It may be negative:
// -1 means Transfer-Encoding: chunked.
// -2 means the body ends when the connection is closed.
func (h *ResponseHeader) ContentLength() int { return h.contentLength }

// ContentType returns Content-Type header value.
func (h *ResponseHeader) ContentType() []byte { return h.contentType }

// ContentEncoding returns Content-Encoding header value.
func (h *ResponseHeader) ContentEncoding() []byte { return peekArg(h.h, HeaderContentEncoding) }

// ConnectionClose returns true if 'Connection: close' header is set.
func (h *ResponseHeader) ConnectionClose() bool { return h.connectionClose }

// RawHeaders returns the header key/value lines as received, without the status line.
func (h *ResponseHeader) RawHeaders() []byte { return h.rawHeaders }

// Peek returns the header value for key, which is matched case-insensitively.
func (h *ResponseHeader) Peek(key string) []byte {
	h.bufKV.key = append(h.bufKV.key[:0], key...)
	normalizeHeaderKey(h.bufKV.key)
	switch k := b2s(h.bufKV.key); k {
	case HeaderContentType:
		return h.ContentType()
	case HeaderContentLength:
		return h.contentLengthBytes
	case HeaderConnection:
		if h.connectionClose {
			return []byte(strClose)
		}
		return peekArg(h.h, k)
	default:
		return peekArg(h.h, k)
	}
}

// VisitAll calls f for each header other than Content-Type and Content-Length.
func (h *ResponseHeader) VisitAll(f func(key, value []byte)) {
	for i := range h.h {
		f(h.h[i].key, h.h[i].value)
	}
}

// bodyless returns true for responses that never carry a body.
func (h *ResponseHeader) bodyless() bool {
	return h.statusCode < 200 || h.statusCode == http.StatusNoContent || h.statusCode == http.StatusNotModified
}

// Reset clears the header for reuse.
func (h *ResponseHeader) Reset() {
	h.statusCode = 0
	h.statusMessage = h.statusMessage[:0]
	h.proto = h.proto[:0]
	h.contentLength = 0
	h.contentLengthBytes = h.contentLengthBytes[:0]
	h.contentType = h.contentType[:0]
	h.connectionClose = false
	h.noHTTP11 = false
	h.rawHeaders = h.rawHeaders[:0]
	h.h = h.h[:0]
}

// Read reads the response header from r, leaving r positioned at the first body byte.
// io.EOF is returned if r is closed before the first header byte.
func (h *ResponseHeader) Read(r *bufio.Reader) error {
	n := 1
	for {
		err := h.tryRead(r, n)
		if err == nil {
			return nil
		}
		if err != errNeedMore {
			h.Reset()
			return err
		}
		n = r.Buffered() + 1
	}
}

func (h *ResponseHeader) tryRead(r *bufio.Reader, n int) error {
	h.Reset()
	b, err := r.Peek(n)
	if len(b) == 0 {
		if err == io.EOF {
			return err
		}
		return errors.Wrap(err, "reading response header")
	}
	b, _ = r.Peek(r.Buffered())
	headersLen, errParse := h.parse(b)
	switch {
	case errParse == nil:
		r.Discard(headersLen)
		return nil
	case errParse != errNeedMore:
		return errors.Wrapf(errParse, "parsing response header of %d bytes", len(b))
	case err == bufio.ErrBufferFull || r.Buffered() == r.Size():
		return ErrHeaderTooLarge
	case err == io.EOF:
		return io.ErrUnexpectedEOF
	case err != nil:
		return errors.Wrap(err, "reading response header")
	}
	return errNeedMore
}

func (h *ResponseHeader) parse(buf []byte) (int, error) {
	m, err := h.parseFirstLine(buf)
	if err != nil {
		return 0, err
	}
	h.rawHeaders, _, err = readRawHeaders(h.rawHeaders[:0], b2s(buf[m:]))
	if err != nil {
		return 0, err
	}
	n, err := h.parseHeaders(buf[m:])
	if err != nil {
		return 0, err
	}
	return m + n, nil
}

func (h *ResponseHeader) parseFirstLine(buf []byte) (int, error) {
	bNext := buf
	var b []byte
	var err error
	for len(b) == 0 {
		if b, bNext, err = nextLine(bNext); err != nil {
			return 0, err
		}
	}
	n := bytes.IndexByte(b, ' ')
	if n < 0 || !bytes.HasPrefix(b, []byte("HTTP/")) {
		return 0, errors.Wrapf(ErrBadStatusLine, "%q", b)
	}
	h.noHTTP11 = b2s(b[:n]) != strHTTP11
	h.proto = append(h.proto[:0], b[:n]...)
	b = b[n+1:]

	h.statusCode, n, err = parseUintBuf(b2s(b))
	if err != nil {
		return 0, errors.Wrapf(ErrBadStatusLine, "status code: %v", err)
	}
	if len(b) > n && b[n] != ' ' {
		return 0, errors.Wrapf(ErrBadStatusLine, "unexpected char at the end of status code %q", b)
	}
	if len(b) > n+1 {
		h.statusMessage = append(h.statusMessage[:0], b[n+1:]...)
	}
	return len(buf) - len(bNext), nil
}

func readRawHeaders(dst []byte, buf string) ([]byte, int, error) {
	n := strings.IndexByte(buf, nChar)
	if n < 0 {
		return dst[:0], 0, errNeedMore
	}
	if (n == 1 && buf[0] == rChar) || n == 0 {
		// Empty headers.
		return dst, n + 1, nil
	}
	n++
	b := buf
	m := n
	for {
		b = b[m:]
		m = strings.IndexByte(b, nChar)
		if m < 0 {
			return dst, 0, errNeedMore
		}
		m++
		n += m
		if (m == 2 && b[0] == rChar) || m == 1 {
			dst = append(dst, buf[:n]...)
			return dst, n, nil
		}
	}
}

func (h *ResponseHeader) parseHeaders(buf []byte) (int, error) {
	h.contentLength = lengthUntilClose
	var s headerScanner
	s.b = buf
	var err error
	for s.next() {
		key := b2s(s.key)
		value := b2s(s.value)
		if len(key) == 0 {
			continue
		}
		// Spaces between the header key and colon are not allowed, RFC 7230 section 3.2.4.
		if strings.IndexByte(key, ' ') != -1 || strings.IndexByte(key, '\t') != -1 {
			err = errors.Errorf("invalid header key %q", key)
			continue
		}
		switch key {
		case HeaderContentType:
			h.contentType = append(h.contentType[:0], value...)
			continue
		case HeaderContentLength:
			if h.contentLength != lengthChunked {
				var nerr error
				if h.contentLength, nerr = parseContentLength(value); nerr != nil {
					if err == nil {
						err = nerr
					}
					h.contentLength = lengthUntilClose
				} else {
					h.contentLengthBytes = append(h.contentLengthBytes[:0], value...)
				}
			}
			continue
		case HeaderConnection:
			if hasHeaderValue(value, strClose) {
				h.connectionClose = true
				continue
			}
		case HeaderTransferEncoding:
			if value != strIdentity {
				h.contentLength = lengthChunked
				h.h = setArg(h.h, HeaderTransferEncoding, strChunked)
			}
			continue
		}
		h.h = appendArg(h.h, key, value)
	}
	if s.err != nil && err == nil {
		err = s.err
	}
	if err != nil {
		return 0, err
	}
	if h.contentLength < 0 {
		h.contentLengthBytes = h.contentLengthBytes[:0]
	}
	if h.noHTTP11 && !h.connectionClose {
		// HTTP/1.0 closes the connection unless 'Connection: keep-alive' is set.
		h.connectionClose = !hasHeaderValue(b2s(peekArg(h.h, HeaderConnection)), strKeepAlive)
	}
	return s.hLen, nil
}

type headerScanner struct {
	b     []byte
	key   []byte
	value []byte
	err   error

	// hLen stores header subslice len.
	hLen int

	// Checking whether the next line contains a colon or not tells apart a
	// header entry from a multi line value, and yields the index of the
	// next colon and new line for the following iteration.
	nextColon   int
	nextNewLine int

	initialized bool
}

func (s *headerScanner) next() bool {
	if !s.initialized {
		s.nextColon = -1
		s.nextNewLine = -1
		s.initialized = true
	}
	bLen := len(s.b)
	if bLen >= 2 && s.b[0] == rChar && s.b[1] == nChar {
		s.b = s.b[2:]
		s.hLen += 2
		return false
	}
	if bLen >= 1 && s.b[0] == nChar {
		s.b = s.b[1:]
		s.hLen++
		return false
	}
	var n int
	if s.nextColon >= 0 {
		n = s.nextColon
		s.nextColon = -1
	} else {
		n = bytes.IndexByte(s.b, ':')
		// There can't be a \n inside the header name.
		x := bytes.IndexByte(s.b, nChar)
		if x < 0 {
			s.err = errNeedMore
			return false
		}
		if x < n {
			s.err = errInvalidName
			return false
		}
	}
	if n < 0 {
		s.err = errNeedMore
		return false
	}
	s.key = s.b[:n]
	normalizeHeaderKey(s.key)
	n++
	for len(s.b) > n && s.b[n] == ' ' {
		n++
		// Relative index shifts with the trimmed prefix. A negative value is
		// invalid and makes the newline be searched again.
		s.nextNewLine--
	}
	s.hLen += n
	s.b = s.b[n:]
	if s.nextNewLine >= 0 {
		n = s.nextNewLine
		s.nextNewLine = -1
	} else {
		n = bytes.IndexByte(s.b, nChar)
	}
	if n < 0 {
		s.err = errNeedMore
		return false
	}
	isMultiLineValue := false
	for {
		if n+1 >= len(s.b) {
			break
		}
		if s.b[n+1] != ' ' && s.b[n+1] != '\t' {
			break
		}
		d := bytes.IndexByte(s.b[n+1:], nChar)
		if d <= 0 {
			break
		} else if d == 1 && s.b[n+1] == rChar {
			break
		}
		e := n + d + 1
		if c := bytes.IndexByte(s.b[n+1:e], ':'); c >= 0 {
			s.nextColon = c
			s.nextNewLine = d - c - 1
			break
		}
		isMultiLineValue = true
		n = e
	}
	if n >= len(s.b) {
		s.err = errNeedMore
		return false
	}
	s.value = s.b[:n]
	s.hLen += n + 1
	s.b = s.b[n+1:]

	if n > 0 && s.value[n-1] == rChar {
		n--
	}
	for n > 0 && s.value[n-1] == ' ' {
		n--
	}
	s.value = s.value[:n]
	if isMultiLineValue {
		s.value = foldHeaderValue(s.value)
	}
	return true
}

// normalizeHeaderKey uppercases the first letter and every letter following
// a dash, lowercasing the rest: "conteNT-tYPE" becomes "Content-Type".
func normalizeHeaderKey(b []byte) {
	n := len(b)
	if n == 0 {
		return
	}
	b[0] = toUpperTable[b[0]]
	for i := 1; i < n; i++ {
		p := &b[i]
		if *p == '-' {
			i++
			if i < n {
				b[i] = toUpperTable[b[i]]
			}
			continue
		}
		*p = toLowerTable[*p]
	}
}

// foldHeaderValue replaces the line breaks of a multi line value with spaces,
// compacting it in place.
func foldHeaderValue(v []byte) []byte {
	write := 0
	lineStart := false
	for _, c := range v {
		switch {
		case c == rChar || c == nChar:
			if c == nChar {
				lineStart = true
			}
			continue
		case lineStart && c == '\t':
			c = ' '
		default:
			lineStart = false
		}
		v[write] = c
		write++
	}
	return v[:write]
}

func parseContentLength(b string) (int, error) {
	v, n, err := parseUintBuf(b)
	if err != nil {
		return -1, errors.Wrap(err, "cannot parse Content-Length")
	}
	if n != len(b) {
		return -1, errors.Wrap(errNonNumericChars, "cannot parse Content-Length")
	}
	return v, nil
}

func parseUintBuf(b string) (int, int, error) {
	n := len(b)
	if n == 0 {
		return -1, 0, errEmptyInt
	}
	v := 0
	for i := 0; i < n; i++ {
		k := b[i] - '0'
		if k > 9 {
			if i == 0 {
				return -1, i, errUnexpectedFirst
			}
			return v, i, nil
		}
		vNew := 10*v + int(k)
		if vNew < v {
			return -1, i, errTooLongInt
		}
		v = vNew
	}
	return v, n, nil
}

// hasHeaderValue reports whether the comma separated list s contains value.
func hasHeaderValue(s, value string) bool {
	for len(s) > 0 {
		var v string
		n := strings.IndexByte(s, ',')
		if n < 0 {
			v, s = s, ""
		} else {
			v, s = s[:n], s[n+1:]
		}
		if strings.EqualFold(stripSpace(v), value) {
			return true
		}
	}
	return false
}

func nextLine(b []byte) ([]byte, []byte, error) {
	nNext := bytes.IndexByte(b, nChar)
	if nNext < 0 {
		return nil, nil, errNeedMore
	}
	n := nNext
	if n > 0 && b[n-1] == rChar {
		n--
	}
	return b[:n], b[nNext+1:], nil
}

func stripSpace(b string) string {
	for len(b) > 0 && b[0] == ' ' {
		b = b[1:]
	}
	for len(b) > 0 && b[len(b)-1] == ' ' {
		b = b[:len(b)-1]
	}
	return b
}

func appendHeaderLine(dst []byte, key, value string) []byte {
	dst = append(dst, key...)
	dst = append(dst, strColonSpace...)
	dst = append(dst, value...)
	return append(dst, strCRLF...)
}
