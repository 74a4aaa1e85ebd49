package httpx

import (
	"bufio"
	"compress/gzip"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/pkg/errors"
)

var (
	ErrBadChunk            = errors.New("httpx: malformed chunked body")
	ErrUnsupportedEncoding = errors.New("httpx: unsupported content encoding")
)

// newBodyReader returns a reader of the body that follows h in r, framed as
// h declares: by Content-Length, chunked transfer coding or connection close.
func newBodyReader(h *ResponseHeader, r *bufio.Reader) io.Reader {
	switch {
	case h.bodyless():
		return strings.NewReader("")
	case h.contentLength >= 0:
		return &lengthReader{r: r, remaining: int64(h.contentLength)}
	case h.contentLength == lengthChunked:
		return &chunkedReader{r: r}
	default:
		return r
	}
}

// decodeBody undoes the content coding named by encoding.
func decodeBody(encoding []byte, body io.Reader) (io.Reader, error) {
	switch enc := strings.ToLower(stripSpace(b2s(encoding))); enc {
	case "", strIdentity:
		return body, nil
	case strGzip, "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, errors.Wrap(err, "gzip body")
		}
		return zr, nil
	case strBr:
		return brotli.NewReader(body), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedEncoding, "%q", enc)
	}
}

// lengthReader reads a body of known length. A connection ending before the
// whole body is read is an io.ErrUnexpectedEOF.
type lengthReader struct {
	r         io.Reader
	remaining int64
}

func (lr *lengthReader) Read(b []byte) (int, error) {
	if lr.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(b)) > lr.remaining {
		b = b[:lr.remaining]
	}
	n, err := lr.r.Read(b)
	lr.remaining -= int64(n)
	if err == io.EOF {
		if lr.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		return n, nil
	}
	return n, err
}

// chunkedReader decodes the chunked transfer coding, RFC 9112 section 7.1.
// Chunk extensions and trailer fields are discarded.
type chunkedReader struct {
	r         *bufio.Reader
	remaining int64
	inChunk   bool
	err       error
}

func (cr *chunkedReader) Read(b []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.remaining == 0 {
		if cr.inChunk {
			line, err := readLine(cr.r)
			if err == nil && len(line) != 0 {
				err = errors.Wrap(ErrBadChunk, "missing CRLF after chunk data")
			}
			if err != nil {
				cr.err = err
				return 0, err
			}
		}
		size, err := readChunkSize(cr.r)
		if err != nil {
			cr.err = err
			return 0, err
		}
		if size == 0 {
			cr.err = skipTrailer(cr.r)
			if cr.err == nil {
				cr.err = io.EOF
			}
			return 0, cr.err
		}
		cr.remaining = size
		cr.inChunk = true
	}
	if int64(len(b)) > cr.remaining {
		b = b[:cr.remaining]
	}
	n, err := cr.r.Read(b)
	cr.remaining -= int64(n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		cr.err = err
	}
	return n, err
}

func readChunkSize(r *bufio.Reader) (int64, error) {
	line, err := readLine(r)
	if err != nil {
		return 0, err
	}
	if i := strings.IndexByte(b2s(line), ';'); i >= 0 {
		line = line[:i]
	}
	line = []byte(strings.TrimRight(b2s(line), " \t"))
	return parseHexUint(line)
}

func parseHexUint(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, errors.Wrap(ErrBadChunk, "empty chunk size")
	}
	if len(b) > 15 {
		return 0, errors.Wrapf(ErrBadChunk, "chunk size %q too long", b)
	}
	var v int64
	for _, c := range b {
		k := hex2intTable[c]
		if k == 16 {
			return 0, errors.Wrapf(ErrBadChunk, "chunk size %q", b)
		}
		v = v<<4 | int64(k)
	}
	return v, nil
}

func skipTrailer(r *bufio.Reader) error {
	for {
		line, err := readLine(r)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
	}
}

// readLine returns the next line of r without its line terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice(nChar)
	switch {
	case err == bufio.ErrBufferFull:
		return nil, errors.Wrap(ErrBadChunk, "line too long")
	case err == io.EOF:
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == rChar {
		line = line[:len(line)-1]
	}
	return line, nil
}
