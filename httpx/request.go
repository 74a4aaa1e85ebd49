package httpx

import "net/http"

// RequestHeader is the header of an outgoing HTTP/1.1 request. Requests always
// ask the server to close the connection after the response.
type RequestHeader struct {
	method     []byte
	requestURI []byte
	host       []byte
	userAgent  []byte
	h          []argsKV
	bufKV      argsKV
}

// Method returns the request method, GET by default.
func (h *RequestHeader) Method() []byte {
	if len(h.method) == 0 {
		return []byte(http.MethodGet)
	}
	return h.method
}

func (h *RequestHeader) SetMethod(method string) { h.method = append(h.method[:0], method...) }

// RequestURI returns the request target, "/" by default.
func (h *RequestHeader) RequestURI() []byte {
	if len(h.requestURI) == 0 {
		return []byte{'/'}
	}
	return h.requestURI
}

func (h *RequestHeader) SetRequestURI(uri string) { h.requestURI = append(h.requestURI[:0], uri...) }

func (h *RequestHeader) Host() []byte { return h.host }

func (h *RequestHeader) SetHost(host string) { h.host = append(h.host[:0], host...) }

// UserAgent returns the User-Agent header, a package default when unset.
func (h *RequestHeader) UserAgent() []byte {
	if len(h.userAgent) == 0 {
		return []byte(defaultUserAgent)
	}
	return h.userAgent
}

func (h *RequestHeader) SetUserAgent(userAgent string) {
	h.userAgent = append(h.userAgent[:0], userAgent...)
}

// Set sets a header other than those with dedicated setters. Framing headers
// managed by the client are ignored.
func (h *RequestHeader) Set(key, value string) {
	h.bufKV.key = append(h.bufKV.key[:0], key...)
	normalizeHeaderKey(h.bufKV.key)
	switch k := b2s(h.bufKV.key); k {
	case HeaderHost:
		h.SetHost(value)
	case HeaderUserAgent:
		h.SetUserAgent(value)
	case HeaderConnection, HeaderAcceptEncoding, HeaderContentLength, HeaderTransferEncoding:
	default:
		h.h = setArg(h.h, k, value)
	}
}

// Peek returns the value of a header set with Set.
func (h *RequestHeader) Peek(key string) []byte {
	h.bufKV.key = append(h.bufKV.key[:0], key...)
	normalizeHeaderKey(h.bufKV.key)
	return peekArg(h.h, b2s(h.bufKV.key))
}

// String returns the request header representation.
func (h *RequestHeader) String() string { return string(h.AppendBytes(nil)) }

// AppendBytes appends the request header representation to dst and returns
// the extended dst.
func (h *RequestHeader) AppendBytes(dst []byte) []byte {
	dst = append(dst, h.Method()...)
	dst = append(dst, ' ')
	dst = append(dst, h.RequestURI()...)
	dst = append(dst, ' ')
	dst = append(dst, strHTTP11...)
	dst = append(dst, strCRLF...)

	if len(h.host) > 0 {
		dst = appendHeaderLine(dst, HeaderHost, b2s(h.host))
	}
	dst = appendHeaderLine(dst, HeaderUserAgent, b2s(h.UserAgent()))
	dst = appendHeaderLine(dst, HeaderAcceptEncoding, strAcceptedCodes)
	for i := range h.h {
		kv := &h.h[i]
		dst = appendHeaderLine(dst, b2s(kv.key), b2s(kv.value))
	}
	dst = appendHeaderLine(dst, HeaderConnection, strClose)
	return append(dst, strCRLF...)
}
