// Package httputil holds the request-shaping helpers shared by the
// HTTP and WebSocket ingress handlers, so both translate a Host/path/
// header set into envelope payloads the same way.
package httputil

import (
	"net/http"

	"github.com/lance0/tunneld/internal/envelope"
)

// RequestPath returns the request-URI with query string intact,
// always starting with "/".
func RequestPath(r *http.Request) string {
	p := r.URL.RequestURI()
	if p == "" || p[0] != '/' {
		return "/" + p
	}
	return p
}

// HeadersFromHTTP flattens an http.Header into a duplicate-preserving
// pair list suitable for an envelope payload. Values of one header name
// keep their order; the order of different names follows Go map
// iteration and does not match the order of the raw request.
func HeadersFromHTTP(h http.Header) envelope.Headers {
	out := make(envelope.Headers, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, envelope.HeaderPair{name, v})
		}
	}
	return out
}

// FirstLabel returns the first DNS label of host, stopping at the
// first '.' or ':' (port separator).
func FirstLabel(host string) string {
	for i := 0; i < len(host); i++ {
		switch host[i] {
		case '.', ':':
			return host[:i]
		}
	}
	return host
}
