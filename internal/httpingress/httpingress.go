// Package httpingress translates inbound HTTP requests into request
// envelopes, invokes the correlator, and reconstructs the HTTP
// response (spec §4.D).
package httpingress

import (
	"encoding/base64"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/lance0/tunneld/internal/correlator"
	"github.com/lance0/tunneld/internal/envelope"
	"github.com/lance0/tunneld/internal/httputil"
	"github.com/lance0/tunneld/internal/transport"
)

// Handler is an http.Handler that relays requests through a
// Correlator to the tunnel named by the first label of the Host
// header.
type Handler struct {
	Correlator *correlator.Correlator
}

// New builds a Handler backed by c.
func New(c *correlator.Correlator) *Handler {
	return &Handler{Correlator: c}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := httputil.FirstLabel(r.Host)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	payload := envelope.HTTPRequestPayload{
		Method:  r.Method,
		Path:    httputil.RequestPath(r),
		Headers: httputil.HeadersFromHTTP(r.Header),
		Body:    base64.StdEncoding.EncodeToString(body),
	}

	id := correlator.NewID()
	req, err := envelope.New(envelope.KindRequest, id, payload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	resp, err := h.Correlator.Exchange(r.Context(), subdomain, req)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Not Found"))
			return
		}
		log.Printf("httpingress: exchange with %s failed: %v", subdomain, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	var respPayload envelope.HTTPResponsePayload
	if err := resp.Decode(&respPayload); err != nil {
		log.Printf("httpingress: decode response from %s: %v", subdomain, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	decodedBody, err := base64.StdEncoding.DecodeString(respPayload.Body)
	if err != nil {
		log.Printf("httpingress: decode response body from %s: %v", subdomain, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	for _, hp := range respPayload.Headers {
		w.Header().Add(hp.Name(), hp.Value())
	}
	w.WriteHeader(respPayload.Status)
	w.Write(decodedBody)
}
