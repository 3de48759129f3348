// Package envelope defines the tagged message exchanged on every
// transport queue: HTTP requests/responses and the WebSocket
// connect/message/disconnect/ack sub-protocol all share this shape.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the payload variant carried by an Envelope. The
// wire values are fixed by the gateway's external protocol and must
// not be renamed without a version bump.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindWSConnect    Kind = "connect"
	KindWSMessage    Kind = "message"
	KindWSDisconnect Kind = "disconnect"
	KindWSAck        Kind = "ack"
)

// HeaderPair is an ordered name/value pair. Duplicate header names
// are preserved by keeping one pair per value rather than collapsing
// into a map.
type HeaderPair [2]string

// Name returns the header name.
func (h HeaderPair) Name() string { return h[0] }

// Value returns the header value.
func (h HeaderPair) Value() string { return h[1] }

// Headers is an ordered sequence of header pairs, serialized as a
// JSON array of two-element arrays.
type Headers []HeaderPair

// Envelope is the unit exchanged on every queue.
type Envelope struct {
	Kind    Kind            `json:"type"`
	ID      string          `json:"identifier"`
	Payload json.RawMessage `json:"payload"`
}

// New builds an Envelope by marshaling payload into the Payload field.
func New(kind Kind, id string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: marshal payload: %w", err)
	}
	return Envelope{Kind: kind, ID: id, Payload: data}, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("envelope: decode payload: %w", err)
	}
	return nil
}

// HTTPRequestPayload is the payload of a KindRequest envelope.
type HTTPRequestPayload struct {
	Method  string  `json:"method"`
	Path    string  `json:"path"`
	Headers Headers `json:"headers"`
	Body    string  `json:"body"`
}

// HTTPResponsePayload is the payload of a KindResponse envelope.
type HTTPResponsePayload struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers"`
	Body    string  `json:"body"`
}

// WSConnectPayload is the payload of a KindWSConnect envelope.
type WSConnectPayload struct {
	Path    string  `json:"path"`
	Headers Headers `json:"headers"`
}

// WSMessagePayload is the payload of a KindWSMessage envelope.
type WSMessagePayload struct {
	Body string `json:"body"`
}

// WSDisconnectPayload is the payload of a KindWSDisconnect envelope.
type WSDisconnectPayload struct {
	CloseCode int `json:"close_code"`
}

// WSAckPayload is the (empty) payload of a KindWSAck envelope.
type WSAckPayload struct{}
