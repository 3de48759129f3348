// Package correlator fans ingress callers through a tunnel's single
// inbox and routes the matching reply back, per spec §4.C.
package correlator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lance0/tunneld/internal/envelope"
	"github.com/lance0/tunneld/internal/transport"
)

// Correlator creates per-exchange reply queues, forwards requests onto
// a tunnel's inbox, and waits for the matching reply.
type Correlator struct {
	transport transport.Transport
}

// New builds a Correlator backed by t.
func New(t transport.Transport) *Correlator {
	return &Correlator{transport: t}
}

// NewID returns a fresh opaque correlation token.
func NewID() string {
	return uuid.New().String()
}

// ReplyName is the naming convention for a per-exchange reply queue,
// shared with control.Session's reply routing so both sides always
// agree on where a response belongs.
func ReplyName(subdomain, id string) string {
	return subdomain + "_" + id
}

// Exchange sends req to subdomain's tunnel and waits for the matching
// reply, tearing the reply queue down on every exit path. If no
// tunnel is live for subdomain, it returns transport.ErrNotFound; it
// also returns transport.ErrNotFound when the reply queue is deleted
// while waiting. Releasing the tunnel deletes only its inbox, not the
// reply queue, so a wait already in progress then ends only when ctx
// is done.
func (c *Correlator) Exchange(ctx context.Context, subdomain string, req envelope.Envelope) (envelope.Envelope, error) {
	reply := ReplyName(subdomain, req.ID)

	if err := c.transport.Create(ctx, reply); err != nil {
		return envelope.Envelope{}, fmt.Errorf("correlator: create reply queue: %w", err)
	}
	defer c.transport.Delete(context.Background(), reply)

	if err := c.transport.Open(ctx, subdomain); err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			return envelope.Envelope{}, transport.ErrNotFound
		}
		return envelope.Envelope{}, fmt.Errorf("correlator: open tunnel %q: %w", subdomain, err)
	}

	if err := c.transport.Enqueue(ctx, subdomain, req); err != nil {
		return envelope.Envelope{}, fmt.Errorf("correlator: enqueue request: %w", err)
	}

	resp, err := c.transport.Dequeue(ctx, reply)
	if err != nil {
		if errors.Is(err, transport.ErrClosed) {
			// The reply queue was deleted while we were waiting.
			return envelope.Envelope{}, transport.ErrNotFound
		}
		return envelope.Envelope{}, err
	}
	return resp, nil
}

// OpenExchange is Exchange's counterpart for WebSocket sessions: it
// creates the reply queue and awaits the first reply exactly like
// Exchange, but does NOT delete the reply queue on success — the
// caller owns its lifecycle for the rest of the session (spec §4.E:
// the reply queue stays alive for the session once ack'd). The
// reply queue is still torn down if any step before the first reply
// fails.
func (c *Correlator) OpenExchange(ctx context.Context, subdomain string, req envelope.Envelope) (string, envelope.Envelope, error) {
	reply := ReplyName(subdomain, req.ID)

	if err := c.transport.Create(ctx, reply); err != nil {
		return "", envelope.Envelope{}, fmt.Errorf("correlator: create reply queue: %w", err)
	}

	if err := c.transport.Open(ctx, subdomain); err != nil {
		c.transport.Delete(context.Background(), reply)
		if errors.Is(err, transport.ErrNotFound) {
			return "", envelope.Envelope{}, transport.ErrNotFound
		}
		return "", envelope.Envelope{}, fmt.Errorf("correlator: open tunnel %q: %w", subdomain, err)
	}

	if err := c.transport.Enqueue(ctx, subdomain, req); err != nil {
		c.transport.Delete(context.Background(), reply)
		return "", envelope.Envelope{}, fmt.Errorf("correlator: enqueue request: %w", err)
	}

	resp, err := c.transport.Dequeue(ctx, reply)
	if err != nil {
		c.transport.Delete(context.Background(), reply)
		if errors.Is(err, transport.ErrClosed) {
			return "", envelope.Envelope{}, transport.ErrNotFound
		}
		return "", envelope.Envelope{}, err
	}

	return reply, resp, nil
}
