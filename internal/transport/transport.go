// Package transport abstracts the named message queues that carry
// envelopes between ingress, the correlator, and control sessions. Two
// implementations exist: an in-memory queue for a single process and
// a Redis pub/sub backed queue for multi-process deployments.
package transport

import (
	"context"
	"errors"

	"github.com/lance0/tunneld/internal/envelope"
)

// ErrNotFound is returned by Open and Dequeue when no queue exists
// under the given name.
var ErrNotFound = errors.New("transport: queue not found")

// ErrClosed is returned by a pending Dequeue when the queue is
// deleted while the caller is waiting.
var ErrClosed = errors.New("transport: queue closed")

// Transport is the pluggable backing store for named FIFO queues.
type Transport interface {
	// Create establishes a queue under name. Idempotent.
	Create(ctx context.Context, name string) error
	// Open attaches to an existing queue, failing with ErrNotFound if
	// none exists.
	Open(ctx context.Context, name string) error
	// Enqueue publishes env on the named queue. If the queue does not
	// exist, the envelope is silently dropped (mirrors pub/sub with no
	// subscriber).
	Enqueue(ctx context.Context, name string, env envelope.Envelope) error
	// Dequeue blocks until the next envelope arrives, the context is
	// cancelled, or the queue is deleted (ErrClosed).
	Dequeue(ctx context.Context, name string) (envelope.Envelope, error)
	// Exists reports whether a queue is currently live.
	Exists(ctx context.Context, name string) (bool, error)
	// Delete removes the queue, cancelling any pending Dequeue with
	// ErrClosed.
	Delete(ctx context.Context, name string) error
}
