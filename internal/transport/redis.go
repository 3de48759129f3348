package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/lance0/tunneld/internal/envelope"
)

// Broker is a Transport backed by Redis pub/sub, letting ingress and
// control sessions live in different processes. Each queue name maps
// to one channel; create subscribes (and blocks for the subscription
// confirmation, the same ordering guarantee
// original_source/ttun_server/proxy_queue.py relies on), enqueue
// publishes JSON, and delete unsubscribes. Pub/sub has no backlog, so
// create must happen-before any enqueue for that name — callers
// (Correlator) are responsible for that ordering.
type Broker struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*brokerSub
}

type brokerSub struct {
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

// NewBroker builds a Broker transport against a Redis server reachable
// at url (e.g. "redis://localhost:6379/0").
func NewBroker(url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("transport: parse redis url: %w", err)
	}
	return &Broker{
		client: redis.NewClient(opts),
		subs:   make(map[string]*brokerSub),
	}, nil
}

// Create subscribes to name. The Redis round-trip runs without
// holding b.mu so that concurrent Creates for unrelated names (the
// common case — one reply queue per request) don't serialize on each
// other; only the map lookup/insert is locked.
func (b *Broker) Create(ctx context.Context, name string) error {
	b.mu.Lock()
	_, exists := b.subs[name]
	b.mu.Unlock()
	if exists {
		return nil
	}

	pubsub := b.client.Subscribe(ctx, name)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("transport: subscribe %s: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; ok {
		// Another Create(name) won the race; keep its subscription.
		pubsub.Close()
		return nil
	}
	b.subs[name] = &brokerSub{pubsub: pubsub, ch: pubsub.Channel()}
	return nil
}

func (b *Broker) Open(ctx context.Context, name string) error {
	exists, err := b.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (b *Broker) Exists(ctx context.Context, name string) (bool, error) {
	counts, err := b.client.PubSubNumSub(ctx, name).Result()
	if err != nil {
		return false, fmt.Errorf("transport: pubsub numsub: %w", err)
	}
	return counts[name] > 0, nil
}

func (b *Broker) Enqueue(ctx context.Context, name string, env envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, name, data).Err(); err != nil {
		return fmt.Errorf("transport: publish %s: %w", name, err)
	}
	return nil
}

func (b *Broker) Dequeue(ctx context.Context, name string) (envelope.Envelope, error) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	b.mu.Unlock()
	if !ok {
		return envelope.Envelope{}, ErrNotFound
	}

	select {
	case msg, open := <-sub.ch:
		if !open {
			return envelope.Envelope{}, ErrClosed
		}
		var env envelope.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			return envelope.Envelope{}, fmt.Errorf("transport: decode envelope: %w", err)
		}
		return env, nil
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

func (b *Broker) Delete(ctx context.Context, name string) error {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	// Unsubscribe errors are not fatal: closing the pubsub below still
	// makes the channel consumer observe ErrClosed.
	_ = sub.pubsub.Unsubscribe(ctx, name)
	return sub.pubsub.Close()
}

// Close releases the underlying Redis client. Intended for graceful
// shutdown of the whole transport, not per-queue teardown.
func (b *Broker) Close() error {
	return b.client.Close()
}
