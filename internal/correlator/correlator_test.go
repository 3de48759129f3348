package correlator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lance0/tunneld/internal/envelope"
	"github.com/lance0/tunneld/internal/transport"
)

// echoTunnel simulates a control session: it dequeues one request from
// subdomain's inbox and replies on the caller-provided reply queue with
// a response envelope carrying the same id.
func echoTunnel(t *testing.T, tp transport.Transport, subdomain string) {
	t.Helper()
	go func() {
		req, err := tp.Dequeue(context.Background(), subdomain)
		if err != nil {
			return
		}
		resp, _ := envelope.New(envelope.KindResponse, req.ID, envelope.HTTPResponsePayload{Status: 200})
		tp.Enqueue(context.Background(), subdomain+"_"+req.ID, resp)
	}()
}

func TestExchangeHappyPath(t *testing.T) {
	tp := transport.NewMemory()
	ctx := context.Background()
	require.NoError(t, tp.Create(ctx, "demo"))
	echoTunnel(t, tp, "demo")

	c := New(tp)
	req, err := envelope.New(envelope.KindRequest, NewID(), envelope.HTTPRequestPayload{Method: "GET", Path: "/"})
	require.NoError(t, err)

	resp, err := c.Exchange(ctx, "demo", req)
	require.NoError(t, err)
	require.Equal(t, envelope.KindResponse, resp.Kind)
	require.Equal(t, req.ID, resp.ID)
}

func TestExchangeReplyQueueAbsentBeforeAndAfter(t *testing.T) {
	tp := transport.NewMemory()
	ctx := context.Background()
	require.NoError(t, tp.Create(ctx, "demo"))
	echoTunnel(t, tp, "demo")

	c := New(tp)
	id := NewID()
	req, err := envelope.New(envelope.KindRequest, id, envelope.HTTPRequestPayload{Method: "GET", Path: "/"})
	require.NoError(t, err)

	replyName := "demo_" + id
	exists, _ := tp.Exists(ctx, replyName)
	require.False(t, exists)

	_, err = c.Exchange(ctx, "demo", req)
	require.NoError(t, err)

	exists, _ = tp.Exists(ctx, replyName)
	require.False(t, exists)
}

func TestExchangeNoTunnelReturnsNotFound(t *testing.T) {
	tp := transport.NewMemory()
	c := New(tp)

	req, err := envelope.New(envelope.KindRequest, NewID(), envelope.HTTPRequestPayload{Method: "GET", Path: "/"})
	require.NoError(t, err)

	_, err = c.Exchange(context.Background(), "ghost", req)
	require.ErrorIs(t, err, transport.ErrNotFound)

	exists, _ := tp.Exists(context.Background(), "ghost_"+req.ID)
	require.False(t, exists)
}

func TestExchangeCancellationDeletesReplyQueue(t *testing.T) {
	tp := transport.NewMemory()
	ctx := context.Background()
	require.NoError(t, tp.Create(ctx, "demo")) // tunnel exists but never replies

	c := New(tp)
	id := NewID()
	req, err := envelope.New(envelope.KindRequest, id, envelope.HTTPRequestPayload{Method: "GET", Path: "/"})
	require.NoError(t, err)

	exchangeCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	_, err = c.Exchange(exchangeCtx, "demo", req)
	require.Error(t, err)

	exists, _ := tp.Exists(ctx, "demo_"+id)
	require.False(t, exists)
}

func TestExchangeReplyQueueDeletedWhileWaitingSurfacesNotFound(t *testing.T) {
	tp := transport.NewMemory()
	ctx := context.Background()
	require.NoError(t, tp.Create(ctx, "demo"))

	c := New(tp)
	id := NewID()
	req, err := envelope.New(envelope.KindRequest, id, envelope.HTTPRequestPayload{Method: "GET", Path: "/"})
	require.NoError(t, err)

	go func() {
		// Consume the request but never reply; instead the reply queue
		// is deleted, which must end the pending Dequeue with ErrClosed.
		tp.Dequeue(ctx, "demo")
		time.Sleep(10 * time.Millisecond)
		tp.Delete(ctx, "demo_"+id)
	}()

	_, err = c.Exchange(ctx, "demo", req)
	require.ErrorIs(t, err, transport.ErrNotFound)
}
