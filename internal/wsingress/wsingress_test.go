package wsingress

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/lance0/tunneld/internal/correlator"
	"github.com/lance0/tunneld/internal/envelope"
	"github.com/lance0/tunneld/internal/httputil"
	"github.com/lance0/tunneld/internal/transport"
)

func newTestServer(t *testing.T, tp transport.Transport, host string) (*httptest.Server, string) {
	t.Helper()
	h := New(tp, correlator.New(tp))
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		r.Host = host
		h.ServeHTTP(w, r)
	})
	srv := httptest.NewServer(mux)
	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1)
	return srv, wsURL
}

func TestWebSocketHandshakeRejectedWhenTunnelDoesNotAck(t *testing.T) {
	tp := transport.NewMemory()
	require.NoError(t, tp.Create(context.Background(), "demo"))
	go func() {
		req, err := tp.Dequeue(context.Background(), "demo")
		if err != nil {
			return
		}
		resp, _ := envelope.New(envelope.KindResponse, req.ID, envelope.HTTPResponsePayload{Status: 502})
		tp.Enqueue(context.Background(), "demo_"+req.ID, resp)
	}()

	srv, wsURL := newTestServer(t, tp, "demo.tunneld.test")
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/socket", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestWebSocketHandshakeNotFoundWhenNoTunnel(t *testing.T) {
	tp := transport.NewMemory()
	srv, wsURL := newTestServer(t, tp, "ghost.tunneld.test")
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"/socket", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketConnectMessageDisconnectRoundTrip(t *testing.T) {
	tp := transport.NewMemory()
	ctx := context.Background()
	require.NoError(t, tp.Create(ctx, "demo"))

	disconnected := make(chan envelope.WSDisconnectPayload, 1)

	// Simulate the tunnel client's control-session side of one WS
	// exchange: ack the connect, then echo any inbound message back on
	// the reply queue the gateway gave us.
	go func() {
		connectEnv, err := tp.Dequeue(ctx, "demo")
		if err != nil {
			return
		}
		replyQueue := "demo_" + connectEnv.ID
		require.NoError(t, tp.Create(ctx, replyQueue))
		ack, _ := envelope.New(envelope.KindWSAck, connectEnv.ID, envelope.WSAckPayload{})
		require.NoError(t, tp.Enqueue(ctx, replyQueue, ack))

		for {
			env, err := tp.Dequeue(ctx, "demo")
			if err != nil {
				return
			}
			switch env.Kind {
			case envelope.KindWSMessage:
				var payload envelope.WSMessagePayload
				env.Decode(&payload)
				echoed, _ := envelope.New(envelope.KindWSMessage, env.ID, payload)
				tp.Enqueue(ctx, replyQueue, echoed)
			case envelope.KindWSDisconnect:
				var payload envelope.WSDisconnectPayload
				env.Decode(&payload)
				disconnected <- payload
				return
			}
		}
	}()

	srv, wsURL := newTestServer(t, tp, "demo.tunneld.test")
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/socket", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "ping", string(data))

	require.NoError(t, conn.Close())

	select {
	case payload := <-disconnected:
		// conn.Close drops the TCP connection without a close frame, so
		// the gateway observes an abnormal closure.
		require.Equal(t, websocket.CloseAbnormalClosure, payload.CloseCode)
	case <-time.After(time.Second):
		t.Fatal("tunnel never observed a disconnect envelope")
	}
}

func TestFirstLabelStripsPortAndRemainder(t *testing.T) {
	require.Equal(t, "demo", httputil.FirstLabel("demo.tunneld.test"))
	require.Equal(t, "demo", httputil.FirstLabel("demo.tunneld.test:8080"))
}

func TestMessagePayloadBase64BodyRoundTrip(t *testing.T) {
	payload := envelope.WSMessagePayload{Body: base64.StdEncoding.EncodeToString([]byte("abc"))}
	env, err := envelope.New(envelope.KindWSMessage, "x", payload)
	require.NoError(t, err)

	var decoded envelope.WSMessagePayload
	require.NoError(t, env.Decode(&decoded))
	raw, err := base64.StdEncoding.DecodeString(decoded.Body)
	require.NoError(t, err)
	require.Equal(t, "abc", string(raw))
}
