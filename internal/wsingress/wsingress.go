// Package wsingress runs the connect/message/disconnect sub-protocol
// for a single external WebSocket session proxied through a tunnel
// (spec §4.E).
package wsingress

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lance0/tunneld/internal/correlator"
	"github.com/lance0/tunneld/internal/envelope"
	"github.com/lance0/tunneld/internal/httputil"
	"github.com/lance0/tunneld/internal/transport"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler upgrades external WebSocket connections and proxies their
// lifecycle through a tunnel.
type Handler struct {
	Transport  transport.Transport
	Correlator *correlator.Correlator
	Upgrader   websocket.Upgrader
}

// New builds a Handler backed by t and c.
func New(t transport.Transport, c *correlator.Correlator) *Handler {
	return &Handler{
		Transport:  t,
		Correlator: c,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subdomain := httputil.FirstLabel(r.Host)
	id := correlator.NewID()

	connectPayload := envelope.WSConnectPayload{
		Path:    httputil.RequestPath(r),
		Headers: httputil.HeadersFromHTTP(r.Header),
	}
	connectEnv, err := envelope.New(envelope.KindWSConnect, id, connectPayload)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	replyQueue, reply, err := h.Correlator.OpenExchange(r.Context(), subdomain, connectEnv)
	if err != nil {
		if errors.Is(err, transport.ErrNotFound) {
			http.Error(w, "tunnel not found", http.StatusNotFound)
			return
		}
		log.Printf("wsingress: connect to %s failed: %v", subdomain, err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if reply.Kind != envelope.KindWSAck {
		h.Transport.Delete(context.Background(), replyQueue)
		http.Error(w, "tunnel rejected connection", http.StatusBadGateway)
		return
	}

	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The tunnel already ack'd and believes the session is OPEN;
		// tell it otherwise before tearing the reply queue down so it
		// doesn't wait forever for messages that will never arrive.
		h.notifyTunnelDisconnect(subdomain, id, websocket.CloseAbnormalClosure)
		h.Transport.Delete(context.Background(), replyQueue)
		return
	}

	s := &session{
		conn:       conn,
		transport:  h.Transport,
		subdomain:  subdomain,
		id:         id,
		replyQueue: replyQueue,
	}
	s.run()
}

// notifyTunnelDisconnect tells the tunnel a connect it already ack'd
// never reached OPEN, so it doesn't wait forever for traffic that will
// never arrive.
func (h *Handler) notifyTunnelDisconnect(subdomain, id string, closeCode int) {
	env, err := envelope.New(envelope.KindWSDisconnect, id, envelope.WSDisconnectPayload{CloseCode: closeCode})
	if err != nil {
		return
	}
	// Best-effort: if the tunnel is already gone this is a no-op.
	h.Transport.Enqueue(context.Background(), subdomain, env)
}

// session owns the two long-lived tasks of one OPEN WebSocket
// exchange: the inbound reader (external → tunnel) and the outbound
// pump (tunnel → external).
type session struct {
	conn       *websocket.Conn
	transport  transport.Transport
	subdomain  string
	id         string
	replyQueue string
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.pumpOutbound(ctx)

	closeCode := s.pumpInbound(ctx)

	disconnectPayload := envelope.WSDisconnectPayload{CloseCode: closeCode}
	if env, err := envelope.New(envelope.KindWSDisconnect, s.id, disconnectPayload); err == nil {
		// Best-effort: if the tunnel is already gone this is a no-op.
		s.transport.Enqueue(context.Background(), s.subdomain, env)
	}

	cancel()
	s.transport.Delete(context.Background(), s.replyQueue)
	s.conn.Close()
}

// pumpOutbound dequeues envelopes from the reply queue and writes
// ws-message payloads to the external socket until the queue is
// closed or the write fails, interleaving periodic pings so a dead
// external connection is caught instead of hanging forever.
func (s *session) pumpOutbound(ctx context.Context) {
	envelopes := make(chan envelope.Envelope)
	go func() {
		defer close(envelopes)
		for {
			env, err := s.transport.Dequeue(ctx, s.replyQueue)
			if err != nil {
				return
			}
			select {
			case envelopes <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if env.Kind != envelope.KindWSMessage {
				log.Printf("wsingress: session %s: unexpected envelope kind %q", s.id, env.Kind)
				continue
			}
			var payload envelope.WSMessagePayload
			if err := env.Decode(&payload); err != nil {
				log.Printf("wsingress: session %s: decode message: %v", s.id, err)
				continue
			}
			data, err := base64.StdEncoding.DecodeString(payload.Body)
			if err != nil {
				log.Printf("wsingress: session %s: decode body: %v", s.id, err)
				continue
			}
			// The gateway cannot recover the original frame type from
			// the envelope, so it always emits text frames; clients
			// must accept either (spec §4.E, known asymmetry).
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pumpInbound reads external frames, enqueues each as a ws-message
// envelope on the tunnel inbox (no ack expected), and returns the
// close code observed when the external connection ends. It also owns
// the read deadline and pong handler that keep the keepalive ping in
// pumpOutbound honest.
func (s *session) pumpInbound(ctx context.Context) int {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				return ce.Code
			}
			return websocket.CloseAbnormalClosure
		}

		payload := envelope.WSMessagePayload{Body: base64.StdEncoding.EncodeToString(data)}
		env, err := envelope.New(envelope.KindWSMessage, s.id, payload)
		if err != nil {
			log.Printf("wsingress: session %s: encode message: %v", s.id, err)
			continue
		}
		// Fire-and-forget: dropped silently if the tunnel is gone.
		s.transport.Enqueue(ctx, s.subdomain, env)
	}
}

