// Package control runs the server side of a tunnel client's outbound
// control WebSocket: handshake, inbox pump, and reply routing
// (spec §4.F).
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lance0/tunneld/internal/correlator"
	"github.com/lance0/tunneld/internal/envelope"
	"github.com/lance0/tunneld/internal/registry"
	"github.com/lance0/tunneld/internal/transport"
)

// ErrVersionMismatch is returned when the handshake is rejected on a
// major version mismatch; no tunnel is registered in that case.
var ErrVersionMismatch = errors.New("control: client/server version mismatch")

const (
	closeClientTooOld = 4000
	closeClientTooNew = 4001

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config configures a Session's handshake behavior.
type Config struct {
	// Domain is the apex host advertised in the handshake reply URL.
	Domain string
	// Secure selects https (true) or http (false) in the advertised
	// URL scheme.
	Secure bool
	// ServerVersion is this gateway's own semver, used for version
	// gating. "development" disables gating entirely.
	ServerVersion string
}

// handshakeRequest is the client→server control frame (spec §6).
type handshakeRequest struct {
	Subdomain *string `json:"subdomain"`
	Version   string  `json:"version"`
}

// handshakeReply is the server→client control frame (spec §6).
type handshakeReply struct {
	URL string `json:"url"`
}

// Session is one control WebSocket for the lifetime of a tunnel.
type Session struct {
	conn      *websocket.Conn
	transport transport.Transport
	registry  *registry.Registry
	cfg       Config

	subdomain string
}

// New builds a Session. Run must be called to drive the handshake and
// pump/read loops.
func New(conn *websocket.Conn, t transport.Transport, r *registry.Registry, cfg Config) *Session {
	return &Session{conn: conn, transport: t, registry: r, cfg: cfg}
}

// Run performs the handshake, then blocks pumping the tunnel's inbox
// to the client and routing client replies back to their reply queues
// until the control socket closes. It always releases the tunnel
// before returning.
func (s *Session) Run(ctx context.Context) error {
	subdomain, err := s.handshake(ctx)
	if err != nil {
		return err
	}
	s.subdomain = subdomain

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		s.pumpOutbound(pumpCtx)
	}()

	err = s.readLoop()

	cancel()
	<-pumpDone
	s.registry.Release(context.Background(), s.subdomain)

	return err
}

// handshake reads the client's {subdomain, version} frame, applies
// version gating, claims a subdomain, and replies with the tunnel URL.
func (s *Session) handshake(ctx context.Context) (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("control: read handshake: %w", err)
	}

	var req handshakeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", fmt.Errorf("control: parse handshake: %w", err)
	}

	if err := s.checkVersion(req.Version); err != nil {
		return "", err
	}

	proposed := ""
	if req.Subdomain != nil {
		proposed = *req.Subdomain
	}

	subdomain, err := s.registry.Claim(ctx, proposed)
	if err != nil {
		return "", fmt.Errorf("control: claim subdomain: %w", err)
	}

	scheme := "http"
	if s.cfg.Secure {
		scheme = "https"
	}
	reply := handshakeReply{URL: fmt.Sprintf("%s://%s.%s", scheme, subdomain, s.cfg.Domain)}
	replyData, err := json.Marshal(reply)
	if err != nil {
		s.registry.Release(ctx, subdomain)
		return "", fmt.Errorf("control: marshal handshake reply: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, replyData); err != nil {
		s.registry.Release(ctx, subdomain)
		return "", fmt.Errorf("control: write handshake reply: %w", err)
	}

	return subdomain, nil
}

// checkVersion rejects the handshake with the appropriate close code
// on a major version mismatch. A client version containing "git" (a
// development build) or a server reporting "development" skips
// gating entirely (original_source/ttun_server/websockets.py).
func (s *Session) checkVersion(clientVersion string) error {
	if strings.Contains(clientVersion, "git") || s.cfg.ServerVersion == "development" {
		return nil
	}

	clientMajor, err := majorVersion(clientVersion)
	if err != nil {
		return nil
	}
	serverMajor, err := majorVersion(s.cfg.ServerVersion)
	if err != nil {
		return nil
	}

	switch {
	case clientMajor < serverMajor:
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeClientTooOld, "client too old"))
		return ErrVersionMismatch
	case clientMajor > serverMajor:
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeClientTooNew, "client too new"))
		return ErrVersionMismatch
	default:
		return nil
	}
}

func majorVersion(version string) (int, error) {
	parts := strings.SplitN(version, ".", 2)
	return strconv.Atoi(parts[0])
}

// pumpOutbound is the sole writer to the control socket: it dequeues
// envelopes from the tunnel inbox in FIFO order and forwards each as a
// JSON text frame, interleaving periodic pings so a dead connection
// behind a load balancer is caught instead of hanging forever.
func (s *Session) pumpOutbound(ctx context.Context) {
	envelopes := make(chan envelope.Envelope)
	go func() {
		defer close(envelopes)
		for {
			env, err := s.transport.Dequeue(ctx, s.subdomain)
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
			data, err := json.Marshal(env)
			if err != nil {
				log.Printf("control: tunnel %s: marshal envelope: %v", s.subdomain, err)
				continue
			}
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

// readLoop interprets every inbound client frame as a reply envelope
// and routes it to the matching reply queue by id, dropping frames
// whose waiter already gave up. It also owns the read deadline and
// pong handler that keep the keepalive ping in pumpOutbound honest.
func (s *Session) readLoop() error {
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("control: tunnel %s: malformed frame: %v", s.subdomain, err)
			continue
		}

		reply := correlator.ReplyName(s.subdomain, env.ID)
		ctx := context.Background()
		exists, err := s.transport.Exists(ctx, reply)
		if err != nil {
			log.Printf("control: tunnel %s: check reply queue: %v", s.subdomain, err)
			continue
		}
		if !exists {
			// Caller gave up; drop silently.
			continue
		}
		if err := s.transport.Enqueue(ctx, reply, env); err != nil {
			log.Printf("control: tunnel %s: route reply: %v", s.subdomain, err)
		}
	}
}
