// Package gateway wires the transport, registry, correlator, and
// ingress/control handlers into the public HTTP(S) surface described
// in spec §6: the wildcard subdomain host for HTTP/WebSocket ingress,
// and the reserved apex paths for health checks and the control
// socket.
package gateway

import (
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/lance0/tunneld/internal/control"
	"github.com/lance0/tunneld/internal/correlator"
	"github.com/lance0/tunneld/internal/httpingress"
	"github.com/lance0/tunneld/internal/registry"
	"github.com/lance0/tunneld/internal/transport"
	"github.com/lance0/tunneld/internal/wsingress"
)

// Config holds the gateway's runtime configuration.
type Config struct {
	// Domain is the apex host; requests to exactly this host hit the
	// reserved routes instead of tunnel ingress.
	Domain string
	// Secure selects https in advertised tunnel URLs.
	Secure bool
	// ServerVersion gates control handshakes; "development" disables
	// gating.
	ServerVersion string
}

// Gateway is the top-level http.Handler for the tunneling service.
type Gateway struct {
	cfg        Config
	transport  transport.Transport
	registry   *registry.Registry
	correlator *correlator.Correlator

	httpIngress     *httpingress.Handler
	wsIngress       *wsingress.Handler
	controlUpgrader websocket.Upgrader

	apex *mux.Router
}

// New wires a Gateway around t.
func New(cfg Config, t transport.Transport) *Gateway {
	reg := registry.New(t)
	corr := correlator.New(t)

	g := &Gateway{
		cfg:        cfg,
		transport:  t,
		registry:   reg,
		correlator: corr,

		httpIngress: httpingress.New(corr),
		wsIngress:   wsingress.New(t, corr),
		controlUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	apex := mux.NewRouter()
	apex.HandleFunc("/health/", g.handleHealth).Methods(http.MethodGet)
	apex.HandleFunc("/tunnel/", g.handleControl)
	g.apex = apex

	return g
}

// ServeHTTP dispatches on Host: the apex host gets the reserved
// routes, everything else is tunnel ingress keyed by its first DNS
// label (spec §6).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if stripPort(r.Host) == g.cfg.Domain {
		g.apex.ServeHTTP(w, r)
		return
	}

	if isWebSocketUpgrade(r) {
		g.wsIngress.ServeHTTP(w, r)
		return
	}
	g.httpIngress.ServeHTTP(w, r)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (g *Gateway) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := g.controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: control upgrade failed: %v", err)
		return
	}

	sess := control.New(conn, g.transport, g.registry, control.Config{
		Domain:        g.cfg.Domain,
		Secure:        g.cfg.Secure,
		ServerVersion: g.cfg.ServerVersion,
	})

	if err := sess.Run(r.Context()); err != nil {
		log.Printf("gateway: control session ended: %v", err)
	}
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i != -1 {
		return host[:i]
	}
	return host
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
