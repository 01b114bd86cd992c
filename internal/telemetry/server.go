package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// PushServer supplements the polled telemetry file with a live
// websocket feed of the same Artifact (SPEC_FULL §4): a local dashboard
// can subscribe instead of re-reading the file every second. It is
// purely additive — the file remains the authoritative artifact (§6).
type PushServer struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewPushServer builds a PushServer. Upgrades are accepted from any
// origin: this is a loopback-only diagnostic feed, not a public API.
func NewPushServer(logger *slog.Logger) *PushServer {
	return &PushServer{
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and keeps the connection registered
// until the client disconnects (this feed is send-only; inbound
// messages are read and discarded, and a read error ends the
// subscription).
func (p *PushServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("telemetry: websocket upgrade failed", "err", err)
		return
	}

	p.mu.Lock()
	p.clients[conn] = struct{}{}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.clients, conn)
		p.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast pushes art to every currently-subscribed client, dropping
// any client whose write fails.
func (p *PushServer) Broadcast(art *Artifact) {
	data, err := json.Marshal(art)
	if err != nil {
		p.logger.Error("telemetry: marshal artifact for broadcast", "err", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(p.clients, conn)
		}
	}
}
