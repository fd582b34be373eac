package adminapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/clevergo/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsPushInterval = 5 * time.Second

// StatsFeed pushes pool-wide snapshots to connected admin dashboards over
// WebSocket, polling src on a fixed interval rather than wiring a
// publish/subscribe path into the stratifier itself.
type StatsFeed struct {
	src StatsSource

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewStatsFeed builds a StatsFeed reading snapshots from src.
func NewStatsFeed(src StatsSource) *StatsFeed {
	return &StatsFeed{src: src, clients: make(map[*websocket.Conn]struct{})}
}

// ServeHTTP upgrades the request and registers the connection for pushes.
func (f *StatsFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = struct{}{}
	f.mu.Unlock()

	go f.drainClient(conn)
}

// drainClient discards anything the client sends and deregisters it once
// the connection breaks.
func (f *StatsFeed) drainClient(conn *websocket.Conn) {
	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		f.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run pushes a snapshot to every connected client every wsPushInterval
// until ctx-equivalent stop is closed.
func (f *StatsFeed) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.broadcast()
		}
	}
}

func (f *StatsFeed) broadcast() {
	payload, err := json.Marshal(f.src.PoolSnapshot())
	if err != nil {
		logger.Warn("marshal stats feed snapshot", "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Warn("stats feed push failed, dropping client", "err", err)
			conn.Close()
			delete(f.clients, conn)
		}
	}
}
