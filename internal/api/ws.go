package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tviewdb/pgtview/pkg/engine"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans committed refresh events out to websocket subscribers. A client
// subscribes to entities by name; an empty filter receives everything.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	// entities filter; empty means all
	entities map[string]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, clients: make(map[*client]struct{})}
}

// Broadcast sends the refresh summary to every subscribed client. Plugged
// into engine.SetBroadcast; runs on the committing goroutine, so slow
// clients are dropped rather than waited on.
func (h *Hub) Broadcast(events []engine.RefreshEvent) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		filtered := cl.filter(events)
		if len(filtered) == 0 {
			continue
		}
		cl.mu.Lock()
		err := cl.conn.WriteJSON(map[string]any{"type": "refresh", "data": filtered})
		cl.mu.Unlock()
		if err != nil {
			h.log.Debug("dropping slow ws client", zap.Error(err))
			h.remove(cl)
		}
	}
}

func (cl *client) filter(events []engine.RefreshEvent) []engine.RefreshEvent {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.entities) == 0 {
		return events
	}
	var out []engine.RefreshEvent
	for _, ev := range events {
		if _, ok := cl.entities[ev.Entity]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	delete(h.clients, cl)
	h.mu.Unlock()
	cl.conn.Close()
}

// HandleWS upgrades the connection and handles subscribe/unsubscribe
// messages of the form {"type":"subscribe","entities":["post","user"]}.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn, entities: make(map[string]struct{})}

	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	defer h.remove(cl)

	for {
		var req struct {
			Type     string   `json:"type"`
			Entities []string `json:"entities"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Type {
		case "subscribe":
			cl.mu.Lock()
			for _, e := range req.Entities {
				cl.entities[e] = struct{}{}
			}
			cl.mu.Unlock()
			cl.mu.Lock()
			_ = conn.WriteJSON(map[string]any{"type": "subscribed", "data": req.Entities})
			cl.mu.Unlock()
		case "unsubscribe":
			cl.mu.Lock()
			clear(cl.entities)
			_ = conn.WriteJSON(map[string]any{"type": "unsubscribed", "data": "ok"})
			cl.mu.Unlock()
		default:
			cl.mu.Lock()
			_ = conn.WriteJSON(map[string]any{"type": "error", "data": "unknown message type"})
			cl.mu.Unlock()
		}
	}
}
