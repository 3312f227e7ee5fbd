package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Hub fans realtime events out to each user's open websocket connections. It
// implements the Notifier interfaces of the posts and billing packages.
type Hub struct {
	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
	now   func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*websocket.Conn]struct{}),
		now:   time.Now,
	}
}

func (h *Hub) add(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		m = make(map[*websocket.Conn]struct{})
		h.conns[userID] = m
	}
	m[c] = struct{}{}
}

func (h *Hub) remove(userID string, c *websocket.Conn) {
	if h == nil || c == nil || strings.TrimSpace(userID) == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.conns[userID]
	if m == nil {
		return
	}
	delete(m, c)
	if len(m) == 0 {
		delete(h.conns, userID)
	}
}

func (h *Hub) broadcast(userID string, msg []byte) {
	if h == nil || strings.TrimSpace(userID) == "" || len(msg) == 0 {
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, 8)
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := websocket.Message.Send(c, string(msg)); err != nil {
			_ = c.Close()
			h.remove(userID, c)
		}
	}
}

// Count returns the number of open connections for a user.
func (h *Hub) Count(userID string) int {
	if h == nil || strings.TrimSpace(userID) == "" {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[userID])
}

type realtimeEvent struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	RefID  string `json:"refId,omitempty"`
	At     string `json:"at"`
}

// Notify pushes an event to every connection of userID. Users without connections
// are skipped.
func (h *Hub) Notify(userID, eventType, refID string) {
	if h == nil || strings.TrimSpace(userID) == "" || h.Count(userID) == 0 {
		return
	}
	b, err := json.Marshal(realtimeEvent{
		Type:   eventType,
		UserID: userID,
		RefID:  refID,
		At:     h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Printf("[Realtime] marshal_failed userId=%s err=%v", userID, err)
		return
	}
	log.Printf("[Realtime] emit userId=%s type=%s refId=%s subs=%d", userID, eventType, refID, h.Count(userID))
	h.broadcast(userID, b)
}

// EventsWebSocket streams the caller's realtime events.
//
// URL: /api/events/ws?userId=...
// Auth: bearer token (header or access_token query) whose subject matches userId.
func (h *Handler) EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	wsServer := websocket.Server{
		// Origin is not checked; the bearer token authenticates the caller.
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil
		},
		Handler: func(c *websocket.Conn) {
			log.Printf("[RealtimeWS] connect userId=%s remote=%s", userID, r.RemoteAddr)
			h.hub.add(userID, c)
			defer h.hub.remove(userID, c)
			defer log.Printf("[RealtimeWS] disconnect userId=%s remote=%s", userID, r.RemoteAddr)

			hello := realtimeEvent{Type: "hello", UserID: userID, At: time.Now().UTC().Format(time.RFC3339)}
			if b, err := json.Marshal(hello); err == nil {
				_ = websocket.Message.Send(c, string(b))
			}

			// Read loop to keep the connection open and detect disconnects.
			for {
				var ignored string
				if err := websocket.Message.Receive(c, &ignored); err != nil {
					return
				}
			}
		},
	}
	wsServer.ServeHTTP(w, r)
}
