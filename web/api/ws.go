package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds to loopback by default; same-origin checks add
	// nothing there and break local tooling.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSHub tracks websocket clients and fans events out to them.
type WSHub struct {
	clients map[*websocket.Conn]chan Event
	mu      sync.Mutex
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[*websocket.Conn]chan Event)}
}

// Broadcast queues event for every connected client. Slow clients are
// dropped rather than allowed to stall the rest.
func (h *WSHub) Broadcast(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- event:
		default:
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

func (h *WSHub) add(conn *websocket.Conn) chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *WSHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		events := s.wsHub.add(conn)

		// Reader: we expect no client messages, but the read loop is
		// what notices the peer going away.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					s.wsHub.remove(conn)
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(event); err != nil {
					s.wsHub.remove(conn)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					s.wsHub.remove(conn)
					return
				}
			}
		}
	}
}
