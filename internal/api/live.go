package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// liveHub fans delivered payloads and session events from the bus out to
// websocket clients
type liveHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	subs    []*nats.Subscription
}

func newLiveHub() *liveHub {
	return &liveHub{clients: make(map[*websocket.Conn]chan []byte)}
}

// start subscribes to delivered payloads and session lifecycle events; safe
// to call once
func (h *liveHub) start(bus Bus) error {
	for _, subject := range []string{"link.*.rx", "link.session.*"} {
		sub, err := bus.Subscribe(subject, func(msg *nats.Msg) {
			h.broadcast(msg.Data)
		})
		if err != nil {
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

func (h *liveHub) stop() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}

	h.mu.Lock()
	for conn, ch := range h.clients {
		close(ch)
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// broadcast pushes a payload to every client, dropping slow ones
func (h *liveHub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- data:
		default:
			log.Debug().Msg("Dropping slow live feed client")
			close(ch)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *liveHub) add(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *liveHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}

// HandleLiveFeed upgrades to a websocket streaming delivered payloads.
// Browsers cannot set an Authorization header on websocket dials, so the
// token rides in the query string.
func (s *RESTServer) HandleLiveFeed(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.respondError(w, http.StatusUnauthorized, "missing token")
		return
	}
	if _, err := s.auth.ValidateAdminToken(token); err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if len(s.hub.subs) == 0 {
		s.respondError(w, http.StatusServiceUnavailable, "live feed unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	ch := s.hub.add(conn)
	defer s.hub.remove(conn)

	// Reader just consumes control frames and detects close
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.remove(conn)
				return
			}
		}
	}()

	for data := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
