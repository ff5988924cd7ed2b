package notifications

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Hub fans notifications out to every open websocket of a user.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*subscriber]struct{}
	upgrader websocket.Upgrader
	log      *logger.Logger
}

type subscriber struct {
	userID string
	conn   *websocket.Conn
	send   chan notification.Notification
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

// NewHub creates an empty hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notification-hub")
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[string]map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		log: log,
	}
}

// Publish delivers n to the user's live connections. Slow connections drop
// the message rather than block the caller.
func (h *Hub) Publish(n notification.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.clients[n.UserID] {
		select {
		case sub.send <- n:
		default:
			h.log.WithField("user_id", n.UserID).Warn("websocket buffer full, dropping notification")
		}
	}
}

// Connections returns the number of live sockets for a user.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Serve upgrades the request and streams the user's notifications until the
// client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	sub := &subscriber{
		userID: userID,
		conn:   conn,
		send:   make(chan notification.Notification, sendBuffer),
	}
	h.register(sub)
	go h.writeLoop(sub)
	h.readLoop(sub)
	return nil
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, subs := range h.clients {
		for sub := range subs {
			sub.close()
		}
		delete(h.clients, userID)
	}
}

func (h *Hub) register(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[sub.userID] == nil {
		h.clients[sub.userID] = make(map[*subscriber]struct{})
	}
	h.clients[sub.userID][sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.clients[sub.userID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.clients, sub.userID)
		}
	}
	sub.close()
}

// readLoop only watches for pongs and the close frame.
func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		sub.conn.Close()
	}()
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.WithError(err).WithField("user_id", sub.userID).Debug("websocket closed")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()
	for {
		select {
		case n, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteJSON(n); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
