package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	sendQueueSize  = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The beacon may be embedded on any page, and the admin console is
	// served same-origin; nothing sensitive flows until join-admin passes
	// session validation.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one websocket connection. It starts outside the admin group
// and joins only after a join-admin request passes session validation.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	token  string // session token captured from the handshake cookie
	joined bool
}

// ServeWS upgrades the request and runs the connection's pumps. token is
// the session token from the handshake (empty when unauthenticated).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, token string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "err", err)
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		token: token,
	}
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		if c.joined {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev envelope
		if err := json.Unmarshal(msg, &ev); err != nil {
			continue
		}
		if ev.Event == "join-admin" {
			c.handleJoin()
		}
	}
}

// handleJoin admits the connection to the admin group only when its
// session token validates. A rejected connection stays open but never
// receives visit events.
func (c *client) handleJoin() {
	if c.joined {
		return
	}
	if !c.hub.validate(c.token) {
		c.reply(envelope{Event: "error", Data: "unauthorized"})
		return
	}
	select {
	case c.hub.register <- c:
		c.joined = true
		c.reply(envelope{Event: "joined"})
	case <-c.hub.done:
	}
}

func (c *client) reply(ev envelope) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
