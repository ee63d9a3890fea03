package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type delivery struct {
	clientID string
	message  []byte
}

// Hub pushes in-app notifications to a client's open websocket connections
type Hub struct {
	clients    map[string]map[*hubClient]bool
	register   chan *hubClient
	unregister chan *hubClient
	deliver    chan delivery
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

type hubClient struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	clientID string
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*hubClient]bool),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		deliver:    make(chan delivery, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With().Str("component", "notification_hub").Logger(),
	}
}

// Run owns the connection set until ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for c := range conns {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*hubClient]bool)
			return

		case c := <-h.register:
			if h.clients[c.clientID] == nil {
				h.clients[c.clientID] = make(map[*hubClient]bool)
			}
			h.clients[c.clientID][c] = true
			h.logger.Debug().Str("client_id", c.clientID).Int("connections", len(h.clients[c.clientID])).Msg("client connected")

		case c := <-h.unregister:
			h.drop(c)

		case d := <-h.deliver:
			for c := range h.clients[d.clientID] {
				select {
				case c.send <- d.message:
				default:
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *hubClient) {
	conns := h.clients[c.clientID]
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.clients, c.clientID)
	}
	h.logger.Debug().Str("client_id", c.clientID).Msg("client disconnected")
}

// Send queues the payload for the recipient's live connections. The log row
// is the in-app inbox, so an offline recipient is not a delivery failure.
func (h *Hub) Send(ctx context.Context, _ Channel, recipient string, payload Payload) error {
	message, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	select {
	case h.deliver <- delivery{clientID: recipient, message: message}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeWS handles GET requests upgrading to a websocket for the caller
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		client := &hubClient{
			hub:      h,
			conn:     conn,
			send:     make(chan []byte, 256),
			clientID: c.GetString("clientID"),
		}
		select {
		case h.register <- client:
		case <-h.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client_id", c.clientID).Msg("websocket closed")
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
