// internal/stream/hub.go
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/chainpay/chainpay-backend/internal/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// The feed is one-way; clients only send control frames
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	merchantID uuid.UUID
}

// Hub fans domain events out to connected dashboards. Every client is pinned
// to one merchant and only ever sees that merchant's events.
type Hub struct {
	register   chan *client
	unregister chan *client
	events     chan events.Event

	clients map[uuid.UUID]map[*client]bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		events:     make(chan events.Event, 256),
		clients:    make(map[uuid.UUID]map[*client]bool),
		stop:       make(chan struct{}),
	}
}

func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

func (h *Hub) Stop() {
	close(h.stop)
	h.wg.Wait()
}

// Push queues an event for fan-out. The feed is best-effort: the call never
// blocks, and a full queue drops the event rather than the producer.
func (h *Hub) Push(event events.Event) {
	select {
	case h.events <- event:
	default:
		logrus.WithField("event_id", event.ID).Debug("Event feed queue full, dropping event")
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stop:
			for _, conns := range h.clients {
				for c := range conns {
					close(c.send)
				}
			}
			return

		case c := <-h.register:
			if h.clients[c.merchantID] == nil {
				h.clients[c.merchantID] = make(map[*client]bool)
			}
			h.clients[c.merchantID][c] = true
			logrus.WithField("merchant_id", c.merchantID).Debug("Event feed client connected")

		case c := <-h.unregister:
			if conns, ok := h.clients[c.merchantID]; ok {
				if _, ok := conns[c]; ok {
					delete(conns, c)
					close(c.send)
					if len(conns) == 0 {
						delete(h.clients, c.merchantID)
					}
				}
			}

		case event := <-h.events:
			conns := h.clients[event.MerchantID]
			if len(conns) == 0 {
				continue
			}
			message, err := json.Marshal(event)
			if err != nil {
				logrus.WithError(err).Warn("Failed to encode event for the feed")
				continue
			}
			for c := range conns {
				select {
				case c.send <- message:
				default:
					// Slow consumer; drop the connection, not the loop.
					delete(conns, c)
					close(c.send)
				}
			}
			if len(conns) == 0 {
				delete(h.clients, event.MerchantID)
			}
		}
	}
}

// ServeClient upgrades the request and streams the merchant's events until
// either side goes away. Blocks for the life of the connection.
func (h *Hub) ServeClient(w http.ResponseWriter, r *http.Request, merchantID uuid.UUID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Failed to upgrade event feed connection")
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, 64), merchantID: merchantID}
	select {
	case h.register <- c:
	case <-h.stop:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithError(err).Debug("Event feed read error")
			}
			return
		}
		// Inbound frames are drained and ignored.
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
