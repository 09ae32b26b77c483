package sync

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"quillsync-be/internal/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var errSendBufferFull = errors.New("client send buffer full")

// wsClient adapts one websocket connection to the room's Conn
// interface: a buffered outbound channel drained by writePump, and a
// readPump feeding inbound frames to the room.
type wsClient struct {
	room     *Room
	conn     *websocket.Conn
	clientID string
	pongWait time.Duration
	logger   logger.ILogger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Send queues a frame for delivery. A full buffer counts as a dead
// peer; the hub will detach us.
func (c *wsClient) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.send)
	return nil
}

// ServeConn attaches the websocket connection to the room and pumps it
// until the peer goes away. It blocks for the life of the connection
// (fiber's websocket handler owns the goroutine). An attach failure is
// returned without touching the socket so the caller can re-resolve a
// parked room and try again.
func ServeConn(room *Room, conn *websocket.Conn, clientID string, pongWait time.Duration, log logger.ILogger) error {
	client := &wsClient{
		room:     room,
		conn:     conn,
		clientID: clientID,
		pongWait: pongWait,
		logger:   log,
		send:     make(chan []byte, sendBuffer),
	}

	if err := room.Attach(client, clientID); err != nil {
		return err
	}

	go client.writePump()
	client.readPump()
	return nil
}

// readPump pumps frames from the websocket into the room. Runs on the
// handler goroutine; exiting detaches the connection.
func (c *wsClient) readPump() {
	defer func() {
		c.room.Detach(c)
		_ = c.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("SyncClient", "Read error", map[string]interface{}{
					"client_id": c.clientID, "error": err.Error(),
				})
			}
			return
		}
		if err := c.room.ApplyIncoming(c, frame); err != nil {
			// Malformed frames (and failed appends) cost this
			// connection; siblings keep going.
			c.logger.Warn("SyncClient", "Dropping connection", map[string]interface{}{
				"client_id": c.clientID, "error": err.Error(),
			})
			return
		}
	}
}

// writePump drains the outbound buffer and keeps the liveness ping
// going. A peer that misses the pong window gets torn down as if it
// had closed.
func (c *wsClient) writePump() {
	pingPeriod := c.pongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
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
