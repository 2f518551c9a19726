package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-tracking/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one websocket subscribed to a ride.
type Conn struct {
	rideID string
	ws     *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue reports false when the subscriber is too slow and has been cut off.
func (c *Conn) enqueue(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWS upgrades the request and serves one ride socket until the peer leaves or ctx
// ends. Every frame the peer sends is a Patch for rideID.
func (h *Hub) ServeWS(ctx context.Context, w http.ResponseWriter, r *http.Request, rideID string) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &Conn{rideID: rideID, ws: ws, send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.logger.InfoContext(ctx, "ride socket opened", "ride_id", rideID, "remote_addr", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	h.readPump(ctx, c)
	stop()

	h.unregister(c)
	c.shutdown()
	<-writerDone
	h.logger.InfoContext(ctx, "ride socket closed", "ride_id", rideID)
	return nil
}

func (h *Hub) readPump(ctx context.Context, c *Conn) {
	defer c.ws.Close()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WarnContext(ctx, "ride socket read failed", "ride_id", c.rideID, "error", err)
			}
			return
		}
		var p models.Patch
		if err := json.Unmarshal(data, &p); err != nil {
			h.logger.WarnContext(ctx, "ignoring undecodable frame", "ride_id", c.rideID, "error", err)
			continue
		}
		// The socket's ride wins over whatever the frame claims.
		p.RideID = c.rideID
		if _, err := h.Submit(ctx, "websocket", p); err != nil {
			h.logger.InfoContext(ctx, "patch rejected", "ride_id", c.rideID, "updated_by", p.UpdatedBy, "error", err)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
