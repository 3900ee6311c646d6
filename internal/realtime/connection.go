package realtime

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cossistant/realtime/internal/model"
)

const (
	// outboundBuffer bounds the per-connection send queue. A slow consumer
	// loses frames instead of stalling fanout.
	outboundBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 64 * 1024
)

// errSendBufferFull is reported to the registry when a connection's
// outbound queue is saturated.
var errSendBufferFull = errors.New("outbound buffer full")

// errorFrame is the reply to a rejected inbound frame.
type errorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// conn wraps one websocket with a single writer goroutine; gorilla permits
// at most one concurrent writer per connection. The outbound queue carries
// both RealtimeEvents and error frames so the pump stays the only writer.
type conn struct {
	id       string
	ws       *websocket.Conn
	outbound chan any
	done     chan struct{}
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:       id,
		ws:       ws,
		outbound: make(chan any, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// Send queues an event for the write pump. It never blocks; a full buffer
// or closed connection returns an error the registry logs and swallows.
func (c *conn) Send(ev model.RealtimeEvent) error {
	return c.enqueue(ev)
}

// sendError queues an error frame, dropped silently when the buffer is full.
func (c *conn) sendError(code, message string) {
	_ = c.enqueue(errorFrame{Error: code, Message: message})
}

func (c *conn) enqueue(v any) error {
	select {
	case <-c.done:
		return errors.New("connection closed")
	default:
	}
	select {
	case c.outbound <- v:
		return nil
	default:
		return errSendBufferFull
	}
}

// writePump is the connection's only writer: it drains the outbound queue
// and keeps the socket alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case v := <-c.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(v); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
