package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/portal/debug"
	"github.com/kleeedolinux/portal/socket"
)

var errSendBufferFull = errors.New("transport: send buffer full")

// webSocketBinding queues frames for a single writer goroutine so that
// Transmit never blocks on the network.
type webSocketBinding struct {
	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeWg      sync.WaitGroup
	writeTimeout time.Duration
	mu           sync.Mutex
	closed       bool
}

func newWebSocketBinding(conn *websocket.Conn, writeTimeout time.Duration, bufferSize int) *webSocketBinding {
	b := &webSocketBinding{
		conn:         conn,
		sendCh:       make(chan []byte, bufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: writeTimeout,
	}

	b.writeWg.Add(1)
	go b.writePump()

	return b
}

func (b *webSocketBinding) writePump() {
	defer b.writeWg.Done()

	for {
		select {
		case <-b.closeCh:
			b.drain()
			return
		case frame := <-b.sendCh:
			if b.writeTimeout > 0 {
				b.conn.SetWriteDeadline(time.Now().Add(b.writeTimeout))
			}

			if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				debug.Printf("WebSocket %s: Write failed: %v", b.conn.RemoteAddr(), err)
				// Disconnect waits for this goroutine
				go b.Disconnect()
				return
			}
		}
	}
}

// drain writes what was queued before the close.
func (b *webSocketBinding) drain() {
	for {
		select {
		case frame := <-b.sendCh:
			b.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := b.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (b *webSocketBinding) Transmit(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return socket.ErrBindingClosed
	}

	select {
	case b.sendCh <- frame:
		return nil
	default:
		debug.Printf("WebSocket %s: Send buffer full, closing connection", b.conn.RemoteAddr())
		go b.Disconnect()
		return errSendBufferFull
	}
}

func (b *webSocketBinding) Disconnect() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.writeWg.Wait()

	b.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return b.conn.Close()
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, id string, params socket.Params) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered the request
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	b := newWebSocketBinding(conn, h.writeTimeout, h.bufferSize)
	c, err := h.server.Open(id, params, b, connOptions(r)...)
	if err != nil {
		h.logger.Warn("rejecting websocket", "socket", id, "error", err)
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second),
		)
		b.Disconnect()
		return
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			debug.Printf("WebSocket %s: Read loop ended: %v", c.ID(), err)
			c.Close()
			return
		}
		h.server.Receive(c, frame)
	}
}
