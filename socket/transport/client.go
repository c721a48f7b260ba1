package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/portal/debug"
	"github.com/kleeedolinux/portal/socket"
)

var errClientClosed = errors.New("transport: client closed")

// ClientHandler receives an inbound event. reply answers it when the server
// asked for a reply and does nothing otherwise.
type ClientHandler func(data interface{}, reply socket.ReplyFunc)

// Client speaks the envelope protocol over a websocket, for Go peers and
// tests.
type Client struct {
	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers map[string][]ClientHandler
	replies  map[int64]socket.ReplyFunc
	eventID  int64
	closed   bool
	err      error

	sendCh       chan []byte
	writeTimeout time.Duration
	heartbeat    time.Duration
	headers      http.Header

	ctx        context.Context
	cancelFunc context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup
}

type ClientOption func(*Client)

func WithHeaders(headers http.Header) ClientOption {
	return func(c *Client) {
		c.headers = headers
	}
}

// WithClientHeartbeat makes the client send a heartbeat every d.
func WithClientHeartbeat(d time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeat = d
	}
}

func WithClientWriteTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = d
	}
}

// Dial connects to a websocket endpoint such as
// ws://host/portal?transport=ws&id=abc.
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		handlers:     make(map[string][]ClientHandler),
		replies:      make(map[int64]socket.ReplyFunc),
		sendCh:       make(chan []byte, 100),
		writeTimeout: 10 * time.Second,
		headers:      make(http.Header),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	debug.Printf("Client: Connecting to %s", url)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, url, c.headers)
	if err != nil {
		debug.Printf("Client: Connection failed: %v", err)
		return nil, err
	}
	c.conn = conn
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.sendLoop()
	go c.receiveLoop()
	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	return c, nil
}

// On adds a handler for event. Handlers run on the receive goroutine in the
// order frames arrive.
func (c *Client) On(event string, fn ClientHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *Client) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// Send emits an event and returns its id.
func (c *Client) Send(event string, data interface{}) (int64, error) {
	return c.send(event, data, nil)
}

// SendWithReply emits an event flagged for reply; fn runs once with the
// server's answer.
func (c *Client) SendWithReply(event string, data interface{}, fn socket.ReplyFunc) (int64, error) {
	if fn == nil {
		fn = func(interface{}) {}
	}
	return c.send(event, data, fn)
}

func (c *Client) send(event string, data interface{}, fn socket.ReplyFunc) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, errClientClosed
	}

	msg := socket.Message{ID: c.eventID + 1, Type: event, Data: data, Reply: fn != nil}
	frame, err := socket.Encode(msg)
	if err != nil {
		return 0, err
	}

	select {
	case c.sendCh <- frame:
	default:
		return 0, errSendBufferFull
	}

	c.eventID = msg.ID
	if fn != nil {
		c.replies[msg.ID] = fn
	}
	return msg.ID, nil
}

func (c *Client) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			c.drain()
			return
		case frame := <-c.sendCh:
			if c.writeTimeout > 0 {
				c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				debug.Printf("Client: Send error: %v", err)
				c.fail(err)
				return
			}
		}
	}
}

// drain writes what Send accepted before the close.
func (c *Client) drain() {
	for {
		select {
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Send(socket.EventHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) receiveLoop() {
	defer close(c.done)

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			debug.Printf("Client: Read error: %v", err)
			c.fail(err)
			return
		}

		msg, err := socket.Decode(frame)
		if err != nil {
			debug.Printf("Client: Dropping frame: %v", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *socket.Message) {
	if msg.Type == socket.EventReply {
		c.handleReply(msg.Data)
	}

	c.mu.RLock()
	handlers := c.handlers[msg.Type]
	c.mu.RUnlock()

	reply := func(interface{}) {}
	if msg.Reply {
		var once sync.Once
		id := msg.ID
		reply = func(v interface{}) {
			once.Do(func() {
				c.Send(socket.EventReply, map[string]interface{}{"id": id, "data": v})
			})
		}
	}

	for _, fn := range handlers {
		fn(msg.Data, reply)
	}
}

func (c *Client) handleReply(data interface{}) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	n, ok := m["id"].(json.Number)
	if !ok {
		return
	}
	id, err := n.Int64()
	if err != nil {
		return
	}

	c.mu.Lock()
	fn, ok := c.replies[id]
	delete(c.replies, id)
	c.mu.Unlock()

	if ok {
		fn(m["data"])
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil && !c.closed {
		c.err = err
	}
	c.closed = true
	c.mu.Unlock()

	c.cancelFunc()
	c.conn.Close()
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns what ended the connection, nil after Close.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	debug.Printf("Client: Closing connection")

	c.cancelFunc()
	c.wg.Wait()

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err != nil {
		debug.Printf("Client: Error sending close message: %v", err)
	}
	return c.conn.Close()
}
