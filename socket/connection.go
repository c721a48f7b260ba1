package socket

import (
	"log/slog"
	"sync"

	"github.com/kleeedolinux/portal/debug"
)

// Conn is one logical client session. It outlives the HTTP requests that
// carry it when the transport polls or streams.
type Conn struct {
	id        string
	params    Params
	transport Transport
	buffering bool
	padding   int
	onClose   func(*Conn)
	logger    *slog.Logger

	mu      sync.Mutex
	eventID int64
	cache   []*Message
	replies map[int64]ReplyFunc
	binding Binding
	padNext bool
	closed  bool
}

type connConfig struct {
	buffering bool
	padding   int
	onClose   func(*Conn)
	logger    *slog.Logger
}

// ConnOption configures a connection at creation.
type ConnOption func(*connConfig)

// BufferingClient marks the peer as a client that holds back small streamed
// responses; streamed bindings then start with a padding block.
func BufferingClient() ConnOption {
	return func(c *connConfig) {
		c.buffering = true
	}
}

func withPadding(n int) ConnOption {
	return func(c *connConfig) {
		c.padding = n
	}
}

func withCloseHook(fn func(*Conn)) ConnOption {
	return func(c *connConfig) {
		c.onClose = fn
	}
}

func withLogger(l *slog.Logger) ConnOption {
	return func(c *connConfig) {
		c.logger = l
	}
}

// NewConn creates a connection for the transport named by params["transport"].
// b may be nil when the first request carries no response to write into.
func NewConn(id string, params Params, b Binding, opts ...ConnOption) (*Conn, error) {
	t, err := ParseTransport(params.Get("transport"))
	if err != nil {
		return nil, err
	}

	cfg := connConfig{padding: DefaultPadding, logger: debug.Logger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Conn{
		id:        id,
		params:    params,
		transport: t,
		buffering: cfg.buffering,
		padding:   cfg.padding,
		onClose:   cfg.onClose,
		logger:    cfg.logger,
		replies:   make(map[int64]ReplyFunc),
	}
	if b != nil {
		c.bindLocked(b)
	}
	return c, nil
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Transport() Transport {
	return c.transport
}

func (c *Conn) Param(key string) string {
	return c.params.Get(key)
}

func (c *Conn) Params() Params {
	return c.params
}

func (c *Conn) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// LastEventID returns the id of the most recent outbound envelope.
func (c *Conn) LastEventID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventID
}

// Send transmits an event and returns the id it was assigned.
func (c *Conn) Send(event string, data interface{}) (int64, error) {
	return c.send(event, data, nil)
}

// SendWithReply transmits an event flagged for reply. fn runs once when the
// peer answers with a reply envelope carrying the returned id.
func (c *Conn) SendWithReply(event string, data interface{}, fn ReplyFunc) (int64, error) {
	if fn == nil {
		fn = func(interface{}) {}
	}
	return c.send(event, data, fn)
}

func (c *Conn) send(event string, data interface{}, fn ReplyFunc) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		debug.Printf("Socket %s: Attempted to send %s to closed socket", c.id, event)
		return 0, ErrConnectionClosed
	}

	msg := &Message{
		ID:    c.eventID + 1,
		Type:  event,
		Data:  data,
		Reply: fn != nil,
	}
	payload, err := Encode(msg)
	if err != nil {
		c.logger.Error("cannot encode message", "socket", c.id, "type", event, "error", err)
		return 0, err
	}

	c.eventID = msg.ID
	if fn != nil {
		c.replies[msg.ID] = fn
	}
	// heartbeat echoes carry nothing worth replaying
	cached := c.transport.Cacheable() && event != EventHeartbeat
	if cached {
		c.cache = append(c.cache, msg)
	}

	debug.Printf("Socket %s: Sending message: %s", c.id, payload)

	if err := c.transmitLocked(payload); err != nil {
		if cached {
			debug.Printf("Socket %s: Transmit failed, message %d stays cached: %v", c.id, msg.ID, err)
			return msg.ID, nil
		}
		return msg.ID, err
	}
	return msg.ID, nil
}

func (c *Conn) transmitLocked(payload []byte) error {
	b := c.binding
	if b == nil {
		return nil
	}

	callback := c.params.Get("callback")
	if cb, ok := b.(interface{ Callback() string }); ok && cb.Callback() != "" {
		callback = cb.Callback()
	}
	padding := 0
	if c.padNext {
		padding = c.padding
	}

	if err := b.Transmit(Frame(c.transport, payload, callback, padding)); err != nil {
		c.binding = nil
		return err
	}
	c.padNext = false
	if c.transport.LongPoll() {
		c.binding = nil
	}
	return nil
}

// Bind attaches the binding for the request currently carrying the
// connection. HTTP transports rebind on every poll or stream.
func (c *Conn) Bind(b Binding) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	c.bindLocked(b)
	return nil
}

func (c *Conn) bindLocked(b Binding) {
	c.binding = b
	c.padNext = c.buffering && c.transport.Streaming()
}

// Unbind detaches b if it is still the current binding.
func (c *Conn) Unbind(b Binding) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.binding != b {
		return false
	}
	c.binding = nil
	return true
}

// Bound reports whether a binding is attached.
func (c *Conn) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding != nil
}

// Acknowledge drops cached messages the peer reports as processed.
func (c *Conn) Acknowledge(ids ...int64) {
	if len(ids) == 0 {
		return
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCacheLocked(func(m *Message) bool {
		_, ok := seen[m.ID]
		return !ok
	})
}

// AcknowledgeThrough drops every cached message up to and including last.
func (c *Conn) AcknowledgeThrough(last int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filterCacheLocked(func(m *Message) bool {
		return m.ID > last
	})
}

func (c *Conn) filterCacheLocked(keep func(*Message) bool) {
	kept := c.cache[:0]
	for _, m := range c.cache {
		if keep(m) {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(c.cache); i++ {
		c.cache[i] = nil
	}
	c.cache = kept
}

// Cached returns the unacknowledged messages in ascending id order.
func (c *Conn) Cached() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Message, len(c.cache))
	copy(out, c.cache)
	return out
}

// FlushCache retransmits every unacknowledged message through the current
// binding as one batch and returns how many were sent.
func (c *Conn) FlushCache() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cache) == 0 || c.binding == nil || c.closed {
		return 0, nil
	}

	payload, err := Encode(c.cache)
	if err != nil {
		return 0, err
	}

	debug.Printf("Socket %s: Flushing %d cached messages", c.id, len(c.cache))

	n := len(c.cache)
	if err := c.transmitLocked(payload); err != nil {
		return 0, err
	}
	return n, nil
}

// HandleReply runs and forgets the callback registered for id. Unknown or
// already answered ids are ignored.
func (c *Conn) HandleReply(id int64, data interface{}) bool {
	c.mu.Lock()
	fn, ok := c.replies[id]
	if ok {
		delete(c.replies, id)
	}
	c.mu.Unlock()

	if !ok {
		debug.Printf("Socket %s: Ignoring reply for unknown event %d", c.id, id)
		return false
	}
	fn(data)
	return true
}

// PendingReplies returns how many sent events still wait for a reply.
func (c *Conn) PendingReplies() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

// Close ends the connection. Only the first call has an effect.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	debug.Printf("Socket %s: Closing connection", c.id)
	c.closed = true
	b := c.binding
	c.binding = nil
	hook := c.onClose
	c.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if b != nil {
		return b.Disconnect()
	}
	return nil
}
