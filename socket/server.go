package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kleeedolinux/portal/debug"
)

const tracerName = "github.com/kleeedolinux/portal/socket"

// Server owns the connections of one application: their lifecycle, heartbeat
// supervision and the decode, dispatch, encode pipeline.
type Server struct {
	name       string
	conns      sync.Map
	timers     sync.Map
	count      atomic.Int64
	dispatcher *Dispatcher
	rooms      *RoomManager
	attrs      Attrs

	heartbeat  time.Duration
	padding    int
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics
	tracer     trace.Tracer
}

type ServerOption func(*Server)

func WithName(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// WithHeartbeat sets how long an HTTP connection may stay silent before it is
// closed. Zero disables supervision.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// WithPadding sets the padding written ahead of streamed frames for
// buffering clients.
func WithPadding(n int) ServerOption {
	return func(s *Server) {
		s.padding = n
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRegisterer registers the server metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		s.registerer = reg
	}
}

func WithTracer(t trace.Tracer) ServerOption {
	return func(s *Server) {
		s.tracer = t
	}
}

func WithDispatcher(d *Dispatcher) ServerOption {
	return func(s *Server) {
		s.dispatcher = d
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		name:      "default",
		rooms:     NewRoomManager(),
		heartbeat: 20 * time.Second,
		padding:   DefaultPadding,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dispatcher == nil {
		s.dispatcher = NewDispatcher()
	}
	if s.logger == nil {
		s.logger = debug.Logger()
	}
	s.logger = s.logger.With("server", s.name)
	if s.registerer == nil {
		s.registerer = prometheus.NewRegistry()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.metrics = newMetrics(s.registerer, s.name)
	s.dispatcher.onReply = s.metrics.replies.Inc

	return s
}

func (s *Server) Name() string {
	return s.name
}

// Heartbeat returns the supervision interval; zero means unsupervised.
func (s *Server) Heartbeat() time.Duration {
	return s.heartbeat
}

func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Attrs is the application attribute store.
func (s *Server) Attrs() *Attrs {
	return &s.attrs
}

// HandleFunc registers fn for event with the socket and payload as arguments.
func (s *Server) HandleFunc(event string, fn func(c *Conn, data interface{})) error {
	return s.dispatcher.On(event, fn)
}

// Open creates and registers a connection and fires "open" before returning.
// An empty id is replaced by a generated one.
func (s *Server) Open(id string, params Params, b Binding, opts ...ConnOption) (*Conn, error) {
	if id == "" {
		id = params.Get("id")
	}
	if id == "" {
		id = generateID()
	}

	opts = append(opts, withPadding(s.padding), withLogger(s.logger), withCloseHook(s.onClose))
	c, err := NewConn(id, params, b, opts...)
	if err != nil {
		s.metrics.dropped.WithLabelValues("protocol").Inc()
		s.logger.Warn("rejecting socket", "socket", id, "error", err)
		return nil, err
	}

	if _, loaded := s.conns.LoadOrStore(id, c); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSocket, id)
	}
	s.count.Add(1)
	s.metrics.active.Inc()
	s.metrics.opened.WithLabelValues(c.Transport().String()).Inc()

	if c.Transport() != TransportWebSocket && s.heartbeat > 0 {
		s.timers.Store(id, time.AfterFunc(s.heartbeat, func() { s.expire(c) }))
	}

	s.logger.Info("socket opened", "socket", id, "transport", c.Transport().String())

	if err := s.dispatcher.Fire(EventOpen, c, nil); err != nil {
		s.logger.Error("open handler failed", "socket", id, "error", err)
	}
	return c, nil
}

func (s *Server) onClose(c *Conn) {
	if t, ok := s.timers.LoadAndDelete(c.ID()); ok {
		t.(*time.Timer).Stop()
	}
	if s.conns.CompareAndDelete(c.ID(), c) {
		s.count.Add(-1)
		s.metrics.active.Dec()
	}
	s.rooms.LeaveAll(c)
	s.metrics.closed.WithLabelValues(c.Transport().String()).Inc()

	s.logger.Info("socket closed", "socket", c.ID())

	if err := s.dispatcher.Fire(EventClose, c, nil); err != nil {
		s.logger.Error("close handler failed", "socket", c.ID(), "error", err)
	}
}

func (s *Server) expire(c *Conn) {
	if !c.Opened() {
		return
	}
	err := &TransportTimeout{Socket: c.ID(), After: s.heartbeat.String()}
	s.logger.Warn("closing silent socket", "socket", c.ID(), "error", err)
	s.metrics.heartbeatTimeouts.Inc()
	c.Close()
}

func (s *Server) resetHeartbeat(c *Conn) {
	if t, ok := s.timers.Load(c.ID()); ok {
		t.(*time.Timer).Reset(s.heartbeat)
	}
}

func (s *Server) Find(id string) (*Conn, bool) {
	v, ok := s.conns.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Conn), true
}

// Sockets returns the open connections ordered by id.
func (s *Server) Sockets() []*Conn {
	var conns []*Conn
	s.conns.Range(func(_, v any) bool {
		conns = append(conns, v.(*Conn))
		return true
	})
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].ID() < conns[j].ID()
	})
	return conns
}

func (s *Server) Count() int {
	return int(s.count.Load())
}

func (s *Server) Room(name string) *Room {
	return s.rooms.Room(name)
}

func (s *Server) Rooms() *RoomManager {
	return s.rooms
}

// Broadcast sends the event to every open connection.
func (s *Server) Broadcast(event string, data interface{}) int {
	delivered := 0
	for _, c := range s.Sockets() {
		if deliver(c, event, data) {
			delivered++
		}
	}
	return delivered
}

// Receive handles one complete inbound frame of c. A returned error means the
// frame was dropped; the connection stays open.
func (s *Server) Receive(c *Conn, raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		s.metrics.dropped.WithLabelValues("protocol").Inc()
		s.logger.Warn("dropping malformed frame", "socket", c.ID(), "error", err)
		return err
	}
	return s.dispatch(c, msg)
}

// ReceiveRaw handles a frame that names its connection in the socket field,
// as HTTP transports post them.
func (s *Server) ReceiveRaw(raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		s.metrics.dropped.WithLabelValues("protocol").Inc()
		s.logger.Warn("dropping malformed frame", "error", err)
		return err
	}

	c, ok := s.Find(msg.Socket)
	if !ok {
		s.metrics.dropped.WithLabelValues("unknown_socket").Inc()
		s.logger.Warn("dropping frame for unknown socket", "socket", msg.Socket, "type", msg.Type)
		return fmt.Errorf("%w: %q", ErrSocketNotFound, msg.Socket)
	}
	return s.dispatch(c, msg)
}

func (s *Server) dispatch(c *Conn, msg *Message) error {
	_, span := s.tracer.Start(context.Background(), "portal.receive",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("portal.server", s.name),
			attribute.String("portal.socket", c.ID()),
			attribute.String("portal.event", msg.Type),
			attribute.Int64("portal.event_id", msg.ID),
			attribute.Bool("portal.reply", msg.Reply),
		),
	)
	defer span.End()

	s.metrics.received.WithLabelValues(msg.Type).Inc()
	debug.Printf("Server: Socket %s received event %s", c.ID(), msg.Type)

	switch msg.Type {
	case EventHeartbeat:
		s.resetHeartbeat(c)
		if _, err := c.Send(EventHeartbeat, nil); err != nil {
			debug.Printf("Server: Heartbeat echo to socket %s failed: %v", c.ID(), err)
		}
	case EventReply:
		id, data, err := parseReply(msg.Data)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.dropped.WithLabelValues("protocol").Inc()
			s.logger.Warn("dropping malformed reply", "socket", c.ID(), "error", err)
			return err
		}
		c.HandleReply(id, data)
	}

	start := time.Now()
	var err error
	if msg.Reply {
		err = s.dispatcher.FireReply(msg.Type, c, msg.Data, msg.ID)
	} else {
		err = s.dispatcher.Fire(msg.Type, c, msg.Data)
	}
	s.metrics.fireDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.dropped.WithLabelValues("handler").Inc()
		s.logger.Error("handler failed", "socket", c.ID(), "type", msg.Type, "error", err)
		return err
	}
	return nil
}

func parseReply(data interface{}) (int64, interface{}, error) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return 0, nil, &ProtocolError{Reason: "reply data is not an object"}
	}
	switch id := m["id"].(type) {
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return 0, nil, &ProtocolError{Reason: "reply id is not an integer", Err: err}
		}
		return n, m["data"], nil
	case float64:
		return int64(id), m["data"], nil
	default:
		return 0, nil, &ProtocolError{Reason: "reply has no id"}
	}
}

// Ack is what a reconnecting client reports as processed: explicit ids
// (long polling) and/or a watermark (streaming).
type Ack struct {
	IDs  []int64
	Last int64
}

// Reconnect attaches the binding of a new request to c, drops what the peer
// acknowledged and resends the rest. It returns how many messages were sent.
func (s *Server) Reconnect(c *Conn, b Binding, ack Ack) (int, error) {
	if err := c.Bind(b); err != nil {
		return 0, err
	}
	c.Acknowledge(ack.IDs...)
	if ack.Last > 0 {
		c.AcknowledgeThrough(ack.Last)
	}

	n, err := c.FlushCache()
	if err != nil {
		s.logger.Warn("replay failed", "socket", c.ID(), "error", err)
		return 0, err
	}
	if n > 0 {
		debug.Printf("Server: Replayed %d messages to socket %s", n, c.ID())
	}
	return n, nil
}

// Close closes the connection with the given id.
func (s *Server) Close(id string) error {
	c, ok := s.Find(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSocketNotFound, id)
	}
	return c.Close()
}

// Shutdown closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, c := range s.Sockets() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Close(); err != nil {
			s.logger.Warn("error closing socket", "socket", c.ID(), "error", err)
		}
	}
	return nil
}
