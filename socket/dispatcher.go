package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kleeedolinux/portal/debug"
)

// Role is what a handler argument slot receives.
type Role int

const (
	RoleSocket Role = iota + 1
	RoleData
	RoleReply
)

func (r Role) String() string {
	switch r {
	case RoleSocket:
		return "socket"
	case RoleData:
		return "data"
	case RoleReply:
		return "reply"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// Param describes one argument slot of a handler. Path narrows RoleData to a
// field of the payload, dot separated.
type Param struct {
	Role Role
	Path string
}

func SocketParam() Param {
	return Param{Role: RoleSocket}
}

func DataParam(path string) Param {
	return Param{Role: RoleData, Path: path}
}

func ReplyParam() Param {
	return Param{Role: RoleReply}
}

// Plan lists the argument slots of a handler in call order.
type Plan []Param

var (
	connType  = reflect.TypeOf((*Conn)(nil))
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	anyType   = reflect.TypeOf((*interface{})(nil)).Elem()
)

type errorKind struct {
	name  string
	match func(error) bool
}

type handler struct {
	event    string
	order    int
	plan     Plan
	fn       reflect.Value
	in       []reflect.Type
	valueOut int
	errorOut int
	replies  bool
	replyArg bool
	kinds    []errorKind
	badKinds bool
}

// HandlerOption adjusts how a handler answers and fails.
type HandlerOption func(*handler)

// Replies sends the handler's return value back as the reply.
func Replies() HandlerOption {
	return func(h *handler) {
		h.replies = true
	}
}

// Throws declares errors that are answered as exception replies instead of
// failing the fire. Matching uses errors.Is.
func Throws(kinds ...error) HandlerOption {
	return func(h *handler) {
		if len(kinds) == 0 {
			h.badKinds = true
			return
		}
		for _, kind := range kinds {
			kind := kind
			h.kinds = append(h.kinds, errorKind{
				name:  kind.Error(),
				match: func(err error) bool { return errors.Is(err, kind) },
			})
		}
	}
}

// ThrowsAs declares an error type answered as an exception reply. Matching
// uses errors.As.
func ThrowsAs[E error]() HandlerOption {
	return func(h *handler) {
		h.kinds = append(h.kinds, errorKind{
			name: reflect.TypeOf((*E)(nil)).Elem().String(),
			match: func(err error) bool {
				var target E
				return errors.As(err, &target)
			},
		})
	}
}

// Dispatcher routes events to ordered handler chains.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]*handler
	onReply  func()
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]*handler),
	}
}

// Register binds target to event. target must be a func taking one argument
// per plan slot and returning nothing, an error, a value, or a value and an
// error. Chains run in ascending order, ties in registration order.
func (d *Dispatcher) Register(event string, order int, plan Plan, target interface{}, opts ...HandlerOption) error {
	h, err := newHandler(event, order, plan, target, opts)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	debug.Printf("Dispatcher: Registering handler for event: %s (order %d)", event, order)

	chain := make([]*handler, len(d.handlers[event]), len(d.handlers[event])+1)
	copy(chain, d.handlers[event])
	chain = append(chain, h)
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].order < chain[j].order
	})
	d.handlers[event] = chain
	return nil
}

// On registers fn with the socket and whole payload as arguments.
func (d *Dispatcher) On(event string, fn func(c *Conn, data interface{})) error {
	return d.Register(event, 0, Plan{SocketParam(), DataParam("")}, fn)
}

func (d *Dispatcher) Handlers(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

func (d *Dispatcher) Events() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	events := make([]string, 0, len(d.handlers))
	for event := range d.handlers {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

// Fire runs the handlers of event against c without a reply channel.
func (d *Dispatcher) Fire(event string, c *Conn, data interface{}) error {
	return d.fire(event, c, data, false, 0)
}

// FireReply runs the handlers of event for an envelope that asked for a
// reply. replyID is the id the peer assigned to that envelope.
func (d *Dispatcher) FireReply(event string, c *Conn, data interface{}, replyID int64) error {
	return d.fire(event, c, data, true, replyID)
}

func (d *Dispatcher) fire(event string, c *Conn, data interface{}, replyExpected bool, replyID int64) error {
	d.mu.RLock()
	chain := d.handlers[event]
	d.mu.RUnlock()

	if c != nil {
		debug.Printf("Dispatcher: Firing %s to socket %s with %d handlers", event, c.ID(), len(chain))
	}

	var r *replier
	if replyExpected {
		for _, h := range chain {
			if h.replies || h.replyArg {
				r = &replier{conn: c, id: replyID, onReply: d.onReply}
				break
			}
		}
	}

	for _, h := range chain {
		if err := h.handle(c, data, r); err != nil {
			return err
		}
	}
	return nil
}

type replyData struct {
	ID        int64       `json:"id"`
	Data      interface{} `json:"data"`
	Exception bool        `json:"exception,omitempty"`
}

// replier sends at most one reply envelope per fired event.
type replier struct {
	conn    *Conn
	id      int64
	done    atomic.Bool
	onReply func()
}

func (r *replier) reply(data interface{}, exception bool) {
	if r == nil {
		return
	}
	if !r.done.CompareAndSwap(false, true) {
		debug.Printf("Dispatcher: Ignoring second reply to event %d", r.id)
		return
	}
	if _, err := r.conn.Send(EventReply, replyData{ID: r.id, Data: data, Exception: exception}); err != nil {
		debug.Printf("Dispatcher: Reply to event %d not sent: %v", r.id, err)
		return
	}
	if r.onReply != nil {
		r.onReply()
	}
}

func newHandler(event string, order int, plan Plan, target interface{}, opts []HandlerOption) (*handler, error) {
	fail := func(format string, args ...interface{}) error {
		return &ConfigurationError{Event: event, Reason: fmt.Sprintf(format, args...)}
	}

	fn := reflect.ValueOf(target)
	if target == nil || fn.Kind() != reflect.Func {
		return nil, fail("target %T is not a func", target)
	}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fail("target %s is variadic", ft)
	}
	if ft.NumIn() != len(plan) {
		return nil, fail("target %s takes %d arguments but the plan resolves %d", ft, ft.NumIn(), len(plan))
	}

	h := &handler{
		event:    event,
		order:    order,
		plan:     append(Plan(nil), plan...),
		fn:       fn,
		valueOut: -1,
		errorOut: -1,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.badKinds {
		return nil, fail("Throws declares no error kinds")
	}

	socketAt, replyAt := -1, -1
	paths := make(map[string]int)
	for i, p := range plan {
		t := ft.In(i)
		h.in = append(h.in, t)
		switch p.Role {
		case RoleSocket:
			if socketAt >= 0 {
				return nil, fail("socket is duplicated at argument %d and %d", socketAt, i)
			}
			if !connType.AssignableTo(t) {
				return nil, fail("argument %d has type %s and cannot receive the socket", i, t)
			}
			socketAt = i
		case RoleData:
			if prev, ok := paths[p.Path]; ok {
				return nil, fail("data path %q is duplicated at argument %d and %d", p.Path, prev, i)
			}
			paths[p.Path] = i
		case RoleReply:
			if replyAt >= 0 {
				return nil, fail("reply is duplicated at argument %d and %d", replyAt, i)
			}
			if !isReplyType(t) {
				return nil, fail("argument %d has type %s and cannot receive the reply callback", i, t)
			}
			replyAt = i
		default:
			return nil, fail("argument %d has no resolver for %s", i, p.Role)
		}
	}
	h.replyArg = replyAt >= 0
	if h.replies && h.replyArg {
		return nil, fail("Replies is combined with a reply argument")
	}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			h.errorOut = 0
		} else {
			h.valueOut = 0
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fail("second result of %s must be error", ft)
		}
		h.valueOut, h.errorOut = 0, 1
	default:
		return nil, fail("target %s returns too many results", ft)
	}

	return h, nil
}

func isReplyType(t reflect.Type) bool {
	if t.Kind() != reflect.Func || t.NumOut() != 0 || t.IsVariadic() {
		return false
	}
	return t.NumIn() == 0 || (t.NumIn() == 1 && t.In(0) == anyType)
}

func (h *handler) handle(c *Conn, data interface{}, r *replier) (err error) {
	args := make([]reflect.Value, len(h.plan))
	for i, p := range h.plan {
		switch p.Role {
		case RoleSocket:
			args[i] = reflect.ValueOf(c).Convert(h.in[i])
		case RoleData:
			v, err := resolveData(data, p.Path, h.in[i])
			if err != nil {
				return &HandlerError{Event: h.event, Err: err}
			}
			args[i] = v
		case RoleReply:
			args[i] = replyValue(h.in[i], r)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &HandlerError{Event: h.event, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	out := h.fn.Call(args)

	if h.errorOut >= 0 && !out[h.errorOut].IsNil() {
		callErr := out[h.errorOut].Interface().(error)
		for _, kind := range h.kinds {
			if kind.match(callErr) {
				debug.Printf("Dispatcher: Handler for %s raised recoverable %s: %v", h.event, kind.name, callErr)
				r.reply(map[string]interface{}{
					"type":    errorKindName(callErr, kind),
					"message": callErr.Error(),
				}, true)
				return nil
			}
		}
		return &HandlerError{Event: h.event, Err: callErr}
	}

	if h.replies {
		var result interface{}
		if h.valueOut >= 0 {
			result = out[h.valueOut].Interface()
		}
		r.reply(result, false)
	}
	return nil
}

func errorKindName(err error, kind errorKind) string {
	var named interface{ Kind() string }
	if errors.As(err, &named) {
		return named.Kind()
	}
	return kind.name
}

func replyValue(t reflect.Type, r *replier) reflect.Value {
	if t.NumIn() == 0 {
		return reflect.ValueOf(func() { r.reply(nil, false) }).Convert(t)
	}
	return reflect.ValueOf(func(v interface{}) { r.reply(v, false) }).Convert(t)
}

func resolveData(data interface{}, path string, t reflect.Type) (reflect.Value, error) {
	if path != "" {
		for _, key := range strings.Split(path, ".") {
			m, ok := data.(map[string]interface{})
			if !ok {
				return reflect.Value{}, fmt.Errorf("data path %q needs an object, got %T", path, data)
			}
			data = m[key]
		}
	}

	if data == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(data)
	if v.Type().AssignableTo(t) {
		return v, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert data to %s: %w", t, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot convert data to %s: %w", t, err)
	}
	return ptr.Elem(), nil
}
