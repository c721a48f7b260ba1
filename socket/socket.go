package socket

import (
	"net/url"
	"strconv"
	"strings"
)

// Built-in event types.
const (
	EventOpen      = "open"
	EventClose     = "close"
	EventHeartbeat = "heartbeat"
	EventReply     = "reply"
)

// Transport identifies how a connection exchanges frames with its peer.
type Transport string

const (
	TransportWebSocket     Transport = "ws"
	TransportSSE           Transport = "sse"
	TransportStream        Transport = "stream"
	TransportLongPoll      Transport = "longpoll"
	TransportLongPollJSONP Transport = "longpolljsonp"
)

// ParseTransport maps a handshake transport value onto a Transport. Client
// variants such as "streamxhr" or "longpollajax" collapse onto their family.
func ParseTransport(s string) (Transport, error) {
	switch {
	case s == "ws" || s == "websocket":
		return TransportWebSocket, nil
	case s == "sse":
		return TransportSSE, nil
	case strings.HasPrefix(s, "stream"):
		return TransportStream, nil
	case s == "longpolljsonp":
		return TransportLongPollJSONP, nil
	case strings.HasPrefix(s, "longpoll"):
		return TransportLongPoll, nil
	}
	return "", &ProtocolError{Reason: "unknown transport " + strconv.Quote(s)}
}

func (t Transport) String() string {
	return string(t)
}

// Streaming reports whether frames are written onto one long-lived response.
func (t Transport) Streaming() bool {
	return t == TransportSSE || t == TransportStream
}

// LongPoll reports whether every response carries one body and then ends.
func (t Transport) LongPoll() bool {
	return t == TransportLongPoll || t == TransportLongPollJSONP
}

// Cacheable reports whether sent messages are kept until the peer acknowledges
// them. A live websocket has no reconnection gap to bridge.
func (t Transport) Cacheable() bool {
	return t != TransportWebSocket
}

// Message is the envelope exchanged in both directions.
type Message struct {
	ID    int64       `json:"id"`
	Type  string      `json:"type"`
	Data  interface{} `json:"data"`
	Reply bool        `json:"reply"`

	// Socket names the target connection on frames posted over plain HTTP.
	Socket string `json:"socket,omitempty"`
}

// ReplyFunc answers an envelope that asked for a reply.
type ReplyFunc func(data interface{})

// Binding is implemented by the layer that owns the wire. Transmit hands
// framed bytes to the transport write path and must not block on the network.
type Binding interface {
	Transmit(frame []byte) error
	Disconnect() error
}

// Params holds handshake parameters in the order the client sent them.
type Params struct {
	keys   []string
	values map[string]string
}

// ParseParams reads a raw query string, keeping the first value of each key.
func ParseParams(query string) Params {
	p := Params{values: make(map[string]string)}
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		p.Set(key, value)
	}
	return p
}

// NewParams builds Params from alternating key, value pairs.
func NewParams(kv ...string) Params {
	p := Params{values: make(map[string]string)}
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i], kv[i+1])
	}
	return p
}

func (p *Params) Set(key, value string) {
	if p.values == nil {
		p.values = make(map[string]string)
	}
	if _, ok := p.values[key]; ok {
		return
	}
	p.keys = append(p.keys, key)
	p.values[key] = value
}

func (p Params) Get(key string) string {
	return p.values[key]
}

func (p Params) Lookup(key string) (string, bool) {
	v, ok := p.values[key]
	return v, ok
}

func (p Params) Keys() []string {
	keys := make([]string, len(p.keys))
	copy(keys, p.keys)
	return keys
}

func (p Params) Len() int {
	return len(p.keys)
}
