package socket

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// DefaultPadding is the number of spaces written ahead of the first streamed
// frame for clients that buffer small responses.
const DefaultPadding = 4096

var (
	lineBreak      = regexp.MustCompile("\r\n|\r|\n")
	bufferingAgent = regexp.MustCompile(`Android\s[23]\.`)
)

// IsBufferingClient reports whether a user agent is known to hold back
// streamed responses until enough bytes arrive.
func IsBufferingClient(userAgent string) bool {
	return bufferingAgent.MatchString(userAgent)
}

// Encode serializes v as JSON without HTML escaping or a trailing newline.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses one inbound envelope. Numbers keep their literal form so that
// ids survive the round trip.
func Decode(raw []byte) (*Message, error) {
	raw = bytes.TrimSpace(raw)
	raw = bytes.TrimPrefix(raw, []byte("data="))
	if len(raw) == 0 {
		return nil, &ProtocolError{Reason: "empty frame"}
	}

	var wire struct {
		ID     json.Number `json:"id"`
		Type   string      `json:"type"`
		Data   interface{} `json:"data"`
		Reply  bool        `json:"reply"`
		Socket string      `json:"socket"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, &ProtocolError{Reason: "trailing data after envelope"}
	}
	if wire.Type == "" {
		return nil, &ProtocolError{Reason: "envelope has no type"}
	}

	msg := &Message{
		Type:   wire.Type,
		Data:   wire.Data,
		Reply:  wire.Reply,
		Socket: wire.Socket,
	}
	if wire.ID != "" {
		id, err := wire.ID.Int64()
		if err != nil {
			return nil, &ProtocolError{Reason: "envelope id is not an integer", Err: err}
		}
		msg.ID = id
	}
	return msg, nil
}

// Frame wraps a serialized payload for the given transport. padding spaces are
// written ahead of streamed frames when positive.
func Frame(t Transport, payload []byte, callback string, padding int) []byte {
	switch t {
	case TransportSSE, TransportStream:
		var b strings.Builder
		if padding > 0 {
			b.WriteString(strings.Repeat(" ", padding))
		}
		for _, line := range lineBreak.Split(string(payload), -1) {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
		return []byte(b.String())
	case TransportLongPollJSONP:
		quoted, err := Encode(string(payload))
		if err != nil {
			// a Go string always encodes
			panic(err)
		}
		out := make([]byte, 0, len(callback)+len(quoted)+3)
		out = append(out, callback...)
		out = append(out, '(')
		out = append(out, quoted...)
		out = append(out, ");"...)
		return out
	default:
		return payload
	}
}

// ParseEventIDs reads a comma separated id list as long-poll clients report
// processed events.
func ParseEventIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, &ProtocolError{Reason: "bad event id " + strconv.Quote(part), Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
