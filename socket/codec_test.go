package socket

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greet = `{"id":1,"type":"greet","data":"hi","reply":false}`

func TestEncode_EnvelopeKeyOrder(t *testing.T) {
	out, err := Encode(&Message{ID: 1, Type: "greet", Data: "hi"})
	require.NoError(t, err)
	assert.Equal(t, greet, string(out))
}

func TestEncode_NoHTMLEscaping(t *testing.T) {
	out, err := Encode("<b>&</b>")
	require.NoError(t, err)
	assert.Equal(t, `"<b>&</b>"`, string(out))
}

func TestFrame(t *testing.T) {
	tests := []struct {
		name      string
		transport Transport
		payload   string
		callback  string
		padding   int
		want      string
	}{
		{"websocket", TransportWebSocket, greet, "", 0, greet},
		{"longpoll", TransportLongPoll, greet, "", 0, greet},
		{"sse", TransportSSE, greet, "", 0, "data: " + greet + "\n\n"},
		{"stream", TransportStream, greet, "", 0, "data: " + greet + "\n\n"},
		{"sse multi line", TransportSSE, "a\r\nb\rc\nd", "", 0, "data: a\ndata: b\ndata: c\ndata: d\n\n"},
		{"sse padded", TransportSSE, "x", "", 4, "    data: x\n\n"},
		{"longpoll ignores padding", TransportLongPoll, "x", "", 4, "x"},
		{
			"jsonp",
			TransportLongPollJSONP, greet, "cb", 0,
			`cb("{\"id\":1,\"type\":\"greet\",\"data\":\"hi\",\"reply\":false}");`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Frame(tt.transport, []byte(tt.payload), tt.callback, tt.padding)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"id":5,"type":"ping","data":null,"reply":true}`))
	require.NoError(t, err)

	assert.Equal(t, int64(5), msg.ID)
	assert.Equal(t, "ping", msg.Type)
	assert.Nil(t, msg.Data)
	assert.True(t, msg.Reply)
	assert.Empty(t, msg.Socket)
}

func TestDecode_FormPrefixAndSocket(t *testing.T) {
	msg, err := Decode([]byte(` data={"id":2,"type":"chat","data":"x","reply":false,"socket":"abc"}` + "\n"))
	require.NoError(t, err)

	assert.Equal(t, "chat", msg.Type)
	assert.Equal(t, "abc", msg.Socket)
}

func TestDecode_KeepsNumbersLossless(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"big","data":{"n":12345678901234567890}}`))
	require.NoError(t, err)

	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, json.Number("12345678901234567890"), data["n"])
	assert.Zero(t, msg.ID)
}

func TestDecode_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"blank", "  \n"},
		{"malformed", `{"type":`},
		{"no type", `{"id":1,"data":"x"}`},
		{"empty type", `{"id":1,"type":""}`},
		{"fractional id", `{"id":1.5,"type":"x"}`},
		{"not an object", `[1,2]`},
		{"trailing garbage", `{"type":"a"}garbage`},
		{"second envelope", `{"type":"a"} {"type":"b"}`},
		{"stray delimiter", `{"type":"a"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var protoErr *ProtocolError
			assert.True(t, errors.As(err, &protoErr), "got %v", err)
		})
	}
}

func TestParseTransport(t *testing.T) {
	tests := []struct {
		in   string
		want Transport
	}{
		{"ws", TransportWebSocket},
		{"websocket", TransportWebSocket},
		{"sse", TransportSSE},
		{"stream", TransportStream},
		{"streamxhr", TransportStream},
		{"streamxdr", TransportStream},
		{"longpoll", TransportLongPoll},
		{"longpollajax", TransportLongPoll},
		{"longpolljsonp", TransportLongPollJSONP},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTransport(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "carrier-pigeon", "WS"} {
		_, err := ParseTransport(bad)
		var protoErr *ProtocolError
		assert.True(t, errors.As(err, &protoErr), "transport %q", bad)
	}
}

func TestTransportFamilies(t *testing.T) {
	assert.False(t, TransportWebSocket.Cacheable())
	assert.True(t, TransportSSE.Cacheable())
	assert.True(t, TransportLongPollJSONP.Cacheable())

	assert.True(t, TransportStream.Streaming())
	assert.False(t, TransportLongPoll.Streaming())

	assert.True(t, TransportLongPollJSONP.LongPoll())
	assert.False(t, TransportSSE.LongPoll())
}

func TestIsBufferingClient(t *testing.T) {
	assert.True(t, IsBufferingClient("Mozilla/5.0 (Linux; U; Android 2.3.6; en-us; Nexus S Build/GRK39F)"))
	assert.True(t, IsBufferingClient("Mozilla/5.0 (Linux; U; Android 3.2; xx-xx; GT-P6800 Build/HMJ37)"))
	assert.False(t, IsBufferingClient("Mozilla/5.0 (Linux; Android 4.4.2; Nexus 5 Build/KOT49H)"))
	assert.False(t, IsBufferingClient(""))
}

func TestParseEventIDs(t *testing.T) {
	ids, err := ParseEventIDs("1,2, 3,")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	ids, err = ParseEventIDs("")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = ParseEventIDs("1,x")
	var protoErr *ProtocolError
	assert.True(t, errors.As(err, &protoErr))
}

func TestParams(t *testing.T) {
	p := ParseParams("transport=longpolljsonp&id=a%20b&callback=cb&id=second&flag")

	assert.Equal(t, []string{"transport", "id", "callback", "flag"}, p.Keys())
	assert.Equal(t, "a b", p.Get("id"))
	assert.Equal(t, 4, p.Len())

	v, ok := p.Lookup("flag")
	assert.True(t, ok)
	assert.Empty(t, v)

	_, ok = p.Lookup("missing")
	assert.False(t, ok)
}
