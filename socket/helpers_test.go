package socket

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// recordingBinding keeps every frame handed to it.
type recordingBinding struct {
	mu          sync.Mutex
	frames      [][]byte
	fail        error
	disconnects int
}

func (b *recordingBinding) Transmit(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return b.fail
	}
	b.frames = append(b.frames, append([]byte(nil), frame...))
	return nil
}

func (b *recordingBinding) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	return nil
}

func (b *recordingBinding) Frames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.frames))
	for i, f := range b.frames {
		out[i] = string(f)
	}
	return out
}

func (b *recordingBinding) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}

// callbackBinding names its own JSONP callback like a long-poll request does.
type callbackBinding struct {
	recordingBinding
	callback string
}

func (b *callbackBinding) Callback() string {
	return b.callback
}

func newTestConn(t *testing.T, id string, transport Transport, b Binding, opts ...ConnOption) *Conn {
	t.Helper()
	c, err := NewConn(id, NewParams("transport", string(transport)), b, opts...)
	require.NoError(t, err)
	return c
}

// decodeFrame parses one raw websocket or long-poll frame.
func decodeFrame(t *testing.T, frame string) *Message {
	t.Helper()
	msg, err := Decode([]byte(frame))
	require.NoError(t, err)
	return msg
}

// decodeBatch parses a replay batch into envelope ids.
func decodeBatch(t *testing.T, frame string) []int64 {
	t.Helper()
	var batch []Message
	require.NoError(t, json.Unmarshal([]byte(frame), &batch))
	ids := make([]int64, len(batch))
	for i, m := range batch {
		ids[i] = m.ID
	}
	return ids
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	require.NotNil(t, m.Counter)
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	require.NotNil(t, m.Gauge)
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	require.NotNil(t, m.Histogram)
	return m.GetHistogram().GetSampleCount()
}
