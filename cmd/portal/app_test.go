package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/portal/socket"
)

type frames struct {
	out []string
}

func (f *frames) Transmit(frame []byte) error {
	f.out = append(f.out, string(frame))
	return nil
}

func (f *frames) Disconnect() error { return nil }

func newAppServer(t *testing.T) *socket.Server {
	t.Helper()
	s := socket.NewServer()
	require.NoError(t, registerApp(s))
	return s
}

func TestApp_Echo(t *testing.T) {
	s := newAppServer(t)
	f := &frames{}
	c, err := s.Open("c1", socket.NewParams("transport", "ws"), f)
	require.NoError(t, err)

	require.NoError(t, s.Receive(c, []byte(`{"id":4,"type":"echo","data":{"a":1},"reply":true}`)))
	require.Len(t, f.out, 1)
	assert.Equal(t, `{"id":1,"type":"reply","data":{"id":4,"data":{"a":1}},"reply":false}`, f.out[0])
}

func TestApp_RoomMessages(t *testing.T) {
	s := newAppServer(t)
	ann, bob := &frames{}, &frames{}
	a, err := s.Open("ann", socket.NewParams("transport", "ws"), ann)
	require.NoError(t, err)
	b, err := s.Open("bob", socket.NewParams("transport", "ws"), bob)
	require.NoError(t, err)

	require.NoError(t, s.Receive(a, []byte(`{"id":1,"type":"join","data":"lobby","reply":false}`)))
	require.NoError(t, s.Receive(b, []byte(`{"id":1,"type":"join","data":"lobby","reply":false}`)))

	require.NoError(t, s.Receive(a, []byte(`{"id":2,"type":"message","data":{"room":"lobby","text":"hi"},"reply":true}`)))

	require.Len(t, bob.out, 1)
	assert.Equal(t, `{"id":1,"type":"message","data":{"room":"lobby","socket":"ann","text":"hi"},"reply":false}`, bob.out[0])
	// ann gets her own line and then the delivery count
	require.Len(t, ann.out, 2)
	assert.Contains(t, ann.out[1], `"data":{"id":2,"data":2}`)
}

func TestApp_ThrowsAreAnswered(t *testing.T) {
	s := newAppServer(t)
	f := &frames{}
	c, err := s.Open("c1", socket.NewParams("transport", "ws"), f)
	require.NoError(t, err)

	require.NoError(t, s.Receive(c, []byte(`{"id":1,"type":"join","data":"","reply":true}`)))
	require.NoError(t, s.Receive(c, []byte(`{"id":2,"type":"leave","data":"nowhere","reply":true}`)))
	require.NoError(t, s.Receive(c, []byte(`{"id":3,"type":"message","data":{"room":"nowhere","text":"x"},"reply":true}`)))

	require.Len(t, f.out, 3)
	assert.Contains(t, f.out[0], `"data":{"message":"no room given","type":"no room given"},"exception":true`)
	assert.Contains(t, f.out[1], `"exception":true`)
	assert.Contains(t, f.out[2], `"exception":true`)
}

func TestRouter_ServesMetricsAndTransports(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := defaultConfig()

	router, registry, err := newRouter(cfg, reg, reg)
	require.NoError(t, err)
	_, ok := registry.Find(cfg.Name)
	require.True(t, ok)

	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/portal?transport=longpoll&id=p1&count=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `portal_connections_opened_total{server="default",transport="longpoll"} 1`))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
