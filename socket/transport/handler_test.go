package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleeedolinux/portal/socket"
)

func newTestServer(t *testing.T, serverOpts []socket.ServerOption, opts ...Option) (*socket.Server, *httptest.Server) {
	t.Helper()

	s := socket.NewServer(serverOpts...)
	ts := httptest.NewServer(NewHandler(s, opts...))
	t.Cleanup(ts.Close)
	// runs before ts.Close so that held requests can finish
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	return s, ts
}

func fetch(ts *httptest.Server, query string) (*http.Response, string, error) {
	resp, err := ts.Client().Get(ts.URL + "/?" + query)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	return resp, string(body), err
}

func get(t *testing.T, ts *httptest.Server, query string) (*http.Response, string) {
	t.Helper()
	resp, body, err := fetch(ts, query)
	require.NoError(t, err)
	return resp, body
}

func post(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+"/", "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, _ := get(t, ts, "transport=pigeon&id=a")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, ts, "transport=longpoll")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "HTTP transports need an id")

	resp, _ = get(t, ts, "transport=longpoll&id=ghost&count=2")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_LongPollRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp, body := get(t, ts, "transport=longpoll&id=p1&count=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

	c, ok := s.Find("p1")
	require.True(t, ok)
	assert.False(t, c.Bound())

	_, err := c.Send("news", "first")
	require.NoError(t, err)

	resp, body = get(t, ts, "transport=longpoll&id=p1&count=2&lastEventIds=")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `[{"id":1,"type":"news","data":"first","reply":false}]`, body)

	done := make(chan string, 1)
	go func() {
		_, body, _ := fetch(ts, "transport=longpoll&id=p1&count=3&lastEventIds=1")
		done <- body
	}()

	require.Eventually(t, c.Bound, time.Second, 5*time.Millisecond)
	_, err = c.Send("news", "second")
	require.NoError(t, err)

	select {
	case body := <-done:
		assert.Equal(t, `{"id":2,"type":"news","data":"second","reply":false}`, body)
	case <-time.After(2 * time.Second):
		t.Fatal("held poll was not answered")
	}
	assert.Len(t, c.Cached(), 1, "id 2 waits for the next poll to acknowledge it")
}

func TestHandler_LongPollTimesOut(t *testing.T) {
	s, ts := newTestServer(t, nil, WithPollTimeout(50*time.Millisecond))

	resp, _ := get(t, ts, "transport=longpoll&id=p1&count=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	start := time.Now()
	resp, body := get(t, ts, "transport=longpoll&id=p1&count=2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	c, ok := s.Find("p1")
	require.True(t, ok)
	assert.False(t, c.Bound())
	assert.True(t, c.Opened())
}

func TestHandler_LongPollBadAcks(t *testing.T) {
	_, ts := newTestServer(t, nil)

	get(t, ts, "transport=longpoll&id=p1&count=1")
	resp, _ := get(t, ts, "transport=longpoll&id=p1&count=2&lastEventIds=1,x")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = get(t, ts, "transport=longpoll&id=p1&count=1")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandler_JSONP(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp, _ := get(t, ts, "transport=longpolljsonp&id=j1&count=1&callback=cb")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c, ok := s.Find("j1")
	require.True(t, ok)

	type result struct {
		contentType string
		body        string
	}
	done := make(chan result, 1)
	go func() {
		resp, body, err := fetch(ts, "transport=longpolljsonp&id=j1&count=2&callback=cb")
		if err != nil {
			done <- result{body: err.Error()}
			return
		}
		done <- result{resp.Header.Get("Content-Type"), body}
	}()

	require.Eventually(t, c.Bound, time.Second, 5*time.Millisecond)
	_, err := c.Send("greet", "hi")
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, "text/javascript; charset=utf-8", r.contentType)
		assert.Equal(t, `cb("{\"id\":1,\"type\":\"greet\",\"data\":\"hi\",\"reply\":false}");`, r.body)
	case <-time.After(2 * time.Second):
		t.Fatal("held poll was not answered")
	}
}

func TestHandler_Post(t *testing.T) {
	s, ts := newTestServer(t, nil)

	got := make(chan interface{}, 1)
	require.NoError(t, s.HandleFunc("chat", func(c *socket.Conn, data interface{}) {
		got <- data
	}))
	get(t, ts, "transport=longpoll&id=p1&count=1")

	resp := post(t, ts, `data={"id":1,"type":"chat","data":"hello","reply":false,"socket":"p1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", <-got)

	resp = post(t, ts, `{"id":2,"type":"chat","data":"x","socket":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = post(t, ts, `{"id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func openStream(t *testing.T, ts *httptest.Server, query string) (*http.Response, *bufio.Reader, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/?"+query, nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	t.Cleanup(cancel)

	return resp, bufio.NewReader(resp.Body), cancel
}

// readEvent reads one "data:" block up to its blank line.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var lines []string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return strings.Join(lines, "")
		}
		lines = append(lines, line)
	}
}

func TestHandler_SSE(t *testing.T) {
	s, ts := newTestServer(t, nil)

	resp, r, cancel := openStream(t, ts, "transport=sse&id=s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream; charset=utf-8", resp.Header.Get("Content-Type"))

	c, ok := s.Find("s1")
	require.True(t, ok)

	_, err := c.Send("news", "one")
	require.NoError(t, err)
	assert.Equal(t, `data: {"id":1,"type":"news","data":"one","reply":false}`+"\n", readEvent(t, r))

	cancel()
	require.Eventually(t, func() bool { return !c.Bound() }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Opened(), "heartbeats decide when a detached stream is dead")

	_, err = c.Send("news", "two")
	require.NoError(t, err)

	resp, r, _ = openStream(t, ts, "transport=sse&id=s1&lastEventId=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `data: [{"id":2,"type":"news","data":"two","reply":false}]`+"\n", readEvent(t, r))
}

func TestHandler_StreamWithoutHeartbeatClosesOnDisconnect(t *testing.T) {
	s, ts := newTestServer(t, []socket.ServerOption{socket.WithHeartbeat(0)})

	resp, _, cancel := openStream(t, ts, "transport=streamxhr&id=s1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	require.Equal(t, 1, s.Count())

	cancel()
	require.Eventually(t, func() bool { return s.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandler_StreamPadsBufferingClients(t *testing.T) {
	s, ts := newTestServer(t, []socket.ServerOption{socket.WithPadding(16)})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/?transport=stream&id=s1", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "Mozilla/5.0 (Linux; U; Android 2.3.6; en-us)")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	c, ok := s.Find("s1")
	require.True(t, ok)
	_, err = c.Send("news", "x")
	require.NoError(t, err)

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, strings.Repeat(" ", 16)+"data: "), "got %q", line)
}

// countingBinding stands in for a peer that always keeps up.
type countingBinding struct {
	mu     sync.Mutex
	frames int
}

func (b *countingBinding) Transmit([]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames++
	return nil
}

func (b *countingBinding) Disconnect() error { return nil }

func (b *countingBinding) Frames() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames
}

func TestHandler_StalledStreamDoesNotBlockRoom(t *testing.T) {
	s, ts := newTestServer(t, nil, WithWriteTimeout(time.Second))

	// sends the request and never reads the response
	raw, err := net.Dial("tcp", ts.Listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	_, err = fmt.Fprintf(raw, "GET /?transport=sse&id=slow HTTP/1.1\r\nHost: %s\r\n\r\n", ts.Listener.Addr())
	require.NoError(t, err)

	var slow *socket.Conn
	require.Eventually(t, func() bool {
		var ok bool
		slow, ok = s.Find("slow")
		return ok
	}, time.Second, 5*time.Millisecond)

	fast := &countingBinding{}
	fc, err := s.Open("fast", socket.NewParams("transport", "ws"), fast)
	require.NoError(t, err)

	room := s.Room("lobby")
	room.Add(slow)
	room.Add(fc)

	big := strings.Repeat("x", 8<<20)
	sent := make(chan int, 1)
	go func() {
		n := 0
		for i := 0; i < 4; i++ {
			n += room.Send("big", big)
		}
		sent <- n
	}()

	select {
	case n := <-sent:
		assert.Equal(t, 8, n)
	case <-time.After(3 * time.Second):
		t.Fatal("room send blocked behind a stream peer that does not read")
	}
	assert.Equal(t, 4, fast.Frames())
	assert.True(t, slow.Opened())
}

func TestStreamBinding_OverflowDropsBinding(t *testing.T) {
	b := newStreamBinding(1)

	require.NoError(t, b.Transmit([]byte("one")))
	assert.ErrorIs(t, b.Transmit([]byte("two")), errSendBufferFull)
	assert.ErrorIs(t, b.Transmit([]byte("three")), socket.ErrBindingClosed)

	select {
	case <-b.done:
	default:
		t.Fatal("overflow did not end the binding")
	}
	assert.Empty(t, b.sendCh, "queued frames are dropped, the cache replays them")
}

func TestPollBinding_TakesOneFrame(t *testing.T) {
	b := newPollBinding("cb")

	require.NoError(t, b.Transmit([]byte("one")))
	assert.ErrorIs(t, b.Transmit([]byte("two")), socket.ErrBindingClosed)
	assert.Equal(t, "one", string(b.end()))
	assert.ErrorIs(t, b.Transmit([]byte("three")), socket.ErrBindingClosed)
}
