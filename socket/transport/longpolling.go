package transport

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/kleeedolinux/portal/debug"
	"github.com/kleeedolinux/portal/socket"
)

// pollBinding answers exactly one long-poll request. The first Transmit
// keeps the whole body for the request goroutine to write; everything after
// it is refused.
type pollBinding struct {
	callback string
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	frame    []byte
	closed   bool
}

func newPollBinding(callback string) *pollBinding {
	return &pollBinding{
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Callback is the JSONP function named by this request.
func (b *pollBinding) Callback() string {
	return b.callback
}

func (b *pollBinding) Transmit(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.frame != nil {
		return socket.ErrBindingClosed
	}
	b.frame = frame
	b.once.Do(func() { close(b.done) })
	return nil
}

func (b *pollBinding) Disconnect() error {
	b.end()
	return nil
}

// end refuses further frames and returns the body taken so far.
func (b *pollBinding) end() []byte {
	b.mu.Lock()
	b.closed = true
	frame := b.frame
	b.mu.Unlock()

	b.once.Do(func() { close(b.done) })
	return frame
}

// finish detaches b from c and writes the body it took, if any.
func (h *Handler) finish(w http.ResponseWriter, c *socket.Conn, b *pollBinding) {
	frame := b.end()
	c.Unbind(b)
	if frame == nil {
		return
	}

	rc := http.NewResponseController(w)
	defer clearDeadline(rc)
	if err := h.writeFrame(w, rc, frame); err != nil {
		// the frame stays cached until the next poll acknowledges it
		debug.Printf("LongPoll %s: Write failed: %v", c.ID(), err)
	}
}

func (h *Handler) servePoll(w http.ResponseWriter, r *http.Request, t socket.Transport, id string, params socket.Params) {
	contentType := "text/plain; charset=utf-8"
	if t == socket.TransportLongPollJSONP {
		contentType = "text/javascript; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	query := r.URL.Query()
	b := newPollBinding(query.Get("callback"))
	c, found := h.server.Find(id)

	if query.Get("count") == "1" {
		if found {
			http.Error(w, socket.ErrDuplicateSocket.Error(), http.StatusConflict)
			return
		}
		c, err := h.server.Open(id, params, b, connOptions(r)...)
		if err != nil {
			http.Error(w, err.Error(), openStatus(err))
			return
		}
		// the handshake poll ends at once so the client starts polling
		h.finish(w, c, b)
		return
	}

	if !found {
		http.Error(w, socket.ErrSocketNotFound.Error(), http.StatusNotFound)
		return
	}

	ids, err := socket.ParseEventIDs(query.Get("lastEventIds"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ack := socket.Ack{IDs: ids}
	if v := query.Get("lastEventId"); v != "" {
		if ack.Last, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "bad lastEventId", http.StatusBadRequest)
			return
		}
	}

	n, err := h.server.Reconnect(c, b, ack)
	if err != nil {
		if errors.Is(err, socket.ErrConnectionClosed) {
			http.Error(w, err.Error(), http.StatusGone)
			return
		}
		h.logger.Warn("poll replay failed", "socket", id, "error", err)
	}

	if n == 0 {
		debug.Printf("LongPoll %s: Holding request", id)
		timer := time.NewTimer(h.pollTimeout)
		defer timer.Stop()

		select {
		case <-b.done:
		case <-timer.C:
		case <-r.Context().Done():
		}
	}

	h.finish(w, c, b)
}
