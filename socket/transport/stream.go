package transport

import (
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/kleeedolinux/portal/debug"
	"github.com/kleeedolinux/portal/socket"
)

// streamBinding queues frames for the request goroutine that owns one
// long-lived response. It is valid until that request ends.
type streamBinding struct {
	sendCh chan []byte
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

func newStreamBinding(bufferSize int) *streamBinding {
	return &streamBinding{
		sendCh: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

func (b *streamBinding) Transmit(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return socket.ErrBindingClosed
	}

	select {
	case b.sendCh <- frame:
		return nil
	default:
		// the peer stopped reading; what is cached is replayed on resume
		b.closeLocked()
		b.discard()
		return errSendBufferFull
	}
}

func (b *streamBinding) Disconnect() error {
	b.end()
	return nil
}

func (b *streamBinding) end() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked()
}

func (b *streamBinding) discard() {
	for {
		select {
		case <-b.sendCh:
		default:
			return
		}
	}
}

func (b *streamBinding) closeLocked() {
	if !b.closed {
		b.closed = true
		close(b.done)
	}
}

// pump writes queued frames until the request ends or the binding is closed.
// Frames queued before a close are still written.
func (h *Handler) pump(w http.ResponseWriter, r *http.Request, b *streamBinding) {
	rc := http.NewResponseController(w)
	defer clearDeadline(rc)

	if err := h.writeFrame(w, rc, nil); err != nil {
		debug.Printf("Stream: Initial flush failed: %v", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-b.sendCh:
			if err := h.writeFrame(w, rc, frame); err != nil {
				debug.Printf("Stream: Write failed: %v", err)
				return
			}
		case <-b.done:
			for {
				select {
				case frame := <-b.sendCh:
					if err := h.writeFrame(w, rc, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, t socket.Transport, id string, params socket.Params) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	contentType := "text/plain; charset=utf-8"
	if t == socket.TransportSSE {
		contentType = "text/event-stream; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")

	b := newStreamBinding(h.bufferSize)

	c, found := h.server.Find(id)
	if found {
		last := lastEventID(r)
		debug.Printf("Stream %s: Resuming after event %d", id, last)
		if _, err := h.server.Reconnect(c, b, socket.Ack{Last: last}); err != nil {
			if errors.Is(err, socket.ErrConnectionClosed) {
				http.Error(w, err.Error(), http.StatusGone)
				return
			}
			h.logger.Warn("stream replay failed", "socket", id, "error", err)
		}
	} else {
		var err error
		c, err = h.server.Open(id, params, b, connOptions(r)...)
		if err != nil {
			http.Error(w, err.Error(), openStatus(err))
			return
		}
	}

	h.pump(w, r, b)
	b.end()

	c.Unbind(b)
	// without heartbeats nobody else would notice the peer is gone
	if h.server.Heartbeat() <= 0 && !c.Bound() {
		c.Close()
	}
}

// lastEventID reads the watermark of a resuming stream. Frames carry no SSE
// id field, so the client names the last id it processed in the query.
func lastEventID(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.URL.Query().Get("lastEventId"), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func openStatus(err error) int {
	if errors.Is(err, socket.ErrDuplicateSocket) {
		return http.StatusConflict
	}
	return http.StatusBadRequest
}
