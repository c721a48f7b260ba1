// Package transport binds a socket.Server to net/http. GET requests open or
// resume connections over websocket, streaming or long polling; POST requests
// deliver frames from HTTP clients.
package transport

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kleeedolinux/portal/debug"
	"github.com/kleeedolinux/portal/socket"
)

// Handler serves one socket.Server.
type Handler struct {
	server   *socket.Server
	router   chi.Router
	upgrader websocket.Upgrader
	logger   *slog.Logger

	pollTimeout  time.Duration
	writeTimeout time.Duration
	bufferSize   int
	maxBody      int64
}

type Option func(*Handler)

// WithPollTimeout bounds how long an idle long-poll request is held before
// it ends with an empty body.
func WithPollTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.pollTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) {
		h.writeTimeout = d
	}
}

// WithBufferSize sets how many frames a websocket or stream may queue before
// it is considered too slow and dropped.
func WithBufferSize(n int) Option {
	return func(h *Handler) {
		h.bufferSize = n
	}
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

func WithCompression(enabled bool) Option {
	return func(h *Handler) {
		h.upgrader.EnableCompression = enabled
	}
}

// WithMaxBody limits the size of posted frames.
func WithMaxBody(n int64) Option {
	return func(h *Handler) {
		h.maxBody = n
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

func NewHandler(s *socket.Server, opts ...Option) *Handler {
	h := &Handler{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		pollTimeout:  30 * time.Second,
		writeTimeout: 10 * time.Second,
		bufferSize:   100,
		maxBody:      1 << 20,
	}

	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = debug.Logger()
	}
	h.logger = h.logger.With("server", s.Name())

	r := chi.NewRouter()
	r.Get("/", h.serveGet)
	r.Post("/", h.servePost)
	h.router = r

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) serveGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	t, err := socket.ParseTransport(query.Get("transport"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	params := socket.ParseParams(r.URL.RawQuery)
	id := query.Get("id")
	if id == "" && t != socket.TransportWebSocket {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	debug.Printf("Transport: %s request for socket %s", t, id)

	switch {
	case t == socket.TransportWebSocket:
		h.serveWebSocket(w, r, id, params)
	case t.Streaming():
		h.serveStream(w, r, t, id, params)
	default:
		h.servePoll(w, r, t, id, params)
	}
}

func (h *Handler) servePost(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	err = h.server.ReceiveRaw(body)
	var protoErr *socket.ProtocolError
	switch {
	case errors.As(err, &protoErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, socket.ErrSocketNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	// handler failures are logged by the server and are not the poster's concern
	w.WriteHeader(http.StatusOK)
}

func connOptions(r *http.Request) []socket.ConnOption {
	if socket.IsBufferingClient(r.UserAgent()) {
		return []socket.ConnOption{socket.BufferingClient()}
	}
	return nil
}

// writeFrame writes one frame to an HTTP response under the write deadline.
// Only request goroutines call it, never a connection holding its lock.
func (h *Handler) writeFrame(w http.ResponseWriter, rc *http.ResponseController, frame []byte) error {
	if h.writeTimeout > 0 {
		err := rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// clearDeadline keeps a write deadline from outliving the request on a
// kept-alive connection.
func clearDeadline(rc *http.ResponseController) {
	rc.SetWriteDeadline(time.Time{})
}
