package main

import (
	"errors"

	"github.com/kleeedolinux/portal/socket"
)

var (
	errNoRoom    = errors.New("no room given")
	errNotMember = errors.New("not a member of the room")
)

type chatLine struct {
	Room   string `json:"room"`
	Socket string `json:"socket"`
	Text   string `json:"text"`
}

// registerApp installs the built-in handlers: echo, room membership and
// room messages.
func registerApp(s *socket.Server) error {
	d := s.Dispatcher()

	err := d.Register("echo", 0, socket.Plan{socket.DataParam("")},
		func(data interface{}) interface{} { return data },
		socket.Replies(),
	)
	if err != nil {
		return err
	}

	err = d.Register("join", 0, socket.Plan{socket.SocketParam(), socket.DataParam("")},
		func(c *socket.Conn, room string) error {
			if room == "" {
				return errNoRoom
			}
			s.Room(room).Add(c)
			return nil
		},
		socket.Replies(), socket.Throws(errNoRoom),
	)
	if err != nil {
		return err
	}

	err = d.Register("leave", 0, socket.Plan{socket.SocketParam(), socket.DataParam("")},
		func(c *socket.Conn, room string) error {
			r, ok := s.Rooms().Find(room)
			if !ok || !r.Has(c) {
				return errNotMember
			}
			r.Remove(c)
			return nil
		},
		socket.Replies(), socket.Throws(errNotMember),
	)
	if err != nil {
		return err
	}

	return d.Register("message", 0,
		socket.Plan{socket.SocketParam(), socket.DataParam("room"), socket.DataParam("text")},
		func(c *socket.Conn, room, text string) (int, error) {
			r, ok := s.Rooms().Find(room)
			if !ok || !r.Has(c) {
				return 0, errNotMember
			}
			return r.Send("message", chatLine{Room: room, Socket: c.ID(), Text: text}), nil
		},
		socket.Replies(), socket.Throws(errNotMember),
	)
}
