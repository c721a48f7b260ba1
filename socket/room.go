package socket

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kleeedolinux/portal/debug"
)

// Attrs is a concurrent attribute store.
type Attrs struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

func (a *Attrs) Get(key string) interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values[key]
}

func (a *Attrs) Set(key string, value interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]interface{})
	}
	a.values[key] = value
}

// Replace stores fn(current) under key and returns it. No other writer can
// interleave between the read and the write.
func (a *Attrs) Replace(key string, fn func(old interface{}) interface{}) interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]interface{})
	}
	value := fn(a.values[key])
	a.values[key] = value
	return value
}

func (a *Attrs) Delete(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.values, key)
}

// Room is a named broadcast group. Members are kept in insertion order and
// readers work on an immutable snapshot.
type Room struct {
	Attrs

	name    string
	mu      sync.Mutex
	members atomic.Pointer[[]*Conn]
}

func NewRoom(name string) *Room {
	r := &Room{name: name}
	r.members.Store(&[]*Conn{})
	return r
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) snapshot() []*Conn {
	return *r.members.Load()
}

// Add appends c unless it is already a member.
func (r *Room) Add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot()
	for _, m := range current {
		if m == c {
			return
		}
	}
	next := make([]*Conn, len(current), len(current)+1)
	copy(next, current)
	next = append(next, c)
	r.members.Store(&next)
}

func (r *Room) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.snapshot()
	for i, m := range current {
		if m == c {
			next := make([]*Conn, 0, len(current)-1)
			next = append(next, current[:i]...)
			next = append(next, current[i+1:]...)
			r.members.Store(&next)
			return
		}
	}
}

func (r *Room) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members.Store(&[]*Conn{})
}

func (r *Room) Has(c *Conn) bool {
	for _, m := range r.snapshot() {
		if m == c {
			return true
		}
	}
	return false
}

func (r *Room) Size() int {
	return len(r.snapshot())
}

// Sockets returns the members in insertion order.
func (r *Room) Sockets() []*Conn {
	current := r.snapshot()
	out := make([]*Conn, len(current))
	copy(out, current)
	return out
}

// Send delivers the event to every open member and returns how many took it.
// Closed members are skipped and stay in the room.
func (r *Room) Send(event string, data interface{}) int {
	delivered := 0
	for _, c := range r.snapshot() {
		if deliver(c, event, data) {
			delivered++
		}
	}
	return delivered
}

// SendParallel is Send spread over at most workerLimit goroutines. Delivery
// order across members is not preserved.
func (r *Room) SendParallel(event string, data interface{}, workerLimit int) int {
	members := r.snapshot()

	socketCount := len(members)
	if socketCount == 0 {
		return 0
	}
	if workerLimit <= 0 {
		workerLimit = 1
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	workerCount := min(socketCount, workerLimit)
	jobs := make(chan *Conn, socketCount)

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if deliver(c, event, data) {
					delivered.Add(1)
				}
			}
		}()
	}

	for _, c := range members {
		jobs <- c
	}
	close(jobs)

	wg.Wait()
	return int(delivered.Load())
}

func deliver(c *Conn, event string, data interface{}) bool {
	if !c.Opened() {
		return false
	}
	if _, err := c.Send(event, data); err != nil {
		debug.Printf("Room: Error sending %s to socket %s: %v", event, c.ID(), err)
		return false
	}
	return true
}

// RoomManager owns the rooms of one server. Rooms are created on first
// reference and only removed explicitly.
type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

// Room returns the named room, creating it if needed.
func (rm *RoomManager) Room(name string) *Room {
	rm.mu.RLock()
	room, exists := rm.rooms[name]
	rm.mu.RUnlock()

	if !exists {
		rm.mu.Lock()

		if room, exists = rm.rooms[name]; !exists {
			room = NewRoom(name)
			rm.rooms[name] = room
		}
		rm.mu.Unlock()
	}

	return room
}

func (rm *RoomManager) Find(name string) (*Room, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	room, exists := rm.rooms[name]
	return room, exists
}

// Remove clears and forgets the named room.
func (rm *RoomManager) Remove(name string) {
	rm.mu.Lock()
	room, exists := rm.rooms[name]
	delete(rm.rooms, name)
	rm.mu.Unlock()

	if exists {
		room.Clear()
	}
}

func (rm *RoomManager) Names() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]string, 0, len(rm.rooms))
	for name := range rm.rooms {
		rooms = append(rooms, name)
	}
	sort.Strings(rooms)

	return rooms
}

func (rm *RoomManager) all() []*Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rooms := make([]*Room, 0, len(rm.rooms))
	for _, room := range rm.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// LeaveAll removes c from every room. Empty rooms are kept.
func (rm *RoomManager) LeaveAll(c *Conn) {
	for _, room := range rm.all() {
		room.Remove(c)
	}
}

func (rm *RoomManager) RoomsOf(c *Conn) []string {
	var names []string
	for _, room := range rm.all() {
		if room.Has(c) {
			names = append(names, room.Name())
		}
	}
	sort.Strings(names)
	return names
}
