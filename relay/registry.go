package relay

import (
	"errors"
	"sort"
	"sync"
)

// ErrTooManyConnections is returned when an address is at its cap.
var ErrTooManyConnections = errors.New("too many connections from address")

// Registry holds every live connection, the user to connection mapping, room
// membership and per-address counters. One RWMutex guards all of it: writers
// are serialized and broadcasts read a consistent snapshot.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*Conn
	users      map[int64]string
	bound      map[string]int64
	rooms      map[string]map[string]*Conn
	perAddr    map[string]int
	maxPerAddr int
}

// NewRegistry returns an empty registry admitting at most maxPerAddr
// concurrent connections per source address. Zero or less disables the cap.
func NewRegistry(maxPerAddr int) *Registry {
	return &Registry{
		conns:      make(map[string]*Conn),
		users:      make(map[int64]string),
		bound:      make(map[string]int64),
		rooms:      make(map[string]map[string]*Conn),
		perAddr:    make(map[string]int),
		maxPerAddr: maxPerAddr,
	}
}

func (r *Registry) add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxPerAddr > 0 && r.perAddr[c.Addr] >= r.maxPerAddr {
		return ErrTooManyConnections
	}
	r.conns[c.ID] = c
	r.perAddr[c.Addr]++
	return nil
}

// removal describes what remove undid.
type removal struct {
	registered bool
	userID     int64
	// mapped is set when c still held userID's mapping and it was removed.
	mapped bool
}

// remove drops c from every structure. The user mapping is removed only if
// it still points at c.
func (r *Registry) remove(c *Conn) removal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return removal{}
	}
	delete(r.conns, c.ID)

	for name, members := range r.rooms {
		if _, ok := members[c.ID]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				delete(r.rooms, name)
			}
		}
	}

	if n := r.perAddr[c.Addr] - 1; n > 0 {
		r.perAddr[c.Addr] = n
	} else {
		delete(r.perAddr, c.Addr)
	}

	uid, ok := r.bound[c.ID]
	if !ok {
		return removal{registered: true}
	}
	delete(r.bound, c.ID)
	if r.users[uid] != c.ID {
		return removal{registered: true, userID: uid}
	}
	delete(r.users, uid)
	return removal{registered: true, userID: uid, mapped: true}
}

// bindUser records c as the current connection for userID and joins the
// user's room. The previous holder of the mapping, if any, stays connected
// and keeps its rooms. It returns false when c is no longer registered.
func (r *Registry) bindUser(c *Conn, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	r.users[userID] = c.ID
	r.bound[c.ID] = userID
	r.joinLocked(userRoom(userID), c)
	return true
}

func (r *Registry) join(room string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	r.joinLocked(room, c)
	return true
}

func (r *Registry) joinLocked(room string, c *Conn) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	members[c.ID] = c
}

func (r *Registry) leave(room string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// InRoom reports whether connID is subscribed to room.
func (r *Registry) InRoom(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// members returns a snapshot of room's connections.
func (r *Registry) members(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// all returns a snapshot of every registered connection.
func (r *Registry) all() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ConnForUser returns the connection currently mapped to userID.
func (r *Registry) ConnForUser(userID int64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	c, ok := r.conns[id]
	return c, ok
}

// AddrCount returns the live connection count for addr.
func (r *Registry) AddrCount(addr string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perAddr[addr]
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Rooms       int            `json:"rooms"`
	RoomSizes   map[string]int `json:"room_sizes,omitempty"`
}

// Stats summarizes the registry. Room sizes are included when detail is set.
func (r *Registry) Stats(detail bool) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Connections: len(r.conns),
		Users:       len(r.users),
		Rooms:       len(r.rooms),
	}
	if detail {
		s.RoomSizes = make(map[string]int, len(r.rooms))
		for name, members := range r.rooms {
			s.RoomSizes[name] = len(members)
		}
	}
	return s
}

// Rooms lists the rooms c belongs to, sorted.
func (r *Registry) Rooms(c *Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, members := range r.rooms {
		if _, ok := members[c.ID]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
