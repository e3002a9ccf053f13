package chat

import (
	"sort"
	"sync"

	"UniRide/tools/errs"
)

// Directory finds every live connection of a user.
type Directory interface {
	ConnectionsFor(userID string) []*Conn
}

// Rooms lists the connections that currently have a chat open.
type Rooms interface {
	MembersOf(chatID string) []*Conn
}

// RoomIndex tracks which connections have which chat thread open. It does
// no authorization; callers check chat membership before Join.
type RoomIndex struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Conn]struct{}
	byConn map[*Conn]map[string]struct{}
}

func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		rooms:  make(map[string]map[*Conn]struct{}),
		byConn: make(map[*Conn]map[string]struct{}),
	}
}

// Join is idempotent. Anonymous connections are refused and closed ones are
// ignored.
func (x *RoomIndex) Join(c *Conn, chatID string) error {
	if !c.Authenticated() {
		return errs.ErrUnauthenticated.WrapMsg("join room", "chat", chatID)
	}
	if chatID == "" {
		return errs.ErrArgs.WrapMsg("chatId is required")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if c.Closed() {
		return nil
	}
	m := x.rooms[chatID]
	if m == nil {
		m = make(map[*Conn]struct{})
		x.rooms[chatID] = m
	}
	m[c] = struct{}{}
	r := x.byConn[c]
	if r == nil {
		r = make(map[string]struct{})
		x.byConn[c] = r
	}
	r[chatID] = struct{}{}
	return nil
}

// Leave is idempotent.
func (x *RoomIndex) Leave(c *Conn, chatID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leaveLocked(c, chatID)
}

func (x *RoomIndex) leaveLocked(c *Conn, chatID string) {
	if m := x.rooms[chatID]; m != nil {
		delete(m, c)
		if len(m) == 0 {
			delete(x.rooms, chatID)
		}
	}
	if r := x.byConn[c]; r != nil {
		delete(r, chatID)
		if len(r) == 0 {
			delete(x.byConn, c)
		}
	}
}

// LeaveAll removes c from every room it joined.
func (x *RoomIndex) LeaveAll(c *Conn) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for chatID := range x.byConn[c] {
		x.leaveLocked(c, chatID)
	}
}

// MembersOf returns a snapshot of the room, oldest connection first.
func (x *RoomIndex) MembersOf(chatID string) []*Conn {
	x.mu.RLock()
	m := x.rooms[chatID]
	out := make([]*Conn, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

func (x *RoomIndex) RoomsOf(c *Conn) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, 0, len(x.byConn[c]))
	for id := range x.byConn[c] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (x *RoomIndex) InRoom(c *Conn, chatID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.rooms[chatID][c]
	return ok
}
