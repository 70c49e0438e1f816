package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/luciancaetano/rwsnet"
)

var (
	// ErrDuplicateID is returned by Add when the connection ID is taken.
	ErrDuplicateID = errors.New("connection ID already registered")

	// ErrNotFound is returned for operations on an unknown connection.
	ErrNotFound = errors.New(rwsnet.ErrClientNotFound)

	// ErrDuplicateNickname is matched by every DuplicateNicknameError.
	ErrDuplicateNickname = errors.New("duplicate nickname")

	// ErrInvalidRoom is returned for an empty room name.
	ErrInvalidRoom = errors.New("invalid room name")
)

// DuplicateNicknameError reports a nickname held by another live connection.
type DuplicateNicknameError struct {
	Nickname string
}

func (e *DuplicateNicknameError) Error() string {
	return fmt.Sprintf("The nickname %q already exists.", e.Nickname)
}

func (e *DuplicateNicknameError) Is(target error) bool {
	return target == ErrDuplicateNickname
}

// SortOrder orders the IDs returned by List.
type SortOrder int

const (
	Unsorted SortOrder = iota
	Ascending
	Descending
)

type entry struct {
	conn     rwsnet.Conn
	nickname string
	seq      uint64
}

func bySeq(a, b *entry) int {
	return cmp.Compare(a.seq, b.seq)
}

func (e *entry) info() rwsnet.SocketInfo {
	return rwsnet.SocketInfo{ID: e.conn.ID(), Nickname: e.nickname}
}

// Registry is the in-memory directory of live connections and rooms.
//
// All methods are safe for concurrent use. Every mutation keeps three
// invariants: nicknames are unique, no room is empty, and every room member
// is a registered connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]map[string]struct{}
	seq   uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Add registers conn. It fails only if the ID is already present.
func (r *Registry) Add(conn rwsnet.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if _, ok := r.conns[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.seq++
	r.conns[id] = &entry{conn: conn, seq: r.seq}
	return nil
}

// Remove unregisters the connection and drops it from every room, pruning
// rooms left empty. It returns the removed connection.
func (r *Registry) Remove(id string) (rwsnet.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) (rwsnet.Conn, bool) {
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	for name := range r.rooms {
		r.leaveLocked(id, name)
	}
	return e.conn, true
}

// Get returns the connection with the given ID.
func (r *Registry) Get(id string) (rwsnet.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Find returns the connections matching every condition, in registration order.
// No conditions match everything.
func (r *Registry) Find(conds ...Cond) []rwsnet.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.findLocked(conds)
	out := make([]rwsnet.Conn, len(entries))
	for i, e := range entries {
		out[i] = e.conn
	}
	return out
}

// FindOne returns the first connection matching every condition.
func (r *Registry) FindOne(conds ...Cond) (rwsnet.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// exact ID lookups skip the scan
	if len(conds) == 1 && conds[0].Field == FieldID && conds[0].Op == OpEq {
		if id, ok := conds[0].Value.(string); ok {
			e, ok := r.conns[id]
			if !ok {
				return nil, false
			}
			return e.conn, true
		}
	}

	entries := r.findLocked(conds)
	if len(entries) == 0 {
		return nil, false
	}
	return entries[0].conn, true
}

// Exists reports whether any connection matches every condition.
func (r *Registry) Exists(conds ...Cond) bool {
	_, ok := r.FindOne(conds...)
	return ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns the IDs of all connections.
func (r *Registry) List(order SortOrder) []string {
	r.mu.RLock()
	entries := r.findLocked(nil)
	r.mu.RUnlock()

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.conn.ID()
	}
	switch order {
	case Ascending:
		slices.Sort(ids)
	case Descending:
		slices.Sort(ids)
		slices.Reverse(ids)
	}
	return ids
}

// RemoveByQuery removes every connection matching the conditions.
func (r *Registry) RemoveByQuery(conds ...Cond) []rwsnet.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []rwsnet.Conn
	for _, e := range r.findLocked(conds) {
		if conn, ok := r.removeLocked(e.conn.ID()); ok {
			removed = append(removed, conn)
		}
	}
	return removed
}

// PurgeDead removes every connection for which alive returns false.
// The predicate runs without the registry lock held.
func (r *Registry) PurgeDead(alive func(rwsnet.Conn) bool) []rwsnet.Conn {
	var dead []string
	for _, conn := range r.Find() {
		if !alive(conn) {
			dead = append(dead, conn.ID())
		}
	}
	if len(dead) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []rwsnet.Conn
	for _, id := range dead {
		if conn, ok := r.removeLocked(id); ok {
			removed = append(removed, conn)
		}
	}
	return removed
}

func (r *Registry) findLocked(conds []Cond) []*entry {
	out := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		if matchAll(e, conds) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, bySeq)
	return out
}

// Nickname returns the nickname of a connection, or "" if none is set.
func (r *Registry) Nickname(id string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.conns[id]; ok {
		return e.nickname
	}
	return ""
}

// SetNickname assigns name to the connection. It fails with a
// DuplicateNicknameError if another connection holds the name.
// An empty name clears the nickname.
func (r *Registry) SetNickname(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if name != "" {
		for otherID, other := range r.conns {
			if otherID != id && other.nickname == name {
				return &DuplicateNicknameError{Nickname: name}
			}
		}
	}
	e.nickname = name
	return nil
}

// Sockets returns every connection with its nickname, in registration order.
func (r *Registry) Sockets() []rwsnet.SocketInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.findLocked(nil)
	out := make([]rwsnet.SocketInfo, len(entries))
	for i, e := range entries {
		out[i] = e.info()
	}
	return out
}

// RoomEnter adds the connection to room, creating the room if needed.
// Entering a room twice is a no-op.
func (r *Registry) RoomEnter(id, room string) error {
	if room == "" {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	return nil
}

// RoomExit removes the connection from room. The room is deleted once empty.
func (r *Registry) RoomExit(id, room string) error {
	if room == "" {
		return ErrInvalidRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.leaveLocked(id, room)
	return nil
}

// RoomExitAll removes the connection from every room.
func (r *Registry) RoomExitAll(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for name := range r.rooms {
		r.leaveLocked(id, name)
	}
	return nil
}

func (r *Registry) leaveLocked(id, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// RoomList returns every room sorted by name.
func (r *Registry) RoomList() []rwsnet.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomsLocked(func(map[string]struct{}) bool { return true })
}

// RoomListOf returns the rooms the connection belongs to, sorted by name.
func (r *Registry) RoomListOf(id string) []rwsnet.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomsLocked(func(members map[string]struct{}) bool {
		_, ok := members[id]
		return ok
	})
}

// FindRoom returns a single room.
func (r *Registry) FindRoom(name string) (rwsnet.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[name]
	if !ok {
		return rwsnet.Room{}, false
	}
	return rwsnet.Room{Name: name, MemberIDs: sortedIDs(members)}, true
}

// RoomMembers returns the connections in room, in registration order.
func (r *Registry) RoomMembers(room string) []rwsnet.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	entries := make([]*entry, 0, len(members))
	for id := range members {
		if e, ok := r.conns[id]; ok {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, bySeq)

	out := make([]rwsnet.Conn, len(entries))
	for i, e := range entries {
		out[i] = e.conn
	}
	return out
}

func (r *Registry) roomsLocked(keep func(map[string]struct{}) bool) []rwsnet.Room {
	names := make([]string, 0, len(r.rooms))
	for name, members := range r.rooms {
		if keep(members) {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	out := make([]rwsnet.Room, len(names))
	for i, name := range names {
		out[i] = rwsnet.Room{Name: name, MemberIDs: sortedIDs(r.rooms[name])}
	}
	return out
}

func sortedIDs(members map[string]struct{}) []string {
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
