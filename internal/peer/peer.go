// Package peer tracks live client connections and the rooms each one joined.
package peer

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Connection is one live client transport session.
type Connection struct {
	ID          string    `json:"id"`
	IsHost      bool      `json:"is_host"`
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
}

type record struct {
	isHost      bool
	connectedAt time.Time
	rooms       map[string]struct{}
}

// Registry owns every Connection record.
type Registry struct {
	conns map[string]*record
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*record),
	}
}

// Register creates a record for id. Registering a known id keeps the existing record.
func (r *Registry) Register(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = &record{
		connectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}
}

// Unregister removes the record and returns the rooms the connection had
// joined, sorted. Unknown ids return nil.
func (r *Registry) Unregister(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		return nil
	}
	delete(r.conns, id)
	return sortedRooms(rec)
}

// MarkHost flags the connection as a room host.
func (r *Registry) MarkHost(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.conns[id]; ok {
		rec.isHost = true
	}
}

// IsHost reports whether the connection has created a room.
func (r *Registry) IsHost(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.conns[id]
	return ok && rec.isHost
}

// AddRoom records that the connection joined roomID.
func (r *Registry) AddRoom(id, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.conns[id]; ok {
		rec.rooms[roomID] = struct{}{}
	}
}

// RemoveRoom records that the connection left roomID.
func (r *Registry) RemoveRoom(id, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.conns[id]; ok {
		delete(rec.rooms, roomID)
	}
}

// JoinedRooms returns the sorted rooms of a connection.
func (r *Registry) JoinedRooms(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.conns[id]
	if !ok {
		return nil
	}
	return sortedRooms(rec)
}

// HasJoined reports whether the connection is in roomID.
func (r *Registry) HasJoined(id, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.conns[id]
	if !ok {
		return false
	}
	_, joined := rec.rooms[roomID]
	return joined
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of every connection ordered by id.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Connection, 0, len(r.conns))
	for id, rec := range r.conns {
		out = append(out, Connection{
			ID:          id,
			IsHost:      rec.isHost,
			ConnectedAt: rec.connectedAt,
			Rooms:       sortedRooms(rec),
		})
	}
	slices.SortFunc(out, func(a, b Connection) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func sortedRooms(rec *record) []string {
	rooms := make([]string, 0, len(rec.rooms))
	for id := range rec.rooms {
		rooms = append(rooms, id)
	}
	slices.Sort(rooms)
	return rooms
}
