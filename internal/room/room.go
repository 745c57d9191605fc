package room

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"
	"time"
)

// Config for room settings
type Config struct {
	MaxMembers    int           `json:"max_members"`    // 0 means unlimited
	RoomTTL       time.Duration `json:"room_ttl"`       // Time an empty room is kept before it is swept
	CleanupPeriod time.Duration `json:"cleanup_period"` // How often to sweep empty rooms
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxMembers:    0,
		RoomTTL:       5 * time.Minute,
		CleanupPeriod: 30 * time.Second,
	}
}

// Location is the optional coordinate pair attached to a room by its creator.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Room is a named rendezvous point. Members are connection ids only; the
// directory never owns connections.
type Room struct {
	ID        string
	Location  *Location
	HostID    string
	CreatedAt time.Time

	members      map[string]struct{}
	lastActivity time.Time
}

// ActiveRoom is the listing view of a room with at least one member.
type ActiveRoom struct {
	RoomID      string    `json:"roomId"`
	Location    *Location `json:"location,omitempty"`
	MemberCount int       `json:"memberCount"`
}

// Directory maps room ids to rooms.
type Directory struct {
	rooms  map[string]*Room
	config Config
	mu     sync.RWMutex

	// Callbacks
	onRoomExpired func(roomID string)
}

// NewDirectory creates an empty directory. Call RunCleanup to start sweeping
// empty rooms.
func NewDirectory(config Config) *Directory {
	return &Directory{
		rooms:  make(map[string]*Room),
		config: config,
	}
}

// CreateOrJoin adds connID to the room, creating it when absent. A stored room
// without members counts as absent and is replaced. Location and host are only
// recorded when the room is created.
func (d *Directory) CreateOrJoin(roomID, connID string, loc *Location) (created bool, err error) {
	if roomID == "" {
		return false, ErrEmptyRoomID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	r, exists := d.rooms[roomID]
	if !exists || len(r.members) == 0 {
		r = &Room{
			ID:        roomID,
			Location:  copyLocation(loc),
			HostID:    connID,
			CreatedAt: now,
			members:   make(map[string]struct{}),
		}
		d.rooms[roomID] = r
		created = true
	}

	if err := d.addMember(r, connID); err != nil {
		return created, err
	}
	r.lastActivity = now
	return created, nil
}

// Join adds connID to an existing room.
func (d *Directory) Join(roomID, connID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, exists := d.rooms[roomID]
	if !exists || len(r.members) == 0 {
		return ErrRoomNotFound
	}
	if err := d.addMember(r, connID); err != nil {
		return err
	}
	r.lastActivity = time.Now()
	return nil
}

func (d *Directory) addMember(r *Room, connID string) error {
	if _, ok := r.members[connID]; ok {
		return nil
	}
	if d.config.MaxMembers > 0 && len(r.members) >= d.config.MaxMembers {
		return ErrRoomFull
	}
	r.members[connID] = struct{}{}
	return nil
}

// Leave removes connID from the room. It reports whether the member was
// present; absent rooms and members are not an error.
func (d *Directory) Leave(roomID, connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, exists := d.rooms[roomID]
	if !exists {
		return false
	}
	if _, ok := r.members[connID]; !ok {
		return false
	}
	delete(r.members, connID)
	r.lastActivity = time.Now()
	return true
}

// Close removes the room and returns the members it evicted.
func (d *Directory) Close(roomID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, exists := d.rooms[roomID]
	if !exists {
		return nil
	}
	delete(d.rooms, roomID)
	return sortedMembers(r)
}

// MemberCount returns the number of members other than the asking one, i.e.
// |members| - 1, never below zero.
func (d *Directory) MemberCount(roomID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, exists := d.rooms[roomID]
	if !exists {
		return 0
	}
	return othersCount(r)
}

// Members returns the member ids of a room in sorted order.
func (d *Directory) Members(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, exists := d.rooms[roomID]
	if !exists {
		return nil
	}
	return sortedMembers(r)
}

// IsMember reports whether connID is in the room.
func (d *Directory) IsMember(roomID, connID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, exists := d.rooms[roomID]
	if !exists {
		return false
	}
	_, ok := r.members[connID]
	return ok
}

// HostID returns the connection that created the room, or "" if the room is unknown.
func (d *Directory) HostID(roomID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if r, exists := d.rooms[roomID]; exists {
		return r.HostID
	}
	return ""
}

// Exists reports whether a room record is stored, with or without members.
func (d *Directory) Exists(roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.rooms[roomID]
	return exists
}

// ListActive yields every room with at least one member, ordered by id. Each
// call takes a fresh snapshot, so the sequence can be ranged over repeatedly.
func (d *Directory) ListActive() iter.Seq[ActiveRoom] {
	return func(yield func(ActiveRoom) bool) {
		for _, r := range d.snapshotActive() {
			if !yield(r) {
				return
			}
		}
	}
}

// ActiveRooms collects ListActive into a slice that is never nil.
func (d *Directory) ActiveRooms() []ActiveRoom {
	rooms := make([]ActiveRoom, 0)
	for r := range d.ListActive() {
		rooms = append(rooms, r)
	}
	return rooms
}

func (d *Directory) snapshotActive() []ActiveRoom {
	d.mu.RLock()
	defer d.mu.RUnlock()

	active := make([]ActiveRoom, 0, len(d.rooms))
	for _, r := range d.rooms {
		if len(r.members) == 0 {
			continue
		}
		active = append(active, ActiveRoom{
			RoomID:      r.ID,
			Location:    copyLocation(r.Location),
			MemberCount: othersCount(r),
		})
	}
	slices.SortFunc(active, func(a, b ActiveRoom) int {
		return cmp.Compare(a.RoomID, b.RoomID)
	})
	return active
}

// Count returns the total number of stored rooms, empty ones included
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// OnRoomExpired sets a callback for when an empty room is swept
func (d *Directory) OnRoomExpired(callback func(roomID string)) {
	d.mu.Lock()
	d.onRoomExpired = callback
	d.mu.Unlock()
}

// Sweep removes rooms that have been empty for longer than RoomTTL and
// returns their ids.
func (d *Directory) Sweep() []string {
	d.mu.Lock()
	var expired []string
	for id, r := range d.rooms {
		if len(r.members) == 0 && time.Since(r.lastActivity) > d.config.RoomTTL {
			delete(d.rooms, id)
			expired = append(expired, id)
		}
	}
	callback := d.onRoomExpired
	d.mu.Unlock()

	if callback != nil {
		for _, id := range expired {
			callback(id)
		}
	}
	slices.Sort(expired)
	return expired
}

// RunCleanup sweeps empty rooms every CleanupPeriod until ctx is done.
func (d *Directory) RunCleanup(ctx context.Context) {
	if d.config.CleanupPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}

func othersCount(r *Room) int {
	if n := len(r.members) - 1; n > 0 {
		return n
	}
	return 0
}

func sortedMembers(r *Room) []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func copyLocation(loc *Location) *Location {
	if loc == nil {
		return nil
	}
	c := *loc
	return &c
}
