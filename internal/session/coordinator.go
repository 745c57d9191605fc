// Package session runs the room workflows: join, create, list, leave, close
// and disconnect. Each workflow mutates the registries and emits its
// notifications while holding one lock, so observers never see a member
// count that a concurrent workflow has already invalidated.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/LemmyAI/roomrelay/internal/peer"
	"github.com/LemmyAI/roomrelay/internal/protocol"
	"github.com/LemmyAI/roomrelay/internal/room"
)

var (
	ErrNotHost           = errors.New("only the room host can close it")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Emitter delivers outbound envelopes. Implementations must not block.
type Emitter interface {
	Unicast(connID string, env protocol.Envelope)
	Multicast(connIDs []string, env protocol.Envelope)
	Broadcast(env protocol.Envelope)
}

// Config for workflow policy.
type Config struct {
	// PermissiveClose lets any connection close any room.
	PermissiveClose bool
}

// Coordinator owns the workflow lock.
type Coordinator struct {
	peers  *peer.Registry
	rooms  *room.Directory
	emit   Emitter
	config Config
	log    logrus.FieldLogger
	mu     sync.Mutex
}

// NewCoordinator creates a coordinator over the given registries.
func NewCoordinator(peers *peer.Registry, rooms *room.Directory, emit Emitter, config Config, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		peers:  peers,
		rooms:  rooms,
		emit:   emit,
		config: config,
		log:    log.WithField("component", "session"),
	}
}

// Connect registers a new connection and tells it its id.
func (c *Coordinator) Connect(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.peers.Register(connID)
	c.emit.Unicast(connID, protocol.MustEnvelope(protocol.EventWelcome, protocol.Welcome{ConnectionID: connID}))
}

// Join adds connID to an existing room. Existing members learn the joiner's
// id and everyone in the room gets the new member count.
func (c *Coordinator) Join(connID, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.peers.Exists(connID) {
		return ErrUnknownConnection
	}
	if c.peers.HasJoined(connID, roomID) {
		c.sendMemberCount(roomID)
		return nil
	}
	if err := c.rooms.Join(roomID, connID); err != nil {
		return fmt.Errorf("join %q: %w", roomID, err)
	}
	c.admitted(connID, roomID)

	c.log.WithFields(logrus.Fields{"conn_id": connID, "room_id": roomID}).Info("👋 Joined room")
	return nil
}

// Create makes connID the host of a new room and announces it to every
// connection. An id that already names a live room joins it instead; the
// room keeps its host and location.
func (c *Coordinator) Create(connID, roomID string, loc *room.Location) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.peers.Exists(connID) {
		return ErrUnknownConnection
	}
	wasMember := c.rooms.IsMember(roomID, connID)
	created, err := c.rooms.CreateOrJoin(roomID, connID, loc)
	if err != nil {
		return fmt.Errorf("create %q: %w", roomID, err)
	}

	log := c.log.WithFields(logrus.Fields{"conn_id": connID, "room_id": roomID})
	switch {
	case created:
		c.peers.AddRoom(connID, roomID)
		c.peers.MarkHost(connID)
		log.Info("🏠 Room created")
	case !wasMember:
		c.admitted(connID, roomID)
		log.Info("🏠 Room exists, joined instead")
	default:
		c.sendMemberCount(roomID)
	}

	c.broadcastRoomList()
	return nil
}

// Rooms sends the active room list to connID only.
func (c *Coordinator) Rooms(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emit.Unicast(connID, c.roomList())
}

// Leave removes connID from a room. Leaving a room not joined is a no-op. A
// host leaving does not close the room.
func (c *Coordinator) Leave(connID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leave(connID, roomID)
}

// Close evicts everyone from a room and tells every connection it is gone.
func (c *Coordinator) Close(connID, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rooms.Exists(roomID) {
		return fmt.Errorf("close %q: %w", roomID, room.ErrRoomNotFound)
	}
	if !c.config.PermissiveClose && c.rooms.HostID(roomID) != connID {
		return fmt.Errorf("close %q: %w", roomID, ErrNotHost)
	}
	c.closeRoom(roomID)

	c.log.WithFields(logrus.Fields{"conn_id": connID, "room_id": roomID}).Info("🚪 Room closed")
	return nil
}

// Disconnect reconciles every room the connection had joined: rooms it hosts
// are closed, the others just lose a member.
func (c *Coordinator) Disconnect(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.peers.Exists(connID) {
		return
	}
	wasHost := c.peers.IsHost(connID)
	joined := c.peers.Unregister(connID)

	// Host status per room is read before the rooms change.
	hosted := make(map[string]bool, len(joined))
	for _, roomID := range joined {
		hosted[roomID] = c.rooms.HostID(roomID) == connID
	}

	for _, roomID := range joined {
		if hosted[roomID] {
			c.closeRoom(roomID)
			continue
		}
		c.leave(connID, roomID)
	}

	c.log.WithFields(logrus.Fields{
		"conn_id": connID,
		"rooms":   len(joined),
		"host":    wasHost,
	}).Debug("Connection reconciled")
}

// admitted records a fresh membership and notifies the room.
func (c *Coordinator) admitted(connID, roomID string) {
	c.peers.AddRoom(connID, roomID)

	others := slices.DeleteFunc(c.rooms.Members(roomID), func(id string) bool { return id == connID })
	c.emit.Multicast(others, protocol.MustEnvelope(protocol.EventJoinRoom, protocol.JoinNotice{JoinerConnectionID: connID}))
	c.sendMemberCount(roomID)
}

func (c *Coordinator) leave(connID, roomID string) {
	c.peers.RemoveRoom(connID, roomID)
	if !c.rooms.Leave(roomID, connID) {
		return
	}
	c.sendMemberCount(roomID)
}

func (c *Coordinator) closeRoom(roomID string) {
	for _, member := range c.rooms.Close(roomID) {
		c.peers.RemoveRoom(member, roomID)
	}
	c.emit.Broadcast(protocol.MustEnvelope(protocol.EventCloseRoom, roomID))
	c.broadcastRoomList()
}

func (c *Coordinator) sendMemberCount(roomID string) {
	members := c.rooms.Members(roomID)
	if len(members) == 0 {
		return
	}
	c.emit.Multicast(members, protocol.MustEnvelope(protocol.EventRoomMemberCount, c.rooms.MemberCount(roomID)))
}

func (c *Coordinator) broadcastRoomList() {
	c.emit.Broadcast(c.roomList())
}

func (c *Coordinator) roomList() protocol.Envelope {
	return protocol.MustEnvelope(protocol.EventRoomList, c.rooms.ActiveRooms())
}
