/*
Package session tracks live connections: which user owns each connection and
which rooms it has joined.

The Registry is the sole owner of Connection values. The broker only holds a
subscription keyed by connection id, and presence only learns about users.
*/
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roomcast/internal/app/broker"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

// Subscriber is the part of the broker the registry drives.
type Subscriber interface {
	Subscribe(ctx context.Context, req broker.SubscribeRequest) (*broker.Subscription, error)
	Unsubscribe(connID, roomID string) error
}

// Listener is notified about user-level transitions. Calls happen after the
// registry released its locks.
type Listener interface {
	// UserLeftRoom fires when the last connection of userID left roomID.
	UserLeftRoom(roomID, userID string)

	// UserDisconnected fires when the last connection of userID went away.
	// rooms are the rooms that connection had joined.
	UserDisconnected(userID string, rooms []string)
}

// Connection is one live client connection.
type Connection struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	mu     sync.Mutex
	rooms  map[string]*broker.Subscription
	closed bool
}

// Rooms returns the joined room ids, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	slices.Sort(rooms)
	return rooms
}

// Subscription returns the live subscription for roomID, if joined.
func (c *Connection) Subscription(roomID string) (*broker.Subscription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.rooms[roomID]
	return sub, ok
}

// Joined reports whether the connection has joined roomID.
func (c *Connection) Joined(roomID string) bool {
	_, ok := c.Subscription(roomID)
	return ok
}

// Registry maps connections to users and rooms.
type Registry struct {
	subs     Subscriber
	listener Listener

	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection

	logger zerolog.Logger
}

// NewRegistry creates a Registry driving subs. listener may be nil.
func NewRegistry(subs Subscriber, listener Listener) *Registry {
	return &Registry{
		subs:     subs,
		listener: listener,
		conns:    make(map[string]*Connection),
		byUser:   make(map[string]map[string]*Connection),
		logger:   logx.Component("session"),
	}
}

// Connect registers a new connection for userID and returns its id.
func (r *Registry) Connect(userID string) (string, error) {
	if userID == "" {
		return "", errs.NewError(errs.ErrInvalidParams)
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		rooms:       make(map[string]*broker.Subscription),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	userConns, ok := r.byUser[userID]
	if !ok {
		userConns = make(map[string]*Connection)
		r.byUser[userID] = userConns
	}
	userConns[conn.ID] = conn
	live := len(userConns)
	r.mu.Unlock()

	r.logger.Info().Str("conn_id", conn.ID).Str("user_id", userID).Int("user_connections", live).Msg("Connection registered.")

	return conn.ID, nil
}

// Connection looks up a live connection.
func (r *Registry) Connection(connID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, errs.NewError(errs.ErrNotFound)
	}
	return conn, nil
}

// JoinRoom subscribes the connection to roomID. after is the last sequence
// the client has seen, or nil for live events only. Joining an already
// joined room returns the existing subscription.
func (r *Registry) JoinRoom(ctx context.Context, connID, roomID string, after *uint64) (*broker.Subscription, error) {
	conn, err := r.Connection(connID)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closed {
		return nil, errs.NewError(errs.ErrNotFound)
	}
	if sub, ok := conn.rooms[roomID]; ok {
		return sub, nil
	}

	sub, err := r.subs.Subscribe(ctx, broker.SubscribeRequest{
		ConnID: connID,
		UserID: conn.UserID,
		RoomID: roomID,
		After:  after,
	})
	if err != nil {
		return nil, err
	}
	conn.rooms[roomID] = sub

	r.logger.Debug().Str("conn_id", connID).Str("room_id", roomID).Msg("Room joined.")

	return sub, nil
}

// LeaveRoom unsubscribes the connection from roomID.
func (r *Registry) LeaveRoom(connID, roomID string) error {
	conn, err := r.Connection(connID)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	_, ok := conn.rooms[roomID]
	if ok {
		delete(conn.rooms, roomID)
	}
	conn.mu.Unlock()

	if !ok {
		return errs.NewError(errs.ErrNotFound)
	}

	r.unsubscribe(connID, roomID)

	if r.listener != nil && !r.userInRoom(conn.UserID, roomID) {
		r.listener.UserLeftRoom(roomID, conn.UserID)
	}

	r.logger.Debug().Str("conn_id", connID).Str("room_id", roomID).Msg("Room left.")

	return nil
}

// EvictUser unsubscribes every connection of userID from roomID and returns
// how many connections had joined it.
func (r *Registry) EvictUser(userID, roomID string) int {
	evicted := 0
	for _, conn := range r.connectionsOf(userID) {
		if err := r.LeaveRoom(conn.ID, roomID); err == nil {
			evicted++
		}
	}
	return evicted
}

// Disconnect leaves every joined room and removes the connection. When it was
// the user's last connection the listener is told so presence can go offline.
func (r *Registry) Disconnect(connID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return errs.NewError(errs.ErrNotFound)
	}
	delete(r.conns, connID)

	userConns := r.byUser[conn.UserID]
	delete(userConns, connID)
	last := len(userConns) == 0
	if last {
		delete(r.byUser, conn.UserID)
	}
	r.mu.Unlock()

	conn.mu.Lock()
	conn.closed = true
	rooms := make([]string, 0, len(conn.rooms))
	for roomID := range conn.rooms {
		rooms = append(rooms, roomID)
	}
	conn.rooms = make(map[string]*broker.Subscription)
	conn.mu.Unlock()

	slices.Sort(rooms)
	for _, roomID := range rooms {
		r.unsubscribe(connID, roomID)
	}

	if r.listener != nil {
		for _, roomID := range rooms {
			if !last && !r.userInRoom(conn.UserID, roomID) {
				r.listener.UserLeftRoom(roomID, conn.UserID)
			}
		}
		if last {
			r.listener.UserDisconnected(conn.UserID, rooms)
		}
	}

	r.logger.Info().
		Str("conn_id", connID).
		Str("user_id", conn.UserID).
		Strs("rooms", rooms).
		Bool("last_connection", last).
		Msg("Connection removed.")

	return nil
}

func (r *Registry) unsubscribe(connID, roomID string) {
	// NotFound means the broker already dropped it (overflow or eviction).
	if err := r.subs.Unsubscribe(connID, roomID); err != nil && !errs.HasCode(err, errs.ErrNotFound) {
		r.logger.Warn().Err(err).Str("conn_id", connID).Str("room_id", roomID).Msg("Unsubscribe failed.")
	}
}

// userInRoom reports whether any live connection of userID has joined roomID.
func (r *Registry) userInRoom(userID, roomID string) bool {
	for _, conn := range r.connectionsOf(userID) {
		if conn.Joined(roomID) {
			return true
		}
	}
	return false
}

func (r *Registry) connectionsOf(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// RoomsOf returns the union of rooms joined by the user's live connections, sorted.
func (r *Registry) RoomsOf(userID string) []string {
	seen := make(map[string]struct{})
	for _, conn := range r.connectionsOf(userID) {
		for _, roomID := range conn.Rooms() {
			seen[roomID] = struct{}{}
		}
	}

	rooms := make([]string, 0, len(seen))
	for roomID := range seen {
		rooms = append(rooms, roomID)
	}
	slices.Sort(rooms)
	return rooms
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
