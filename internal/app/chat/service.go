/*
Package chat ties the session registry, room broker, presence tracker and
typing manager together behind the operations a transport exposes.

The Service is the only place that knows how the pieces depend on each other:
leaving a room stops typing there, the last connection dropping takes the user
offline, and a subscriber cut off for overflow loses its whole connection.
*/
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/app/broker"
	"roomcast/internal/app/event"
	"roomcast/internal/app/presence"
	"roomcast/internal/app/session"
	"roomcast/internal/app/typing"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
	"roomcast/internal/pkg/randx"
)

// KickFunc terminates a transport connection. reason is what the client is told.
type KickFunc func(reason error)

// Config holds the service options.
type Config struct {
	TypingWindow  time.Duration
	PresenceStore presence.Store
}

// Stats is a point-in-time view of the service.
type Stats struct {
	broker.Stats
	Connections int `json:"connections"`
}

// Service is the transport-facing façade over the broker.
type Service struct {
	broker   *broker.Broker
	registry *session.Registry
	presence *presence.Tracker
	typing   *typing.Manager

	kicksMu sync.Mutex
	kicks   map[string]KickFunc

	logger zerolog.Logger
}

// NewService wires a Service around b.
func NewService(b *broker.Broker, cfg Config) *Service {
	s := &Service{
		broker: b,
		kicks:  make(map[string]KickFunc),
		logger: logx.Component("chat"),
	}

	s.registry = session.NewRegistry(b, s)

	var presenceOpts []presence.Option
	if cfg.PresenceStore != nil {
		presenceOpts = append(presenceOpts, presence.WithStore(cfg.PresenceStore))
	}
	s.presence = presence.NewTracker(b, s.registry, presenceOpts...)
	s.typing = typing.NewManager(b, typing.WithWindow(cfg.TypingWindow))

	b.OnOverflow(s.handleOverflow)

	return s
}

// Run drives the typing sweeper until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	return s.typing.Run(ctx)
}

// Connect registers a connection for userID. kick, if set, is called when the
// service drops the connection on its own.
func (s *Service) Connect(ctx context.Context, userID string, kick KickFunc) (string, error) {
	connID, err := s.registry.Connect(userID)
	if err != nil {
		return "", err
	}

	if kick != nil {
		s.kicksMu.Lock()
		s.kicks[connID] = kick
		s.kicksMu.Unlock()
	}

	if _, err := s.presence.Connected(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to mark user online.")
	}

	return connID, nil
}

// Disconnect removes the connection, leaving all its rooms.
func (s *Service) Disconnect(connID string) error {
	s.kicksMu.Lock()
	delete(s.kicks, connID)
	s.kicksMu.Unlock()

	return s.registry.Disconnect(connID)
}

func (s *Service) handleOverflow(connID, roomID string) {
	s.kicksMu.Lock()
	kick := s.kicks[connID]
	s.kicksMu.Unlock()

	s.logger.Warn().Str("conn_id", connID).Str("room_id", roomID).Msg("Dropping connection after queue overflow.")

	if err := s.Disconnect(connID); err != nil && !errs.HasCode(err, errs.ErrNotFound) {
		s.logger.Error().Err(err).Str("conn_id", connID).Msg("Failed to disconnect overflowed connection.")
	}
	if kick != nil {
		kick(errs.NewError(errs.ErrQueueOverflow))
	}
}

// UserLeftRoom ends the user's typing state in a room they no longer occupy.
func (s *Service) UserLeftRoom(roomID, userID string) {
	if err := s.typing.StopTyping(roomID, userID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", roomID).Str("user_id", userID).Msg("Failed to stop typing on leave.")
	}
}

// UserDisconnected stops typing everywhere and takes the user offline.
func (s *Service) UserDisconnected(userID string, rooms []string) {
	for _, roomID := range rooms {
		s.UserLeftRoom(roomID, userID)
	}

	if _, err := s.presence.Disconnected(context.Background(), userID, rooms); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to mark user offline.")
	}
}

// Join subscribes the connection to roomID, replaying after the given
// sequence when set.
func (s *Service) Join(ctx context.Context, connID, roomID string, after *uint64) (*broker.Subscription, error) {
	if !randx.IsValidRoomID(roomID) {
		return nil, errs.NewError(errs.ErrInvalidParams)
	}
	return s.registry.JoinRoom(ctx, connID, roomID, after)
}

// Leave unsubscribes the connection from roomID.
func (s *Service) Leave(connID, roomID string) error {
	return s.registry.LeaveRoom(connID, roomID)
}

func (s *Service) joined(connID, roomID string) (*session.Connection, error) {
	conn, err := s.registry.Connection(connID)
	if err != nil {
		return nil, err
	}
	if !conn.Joined(roomID) {
		return nil, errs.NewError(errs.ErrNotJoined)
	}
	return conn, nil
}

// Publish validates a client mutation and appends it to a room the
// connection has joined.
func (s *Service) Publish(connID, roomID string, kind event.Kind, payload json.RawMessage) (event.Event, error) {
	conn, err := s.joined(connID, roomID)
	if err != nil {
		return event.Event{}, err
	}

	normalized, cerr := event.NormalizeClientPayload(kind, payload, randx.MessageID)
	if cerr != nil {
		return event.Event{}, cerr
	}

	if kind == event.KindMessageCreated {
		var created event.MessageCreated
		if err := json.Unmarshal(normalized, &created); err != nil {
			return event.Event{}, errs.NewError(errs.ErrInvalidJSONFormat)
		}
		if cerr := ValidateAttachments(roomID, created.Attachments); cerr != nil {
			return event.Event{}, cerr
		}
	}

	ev, err := s.broker.Publish(roomID, conn.UserID, kind, normalized)
	if err != nil {
		return event.Event{}, err
	}

	// Sending a message ends the sender's typing indicator.
	if kind == event.KindMessageCreated {
		_ = s.typing.StopTyping(roomID, conn.UserID)
	}

	return ev, nil
}

// SetStatus changes the presence of the connection's user.
func (s *Service) SetStatus(ctx context.Context, connID, status string) (presence.State, error) {
	conn, err := s.registry.Connection(connID)
	if err != nil {
		return presence.State{}, err
	}
	return s.presence.SetStatus(ctx, conn.UserID, status)
}

// StartTyping signals that the connection's user is typing in roomID.
func (s *Service) StartTyping(connID, roomID string) error {
	conn, err := s.joined(connID, roomID)
	if err != nil {
		return err
	}
	return s.typing.StartTyping(roomID, conn.UserID)
}

// StopTyping clears the typing signal of the connection's user in roomID.
func (s *Service) StopTyping(connID, roomID string) error {
	conn, err := s.joined(connID, roomID)
	if err != nil {
		return err
	}
	return s.typing.StopTyping(roomID, conn.UserID)
}

// Status returns a user's presence.
func (s *Service) Status(userID string) presence.State {
	return s.presence.GetStatus(userID)
}

// Typing lists the users typing in roomID.
func (s *Service) Typing(roomID string) []string {
	return s.typing.Typing(roomID)
}

// Replay returns the retained events of roomID after the given sequence for a member.
func (s *Service) Replay(ctx context.Context, userID, roomID string, after uint64) ([]event.Event, error) {
	if err := s.broker.Authorize(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return s.broker.Since(roomID, after)
}

// Authorize checks that userID is a member of roomID.
func (s *Service) Authorize(ctx context.Context, userID, roomID string) error {
	return s.broker.Authorize(ctx, userID, roomID)
}

// RevokeMember removes every connection of userID from roomID after the
// user lost membership.
func (s *Service) RevokeMember(roomID, userID string) int {
	n := s.registry.EvictUser(userID, roomID)
	if n > 0 {
		s.logger.Info().Str("room_id", roomID).Str("user_id", userID).Int("connections", n).Msg("Revoked member removed from room.")
	}
	return n
}

// Flush waits until every event published so far reached the observers.
func (s *Service) Flush(ctx context.Context) error {
	return s.broker.Flush(ctx)
}

// Head returns the retained sequence range of roomID.
func (s *Service) Head(roomID string) (first, last uint64) {
	return s.broker.Head(roomID)
}

// Stats reports broker load and live connections.
func (s *Service) Stats() Stats {
	return Stats{Stats: s.broker.Stats(), Connections: s.registry.Count()}
}
