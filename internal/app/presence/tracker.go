/*
Package presence tracks the coarse availability status of users and
broadcasts transitions into the rooms they have joined.
*/
package presence

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

// Status is a user's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates s against the status enumeration.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	default:
		return "", errs.NewError(errs.ErrInvalidStatus, s)
	}
}

// State is a user's status and the time of the last transition.
type State struct {
	Status Status    `json:"status"`
	Since  time.Time `json:"since"`
}

// Publisher appends events to a room.
type Publisher interface {
	Publish(roomID, producerUserID string, kind event.Kind, payload any) (event.Event, error)
}

// RoomLister returns the rooms a user currently subscribes to.
type RoomLister interface {
	RoomsOf(userID string) []string
}

// Store persists presence outside the process. Failures are logged, never returned.
type Store interface {
	SavePresence(ctx context.Context, userID string, st State) error
}

const stripeCount = 64

// Tracker holds presence state per user. Transitions for one user are
// serialized by a lock stripe; the emitted events are published while the
// stripe is held so subscribers see transitions in order.
type Tracker struct {
	pub   Publisher
	rooms RoomLister
	store Store
	now   func() time.Time

	stripes [stripeCount]sync.Mutex

	mu     sync.RWMutex
	states map[string]State

	logger zerolog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore mirrors every transition to s.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker publishing through pub into the rooms listed by rooms.
func NewTracker(pub Publisher, rooms RoomLister, opts ...Option) *Tracker {
	t := &Tracker{
		pub:    pub,
		rooms:  rooms,
		now:    time.Now,
		states: make(map[string]State),
		logger: logx.Component("presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &t.stripes[h.Sum32()%stripeCount]
}

// GetStatus returns the user's state. Unknown users are offline.
func (t *Tracker) GetStatus(userID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[userID]
	if !ok {
		return State{Status: StatusOffline}
	}
	return st
}

// SetStatus transitions the user to status and emits presence_changed into
// every room the user subscribes to. Setting the current status is a no-op.
func (t *Tracker) SetStatus(ctx context.Context, userID, status string) (State, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return State{}, err
	}
	if userID == "" {
		return State{}, errs.NewError(errs.ErrInvalidParams)
	}

	return t.transition(ctx, userID, st, nil, nil)
}

// Connected marks an offline user online. Other statuses are kept.
func (t *Tracker) Connected(ctx context.Context, userID string) (State, error) {
	return t.transition(ctx, userID, StatusOnline, nil, func(cur Status) bool { return cur == StatusOffline })
}

// Disconnected performs auto-offline after the user's last connection
// dropped. The transition is emitted into rooms, the rooms that connection
// had joined.
func (t *Tracker) Disconnected(ctx context.Context, userID string, rooms []string) (State, error) {
	return t.transition(ctx, userID, StatusOffline, rooms, nil)
}

// transition moves the user to next unless the user is already there or
// allow rejects the current status. A nil rooms means every room the user
// subscribes to.
func (t *Tracker) transition(ctx context.Context, userID string, next Status, rooms []string, allow func(Status) bool) (State, error) {
	mu := t.stripe(userID)
	mu.Lock()

	cur := t.GetStatus(userID)
	if cur.Status == next || (allow != nil && !allow(cur.Status)) {
		mu.Unlock()
		return cur, nil
	}

	st := State{Status: next, Since: t.now()}
	t.mu.Lock()
	t.states[userID] = st
	t.mu.Unlock()

	if rooms == nil {
		rooms = t.rooms.RoomsOf(userID)
	}

	payload := event.PresenceChanged{UserID: userID, Status: string(next), Previous: string(cur.Status)}
	for _, roomID := range rooms {
		if _, err := t.pub.Publish(roomID, userID, event.KindPresenceChanged, payload); err != nil {
			t.logger.Warn().Err(err).Str("user_id", userID).Str("room_id", roomID).Msg("Failed to publish presence change.")
		}
	}

	// Saved under the stripe so the mirror sees this user's transitions in order.
	if t.store != nil {
		if err := t.store.SavePresence(ctx, userID, st); err != nil {
			t.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to mirror presence.")
		}
	}
	mu.Unlock()

	t.logger.Debug().
		Str("user_id", userID).
		Str("from", string(cur.Status)).
		Str("to", string(next)).
		Int("rooms", len(rooms)).
		Msg("Presence changed.")

	return st, nil
}
