/*
Package typing keeps the ephemeral "user is typing in room" state.

A user enters the typing state on the first StartTyping and stays there while
further StartTyping calls keep refreshing the expiry. typing_started is emitted
only on the idle to typing transition and typing_stopped exactly once when the
state ends, by StopTyping, by expiry found on access, or by the periodic sweep.
*/
package typing

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

// DefaultWindow is how long a typing signal stays valid without a refresh.
const DefaultWindow = 3 * time.Second

const stripeCount = 64

// Publisher appends events to a room.
type Publisher interface {
	Publish(roomID, producerUserID string, kind event.Kind, payload any) (event.Event, error)
}

type key struct {
	roomID string
	userID string
}

// Manager tracks typing state per (room, user).
type Manager struct {
	pub    Publisher
	window time.Duration
	now    func() time.Time

	// stripes serialize transitions of one (room, user) pair, including the publish.
	stripes [stripeCount]sync.Mutex

	mu     sync.Mutex
	active map[key]time.Time

	logger zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithWindow sets the typing expiry window.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a typing Manager publishing through pub.
func NewManager(pub Publisher, opts ...Option) *Manager {
	m := &Manager{
		pub:    pub,
		window: DefaultWindow,
		now:    time.Now,
		active: make(map[key]time.Time),
		logger: logx.Component("typing"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the configured expiry window.
func (m *Manager) Window() time.Duration {
	return m.window
}

func (m *Manager) stripe(k key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.roomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.userID))
	return &m.stripes[h.Sum32()%stripeCount]
}

func (m *Manager) expiry(k key) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.active[k]
	return exp, ok
}

func (m *Manager) set(k key, exp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[k] = exp
}

func (m *Manager) remove(k key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, k)
}

// StartTyping marks the user as typing in the room until now + window.
// typing_started is emitted only if the user was idle.
func (m *Manager) StartTyping(roomID, userID string) error {
	if roomID == "" || userID == "" {
		return errs.NewError(errs.ErrInvalidParams)
	}

	k := key{roomID: roomID, userID: userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	now := m.now()
	exp, ok := m.expiry(k)
	if ok && now.Before(exp) {
		m.set(k, now.Add(m.window))
		return nil
	}
	if ok {
		_ = m.stopLocked(k, "expired")
	}

	if _, err := m.pub.Publish(roomID, userID, event.KindTypingStarted, event.Typing{UserID: userID}); err != nil {
		return err
	}
	m.set(k, now.Add(m.window))

	return nil
}

// StopTyping ends the typing state and emits typing_stopped if the user was typing.
func (m *Manager) StopTyping(roomID, userID string) error {
	if roomID == "" || userID == "" {
		return errs.NewError(errs.ErrInvalidParams)
	}

	k := key{roomID: roomID, userID: userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := m.expiry(k); !ok {
		return nil
	}
	return m.stopLocked(k, "stopped")
}

// stopLocked removes the entry and emits typing_stopped. The caller holds the stripe.
func (m *Manager) stopLocked(k key, reason string) error {
	m.remove(k)

	_, err := m.pub.Publish(k.roomID, k.userID, event.KindTypingStopped, event.Typing{UserID: k.userID})
	if err != nil {
		m.logger.Warn().Err(err).Str("room_id", k.roomID).Str("user_id", k.userID).Msg("Failed to publish typing stop.")
		return err
	}

	m.logger.Debug().Str("room_id", k.roomID).Str("user_id", k.userID).Str("reason", reason).Msg("Typing stopped.")
	return nil
}

// IsTyping reports whether the user is typing in the room. An expired entry
// is ended on access.
func (m *Manager) IsTyping(roomID, userID string) bool {
	k := key{roomID: roomID, userID: userID}
	mu := m.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	exp, ok := m.expiry(k)
	if !ok {
		return false
	}
	if m.now().Before(exp) {
		return true
	}
	_ = m.stopLocked(k, "expired")
	return false
}

// Typing returns the users currently typing in the room, sorted.
func (m *Manager) Typing(roomID string) []string {
	m.mu.Lock()
	var candidates []string
	for k := range m.active {
		if k.roomID == roomID {
			candidates = append(candidates, k.userID)
		}
	}
	m.mu.Unlock()

	users := make([]string, 0, len(candidates))
	for _, userID := range candidates {
		if m.IsTyping(roomID, userID) {
			users = append(users, userID)
		}
	}
	slices.Sort(users)
	return users
}

// Sweep ends every expired typing state and returns how many were ended.
func (m *Manager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	var expired []key
	for k, exp := range m.active {
		if !now.Before(exp) {
			expired = append(expired, k)
		}
	}
	m.mu.Unlock()

	ended := 0
	for _, k := range expired {
		mu := m.stripe(k)
		mu.Lock()
		// Re-check: a StartTyping may have refreshed it since the scan.
		if exp, ok := m.expiry(k); ok && !m.now().Before(exp) {
			_ = m.stopLocked(k, "expired")
			ended++
		}
		mu.Unlock()
	}

	return ended
}

// Run sweeps expired entries until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.window / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("window", m.window).Dur("sweep_interval", interval).Msg("Typing sweeper started.")

	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Debug().Int("expired", n).Msg("Typing entries expired.")
			}
		case <-ctx.Done():
			m.logger.Info().Msg("Typing sweeper stopped.")
			return nil
		}
	}
}
