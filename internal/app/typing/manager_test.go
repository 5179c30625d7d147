package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
)

type recorded struct {
	roomID string
	kind   event.Kind
	userID string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recorded
	err    error
}

func (p *fakePublisher) Publish(roomID, producer string, kind event.Kind, _ any) (event.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return event.Event{}, p.err
	}
	p.events = append(p.events, recorded{roomID: roomID, kind: kind, userID: producer})
	return event.Event{RoomID: roomID, Kind: kind}, nil
}

func (p *fakePublisher) kinds() []event.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Kind, len(p.events))
	for i, e := range p.events {
		out[i] = e.kind
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager() (*Manager, *fakePublisher, *fakeClock) {
	pub := &fakePublisher{}
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewManager(pub, WithClock(clock.Now)), pub, clock
}

func TestStartTypingDebounces(t *testing.T) {
	m, pub, clock := newTestManager()

	for range 10 {
		require.NoError(t, m.StartTyping("R1", "U1"))
		clock.Advance(time.Second)
	}

	assert.Equal(t, []event.Kind{event.KindTypingStarted}, pub.kinds())
	assert.True(t, m.IsTyping("R1", "U1"))

	clock.Advance(DefaultWindow)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 0, m.Sweep())

	assert.Equal(t, []event.Kind{event.KindTypingStarted, event.KindTypingStopped}, pub.kinds())
	assert.False(t, m.IsTyping("R1", "U1"))
}

func TestExpiryOnAccessEmitsStopOnce(t *testing.T) {
	m, pub, clock := newTestManager()

	require.NoError(t, m.StartTyping("R1", "U1"))
	clock.Advance(DefaultWindow)

	assert.False(t, m.IsTyping("R1", "U1"))
	assert.False(t, m.IsTyping("R1", "U1"))
	assert.Equal(t, 0, m.Sweep())
	require.NoError(t, m.StopTyping("R1", "U1"))

	assert.Equal(t, []event.Kind{event.KindTypingStarted, event.KindTypingStopped}, pub.kinds())
}

func TestStartAfterExpiryCyclesThroughStop(t *testing.T) {
	m, pub, clock := newTestManager()

	require.NoError(t, m.StartTyping("R1", "U1"))
	clock.Advance(DefaultWindow + time.Millisecond)
	require.NoError(t, m.StartTyping("R1", "U1"))

	assert.Equal(t, []event.Kind{event.KindTypingStarted, event.KindTypingStopped, event.KindTypingStarted}, pub.kinds())
	assert.True(t, m.IsTyping("R1", "U1"))
}

func TestStopTyping(t *testing.T) {
	m, pub, _ := newTestManager()

	require.NoError(t, m.StopTyping("R1", "U1"), "stopping an idle user is a no-op")
	assert.Empty(t, pub.kinds())

	require.NoError(t, m.StartTyping("R1", "U1"))
	require.NoError(t, m.StopTyping("R1", "U1"))
	require.NoError(t, m.StopTyping("R1", "U1"))

	assert.Equal(t, []event.Kind{event.KindTypingStarted, event.KindTypingStopped}, pub.kinds())
}

func TestTypingListsActiveUsers(t *testing.T) {
	m, _, clock := newTestManager()

	require.NoError(t, m.StartTyping("R1", "U2"))
	clock.Advance(2 * time.Second)
	require.NoError(t, m.StartTyping("R1", "U1"))
	require.NoError(t, m.StartTyping("R2", "U3"))

	assert.Equal(t, []string{"U1", "U2"}, m.Typing("R1"))

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"U1"}, m.Typing("R1"))
	assert.Equal(t, []string{"U3"}, m.Typing("R2"))
}

func TestStartTypingValidatesAndPropagatesPublishErrors(t *testing.T) {
	m, pub, _ := newTestManager()

	assert.True(t, errs.HasCode(m.StartTyping("", "U1"), errs.ErrInvalidParams))
	assert.True(t, errs.HasCode(m.StopTyping("R1", ""), errs.ErrInvalidParams))

	pub.err = errors.New("room halted")
	assert.Error(t, m.StartTyping("R1", "U1"))
	assert.False(t, m.IsTyping("R1", "U1"), "failed start leaves the user idle")
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	pub := &fakePublisher{}
	m := NewManager(pub, WithWindow(150*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.NoError(t, m.StartTyping("R1", "U1"))
	require.Eventually(t, func() bool { return len(pub.kinds()) == 2 }, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []event.Kind{event.KindTypingStarted, event.KindTypingStopped}, pub.kinds())
}
