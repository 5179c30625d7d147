package presence

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

type published struct {
	roomID  string
	payload event.PresenceChanged
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
	fail   map[string]bool
}

func (p *fakePublisher) Publish(roomID, _ string, kind event.Kind, payload any) (event.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fail[roomID] {
		return event.Event{}, errors.New("room halted")
	}
	if kind != event.KindPresenceChanged {
		return event.Event{}, errors.New("unexpected kind")
	}
	p.events = append(p.events, published{roomID: roomID, payload: payload.(event.PresenceChanged)})
	return event.Event{RoomID: roomID, Kind: kind}, nil
}

type staticRooms map[string][]string

func (r staticRooms) RoomsOf(userID string) []string { return r[userID] }

type memoryStore struct {
	mu     sync.Mutex
	saved  map[string]State
	failed bool
}

func (s *memoryStore) SavePresence(_ context.Context, userID string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("redis down")
	}
	if s.saved == nil {
		s.saved = make(map[string]State)
	}
	s.saved[userID] = st
	return nil
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline"} {
		st, err := ParseStatus(s)
		require.NoError(t, err)
		assert.Equal(t, Status(s), st)
	}

	_, err := ParseStatus("invisible")
	assert.True(t, errs.HasCode(err, errs.ErrInvalidStatus))
	assert.Contains(t, err.Error(), "invisible")
}

func TestGetStatusDefaultsToOffline(t *testing.T) {
	tr := NewTracker(&fakePublisher{}, staticRooms{})
	assert.Equal(t, StatusOffline, tr.GetStatus("nobody").Status)
}

func TestSetStatusEmitsIntoSubscribedRooms(t *testing.T) {
	pub := &fakePublisher{}
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tr := NewTracker(pub, staticRooms{"U1": {"R1", "R2"}}, WithClock(func() time.Time { return now }))

	st, err := tr.SetStatus(context.Background(), "U1", "away")
	require.NoError(t, err)
	assert.Equal(t, State{Status: StatusAway, Since: now}, st)
	assert.Equal(t, st, tr.GetStatus("U1"))

	require.Len(t, pub.events, 2)
	assert.Equal(t, "R1", pub.events[0].roomID)
	assert.Equal(t, "R2", pub.events[1].roomID)
	assert.Equal(t, event.PresenceChanged{UserID: "U1", Status: "away", Previous: "offline"}, pub.events[0].payload)
}

func TestSetSameStatusIsNoOp(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, staticRooms{"U1": {"R1"}})

	_, err := tr.SetStatus(context.Background(), "U1", "busy")
	require.NoError(t, err)
	_, err = tr.SetStatus(context.Background(), "U1", "busy")
	require.NoError(t, err)

	assert.Len(t, pub.events, 1)
}

func TestSetStatusRejectsInvalidStatus(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, staticRooms{"U1": {"R1"}})

	_, err := tr.SetStatus(context.Background(), "U1", "sleeping")
	assert.True(t, errs.HasCode(err, errs.ErrInvalidStatus))
	assert.Empty(t, pub.events)
	assert.Equal(t, StatusOffline, tr.GetStatus("U1").Status)
}

func TestAutoOfflineEmitsExactlyOneEvent(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, staticRooms{})

	_, err := tr.Connected(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, tr.GetStatus("U1").Status)

	_, err = tr.Disconnected(context.Background(), "U1", []string{"R1"})
	require.NoError(t, err)
	_, err = tr.Disconnected(context.Background(), "U1", []string{"R1"})
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, published{roomID: "R1", payload: event.PresenceChanged{UserID: "U1", Status: "offline", Previous: "online"}}, pub.events[0])
	assert.Equal(t, StatusOffline, tr.GetStatus("U1").Status)
}

func TestConnectedKeepsExplicitStatus(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, staticRooms{})

	_, err := tr.SetStatus(context.Background(), "U1", "busy")
	require.NoError(t, err)

	st, err := tr.Connected(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, st.Status)
}

func TestPublishFailureDoesNotRejectTransition(t *testing.T) {
	pub := &fakePublisher{fail: map[string]bool{"R1": true}}
	store := &memoryStore{failed: true}
	tr := NewTracker(pub, staticRooms{"U1": {"R1", "R2"}}, WithStore(store))

	_, err := tr.SetStatus(context.Background(), "U1", "online")
	require.NoError(t, err)

	require.Len(t, pub.events, 1)
	assert.Equal(t, "R2", pub.events[0].roomID)
}

func TestStoreMirrorsTransitions(t *testing.T) {
	store := &memoryStore{}
	tr := NewTracker(&fakePublisher{}, staticRooms{}, WithStore(store))

	_, err := tr.SetStatus(context.Background(), "U1", "away")
	require.NoError(t, err)
	assert.Equal(t, StatusAway, store.saved["U1"].Status)
}

func TestConcurrentTransitionsStayConsistent(t *testing.T) {
	pub := &fakePublisher{}
	tr := NewTracker(pub, staticRooms{"U1": {"R1"}})

	statuses := []string{"online", "away", "busy", "offline"}
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.SetStatus(context.Background(), "U1", statuses[i%len(statuses)])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Every emitted transition starts where the previous one ended.
	prev := "offline"
	for _, p := range pub.events {
		assert.Equal(t, prev, p.payload.Previous)
		assert.NotEqual(t, p.payload.Previous, p.payload.Status)
		prev = p.payload.Status
	}
	assert.Equal(t, Status(prev), tr.GetStatus("U1").Status)
}

// orderedStore records every save and yields inside it so an unserialized
// caller would interleave.
type orderedStore struct {
	mu    sync.Mutex
	saved []Status
}

func (s *orderedStore) SavePresence(_ context.Context, _ string, st State) error {
	time.Sleep(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, st.Status)
	return nil
}

func TestStoreSeesTransitionsInOrder(t *testing.T) {
	pub := &fakePublisher{}
	store := &orderedStore{}
	tr := NewTracker(pub, staticRooms{"U1": {"R1"}}, WithStore(store))

	statuses := []string{"online", "away", "busy", "offline"}
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.SetStatus(context.Background(), "U1", statuses[i%len(statuses)])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, store.saved, len(pub.events))
	for i, p := range pub.events {
		assert.Equal(t, Status(p.payload.Status), store.saved[i])
	}
	if n := len(store.saved); n > 0 {
		assert.Equal(t, tr.GetStatus("U1").Status, store.saved[n-1])
	}
}
