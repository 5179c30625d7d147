package broker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func u64(v uint64) *uint64 { return &v }

func newTestBroker(cfg Config, opts ...Option) *Broker {
	return New(cfg, nil, opts...)
}

func subscribe(t *testing.T, b *Broker, conn, roomID string, after *uint64) *Subscription {
	t.Helper()
	sub, err := b.Subscribe(context.Background(), SubscribeRequest{ConnID: conn, UserID: "user-" + conn, RoomID: roomID, After: after})
	require.NoError(t, err)
	return sub
}

func drain(t *testing.T, sub *Subscription, n int) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := make([]event.Event, 0, n)
	for len(out) < n {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func sequences(events []event.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, ev := range events {
		out[i] = ev.Sequence
	}
	return out
}

func seqRange(from, to uint64) []uint64 {
	var out []uint64
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

func TestPublishAssignsGaplessSequencesUnderConcurrency(t *testing.T) {
	b := newTestBroker(Config{RetentionEvents: 10000})

	const producers, perProducer = 8, 50
	var (
		mu   sync.Mutex
		seen []uint64
		wg   sync.WaitGroup
	)

	for p := range producers {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for range perProducer {
				ev, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen = append(seen, ev.Sequence)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	sort.Slice(seen, func(i, j int) bool { return seen[i] < seen[j] })
	assert.Equal(t, seqRange(1, producers*perProducer), seen)

	first, last := b.Head("R1")
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(producers*perProducer), last)
}

func TestSubscribersObserveExactLogOrder(t *testing.T) {
	b := newTestBroker(Config{RetentionEvents: 1000, QueueSize: 1000})
	a := subscribe(t, b, "A", "R1", nil)
	c := subscribe(t, b, "B", "R1", nil)

	const total = 200
	var wg sync.WaitGroup
	for p := range 4 {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for range total / 4 {
				_, err := b.Publish("R1", "U1", event.KindReactionAdded, event.Reaction{MessageID: "m", Emoji: "x"})
				assert.NoError(t, err)
			}
		}(p)
	}
	wg.Wait()

	logged, err := b.Since("R1", 0)
	require.NoError(t, err)

	assert.Equal(t, logged, drain(t, a, total))
	assert.Equal(t, logged, drain(t, c, total))
}

func TestPublishDeleteScenario(t *testing.T) {
	b := newTestBroker(Config{})
	a := subscribe(t, b, "A", "R1", nil)
	c := subscribe(t, b, "B", "R1", nil)

	created, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "msg1", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.Sequence)

	for _, sub := range []*Subscription{a, c} {
		got := drain(t, sub, 1)[0]
		assert.Equal(t, uint64(1), got.Sequence)
		assert.Equal(t, event.KindMessageCreated, got.Kind)

		var p event.MessageCreated
		require.NoError(t, got.Decode(&p))
		assert.Equal(t, "hi", p.Content)
	}

	deleted, err := b.Publish("R1", "U1", event.KindMessageDeleted, event.MessageDeleted{MessageID: "msg1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), deleted.Sequence)

	for _, sub := range []*Subscription{a, c} {
		assert.Equal(t, uint64(2), drain(t, sub, 1)[0].Sequence)
	}

	logged, err := b.Since("R1", 0)
	require.NoError(t, err)
	msg, ok := event.Fold(logged).Message("msg1")
	require.True(t, ok)
	assert.True(t, msg.Deleted)
}

func TestReplayFromLastSeenSequence(t *testing.T) {
	b := newTestBroker(Config{RetentionEvents: 100})
	for range 20 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}

	sub := subscribe(t, b, "A", "R1", u64(5))
	assert.Equal(t, seqRange(6, 20), sequences(drain(t, sub, 15)))

	_, err := b.Publish("R1", "U1", event.KindMessageEdited, event.MessageEdited{MessageID: "m", Content: "y"})
	require.NoError(t, err)

	live := drain(t, sub, 1)
	assert.Equal(t, uint64(21), live[0].Sequence)
	assert.Zero(t, sub.Pending())
	assert.Equal(t, uint64(21), sub.LastDelivered())
}

func TestReplayOutsideHorizonFailsWithGapTooLarge(t *testing.T) {
	b := newTestBroker(Config{RetentionEvents: 10})
	for range 59 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}

	first, last := b.Head("R1")
	require.Equal(t, uint64(50), first)
	require.Equal(t, uint64(59), last)

	_, err := b.Subscribe(context.Background(), SubscribeRequest{ConnID: "A", RoomID: "R1", After: u64(0)})
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))

	_, err = b.Since("R1", 48)
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))

	sub := subscribe(t, b, "A", "R1", u64(49))
	assert.Equal(t, seqRange(50, 59), sequences(drain(t, sub, 10)))
}

func TestCursorAheadOfRoomIsGapTooLarge(t *testing.T) {
	b := newTestBroker(Config{})
	_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	require.NoError(t, err)

	_, err = b.Subscribe(context.Background(), SubscribeRequest{ConnID: "A", RoomID: "R1", After: u64(7)})
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))

	events, err := b.Since("unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = b.Since("unknown", 3)
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))
}

func TestAgeHorizon(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(Config{RetentionEvents: 100, RetentionAge: time.Minute}, WithClock(clock.Now))

	for range 3 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}

	clock.Advance(2 * time.Minute)

	_, err := b.Since("R1", 0)
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))

	first, last := b.Head("R1")
	assert.Equal(t, uint64(4), first)
	assert.Equal(t, uint64(3), last)

	events, err := b.Since("R1", 3)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSlowSubscriberIsCutOff(t *testing.T) {
	b := newTestBroker(Config{QueueSize: 3})

	overflowed := make(chan string, 1)
	b.OnOverflow(func(connID, roomID string) { overflowed <- connID + "/" + roomID })

	slow := subscribe(t, b, "slow", "R1", nil)
	fast := subscribe(t, b, "fast", "R1", nil)

	for i := range 4 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), drain(t, fast, 1)[0].Sequence)
	}

	select {
	case got := <-overflowed:
		assert.Equal(t, "slow/R1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("overflow handler not called")
	}

	<-slow.Done()
	_, err := slow.Next(context.Background())
	assert.True(t, errs.HasCode(err, errs.ErrQueueOverflow))
	assert.Equal(t, 1, b.Stats().Subscribers)

	_, err = b.Publish("R1", "U1", event.KindMessageDeleted, event.MessageDeleted{MessageID: "m"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), drain(t, fast, 1)[0].Sequence)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(Config{})
	sub := subscribe(t, b, "A", "R1", nil)

	require.NoError(t, b.Unsubscribe("A", "R1"))

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)

	err = b.Unsubscribe("A", "R1")
	assert.True(t, errs.HasCode(err, errs.ErrNotFound))

	err = b.Unsubscribe("A", "nope")
	assert.True(t, errs.HasCode(err, errs.ErrNotFound))
}

func TestSubscribeIsIdempotentPerConnection(t *testing.T) {
	b := newTestBroker(Config{})
	first := subscribe(t, b, "A", "R1", nil)
	second := subscribe(t, b, "A", "R1", u64(0))

	assert.Same(t, first, second)
	assert.Equal(t, 1, b.Stats().Subscribers)
}

func TestSubscribeRequiresMembership(t *testing.T) {
	auth := AuthorizerFunc(func(_ context.Context, userID, roomID string) (bool, error) {
		if roomID == "broken" {
			return false, errors.New("store down")
		}
		return userID == "member", nil
	})
	b := New(Config{}, auth)

	_, err := b.Subscribe(context.Background(), SubscribeRequest{ConnID: "c", UserID: "stranger", RoomID: "R1"})
	assert.True(t, errs.HasCode(err, errs.ErrForbidden))

	_, err = b.Subscribe(context.Background(), SubscribeRequest{ConnID: "c", UserID: "member", RoomID: "broken"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store down")

	_, err = b.Subscribe(context.Background(), SubscribeRequest{ConnID: "c", UserID: "member", RoomID: "R1"})
	assert.NoError(t, err)
}

func TestSequenceInvariantViolationHaltsRoom(t *testing.T) {
	b := newTestBroker(Config{})
	for range 2 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}

	b.mu.RLock()
	r := b.rooms["R1"]
	b.mu.RUnlock()
	r.mu.Lock()
	r.seq = 0
	r.mu.Unlock()

	_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	assert.True(t, errs.HasCode(err, errs.ErrDuplicateSequence))

	r.mu.Lock()
	r.seq = 2
	r.mu.Unlock()

	_, err = b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	assert.True(t, errs.HasCode(err, errs.ErrDuplicateSequence), "halted room refuses further appends")
	assert.Equal(t, 1, b.Stats().Halted)

	_, err = b.Publish("R2", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	assert.NoError(t, err, "other rooms are unaffected")
}

func TestPublishRejectsUnknownKind(t *testing.T) {
	b := newTestBroker(Config{})
	_, err := b.Publish("R1", "U1", event.Kind("message_pinned"), nil)
	assert.True(t, errs.HasCode(err, errs.ErrUnknownEventKind))
}

type recordingObserver struct {
	mu     sync.Mutex
	events []event.Event
}

func (o *recordingObserver) HandleEvent(_ context.Context, ev event.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func TestObserversReceiveEventsInOrder(t *testing.T) {
	obs := &recordingObserver{}
	b := newTestBroker(Config{}, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	for range 5 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return obs.count() == 5 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	obs.mu.Lock()
	assert.Equal(t, seqRange(1, 5), sequences(obs.events))
	obs.mu.Unlock()
}

func TestRunShutdownClosesSubscriptions(t *testing.T) {
	b := newTestBroker(Config{})
	sub := subscribe(t, b, "A", "R1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func publishN(t *testing.T, b *Broker, roomID string, n int) {
	t.Helper()
	for range n {
		_, err := b.Publish(roomID, "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}
}

func TestSweepEvictsIdleRooms(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(Config{RoomIdleTimeout: time.Minute}, WithClock(clock.Now))

	publishN(t, b, "idle", 5)
	subscribe(t, b, "A", "busy", nil)

	clock.Advance(2 * time.Minute)
	b.sweep()

	assert.Equal(t, 1, b.Stats().Rooms)

	first, last := b.Head("idle")
	assert.Equal(t, uint64(6), first)
	assert.Equal(t, uint64(5), last)

	events, err := b.Since("idle", 5)
	require.NoError(t, err, "a cursor at the last sequence has nothing to miss")
	assert.Empty(t, events)

	_, err = b.Since("idle", 3)
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge), "evicted events force a resync")

	ev, err := b.Publish("idle", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), ev.Sequence, "sequences continue after eviction")
}

func TestStaleCursorAfterEvictionNeverSeesReusedSequences(t *testing.T) {
	clock := newFakeClock()
	b := newTestBroker(Config{RoomIdleTimeout: time.Minute}, WithClock(clock.Now))

	publishN(t, b, "R1", 5)
	clock.Advance(2 * time.Minute)
	b.sweep()
	publishN(t, b, "R1", 8)

	_, err := b.Subscribe(context.Background(), SubscribeRequest{ConnID: "A", UserID: "U1", RoomID: "R1", After: u64(3)})
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))

	sub := subscribe(t, b, "B", "R1", u64(5))
	assert.Equal(t, seqRange(6, 13), sequences(drain(t, sub, 8)))
}

type staticSeeder struct {
	last map[string]uint64
	err  error
}

func (s staticSeeder) LastSequence(_ context.Context, roomID string) (uint64, error) {
	return s.last[roomID], s.err
}

func TestSeederContinuesSequenceOfNewRoom(t *testing.T) {
	b := newTestBroker(Config{}, WithSequenceSeeder(staticSeeder{last: map[string]uint64{"R1": 41}}))

	sub := subscribe(t, b, "A", "R1", u64(41))

	ev, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ev.Sequence)
	assert.Equal(t, []uint64{42}, sequences(drain(t, sub, 1)))

	_, err = b.Since("R1", 40)
	assert.True(t, errs.HasCode(err, errs.ErrGapTooLarge))

	ev, err = b.Publish("R2", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence, "rooms the seeder does not know start at 1")
}

func TestSeederFailureRefusesRoomCreation(t *testing.T) {
	b := newTestBroker(Config{}, WithSequenceSeeder(staticSeeder{err: errors.New("connection refused")}))

	_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
	assert.True(t, errs.HasCode(err, errs.ErrStoreUnavailable))
	assert.Equal(t, 0, b.Stats().Rooms)
}

func TestReplayDoesNotCountAgainstLiveQueue(t *testing.T) {
	b := newTestBroker(Config{QueueSize: 4})
	publishN(t, b, "R1", 10)

	sub := subscribe(t, b, "A", "R1", u64(2))
	assert.Equal(t, 8, sub.Pending())

	publishN(t, b, "R1", 4)
	require.NoError(t, sub.Err(), "a full replay leaves room for live events")

	assert.Equal(t, seqRange(3, 14), sequences(drain(t, sub, 12)))
}

func TestReplayedSubscriberStillOverflowsOnLiveBacklog(t *testing.T) {
	b := newTestBroker(Config{QueueSize: 2})
	publishN(t, b, "R1", 6)

	sub := subscribe(t, b, "A", "R1", u64(0))
	publishN(t, b, "R1", 3)

	<-sub.Done()
	assert.True(t, errs.HasCode(sub.Err(), errs.ErrQueueOverflow))
}

// blockingObserver holds every event until release is closed.
type blockingObserver struct {
	recordingObserver
	release chan struct{}
}

func (o *blockingObserver) HandleEvent(ctx context.Context, ev event.Event) error {
	<-o.release
	return o.recordingObserver.HandleEvent(ctx, ev)
}

func TestFlushWaitsForObservers(t *testing.T) {
	obs := &blockingObserver{release: make(chan struct{})}
	b := newTestBroker(Config{}, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	publishN(t, b, "R1", 3)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(obs.release)
	}()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer flushCancel()
	require.NoError(t, b.Flush(flushCtx))
	assert.Equal(t, 3, obs.count())
}

func TestFlushHonoursContext(t *testing.T) {
	obs := &blockingObserver{release: make(chan struct{})}
	defer close(obs.release)
	b := newTestBroker(Config{}, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.Run(ctx) }()

	publishN(t, b, "R1", 1)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer flushCancel()
	assert.ErrorIs(t, b.Flush(flushCtx), context.DeadlineExceeded)
}

func TestStalledObserverQueueIsCountedNotSilent(t *testing.T) {
	obs := &recordingObserver{}
	b := newTestBroker(Config{ObserverBuffer: 2, ObserverTimeout: 10 * time.Millisecond}, WithObserver(obs))

	// Run is not started, so nothing drains the queue.
	publishN(t, b, "R1", 3)
	assert.Equal(t, uint64(1), b.Stats().Unobserved)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return obs.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, seqRange(1, 2), sequences(obs.events))
}

func TestEventsIteratorEndsWithTerminalError(t *testing.T) {
	b := newTestBroker(Config{})
	sub := subscribe(t, b, "A", "R1", nil)

	for range 2 {
		_, err := b.Publish("R1", "U1", event.KindMessageCreated, event.MessageCreated{MessageID: "m", Content: "x"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []uint64
	var terminal error
	for ev, err := range sub.Events(ctx) {
		if err != nil {
			terminal = err
			break
		}
		got = append(got, ev.Sequence)
		if len(got) == 2 {
			cancel()
		}
	}

	assert.Equal(t, []uint64{1, 2}, got)
	assert.ErrorIs(t, terminal, context.Canceled)
}
