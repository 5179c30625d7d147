/*
Package broker implements the room-scoped event broker.

Each room owns a contiguous, gap-free sequence and a bounded replay log. Publish
assigns the next sequence under the room's lock and fans the event out to every
subscriber's bounded queue without blocking; slow subscribers are cut off with
ErrQueueOverflow instead of accumulating backlog. Subscribers resume from a
last-seen sequence as long as the retention horizon still covers it.
*/
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

// Config bounds the broker's memory and timing behaviour.
type Config struct {
	// RetentionEvents is the maximum number of events kept per room.
	RetentionEvents int

	// RetentionAge discards events older than this; zero keeps them until evicted by count.
	RetentionAge time.Duration

	// QueueSize bounds each (room, connection) delivery queue.
	QueueSize int

	// RoomIdleTimeout evicts rooms with no subscribers and no activity.
	RoomIdleTimeout time.Duration

	// JanitorInterval is how often retention and idle eviction run.
	JanitorInterval time.Duration

	// ObserverBuffer bounds the hand-off queue to observers.
	ObserverBuffer int

	// ObserverTimeout is how long Publish waits for room in a full observer queue.
	ObserverTimeout time.Duration
}

// DefaultConfig returns the broker defaults.
func DefaultConfig() Config {
	return Config{
		RetentionEvents: 1024,
		RetentionAge:    time.Hour,
		QueueSize:       256,
		RoomIdleTimeout: 30 * time.Minute,
		JanitorInterval: time.Minute,
		ObserverBuffer:  4096,
		ObserverTimeout: 2 * time.Second,
	}
}

// Authorizer answers room membership questions.
type Authorizer interface {
	IsMember(ctx context.Context, userID, roomID string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, userID, roomID string) (bool, error)

// IsMember calls f.
func (f AuthorizerFunc) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	return f(ctx, userID, roomID)
}

// AllowAll authorizes every user for every room.
var AllowAll = AuthorizerFunc(func(context.Context, string, string) (bool, error) { return true, nil })

// Observer receives every appended event on the broker's observer goroutine.
// Events of one room arrive in sequence order.
type Observer interface {
	HandleEvent(ctx context.Context, ev event.Event) error
}

// SequenceSeeder reports the last sequence a room assigned before this
// process took ownership of it, so a recreated room never reuses sequences.
type SequenceSeeder interface {
	LastSequence(ctx context.Context, roomID string) (uint64, error)
}

// SubscribeRequest describes a subscription. After, when set, is the last
// sequence the client has seen; delivery resumes at After+1.
type SubscribeRequest struct {
	ConnID string
	UserID string
	RoomID string
	After  *uint64
}

// Stats is a point-in-time view of broker load.
type Stats struct {
	Rooms       int `json:"rooms"`
	Subscribers int `json:"subscribers"`
	Halted      int `json:"halted"`

	// Unobserved counts events that never reached the observers.
	Unobserved uint64 `json:"unobserved"`
}

// Option configures a Broker.
type Option func(*Broker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithObserver registers an observer for appended events.
func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observers = append(b.observers, o) }
}

// WithSequenceSeeder consults s whenever a room is created in memory.
func WithSequenceSeeder(s SequenceSeeder) Option {
	return func(b *Broker) { b.seeder = s }
}

// observation is one entry of the observer queue: an event, or a flush
// marker when done is set.
type observation struct {
	ev   event.Event
	done chan struct{}
}

// Broker owns every room's event log and subscriber set.
type Broker struct {
	cfg  Config
	auth Authorizer
	now  func() time.Time

	// mu guards the rooms map only; never held while a room lock is taken for an append.
	mu     sync.RWMutex
	rooms  map[string]*room
	closed bool

	// floors holds the last sequence of evicted rooms. Guarded by mu.
	floors map[string]uint64
	seeder SequenceSeeder

	observers  []Observer
	observed   chan observation
	unobserved atomic.Uint64

	overflowMu sync.RWMutex
	onOverflow func(connID, roomID string)

	logger zerolog.Logger
}

// New constructs a Broker. A nil Authorizer allows every subscription.
func New(cfg Config, auth Authorizer, opts ...Option) *Broker {
	def := DefaultConfig()
	if cfg.RetentionEvents <= 0 {
		cfg.RetentionEvents = def.RetentionEvents
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RoomIdleTimeout <= 0 {
		cfg.RoomIdleTimeout = def.RoomIdleTimeout
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = def.JanitorInterval
	}
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = def.ObserverBuffer
	}
	if cfg.ObserverTimeout <= 0 {
		cfg.ObserverTimeout = def.ObserverTimeout
	}
	if auth == nil {
		auth = AllowAll
	}

	b := &Broker{
		cfg:    cfg,
		auth:   auth,
		now:    time.Now,
		rooms:  make(map[string]*room),
		floors: make(map[string]uint64),
		logger: logx.Component("broker"),
	}

	for _, opt := range opts {
		opt(b)
	}

	if len(b.observers) > 0 {
		b.observed = make(chan observation, cfg.ObserverBuffer)
	}

	return b
}

// OnOverflow registers fn to be called, on its own goroutine, whenever a
// subscriber is cut off for being too slow.
func (b *Broker) OnOverflow(fn func(connID, roomID string)) {
	b.overflowMu.Lock()
	defer b.overflowMu.Unlock()
	b.onOverflow = fn
}

// lockRoom returns the room locked, creating it when create is set. It
// retries if the janitor evicted the room between lookup and lock.
func (b *Broker) lockRoom(roomID string, create bool) (*room, error) {
	for {
		b.mu.RLock()
		r, ok := b.rooms[roomID]
		closed := b.closed
		b.mu.RUnlock()

		if closed {
			return nil, ErrSubscriptionClosed
		}

		if !ok {
			if !create {
				return nil, errs.NewError(errs.ErrNotFound)
			}

			start, err := b.seed(roomID)
			if err != nil {
				return nil, err
			}

			b.mu.Lock()
			r, ok = b.rooms[roomID]
			if !ok {
				if floor := b.floors[roomID]; floor > start {
					start = floor
				}
				delete(b.floors, roomID)
				r = newRoom(roomID, b.cfg, b.now(), start)
				b.rooms[roomID] = r
				b.logger.Debug().Str("room_id", roomID).Uint64("start_sequence", start).Msg("Room created.")
			}
			b.mu.Unlock()
		}

		r.mu.Lock()
		if !r.evicted {
			return r, nil
		}
		r.mu.Unlock()
	}
}

// seed asks the seeder where a new room's sequence continues from.
func (b *Broker) seed(roomID string) (uint64, error) {
	if b.seeder == nil {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	last, err := b.seeder.LastSequence(ctx, roomID)
	if err != nil {
		b.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to load last sequence. Room not created.")
		return 0, errs.NewError(errs.ErrStoreUnavailable)
	}
	return last, nil
}

// floor returns the last sequence of a room that is not in memory.
func (b *Broker) floor(roomID string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.floors[roomID]
}

// Publish appends a new event to the room and delivers it to every current
// subscriber in sequence order. It never blocks on subscribers.
func (b *Broker) Publish(roomID, producerUserID string, kind event.Kind, payload any) (event.Event, error) {
	if !kind.Valid() {
		return event.Event{}, errs.NewError(errs.ErrUnknownEventKind, string(kind))
	}
	if roomID == "" {
		return event.Event{}, errs.NewError(errs.ErrInvalidParams)
	}

	raw, err := event.EncodePayload(payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("publish to %s: %w", roomID, err)
	}

	r, err := b.lockRoom(roomID, true)
	if err != nil {
		return event.Event{}, err
	}
	ev, overflowed, err := r.append(producerUserID, kind, raw, b.now())
	if err == nil {
		b.observe(ev)
	}
	r.mu.Unlock()

	if err != nil {
		return event.Event{}, err
	}

	for _, sub := range overflowed {
		b.cutOff(sub)
	}

	return ev, nil
}

func (b *Broker) cutOff(sub *Subscription) {
	sub.close(errs.NewError(errs.ErrQueueOverflow))

	b.logger.Warn().
		Str("conn_id", sub.ConnID).
		Str("room_id", sub.RoomID).
		Int("queue_limit", b.cfg.QueueSize).
		Msg("Subscriber queue overflow. Disconnecting slow subscriber.")

	b.overflowMu.RLock()
	fn := b.onOverflow
	b.overflowMu.RUnlock()

	if fn != nil {
		go fn(sub.ConnID, sub.RoomID)
	}
}

// observe hands ev to the observer goroutine. It runs under the room lock so
// a room's events enter the queue in sequence order. A full queue is waited
// on for ObserverTimeout before the event is given up.
func (b *Broker) observe(ev event.Event) {
	if b.observed == nil {
		return
	}

	select {
	case b.observed <- observation{ev: ev}:
		return
	default:
	}

	timer := time.NewTimer(b.cfg.ObserverTimeout)
	defer timer.Stop()

	select {
	case b.observed <- observation{ev: ev}:
	case <-timer.C:
		b.unobserved.Add(1)
		b.logger.Error().
			Str("room_id", ev.RoomID).
			Uint64("sequence", ev.Sequence).
			Dur("waited", b.cfg.ObserverTimeout).
			Msg("Observer queue stalled. Event will be missing from the archive.")
	}
}

// Flush waits until every event appended before the call has been handed to
// the observers.
func (b *Broker) Flush(ctx context.Context) error {
	if b.observed == nil {
		return nil
	}

	done := make(chan struct{})
	select {
	case b.observed <- observation{done: done}:
	case <-ctx.Done():
		return fmt.Errorf("flush observers: %w", ctx.Err())
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush observers: %w", ctx.Err())
	}
}

// Authorize checks room membership through the configured Authorizer.
func (b *Broker) Authorize(ctx context.Context, userID, roomID string) error {
	ok, err := b.auth.IsMember(ctx, userID, roomID)
	if err != nil {
		return fmt.Errorf("membership check for %s in %s: %w", userID, roomID, err)
	}
	if !ok {
		return errs.NewError(errs.ErrForbidden)
	}
	return nil
}

// Subscribe registers the connection as a subscriber of the room. With After
// set, retained events after that sequence are replayed before live events;
// a cursor the log no longer covers fails with ErrGapTooLarge. Subscribing an
// already subscribed connection returns the existing subscription.
func (b *Broker) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if req.ConnID == "" || req.RoomID == "" {
		return nil, errs.NewError(errs.ErrInvalidParams)
	}

	if err := b.Authorize(ctx, req.UserID, req.RoomID); err != nil {
		return nil, err
	}

	r, err := b.lockRoom(req.RoomID, true)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	if existing, ok := r.subs[req.ConnID]; ok {
		return existing, nil
	}

	r.log.expire(b.now())

	after := r.log.last
	var replay []event.Event
	if req.After != nil {
		replay, err = r.log.since(*req.After)
		if err != nil {
			r.logger.Info().
				Str("conn_id", req.ConnID).
				Uint64("after", *req.After).
				Uint64("horizon_first", r.log.first()).
				Uint64("horizon_last", r.log.last).
				Msg("Replay cursor outside retention horizon.")
			return nil, err
		}
		after = *req.After
	}

	sub := newSubscription(req.ConnID, req.RoomID, b.cfg.QueueSize, after)
	sub.preload(replay)
	r.subs[req.ConnID] = sub
	r.lastActive = b.now()

	r.logger.Debug().
		Str("conn_id", req.ConnID).
		Int("replayed", len(replay)).
		Int("subscribers", len(r.subs)).
		Msg("Subscriber added.")

	return sub, nil
}

// Unsubscribe removes the connection from the room and frees its queue.
func (b *Broker) Unsubscribe(connID, roomID string) error {
	r, err := b.lockRoom(roomID, false)
	if err != nil {
		return err
	}

	sub, ok := r.subs[connID]
	if ok {
		delete(r.subs, connID)
		r.lastActive = b.now()
	}
	r.mu.Unlock()

	if !ok {
		return errs.NewError(errs.ErrNotFound)
	}

	sub.close(ErrSubscriptionClosed)
	return nil
}

// Since returns the retained events of a room after the given sequence.
// A room not in memory retains nothing, so only a cursor at its last
// sequence succeeds.
func (b *Broker) Since(roomID string, after uint64) ([]event.Event, error) {
	r, err := b.lockRoom(roomID, false)
	if err != nil {
		if errs.HasCode(err, errs.ErrNotFound) {
			if after == b.floor(roomID) {
				return []event.Event{}, nil
			}
			return nil, errs.NewError(errs.ErrGapTooLarge)
		}
		return nil, err
	}
	defer r.mu.Unlock()

	r.log.expire(b.now())
	return r.log.since(after)
}

// Head returns the retained sequence range of a room. For an empty log first
// is last+1.
func (b *Broker) Head(roomID string) (first, last uint64) {
	r, err := b.lockRoom(roomID, false)
	if err != nil {
		last = b.floor(roomID)
		return last + 1, last
	}
	defer r.mu.Unlock()

	return r.log.first(), r.log.last
}

// Stats reports rooms, subscribers and halted rooms.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	rooms := make([]*room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.RUnlock()

	st := Stats{Rooms: len(rooms), Unobserved: b.unobserved.Load()}
	for _, r := range rooms {
		r.mu.Lock()
		st.Subscribers += len(r.subs)
		if r.halted {
			st.Halted++
		}
		r.mu.Unlock()
	}

	return st
}

// Run drives retention, idle-room eviction and observer delivery until ctx is
// cancelled, then closes every subscription.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if b.observed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.runObservers(ctx)
		}()
	}

	ticker := time.NewTicker(b.cfg.JanitorInterval)
	defer ticker.Stop()

	b.logger.Info().Msg("Broker janitor started.")

	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-ctx.Done():
			b.shutdown()
			wg.Wait()
			b.logger.Info().Msg("Broker stopped.")
			return nil
		}
	}
}

func (b *Broker) runObservers(ctx context.Context) {
	for {
		select {
		case o := <-b.observed:
			b.deliverToObservers(ctx, o)
		case <-ctx.Done():
			// Drain what was already accepted, with a fresh deadline.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case o := <-b.observed:
					b.deliverToObservers(drainCtx, o)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) deliverToObservers(ctx context.Context, item observation) {
	if item.done != nil {
		close(item.done)
		return
	}

	ev := item.ev
	for _, o := range b.observers {
		if err := o.HandleEvent(ctx, ev); err != nil {
			b.logger.Error().
				Err(err).
				Str("room_id", ev.RoomID).
				Uint64("sequence", ev.Sequence).
				Msg("Observer failed to handle event.")
		}
	}
}

// sweep applies the age horizon and evicts idle rooms.
func (b *Broker) sweep() {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for id, r := range b.rooms {
		r.mu.Lock()
		r.log.expire(now)
		if r.idle(now, b.cfg.RoomIdleTimeout) {
			r.evicted = true
			delete(b.rooms, id)
			b.floors[id] = r.seq
			evicted++
		}
		r.mu.Unlock()
	}

	if evicted > 0 {
		b.logger.Info().Int("evicted", evicted).Int("remaining", len(b.rooms)).Msg("Idle rooms evicted.")
	}
}

func (b *Broker) shutdown() {
	b.mu.Lock()
	b.closed = true
	rooms := b.rooms
	b.rooms = make(map[string]*room)
	b.mu.Unlock()

	for _, r := range rooms {
		r.mu.Lock()
		r.evicted = true
		subs := r.subs
		r.subs = make(map[string]*Subscription)
		r.mu.Unlock()

		for _, sub := range subs {
			sub.close(ErrSubscriptionClosed)
		}
	}
}
