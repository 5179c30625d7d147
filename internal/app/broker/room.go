package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
	"roomcast/internal/pkg/logx"
)

// room is the single-writer owner of one room's sequence counter, event log
// and subscriber set. Every field is guarded by mu.
type room struct {
	id string

	mu sync.Mutex

	// seq is the last assigned sequence number.
	seq uint64

	log *eventLog

	// subs holds lookup references keyed by connection id; connections are owned elsewhere.
	subs map[string]*Subscription

	// halted is set after a sequencing invariant failure; appends are refused from then on.
	halted bool

	// evicted is set when the janitor removed the room from the broker map.
	evicted bool

	lastActive time.Time

	logger zerolog.Logger
}

// newRoom creates a room whose first event gets sequence start+1.
func newRoom(id string, cfg Config, now time.Time, start uint64) *room {
	log := newEventLog(cfg.RetentionEvents, cfg.RetentionAge)
	log.last = start

	return &room{
		id:         id,
		seq:        start,
		log:        log,
		subs:       make(map[string]*Subscription),
		lastActive: now,
		logger:     logx.Component("broker").With().Str("room_id", id).Logger(),
	}
}

// append assigns the next sequence, stores the event and offers it to every
// subscriber. Subscribers whose queue is full are removed and returned so the
// caller can close them outside the lock.
func (r *room) append(producer string, kind event.Kind, payload []byte, now time.Time) (event.Event, []*Subscription, error) {
	if r.halted {
		return event.Event{}, nil, errs.NewError(errs.ErrDuplicateSequence)
	}

	ev := event.Event{
		RoomID:         r.id,
		Sequence:       r.seq + 1,
		Kind:           kind,
		ProducerUserID: producer,
		Payload:        payload,
		CreatedAt:      now,
	}

	if err := r.log.append(ev); err != nil {
		r.halted = true
		r.logger.Error().
			Err(err).
			Uint64("assigned_sequence", ev.Sequence).
			Uint64("log_sequence", r.log.last).
			Msg("Sequence invariant violated. Room halted, operator attention required.")
		return event.Event{}, nil, err
	}
	r.seq = ev.Sequence
	r.log.expire(now)
	r.lastActive = now

	var overflowed []*Subscription
	for connID, sub := range r.subs {
		if !sub.enqueue(ev) {
			delete(r.subs, connID)
			overflowed = append(overflowed, sub)
		}
	}

	return ev, overflowed, nil
}

// idle reports whether the room can be evicted.
func (r *room) idle(now time.Time, timeout time.Duration) bool {
	return len(r.subs) == 0 && now.Sub(r.lastActive) > timeout
}
