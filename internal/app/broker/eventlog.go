package broker

import (
	"time"

	"roomcast/internal/app/event"
	"roomcast/internal/pkg/errs"
)

// eventLog is a room's bounded replay buffer. It is a ring holding at most
// cap(buf) events, further trimmed by age. Callers hold the room lock.
type eventLog struct {
	buf    []event.Event
	start  int
	size   int
	maxAge time.Duration

	// last is the sequence of the most recent append, retained or not.
	last uint64
}

func newEventLog(maxEvents int, maxAge time.Duration) *eventLog {
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &eventLog{
		buf:    make([]event.Event, maxEvents),
		maxAge: maxAge,
	}
}

// append stores ev, evicting the oldest entry when full. The sequence must be
// exactly last+1; anything else is a sequencing bug.
func (l *eventLog) append(ev event.Event) error {
	if ev.Sequence != l.last+1 {
		return errs.NewError(errs.ErrDuplicateSequence)
	}

	if l.size == len(l.buf) {
		l.dropOldest()
	}

	l.buf[(l.start+l.size)%len(l.buf)] = ev
	l.size++
	l.last = ev.Sequence

	return nil
}

func (l *eventLog) dropOldest() {
	l.buf[l.start] = event.Event{}
	l.start = (l.start + 1) % len(l.buf)
	l.size--
}

// expire drops entries older than maxAge relative to now and reports how many went.
func (l *eventLog) expire(now time.Time) int {
	if l.maxAge <= 0 {
		return 0
	}

	dropped := 0
	for l.size > 0 && now.Sub(l.buf[l.start].CreatedAt) > l.maxAge {
		l.dropOldest()
		dropped++
	}

	return dropped
}

// first is the oldest retained sequence, or last+1 when nothing is retained.
func (l *eventLog) first() uint64 {
	if l.size == 0 {
		return l.last + 1
	}
	return l.buf[l.start].Sequence
}

// since returns every retained event with a sequence greater than after.
// It fails with ErrGapTooLarge when events after the cursor were discarded,
// or when the cursor is ahead of the log (the room was reset).
func (l *eventLog) since(after uint64) ([]event.Event, error) {
	if after > l.last || after+1 < l.first() {
		return nil, errs.NewError(errs.ErrGapTooLarge)
	}

	n := int(l.last - after)
	out := make([]event.Event, 0, n)
	offset := l.size - n
	for i := offset; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}

	return out, nil
}
