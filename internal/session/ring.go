package session

// eventRing is a fixed-capacity buffer of sequenced events. It assigns
// monotonically increasing ids scoped to one remote run and evicts the
// oldest event once full. Not safe for concurrent use; callers hold the
// owning session's lock.
type eventRing struct {
	events   []Event
	capacity int
	start    int
	size     int
	lastID   uint64
}

func newEventRing(capacity int) *eventRing {
	if capacity < 1 {
		capacity = 1
	}
	return &eventRing{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// append assigns the next event id, stores the event, and returns the id.
// The oldest event is evicted when the ring is full.
func (r *eventRing) append(evType EventType, payload any) uint64 {
	r.lastID++
	ev := Event{ID: r.lastID, Type: evType, Payload: payload}

	idx := (r.start + r.size) % r.capacity
	r.events[idx] = ev
	if r.size < r.capacity {
		r.size++
	} else {
		r.start = (r.start + 1) % r.capacity
	}
	return r.lastID
}

// after returns all retained events with id strictly greater than afterID,
// in order. An afterID older than the retention horizon resumes from the
// earliest retained event.
func (r *eventRing) after(afterID uint64) []Event {
	if r.size == 0 {
		return nil
	}

	out := make([]Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		ev := r.events[(r.start+i)%r.capacity]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}

// last returns the most recently assigned event id, zero if none.
func (r *eventRing) last() uint64 {
	return r.lastID
}

// len returns the number of retained events.
func (r *eventRing) len() int {
	return r.size
}
