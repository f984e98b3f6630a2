package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]*Subscription
	nextSubID int
}

// Subscription is one subscriber's channel. Events that arrive while C is full
// are dropped and counted.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	kinds   map[Kind]bool
	dropped atomic.Int64
	cancel  func()
}

// Dropped reports how many events were discarded because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel unsubscribes and closes C. It is safe to call more than once.
func (s *Subscription) Cancel() { s.cancel() }

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]*Subscription),
	}
}

// Publish stamps ev with an id and time and fans it out. It never blocks.
func (h *Hub) Publish(ev Event) Event {
	ev.ID = h.nextID.Add(1)
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.wants(ev.Kind) {
			continue
		}
		// Don't let slow subscribers block the farm loop.
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
	h.mu.Unlock()
	return ev
}

// Subscribe returns a buffered channel of future events and a cancel func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	return h.SubscribeBuffered(256)
}

// SubscribeBuffered is Subscribe with an explicit buffer size. Events are dropped
// for a subscriber whose buffer is full.
func (h *Hub) SubscribeBuffered(buffer int) (<-chan Event, func()) {
	sub := h.Open(buffer)
	return sub.C, sub.Cancel
}

// Open subscribes with the given buffer size. When kinds is non-empty only
// events of those kinds are delivered.
func (h *Hub) Open(buffer int, kinds ...Kind) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	sub.cancel = func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	h.subs[id] = sub
	return sub
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
