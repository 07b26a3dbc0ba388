package bus

import "sync"

// eventHistory is a fixed-capacity ring of the most recent events. Appends
// are O(1) and overwrite the oldest entry once the ring is full.
type eventHistory struct {
	mu    sync.Mutex
	ring  []Event
	head  int
	count int
}

func newEventHistory(capacity int) *eventHistory {
	if capacity < 1 {
		capacity = 1
	}
	return &eventHistory{ring: make([]Event, capacity)}
}

func (h *eventHistory) append(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count < len(h.ring) {
		h.ring[(h.head+h.count)%len(h.ring)] = evt
		h.count++
		return
	}
	h.ring[h.head] = evt
	h.head = (h.head + 1) % len(h.ring)
}

// recent returns up to limit of the newest retained events in chronological
// order, filtered by type when filter is non-empty. limit <= 0 means no
// cap beyond the ring capacity.
func (h *eventHistory) recent(filter EventType, limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if limit <= 0 || limit > h.count {
		limit = h.count
	}
	out := make([]Event, 0, limit)
	// Walk newest to oldest, then reverse once.
	for i := h.count - 1; i >= 0 && len(out) < limit; i-- {
		evt := h.ring[(h.head+i)%len(h.ring)]
		if filter != "" && evt.Type != filter {
			continue
		}
		out = append(out, evt)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (h *eventHistory) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = 0
	h.count = 0
}

func (h *eventHistory) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
