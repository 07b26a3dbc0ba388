package bus

import (
	"sync"
	"time"
)

const (
	// maxTrackedSources caps the number of tracked emitter sources to
	// prevent memory exhaustion from rotating source ids.
	maxTrackedSources = 4096

	// rateWindow is the sliding window duration for emission counting.
	rateWindow = time.Second
)

// sourceWindow holds one source's emission timestamps in a fixed ring of
// size limit. A full ring whose oldest stamp is still inside the window
// means the source is over its budget.
type sourceWindow struct {
	limit    int
	override bool
	stamps   []time.Time
	head     int
	count    int
}

func newSourceWindow(limit int, override bool) *sourceWindow {
	if limit < 0 {
		limit = 0
	}
	return &sourceWindow{limit: limit, override: override, stamps: make([]time.Time, limit)}
}

// prune drops stamps that have slid out of the window. Stamps are appended
// in time order, so expiry always consumes from the head.
func (w *sourceWindow) prune(now time.Time) {
	for w.count > 0 && now.Sub(w.stamps[w.head]) >= rateWindow {
		w.head = (w.head + 1) % len(w.stamps)
		w.count--
	}
}

func (w *sourceWindow) allow(now time.Time) bool {
	if w.limit > 0 {
		w.prune(now)
	}
	if w.count >= w.limit {
		return false
	}
	w.stamps[(w.head+w.count)%len(w.stamps)] = now
	w.count++
	return true
}

// resize rebuilds the ring for a new limit, keeping the most recent stamps
// that still fit.
func (w *sourceWindow) resize(limit int) {
	if limit < 0 {
		limit = 0
	}
	keep := w.count
	if keep > limit {
		keep = limit
	}
	stamps := make([]time.Time, limit)
	for i := 0; i < keep; i++ {
		// Oldest of the kept stamps first.
		stamps[i] = w.stamps[(w.head+w.count-keep+i)%len(w.stamps)]
	}
	w.limit = limit
	w.stamps = stamps
	w.head = 0
	w.count = keep
}

// sourceLimiter enforces a per-source sliding-window emission budget.
// Sources are tracked lazily and the tracked set is bounded. Safe for
// concurrent use.
type sourceLimiter struct {
	mu           sync.Mutex
	defaultLimit int
	entries      map[string]*sourceWindow
	now          func() time.Time
}

func newSourceLimiter(defaultLimit int) *sourceLimiter {
	return &sourceLimiter{
		defaultLimit: defaultLimit,
		entries:      make(map[string]*sourceWindow),
		now:          time.Now,
	}
}

// allow records one emission attempt for source and reports whether it is
// within budget. Rejected attempts are not recorded: they do not extend
// the window.
func (l *sourceLimiter) allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.entries[source]
	if !ok {
		l.evictLocked(now)
		w = newSourceWindow(l.defaultLimit, false)
		l.entries[source] = w
	}
	return w.allow(now)
}

// setLimit pins source to its own budget, overriding the default. A limit
// of zero or less blocks every emission from that source.
func (l *sourceLimiter) setLimit(source string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.entries[source]; ok {
		w.resize(limit)
		w.override = true
		return
	}
	l.evictLocked(l.now())
	l.entries[source] = newSourceWindow(limit, true)
}

// setDefaultLimit replaces the default budget and resizes every tracked
// window that has not been pinned by setLimit.
func (l *sourceLimiter) setDefaultLimit(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit < 0 {
		limit = 0
	}
	l.defaultLimit = limit
	for _, w := range l.entries {
		if !w.override {
			w.resize(limit)
		}
	}
}

// limitFor returns the budget currently applied to source.
func (l *sourceLimiter) limitFor(source string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.entries[source]; ok {
		return w.limit
	}
	return l.defaultLimit
}

func (l *sourceLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// evictLocked keeps the tracked set under maxTrackedSources. Idle default
// entries go first; pinned budgets are never evicted.
func (l *sourceLimiter) evictLocked(now time.Time) {
	if len(l.entries) < maxTrackedSources {
		return
	}
	for k, w := range l.entries {
		if w.override {
			continue
		}
		w.prune(now)
		if w.count == 0 {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedSources {
		evicted := false
		for k, w := range l.entries {
			if w.override {
				continue
			}
			delete(l.entries, k)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}
