package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by bus operations. Callers match with errors.Is.
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrRateLimited      = errors.New("rate limited")
	ErrEmptySource      = errors.New("empty event source")
	ErrClosed           = errors.New("event bus closed")
)

// Options configures a Bus. Zero fields fall back to defaults.
type Options struct {
	// HistoryLimit is the capacity of the recent-event ring.
	HistoryLimit int
	// RateLimit is the default per-source emission budget per second.
	RateLimit int
	// QueueSize is the per-subscription delivery buffer. When a queue is
	// full the event is dropped for that subscriber, never for others.
	QueueSize int
	Logger    *slog.Logger
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		HistoryLimit: 1000,
		RateLimit:    10,
		QueueSize:    256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = d.HistoryLimit
	}
	if o.RateLimit <= 0 {
		o.RateLimit = d.RateLimit
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type subscription struct {
	id      string
	typ     EventType
	name    string
	handler Handler
	queue   chan Event
	stopped atomic.Bool
}

// Bus is the concrete event bus. Safe for concurrent use; create with New.
type Bus struct {
	opts Options
	log  *slog.Logger

	mu     sync.RWMutex
	subs   map[EventType]map[string]*subscription
	byID   map[string]*subscription
	closed bool

	limiter *sourceLimiter
	history *eventHistory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitted       atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	rateLimited   atomic.Uint64
	handlerFaults atomic.Uint64
}

// New creates a started Bus. The caller must Close it to release the
// consumer goroutines.
func New(opts Options) *Bus {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:    opts,
		log:     opts.Logger,
		subs:    make(map[EventType]map[string]*subscription),
		byID:    make(map[string]*subscription),
		limiter: newSourceLimiter(opts.RateLimit),
		history: newEventHistory(opts.HistoryLimit),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Subscribe registers handler for one event type and returns the
// subscription id. name labels the subscriber in logs and stats.
func (b *Bus) Subscribe(t EventType, name string, handler Handler) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if handler == nil {
		return "", errors.New("nil handler")
	}
	if name == "" {
		name = "handler"
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	sub := &subscription{
		id:      "sub_" + uuid.Must(uuid.NewV7()).String(),
		typ:     t,
		name:    name,
		handler: handler,
		queue:   make(chan Event, b.opts.QueueSize),
	}
	if b.subs[t] == nil {
		b.subs[t] = make(map[string]*subscription)
	}
	b.subs[t][sub.id] = sub
	b.byID[sub.id] = sub

	b.wg.Add(1)
	go b.consume(sub)

	b.log.Debug("bus.subscribed", "type", t, "subscriber", name, "id", sub.id)
	return sub.id, nil
}

// SubscribeAll registers handler for every known event type and returns
// the subscription ids, one per type.
func (b *Bus) SubscribeAll(name string, handler Handler) ([]string, error) {
	ids := make([]string, 0, len(AllEventTypes))
	for _, t := range AllEventTypes {
		id, err := b.Subscribe(t, name, handler)
		if err != nil {
			for _, prev := range ids {
				b.Unsubscribe(prev)
			}
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Unsubscribe removes a subscription. It reports whether the id was
// registered. Once it returns, the handler observes no further events,
// including ones already queued.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.byID[id]
	if ok {
		delete(b.byID, id)
		delete(b.subs[sub.typ], id)
		if len(b.subs[sub.typ]) == 0 {
			delete(b.subs, sub.typ)
		}
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	sub.stopped.Store(true)
	close(sub.queue)
	b.log.Debug("bus.unsubscribed", "type", sub.typ, "subscriber", sub.name, "id", id)
	return true
}

// Emit validates, rate limits, records and fans out one event. It never
// blocks on slow subscribers: each subscription has its own queue, and a
// full queue drops the event for that subscriber only. The returned Event
// is the record as published, including its generated id and timestamp.
func (b *Bus) Emit(t EventType, data map[string]any, source string, metadata map[string]any) (Event, error) {
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	if source == "" {
		return Event{}, ErrEmptySource
	}
	if !b.limiter.allow(source) {
		b.rateLimited.Add(1)
		return Event{}, fmt.Errorf("%w: source %q", ErrRateLimited, source)
	}

	evt := Event{
		ID:        uuid.Must(uuid.NewV7()),
		Type:      t,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      maps.Clone(data),
		Metadata:  maps.Clone(metadata),
	}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Event{}, ErrClosed
	}
	b.history.append(evt)
	b.emitted.Add(1)
	for _, sub := range b.subs[t] {
		select {
		case sub.queue <- evt:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			b.log.Warn("bus.queue.full",
				"type", t, "subscriber", sub.name, "event_id", evt.ID)
		}
	}
	b.mu.RUnlock()

	return evt, nil
}

// EmitChannelMessage is a convenience emitter for channel.message events.
// It generates the message id and timestamp and uses the sender as the
// rate-limit source.
func (b *Bus) EmitChannelMessage(channelID, senderID, content string, metadata map[string]any) (Event, error) {
	data := map[string]any{
		"message_id": "msg_" + uuid.Must(uuid.NewV7()).String(),
		"channel_id": channelID,
		"sender_id":  senderID,
		"content":    content,
		"timestamp":  time.Now().UTC(),
	}
	return b.Emit(ChannelMessage, data, senderID, metadata)
}

// SetRateLimit pins a per-second emission budget for one source. A limit
// of zero or less blocks the source entirely until reset.
func (b *Bus) SetRateLimit(source string, perSecond int) error {
	if source == "" {
		return ErrEmptySource
	}
	b.limiter.setLimit(source, perSecond)
	b.log.Info("bus.rate_limit.set", "source", source, "per_second", perSecond)
	return nil
}

// SetDefaultRateLimit replaces the default per-source budget, e.g. on a
// config reload. Sources pinned with SetRateLimit keep their overrides.
func (b *Bus) SetDefaultRateLimit(perSecond int) {
	b.limiter.setDefaultLimit(perSecond)
	b.log.Info("bus.rate_limit.default_set", "per_second", perSecond)
}

// RateLimitFor returns the budget currently applied to source.
func (b *Bus) RateLimitFor(source string) int {
	return b.limiter.limitFor(source)
}

// RecentEvents returns up to limit retained events in chronological order,
// optionally filtered by type. limit <= 0 returns everything retained.
func (b *Bus) RecentEvents(filter EventType, limit int) ([]Event, error) {
	if filter != "" && !filter.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, filter)
	}
	return b.history.recent(filter, limit), nil
}

// ClearHistory empties the recent-event ring.
func (b *Bus) ClearHistory() {
	b.history.clear()
}

// SubscriberCount returns the number of subscriptions for t, or the total
// across all types when t is empty.
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t == "" {
		return len(b.byID)
	}
	return len(b.subs[t])
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Emitted        uint64 `json:"emitted"`
	Delivered      uint64 `json:"delivered"`
	Dropped        uint64 `json:"dropped"`
	RateLimited    uint64 `json:"rate_limited"`
	HandlerFaults  uint64 `json:"handler_faults"`
	Subscriptions  int    `json:"subscriptions"`
	TrackedSources int    `json:"tracked_sources"`
	HistorySize    int    `json:"history_size"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := len(b.byID)
	b.mu.RUnlock()
	return Stats{
		Emitted:        b.emitted.Load(),
		Delivered:      b.delivered.Load(),
		Dropped:        b.dropped.Load(),
		RateLimited:    b.rateLimited.Load(),
		HandlerFaults:  b.handlerFaults.Load(),
		Subscriptions:  subs,
		TrackedSources: b.limiter.tracked(),
		HistorySize:    b.history.size(),
	}
}

// Close stops the bus: further emits and subscribes fail with ErrClosed,
// queued events drain to their handlers, and all consumer goroutines exit
// before Close returns.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.byID {
		close(sub.queue)
	}
	b.subs = make(map[EventType]map[string]*subscription)
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
	b.log.Info("bus.closed")
	return nil
}

// consume is the per-subscription delivery loop. One goroutine per
// subscription keeps delivery FIFO for that subscriber without letting it
// block anyone else.
func (b *Bus) consume(sub *subscription) {
	defer b.wg.Done()
	for evt := range sub.queue {
		if sub.stopped.Load() {
			continue
		}
		b.dispatch(sub, evt)
	}
}

// dispatch runs one handler invocation behind a panic barrier. A panicking
// or failing handler is logged and skipped; it never disables the
// subscription and never reaches the emitter.
func (b *Bus) dispatch(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFaults.Add(1)
			b.log.Error("bus.handler.panic",
				"type", evt.Type, "subscriber", sub.name, "event_id", evt.ID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := sub.handler(b.ctx, evt); err != nil {
		b.handlerFaults.Add(1)
		b.log.Warn("bus.handler.error",
			"type", evt.Type, "subscriber", sub.name, "event_id", evt.ID, "error", err)
	}
}
