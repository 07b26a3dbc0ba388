// Package memory keeps short-term conversation memory for prompt
// assembly. A recorder subscribes to channel.message events and stores
// them in bounded per-channel rings; transcripts are rendered on demand
// under a token budget. A forgetting curve decays interaction weights
// over time and evicts what falls below threshold.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/legionworks/legion/internal/bus"
)

const (
	// DefaultRingSize bounds interactions kept per channel.
	DefaultRingSize = 200
	// DefaultDecayInterval is how often the forgetting curve ticks.
	DefaultDecayInterval = 10 * time.Minute
	// DefaultDecayFactor multiplies every weight per tick.
	DefaultDecayFactor = 0.98
	// DefaultEvictThreshold drops interactions once decay takes their
	// weight under it.
	DefaultEvictThreshold = 0.1

	// charsPerToken is the rough budget conversion used by Transcript.
	charsPerToken = 4
)

// Interaction is one remembered channel message.
type Interaction struct {
	MessageID string
	ChannelID string
	SenderID  string
	Content   string
	Timestamp time.Time
	Weight    float64
}

// Options configures a Store. Zero values take defaults.
type Options struct {
	RingSize       int
	DecayInterval  time.Duration
	DecayFactor    float64
	EvictThreshold float64
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RingSize <= 0 {
		o.RingSize = DefaultRingSize
	}
	if o.DecayInterval <= 0 {
		o.DecayInterval = DefaultDecayInterval
	}
	if o.DecayFactor <= 0 || o.DecayFactor >= 1 {
		o.DecayFactor = DefaultDecayFactor
	}
	if o.EvictThreshold <= 0 {
		o.EvictThreshold = DefaultEvictThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Store records conversation per channel. All methods are safe for
// concurrent use.
type Store struct {
	bus  *bus.Bus
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	rings map[string]*channelRing

	subID  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Store. Call Start to begin recording.
func New(b *bus.Bus, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		bus:   b,
		opts:  opts,
		log:   opts.Logger.With("component", "memory"),
		rings: make(map[string]*channelRing),
	}
}

// Start subscribes to channel.message events and runs the decay loop
// until Stop.
func (s *Store) Start(ctx context.Context) error {
	if s.cancel != nil {
		return fmt.Errorf("memory store already started")
	}
	id, err := s.bus.Subscribe(bus.ChannelMessage, "memory", s.record)
	if err != nil {
		return fmt.Errorf("subscribe memory recorder: %w", err)
	}
	s.subID = id

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.decayLoop(loopCtx)

	s.log.Debug("memory recorder started",
		"ring_size", s.opts.RingSize,
		"decay_interval", s.opts.DecayInterval)
	return nil
}

// Stop detaches from the bus and halts the decay loop. Recorded
// interactions stay readable.
func (s *Store) Stop() {
	if s.subID != "" {
		s.bus.Unsubscribe(s.subID)
		s.subID = ""
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

func (s *Store) record(_ context.Context, evt bus.Event) error {
	msg := bus.DecodeChannelMessage(evt)
	if msg.ChannelID == "" || msg.Content == "" {
		return nil
	}
	s.Record(Interaction{
		MessageID: msg.MessageID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	return nil
}

// Record inserts one interaction, evicting the oldest entry of a full
// channel ring. Weight defaults to 1.
func (s *Store) Record(in Interaction) {
	if in.Weight <= 0 {
		in.Weight = 1
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[in.ChannelID]
	if !ok {
		r = newChannelRing(s.opts.RingSize)
		s.rings[in.ChannelID] = r
	}
	r.push(in)
}

// Recent returns up to limit interactions for a channel in
// chronological order. limit <= 0 returns everything remembered.
func (s *Store) Recent(channelID string, limit int) []Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rings[channelID]
	if !ok {
		return nil
	}
	all := r.chronological()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Len reports how many interactions a channel currently holds.
func (s *Store) Len(channelID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rings[channelID]; ok {
		return r.count
	}
	return 0
}

// Transcript renders the channel's remembered conversation oldest-first
// as "sender: content" lines, keeping the most recent interactions that
// fit the token budget (roughly 4 characters per token). An exhausted
// budget or empty channel yields "".
func (s *Store) Transcript(channelID string, tokenBudget int) string {
	if tokenBudget <= 0 {
		return ""
	}
	all := s.Recent(channelID, 0)
	if len(all) == 0 {
		return ""
	}

	lines := make([]string, 0, len(all))
	remaining := tokenBudget
	for i := len(all) - 1; i >= 0; i-- {
		line := fmt.Sprintf("%s: %s", all[i].SenderID, all[i].Content)
		cost := tokensFor(line)
		if cost > remaining {
			break
		}
		remaining -= cost
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}

	// lines were collected newest-first; reverse for reading order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}

func (s *Store) decayLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.decayOnce()
		}
	}
}

// decayOnce applies one forgetting-curve tick: every weight is
// multiplied by DecayFactor and interactions under EvictThreshold are
// dropped. Emptied channels release their ring.
func (s *Store) decayOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for channelID, r := range s.rings {
		evicted += r.decay(s.opts.DecayFactor, s.opts.EvictThreshold)
		if r.count == 0 {
			delete(s.rings, channelID)
		}
	}
	if evicted > 0 {
		s.log.Debug("memory decay evicted interactions", "count", evicted)
	}
}

func tokensFor(line string) int {
	// +1 accounts for the joining newline.
	return (len(line) + charsPerToken) / charsPerToken
}

// channelRing is a fixed-capacity interaction ring. Oldest entries are
// overwritten when full.
type channelRing struct {
	buf   []Interaction
	head  int // next write position
	count int
}

func newChannelRing(size int) *channelRing {
	return &channelRing{buf: make([]Interaction, size)}
}

func (r *channelRing) push(in Interaction) {
	r.buf[r.head] = in
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// chronological returns a copy of live entries, oldest first.
func (r *channelRing) chronological() []Interaction {
	out := make([]Interaction, 0, r.count)
	start := r.head - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// decay multiplies weights and compacts out entries below threshold,
// returning how many were evicted.
func (r *channelRing) decay(factor, threshold float64) int {
	live := r.chronological()
	kept := live[:0]
	for i := range live {
		live[i].Weight *= factor
		if live[i].Weight >= threshold {
			kept = append(kept, live[i])
		}
	}
	evicted := len(live) - len(kept)
	if evicted == 0 && len(kept) == r.count {
		// Weights changed but membership did not; rewrite in place.
		start := r.head - r.count
		if start < 0 {
			start += len(r.buf)
		}
		for i := range kept {
			r.buf[(start+i)%len(r.buf)] = kept[i]
		}
		return 0
	}

	clear(r.buf)
	r.head = 0
	r.count = 0
	for _, in := range kept {
		r.push(in)
	}
	return evicted
}
