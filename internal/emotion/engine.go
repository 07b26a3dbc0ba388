package emotion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/legionworks/legion/internal/bus"
)

// Self-regulation thresholds and pull strength. Values past a threshold
// are pulled 10% toward their neutral midpoint each tick.
const (
	stressHigh     = 0.85
	energyLow      = 0.15
	valenceExtreme = 0.85
	regulatePull   = 0.1

	defaultRegulateInterval = time.Minute
	maxReflections          = 50
)

// Analyzer proposes an emotional delta for an event the engine deemed
// relevant. ok reports whether the event moved the minion at all.
type Analyzer interface {
	Analyze(evt bus.Event, selfID string) (u Update, ok bool)
}

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// Commanders lists entity ids whose opinions are pinned to the
	// loyal band. Default ["commander"].
	Commanders []string
	// Aliases are additional names (persona name, nicknames) that count
	// as mentions of the minion in message content.
	Aliases []string
	// RegulateInterval is the self-regulation cadence. Default 60s.
	RegulateInterval time.Duration
	// Analyzer overrides the keyword heuristic, e.g. with a policy
	// model. Default KeywordAnalyzer.
	Analyzer Analyzer
	Logger   *slog.Logger
}

// Engine owns one minion's emotional state. It subscribes to the events
// that concern the minion, translates them into clamped deltas, and
// announces material changes as minion.emotional_change.
type Engine struct {
	bus        *bus.Bus
	minionID   string
	opts       Options
	log        *slog.Logger
	analyzer   Analyzer
	commanders map[string]struct{}
	aliases    []string

	mu       sync.Mutex
	state    *State
	momentum MoodVector

	subIDs []string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine builds an engine with a fresh neutral state. The engine is
// inert until Start; Apply and Snapshot work immediately.
func NewEngine(b *bus.Bus, minionID string, opts Options) *Engine {
	if len(opts.Commanders) == 0 {
		opts.Commanders = []string{"commander"}
	}
	if opts.RegulateInterval <= 0 {
		opts.RegulateInterval = defaultRegulateInterval
	}
	if opts.Analyzer == nil {
		opts.Analyzer = KeywordAnalyzer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	commanders := make(map[string]struct{}, len(opts.Commanders))
	for _, id := range opts.Commanders {
		commanders[id] = struct{}{}
	}
	aliases := make([]string, 0, len(opts.Aliases)+1)
	aliases = append(aliases, strings.ToLower(minionID))
	for _, a := range opts.Aliases {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			aliases = append(aliases, a)
		}
	}

	return &Engine{
		bus:        b,
		minionID:   minionID,
		opts:       opts,
		log:        opts.Logger,
		analyzer:   opts.Analyzer,
		commanders: commanders,
		aliases:    aliases,
		state:      NewState(minionID, opts.Commanders...),
	}
}

// Start subscribes the engine to channel.message, minion.spawned and the
// task namespace, and launches the self-regulation loop.
func (e *Engine) Start(ctx context.Context) error {
	types := []bus.EventType{bus.ChannelMessage, bus.MinionSpawned}
	for _, t := range bus.AllEventTypes {
		if t.Namespace() == "task" {
			types = append(types, t)
		}
	}
	name := "emotion:" + e.minionID
	for _, t := range types {
		id, err := e.bus.Subscribe(t, name, e.handleEvent)
		if err != nil {
			for _, prev := range e.subIDs {
				e.bus.Unsubscribe(prev)
			}
			e.subIDs = nil
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
		e.subIDs = append(e.subIDs, id)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.regulateLoop(loopCtx)

	e.log.Info("emotion.engine.started", "minion", e.minionID, "regulate_interval", e.opts.RegulateInterval)
	return nil
}

// Stop unsubscribes and halts the regulation loop. The state remains
// readable afterwards.
func (e *Engine) Stop() {
	for _, id := range e.subIDs {
		e.bus.Unsubscribe(id)
	}
	e.subIDs = nil
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}
	e.log.Info("emotion.engine.stopped", "minion", e.minionID)
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Restore replaces the state, e.g. from a persisted snapshot. Momentum
// resets and no event is emitted.
func (e *Engine) Restore(s *State) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.state = s.Clone()
	e.state.MinionID = e.minionID
	e.momentum = MoodVector{}
	e.mu.Unlock()
}

// Apply validates, clamps, and applies one update. It reports whether a
// material change happened; a material change bumps the version and
// emits minion.emotional_change.
func (e *Engine) Apply(u Update) bool {
	if u.isZero() {
		return false
	}

	mood := u.Mood.capped()
	energy := clamp(u.Energy, -MaxEnergyDelta, MaxEnergyDelta)
	stress := clamp(u.Stress, -MaxStressDelta, MaxStressDelta)

	e.mu.Lock()
	applied := MoodVector{
		Valence:     advance(&e.momentum.Valence, mood.Valence),
		Arousal:     advance(&e.momentum.Arousal, mood.Arousal),
		Dominance:   advance(&e.momentum.Dominance, mood.Dominance),
		Curiosity:   advance(&e.momentum.Curiosity, mood.Curiosity),
		Creativity:  advance(&e.momentum.Creativity, mood.Creativity),
		Sociability: advance(&e.momentum.Sociability, mood.Sociability),
	}

	st := e.state
	st.Mood = MoodVector{
		Valence:     st.Mood.Valence + applied.Valence,
		Arousal:     st.Mood.Arousal + applied.Arousal,
		Dominance:   st.Mood.Dominance + applied.Dominance,
		Curiosity:   st.Mood.Curiosity + applied.Curiosity,
		Creativity:  st.Mood.Creativity + applied.Creativity,
		Sociability: st.Mood.Sociability + applied.Sociability,
	}.clamped()
	st.Energy = clamp(st.Energy+energy, 0, 1)
	st.Stress = clamp(st.Stress+stress, 0, 1)

	now := time.Now().UTC()
	for id, d := range u.Opinions {
		e.applyOpinionLocked(id, d, now)
	}
	if u.Reflection != "" {
		st.Reflections = append(st.Reflections, u.Reflection)
		if len(st.Reflections) > maxReflections {
			st.Reflections = st.Reflections[len(st.Reflections)-maxReflections:]
		}
	}

	st.Version++
	st.LastUpdated = now
	snap := st.Clone()
	e.mu.Unlock()

	e.log.Debug("emotion.applied",
		"minion", e.minionID, "reason", u.Reason, "version", snap.Version)
	e.emitChange(snap, u.Reason)
	return true
}

// applyOpinionLocked folds one opinion delta in. Caller holds e.mu.
func (e *Engine) applyOpinionLocked(id string, d OpinionDelta, now time.Time) {
	o, ok := e.state.Opinions[id]
	if !ok {
		o = &OpinionScore{EntityType: d.EntityType}
		if o.EntityType == "" {
			o.EntityType = EntityHuman
		}
		e.state.Opinions[id] = o
	}

	o.Trust = clamp(o.Trust+clamp(d.Trust, -MaxOpinionDelta, MaxOpinionDelta), -100, 100)
	o.Respect = clamp(o.Respect+clamp(d.Respect, -MaxOpinionDelta, MaxOpinionDelta), -100, 100)
	o.Affection = clamp(o.Affection+clamp(d.Affection, -MaxOpinionDelta, MaxOpinionDelta), -100, 100)

	// Commander loyalty is structural: whatever happened, post-update
	// components stay in the loyal band.
	if _, isCmd := e.commanders[id]; isCmd {
		o.EntityType = EntityCommander
		o.Trust = clamp(o.Trust, CommanderOpinionFloor, CommanderOpinionCeil)
		o.Respect = clamp(o.Respect, CommanderOpinionFloor, CommanderOpinionCeil)
		o.Affection = clamp(o.Affection, CommanderOpinionFloor, CommanderOpinionCeil)
	}

	o.InteractionCount++
	o.LastInteraction = now
	if d.Event != "" {
		o.NotableEvents = append(o.NotableEvents, d.Event)
		if len(o.NotableEvents) > maxNotableEvents {
			o.NotableEvents = o.NotableEvents[len(o.NotableEvents)-maxNotableEvents:]
		}
	}
}

// advance folds one delta into an axis EMA and returns the applied delta.
func advance(m *float64, delta float64) float64 {
	*m = momentumKeep**m + momentumBlend*delta
	return delta + momentumWeight**m
}

// MoodCue renders the state as one natural-language paragraph for the
// agent's system instruction.
func (e *Engine) MoodCue() string {
	s := e.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "You are feeling %s and %s.", valenceWord(s.Mood.Valence), arousalWord(s.Mood.Arousal))
	fmt.Fprintf(&b, " Your energy sits at %s and your stress at %s.", pct(s.Energy), pct(s.Stress))
	if traits := dominantTraits(s.Mood); len(traits) > 0 {
		fmt.Fprintf(&b, " Right now you are notably %s.", strings.Join(traits, " and "))
	}
	if op, ok := commanderOpinionValue(s, e.commanders); ok {
		fmt.Fprintf(&b, " Your regard for your commander stands at %.0f/100.", op)
	}
	if n := len(s.Reflections); n > 0 {
		fmt.Fprintf(&b, " A recent reflection of yours: %q.", s.Reflections[n-1])
	}
	return b.String()
}

func (e *Engine) handleEvent(_ context.Context, evt bus.Event) error {
	if !e.relevant(evt) {
		return nil
	}
	u, ok := e.analyzer.Analyze(evt, e.minionID)
	if !ok {
		return nil
	}
	e.Apply(u)
	return nil
}

// relevant filters the subscribed stream down to events that concern
// this minion: own or mentioning messages, own task traffic, and the
// spawning of other minions.
func (e *Engine) relevant(evt bus.Event) bool {
	switch {
	case evt.Type == bus.ChannelMessage:
		msg := bus.DecodeChannelMessage(evt)
		if msg.SenderID == e.minionID {
			return true
		}
		return mentions(msg.Content, e.aliases)
	case evt.Type == bus.MinionSpawned:
		id := bus.StringField(evt, "minion_id")
		return id != "" && id != e.minionID
	case evt.Type.Namespace() == "task":
		return bus.StringField(evt, "assigned_to") == e.minionID
	}
	return false
}

func (e *Engine) regulateLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.RegulateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.regulateOnce()
		}
	}
}

// regulateOnce pulls extreme values 10% toward their neutral midpoints.
// It reports whether anything moved.
func (e *Engine) regulateOnce() bool {
	e.mu.Lock()
	st := e.state
	changed := false
	if st.Stress > stressHigh {
		st.Stress += (0.5 - st.Stress) * regulatePull
		changed = true
	}
	if st.Energy < energyLow {
		st.Energy += (0.5 - st.Energy) * regulatePull
		changed = true
	}
	if v := st.Mood.Valence; v > valenceExtreme || v < -valenceExtreme {
		st.Mood.Valence -= v * regulatePull
		changed = true
	}
	if !changed {
		e.mu.Unlock()
		return false
	}
	st.Version++
	st.LastUpdated = time.Now().UTC()
	snap := st.Clone()
	e.mu.Unlock()

	e.log.Debug("emotion.regulated", "minion", e.minionID, "version", snap.Version)
	e.emitChange(snap, "self_regulation")
	return true
}

// emitChange publishes the flat snapshot carried by every
// minion.emotional_change event.
func (e *Engine) emitChange(snap *State, reason string) {
	data := map[string]any{
		"minion_id":         snap.MinionID,
		"mood":              snap.Mood.asMap(),
		"energy":            snap.Energy,
		"stress":            snap.Stress,
		"commander_opinion": commanderOpinion(snap, e.commanders),
		"version":           snap.Version,
	}
	if reason != "" {
		data["reason"] = reason
	}
	if _, err := e.bus.Emit(bus.MinionEmotionalChange, data, e.minionID, nil); err != nil {
		e.log.Warn("emotion.emit_failed", "minion", e.minionID, "error", err)
	}
}

func commanderOpinion(s *State, commanders map[string]struct{}) float64 {
	v, _ := commanderOpinionValue(s, commanders)
	return v
}

func commanderOpinionValue(s *State, commanders map[string]struct{}) (float64, bool) {
	var sum float64
	var n int
	for id := range commanders {
		if o, ok := s.Opinions[id]; ok {
			sum += o.OverallSentiment()
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// mentions reports whether any alias appears as a standalone token in
// content. Tokens split on anything that is not a letter, digit or
// underscore, so "@ada" and "ada:" both mention ada, while "m1" does
// not match inside "m10".
func mentions(content string, aliases []string) bool {
	if content == "" || len(aliases) == 0 {
		return false
	}
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range fields {
		for _, a := range aliases {
			if tok == a {
				return true
			}
		}
	}
	return false
}

func valenceWord(v float64) string {
	switch {
	case v <= -0.5:
		return "thoroughly miserable"
	case v <= -0.15:
		return "a bit glum"
	case v < 0.15:
		return "even-keeled"
	case v < 0.5:
		return "upbeat"
	default:
		return "positively gleeful"
	}
}

func arousalWord(v float64) string {
	switch {
	case v < 0.33:
		return "calm"
	case v <= 0.66:
		return "steady"
	default:
		return "charged up"
	}
}

func dominantTraits(m MoodVector) []string {
	var traits []string
	if m.Curiosity > 0.7 {
		traits = append(traits, "curious")
	}
	if m.Creativity > 0.7 {
		traits = append(traits, "creative")
	}
	if m.Sociability > 0.7 {
		traits = append(traits, "sociable")
	}
	if m.Dominance > 0.7 {
		traits = append(traits, "assertive")
	}
	return traits
}
