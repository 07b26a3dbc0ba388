// Package emotion implements the per-minion emotional engine. Events are
// translated into bounded deltas against a persistent emotional state; a
// material change bumps the state version and is announced on the bus as
// minion.emotional_change. Deltas are clamped before application, mood
// axes carry momentum, and a slow regulation loop pulls extremes back
// toward neutral so no minion stays manic or despondent forever.
package emotion

import (
	"fmt"
	"time"
)

// Per-update delta caps. Caps apply to the proposed delta, before
// momentum is folded in.
const (
	MaxMoodDelta    = 0.3
	MaxEnergyDelta  = 0.2
	MaxStressDelta  = 0.2
	MaxOpinionDelta = 20.0
)

// Momentum coefficients: each mood axis keeps an EMA of its recent
// deltas (m' = momentumKeep*m + momentumBlend*delta) and the applied
// delta is delta + momentumWeight*m'.
const (
	momentumKeep   = 0.7
	momentumBlend  = 0.3
	momentumWeight = 0.2
)

// Commander opinion bounds. Opinions about a commander never fall below
// loyal regard, whatever the traffic says.
const (
	CommanderOpinionFloor = 50.0
	CommanderOpinionCeil  = 100.0
)

// maxNotableEvents bounds the per-opinion event log.
const maxNotableEvents = 20

// MoodVector tracks six mood axes. Valence spans [-1,1]; every other
// axis spans [0,1].
type MoodVector struct {
	Valence     float64 `json:"valence"`
	Arousal     float64 `json:"arousal"`
	Dominance   float64 `json:"dominance"`
	Curiosity   float64 `json:"curiosity"`
	Creativity  float64 `json:"creativity"`
	Sociability float64 `json:"sociability"`
}

// NeutralMood is the resting point regulation pulls toward.
func NeutralMood() MoodVector {
	return MoodVector{
		Valence:     0,
		Arousal:     0.5,
		Dominance:   0.5,
		Curiosity:   0.5,
		Creativity:  0.5,
		Sociability: 0.5,
	}
}

// clamped returns the vector with every axis forced into its range.
func (m MoodVector) clamped() MoodVector {
	m.Valence = clamp(m.Valence, -1, 1)
	m.Arousal = clamp(m.Arousal, 0, 1)
	m.Dominance = clamp(m.Dominance, 0, 1)
	m.Curiosity = clamp(m.Curiosity, 0, 1)
	m.Creativity = clamp(m.Creativity, 0, 1)
	m.Sociability = clamp(m.Sociability, 0, 1)
	return m
}

// capped returns the vector as a delta with every axis capped to
// ±MaxMoodDelta.
func (m MoodVector) capped() MoodVector {
	m.Valence = clamp(m.Valence, -MaxMoodDelta, MaxMoodDelta)
	m.Arousal = clamp(m.Arousal, -MaxMoodDelta, MaxMoodDelta)
	m.Dominance = clamp(m.Dominance, -MaxMoodDelta, MaxMoodDelta)
	m.Curiosity = clamp(m.Curiosity, -MaxMoodDelta, MaxMoodDelta)
	m.Creativity = clamp(m.Creativity, -MaxMoodDelta, MaxMoodDelta)
	m.Sociability = clamp(m.Sociability, -MaxMoodDelta, MaxMoodDelta)
	return m
}

// isZero reports whether every axis is (numerically) zero.
func (m MoodVector) isZero() bool {
	return zeroish(m.Valence) && zeroish(m.Arousal) && zeroish(m.Dominance) &&
		zeroish(m.Curiosity) && zeroish(m.Creativity) && zeroish(m.Sociability)
}

// asMap flattens the vector for event payloads.
func (m MoodVector) asMap() map[string]any {
	return map[string]any{
		"valence":     m.Valence,
		"arousal":     m.Arousal,
		"dominance":   m.Dominance,
		"curiosity":   m.Curiosity,
		"creativity":  m.Creativity,
		"sociability": m.Sociability,
	}
}

// OpinionScore is a minion's standing opinion of one entity. Components
// span [-100,100]; commander components are pinned to [50,100].
type OpinionScore struct {
	EntityType       string    `json:"entity_type"`
	Trust            float64   `json:"trust"`
	Respect          float64   `json:"respect"`
	Affection        float64   `json:"affection"`
	InteractionCount int       `json:"interaction_count"`
	LastInteraction  time.Time `json:"last_interaction"`
	NotableEvents    []string  `json:"notable_events,omitempty"`
}

// OverallSentiment collapses the three components into one scalar.
func (o *OpinionScore) OverallSentiment() float64 {
	return (o.Trust + o.Respect + o.Affection) / 3
}

// State is a minion's full emotional state. Version increments on every
// material change; equal versions mean equal states.
type State struct {
	MinionID    string                   `json:"minion_id"`
	Mood        MoodVector               `json:"mood"`
	Energy      float64                  `json:"energy"`
	Stress      float64                  `json:"stress"`
	Opinions    map[string]*OpinionScore `json:"opinions"`
	Reflections []string                 `json:"reflections,omitempty"`
	LastUpdated time.Time                `json:"last_updated"`
	Version     int64                    `json:"version"`
}

// NewState returns a rested neutral state. Each commander id is seeded
// with a loyal opinion so the commander scalar is defined from birth.
func NewState(minionID string, commanders ...string) *State {
	s := &State{
		MinionID: minionID,
		Mood:     NeutralMood(),
		Energy:   0.8,
		Stress:   0.2,
		Opinions: make(map[string]*OpinionScore),
	}
	for _, id := range commanders {
		s.Opinions[id] = &OpinionScore{
			EntityType: EntityCommander,
			Trust:      75,
			Respect:    75,
			Affection:  75,
		}
	}
	return s
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Opinions = make(map[string]*OpinionScore, len(s.Opinions))
	for id, o := range s.Opinions {
		oc := *o
		if o.NotableEvents != nil {
			oc.NotableEvents = append([]string(nil), o.NotableEvents...)
		}
		cp.Opinions[id] = &oc
	}
	if s.Reflections != nil {
		cp.Reflections = append([]string(nil), s.Reflections...)
	}
	return &cp
}

// Entity types recorded on opinions.
const (
	EntityCommander = "commander"
	EntityMinion    = "minion"
	EntityHuman     = "human"
)

// OpinionDelta proposes a change to the opinion of one entity.
type OpinionDelta struct {
	EntityType string
	Trust      float64
	Respect    float64
	Affection  float64
	// Event, when set, is appended to the opinion's notable events.
	Event string
}

// Update is a proposed emotional delta. Engines validate and clamp it
// before application; out-of-cap values are truncated, never rejected.
type Update struct {
	Mood       MoodVector
	Energy     float64
	Stress     float64
	Opinions   map[string]OpinionDelta
	Reflection string
	// Reason labels the update in logs.
	Reason string
}

// isZero reports whether the update proposes no change at all.
func (u Update) isZero() bool {
	if !u.Mood.isZero() || !zeroish(u.Energy) || !zeroish(u.Stress) {
		return false
	}
	for _, d := range u.Opinions {
		if !zeroish(d.Trust) || !zeroish(d.Respect) || !zeroish(d.Affection) || d.Event != "" {
			return false
		}
	}
	return u.Reflection == ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func zeroish(v float64) bool {
	const eps = 1e-9
	return v > -eps && v < eps
}

func pct(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}
