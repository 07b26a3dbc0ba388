// Package minion defines the minion domain model: persona-driven AI
// participants identified by a stable id, each carrying a persona, an
// emotional snapshot, and a lifecycle status.
package minion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/legionworks/legion/internal/emotion"
)

// ErrInvalidPersona is returned when a persona fails validation.
// Callers match with errors.Is; the wrapped message names the field.
var ErrInvalidPersona = errors.New("invalid persona")

// Status is a minion's lifecycle state.
type Status string

const (
	StatusSpawning  Status = "spawning"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusDespawned Status = "despawned"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusSpawning, StatusActive, StatusError, StatusDespawned:
		return true
	}
	return false
}

// Persona describes how a minion behaves: its character, the generation
// parameters, and the tools and channels it is allowed to touch.
type Persona struct {
	Name            string   `json:"name"`
	BasePersonality string   `json:"base_personality"`
	Quirks          []string `json:"quirks,omitempty"`
	Catchphrases    []string `json:"catchphrases,omitempty"`
	ExpertiseAreas  []string `json:"expertise_areas,omitempty"`
	AllowedTools    []string `json:"allowed_tools,omitempty"`
	ModelName       string   `json:"model_name"`
	Temperature     float64  `json:"temperature"`
	MaxTokens       int      `json:"max_tokens"`
	Channels        []string `json:"channels,omitempty"`
}

// Validate checks the persona's generation parameters. Temperature must
// lie in [0,2] and MaxTokens must be positive.
func (p *Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPersona)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v outside [0,2]", ErrInvalidPersona, p.Temperature)
	}
	if p.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidPersona, p.MaxTokens)
	}
	return nil
}

// Minion is one registered agent. Emotional holds the last persisted
// emotional snapshot; the live state is owned by the minion's emotion
// engine while it runs.
type Minion struct {
	ID        string         `json:"id"`
	Persona   Persona        `json:"persona"`
	Emotional *emotion.State `json:"emotional_state,omitempty"`
	Status    Status         `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New builds a minion with a validated persona. An empty id gets a
// generated "minion_" id with a time-ordered UUID.
func New(id string, p Persona) (*Minion, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		id = "minion_" + uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	return &Minion{
		ID:        id,
		Persona:   p,
		Status:    StatusSpawning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Repository persists minion records, including their emotional
// snapshots. Implementations return (nil, nil) when a minion does not
// exist.
type Repository interface {
	Save(ctx context.Context, m *Minion) error
	GetByID(ctx context.Context, id string) (*Minion, error)
	ListAll(ctx context.Context) ([]*Minion, error)
	ListByStatus(ctx context.Context, status Status) ([]*Minion, error)
}
