package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/legionworks/legion/internal/emotion"
	"github.com/legionworks/legion/internal/minion"
)

const selectMinion = `SELECT id, name, base_personality, quirks, catchphrases,
	expertise_areas, allowed_tools, model_name, temperature, max_tokens, channels,
	emotional, status, created_at, updated_at FROM minions`

// MinionStore implements minion.Repository.
type MinionStore struct {
	db *sql.DB
}

func NewMinionStore(db *sql.DB) *MinionStore {
	return &MinionStore{db: db}
}

func (s *MinionStore) Save(ctx context.Context, m *minion.Minion) error {
	if m.ID == "" {
		m.ID = "minion_" + uuid.Must(uuid.NewV7()).String()
	}
	var emotional any
	if m.Emotional != nil {
		raw, err := json.Marshal(m.Emotional)
		if err != nil {
			return fmt.Errorf("marshal emotional state: %w", err)
		}
		emotional = raw
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO minions (id, name, base_personality, quirks, catchphrases,
			expertise_areas, allowed_tools, model_name, temperature, max_tokens,
			channels, emotional, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, base_personality = EXCLUDED.base_personality,
			quirks = EXCLUDED.quirks, catchphrases = EXCLUDED.catchphrases,
			expertise_areas = EXCLUDED.expertise_areas,
			allowed_tools = EXCLUDED.allowed_tools,
			model_name = EXCLUDED.model_name, temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens, channels = EXCLUDED.channels,
			emotional = EXCLUDED.emotional, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		m.ID, m.Persona.Name, m.Persona.BasePersonality,
		pq.Array(m.Persona.Quirks), pq.Array(m.Persona.Catchphrases),
		pq.Array(m.Persona.ExpertiseAreas), pq.Array(m.Persona.AllowedTools),
		m.Persona.ModelName, m.Persona.Temperature, m.Persona.MaxTokens,
		pq.Array(m.Persona.Channels), emotional, string(m.Status),
		m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *MinionStore) GetByID(ctx context.Context, id string) (*minion.Minion, error) {
	m, err := scanMinion(s.db.QueryRowContext(ctx, selectMinion+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (s *MinionStore) ListAll(ctx context.Context) ([]*minion.Minion, error) {
	rows, err := s.db.QueryContext(ctx, selectMinion+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMinions(rows)
}

func (s *MinionStore) ListByStatus(ctx context.Context, status minion.Status) ([]*minion.Minion, error) {
	rows, err := s.db.QueryContext(ctx,
		selectMinion+` WHERE status = $1 ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMinions(rows)
}

func collectMinions(rows *sql.Rows) ([]*minion.Minion, error) {
	var out []*minion.Minion
	for rows.Next() {
		m, err := scanMinion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMinion(r rowScanner) (*minion.Minion, error) {
	var m minion.Minion
	var quirks, catchphrases, expertise, tools, chans []string
	var emotional []byte
	var status string
	if err := r.Scan(&m.ID, &m.Persona.Name, &m.Persona.BasePersonality,
		pq.Array(&quirks), pq.Array(&catchphrases), pq.Array(&expertise),
		pq.Array(&tools), &m.Persona.ModelName, &m.Persona.Temperature,
		&m.Persona.MaxTokens, pq.Array(&chans), &emotional, &status,
		&m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Persona.Quirks = quirks
	m.Persona.Catchphrases = catchphrases
	m.Persona.ExpertiseAreas = expertise
	m.Persona.AllowedTools = tools
	m.Persona.Channels = chans
	m.Status = minion.Status(status)
	if len(emotional) > 0 {
		var st emotion.State
		if err := json.Unmarshal(emotional, &st); err != nil {
			return nil, fmt.Errorf("decode emotional state: %w", err)
		}
		m.Emotional = &st
	}
	return &m, nil
}
