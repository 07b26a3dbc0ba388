package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

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
	quirks, err := marshalStrings(m.Persona.Quirks)
	if err != nil {
		return err
	}
	catchphrases, err := marshalStrings(m.Persona.Catchphrases)
	if err != nil {
		return err
	}
	expertise, err := marshalStrings(m.Persona.ExpertiseAreas)
	if err != nil {
		return err
	}
	tools, err := marshalStrings(m.Persona.AllowedTools)
	if err != nil {
		return err
	}
	chans, err := marshalStrings(m.Persona.Channels)
	if err != nil {
		return err
	}
	var emotional any
	if m.Emotional != nil {
		raw, err := json.Marshal(m.Emotional)
		if err != nil {
			return fmt.Errorf("marshal emotional state: %w", err)
		}
		emotional = raw
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO minions (id, name, base_personality, quirks, catchphrases,
			expertise_areas, allowed_tools, model_name, temperature, max_tokens,
			channels, emotional, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, base_personality = excluded.base_personality,
			quirks = excluded.quirks, catchphrases = excluded.catchphrases,
			expertise_areas = excluded.expertise_areas,
			allowed_tools = excluded.allowed_tools,
			model_name = excluded.model_name, temperature = excluded.temperature,
			max_tokens = excluded.max_tokens, channels = excluded.channels,
			emotional = excluded.emotional, status = excluded.status,
			updated_at = excluded.updated_at`,
		m.ID, m.Persona.Name, m.Persona.BasePersonality, quirks, catchphrases,
		expertise, tools, m.Persona.ModelName, m.Persona.Temperature,
		m.Persona.MaxTokens, chans, emotional, string(m.Status),
		m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (s *MinionStore) GetByID(ctx context.Context, id string) (*minion.Minion, error) {
	m, err := scanMinion(s.db.QueryRowContext(ctx, selectMinion+` WHERE id = ?`, id))
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
		selectMinion+` WHERE status = ? ORDER BY created_at, id`, string(status))
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
	var quirks, catchphrases, expertise, tools, chans, emotional []byte
	var status string
	if err := r.Scan(&m.ID, &m.Persona.Name, &m.Persona.BasePersonality,
		&quirks, &catchphrases, &expertise, &tools, &m.Persona.ModelName,
		&m.Persona.Temperature, &m.Persona.MaxTokens, &chans, &emotional,
		&status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Persona.Quirks, err = unmarshalStrings(quirks); err != nil {
		return nil, fmt.Errorf("decode quirks: %w", err)
	}
	if m.Persona.Catchphrases, err = unmarshalStrings(catchphrases); err != nil {
		return nil, fmt.Errorf("decode catchphrases: %w", err)
	}
	if m.Persona.ExpertiseAreas, err = unmarshalStrings(expertise); err != nil {
		return nil, fmt.Errorf("decode expertise_areas: %w", err)
	}
	if m.Persona.AllowedTools, err = unmarshalStrings(tools); err != nil {
		return nil, fmt.Errorf("decode allowed_tools: %w", err)
	}
	if m.Persona.Channels, err = unmarshalStrings(chans); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
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
