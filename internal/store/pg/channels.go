package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/legionworks/legion/internal/channels"
)

const selectChannel = `SELECT id, name, type, description, created_by, created_at,
	message_count, last_activity, metadata, deleted FROM channels`

// ChannelStore implements channels.ChannelRepository.
type ChannelStore struct {
	db *sql.DB
}

func NewChannelStore(db *sql.DB) *ChannelStore {
	return &ChannelStore{db: db}
}

// Save upserts the channel row and replaces its membership set in one
// transaction. Creation fields are never overwritten.
func (s *ChannelStore) Save(ctx context.Context, ch *channels.Channel) error {
	meta, err := marshalMeta(ch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal channel metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels (id, name, type, description, created_by, created_at,
			message_count, last_activity, metadata, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type,
			description = EXCLUDED.description,
			message_count = EXCLUDED.message_count,
			last_activity = EXCLUDED.last_activity,
			metadata = EXCLUDED.metadata, deleted = EXCLUDED.deleted`,
		ch.ID, ch.Name, string(ch.Type), ch.Description, ch.CreatedBy, ch.CreatedAt,
		ch.MessageCount, ch.LastActivity, meta, ch.Deleted,
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1`, ch.ID); err != nil {
		return err
	}
	for _, m := range ch.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO channel_members (channel_id, member_id, role, joined_at, added_by)
			 VALUES ($1, $2, $3, $4, $5)`,
			ch.ID, m.MemberID, string(m.Role), m.JoinedAt, m.AddedBy,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *ChannelStore) GetByID(ctx context.Context, id string) (*channels.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, selectChannel+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachMembers(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *ChannelStore) ListAll(ctx context.Context) ([]*channels.Channel, error) {
	return s.listWhere(ctx, "")
}

func (s *ChannelStore) ListActive(ctx context.Context) ([]*channels.Channel, error) {
	return s.listWhere(ctx, ` WHERE NOT deleted`)
}

func (s *ChannelStore) listWhere(ctx context.Context, where string) ([]*channels.Channel, error) {
	rows, err := s.db.QueryContext(ctx, selectChannel+where+` ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []*channels.Channel
		ids []string
	)
	byID := make(map[string]*channels.Channel)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
		ids = append(ids, ch.ID)
		byID[ch.ID] = ch
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, member_id, role, joined_at, added_by FROM channel_members
		 WHERE channel_id = ANY($1) ORDER BY joined_at, member_id`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var chID string
		var m channels.ChannelMember
		var role string
		if err := mrows.Scan(&chID, &m.MemberID, &role, &m.JoinedAt, &m.AddedBy); err != nil {
			return nil, err
		}
		m.Role = channels.Role(role)
		if ch := byID[chID]; ch != nil {
			ch.Members = append(ch.Members, m)
		}
	}
	return out, mrows.Err()
}

func (s *ChannelStore) attachMembers(ctx context.Context, ch *channels.Channel) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, role, joined_at, added_by FROM channel_members
		 WHERE channel_id = $1 ORDER BY joined_at, member_id`, ch.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var m channels.ChannelMember
		var role string
		if err := rows.Scan(&m.MemberID, &role, &m.JoinedAt, &m.AddedBy); err != nil {
			return err
		}
		m.Role = channels.Role(role)
		ch.Members = append(ch.Members, m)
	}
	return rows.Err()
}

func scanChannel(r rowScanner) (*channels.Channel, error) {
	var ch channels.Channel
	var typ string
	var meta []byte
	if err := r.Scan(&ch.ID, &ch.Name, &typ, &ch.Description, &ch.CreatedBy,
		&ch.CreatedAt, &ch.MessageCount, &ch.LastActivity, &meta, &ch.Deleted); err != nil {
		return nil, err
	}
	ch.Type = channels.ChannelType(typ)
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("decode channel metadata: %w", err)
	}
	ch.Metadata = m
	return &ch, nil
}
