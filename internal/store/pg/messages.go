package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/legionworks/legion/internal/channels"
)

// MessageStore implements channels.MessageRepository.
type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Save(ctx context.Context, msg *channels.Message) error {
	meta, err := marshalMeta(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}
	var reactions any
	if len(msg.Reactions) > 0 {
		raw, err := json.Marshal(msg.Reactions)
		if err != nil {
			return fmt.Errorf("marshal reactions: %w", err)
		}
		reactions = raw
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, content, type, timestamp,
			metadata, parent_message_id, reactions, edited, edited_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content, metadata = EXCLUDED.metadata,
			reactions = EXCLUDED.reactions, edited = EXCLUDED.edited,
			edited_at = EXCLUDED.edited_at`,
		msg.ID, msg.ChannelID, msg.SenderID, msg.Content, string(msg.Type), msg.Timestamp,
		meta, msg.ParentMessageID, reactions, msg.Edited, msg.EditedAt,
	)
	return err
}

func (s *MessageStore) GetChannelMessages(ctx context.Context, channelID string, q channels.MessageQuery) ([]*channels.Message, error) {
	query := `SELECT id, channel_id, sender_id, content, type, timestamp, metadata,
		parent_message_id, reactions, edited, edited_at FROM messages WHERE channel_id = $1`
	args := []any{channelID}
	if !q.Before.IsZero() {
		args = append(args, q.Before)
		query += fmt.Sprintf(" AND timestamp < $%d", len(args))
	}
	if q.SenderID != "" {
		args = append(args, q.SenderID)
		query += fmt.Sprintf(" AND sender_id = $%d", len(args))
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*channels.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *MessageStore) CountChannelMessages(ctx context.Context, channelID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE channel_id = $1`, channelID).Scan(&n)
	return n, err
}

func scanMessage(r rowScanner) (*channels.Message, error) {
	var msg channels.Message
	var typ string
	var meta, reactions []byte
	var editedAt sql.NullTime
	if err := r.Scan(&msg.ID, &msg.ChannelID, &msg.SenderID, &msg.Content, &typ,
		&msg.Timestamp, &meta, &msg.ParentMessageID, &reactions, &msg.Edited, &editedAt); err != nil {
		return nil, err
	}
	msg.Type = channels.MessageType(typ)
	m, err := unmarshalMeta(meta)
	if err != nil {
		return nil, fmt.Errorf("decode message metadata: %w", err)
	}
	msg.Metadata = m
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &msg.Reactions); err != nil {
			return nil, fmt.Errorf("decode reactions: %w", err)
		}
	}
	if editedAt.Valid {
		t := editedAt.Time
		msg.EditedAt = &t
	}
	return &msg, nil
}
