// Package memory provides mutex-guarded in-memory repositories. Nothing
// survives a restart; it backs tests, doctor dry runs, and memory mode.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/internal/minion"
	"github.com/legionworks/legion/internal/store"
	"github.com/legionworks/legion/internal/tasks"
)

// New returns stores backed by process memory.
func New() *store.Stores {
	return &store.Stores{
		Channels: NewChannelStore(),
		Messages: NewMessageStore(),
		Minions:  NewMinionStore(),
		Tasks:    NewTaskStore(),
	}
}

// ChannelStore implements channels.ChannelRepository.
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[string]*channels.Channel
}

func NewChannelStore() *ChannelStore {
	return &ChannelStore{channels: make(map[string]*channels.Channel)}
}

func (s *ChannelStore) Save(ctx context.Context, ch *channels.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch.Clone()
	return nil
}

func (s *ChannelStore) GetByID(ctx context.Context, id string) (*channels.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id].Clone(), nil
}

func (s *ChannelStore) ListAll(ctx context.Context) ([]*channels.Channel, error) {
	return s.list(func(*channels.Channel) bool { return true }), nil
}

func (s *ChannelStore) ListActive(ctx context.Context) ([]*channels.Channel, error) {
	return s.list(func(ch *channels.Channel) bool { return !ch.Deleted }), nil
}

func (s *ChannelStore) list(keep func(*channels.Channel) bool) []*channels.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*channels.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if keep(ch) {
			out = append(out, ch.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MessageStore implements channels.MessageRepository.
type MessageStore struct {
	mu     sync.RWMutex
	byChan map[string][]*channels.Message
}

func NewMessageStore() *MessageStore {
	return &MessageStore{byChan: make(map[string][]*channels.Message)}
}

func (s *MessageStore) Save(ctx context.Context, msg *channels.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byChan[msg.ChannelID]
	for i, m := range list {
		if m.ID == msg.ID {
			list[i] = cloneMessage(msg)
			return nil
		}
	}
	s.byChan[msg.ChannelID] = append(list, cloneMessage(msg))
	return nil
}

func (s *MessageStore) GetChannelMessages(ctx context.Context, channelID string, q channels.MessageQuery) ([]*channels.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*channels.Message
	for _, m := range s.byChan[channelID] {
		if !q.Before.IsZero() && !m.Timestamp.Before(q.Before) {
			continue
		}
		if q.SenderID != "" && m.SenderID != q.SenderID {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MessageStore) CountChannelMessages(ctx context.Context, channelID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChan[channelID]), nil
}

func cloneMessage(m *channels.Message) *channels.Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Metadata = maps.Clone(m.Metadata)
	if m.Reactions != nil {
		cp.Reactions = make(map[string][]string, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = append([]string(nil), v...)
		}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		cp.EditedAt = &t
	}
	return &cp
}

// MinionStore implements minion.Repository.
type MinionStore struct {
	mu      sync.RWMutex
	minions map[string]*minion.Minion
}

func NewMinionStore() *MinionStore {
	return &MinionStore{minions: make(map[string]*minion.Minion)}
}

func (s *MinionStore) Save(ctx context.Context, m *minion.Minion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minions[m.ID] = cloneMinion(m)
	return nil
}

func (s *MinionStore) GetByID(ctx context.Context, id string) (*minion.Minion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMinion(s.minions[id]), nil
}

func (s *MinionStore) ListAll(ctx context.Context) ([]*minion.Minion, error) {
	return s.list(func(*minion.Minion) bool { return true }), nil
}

func (s *MinionStore) ListByStatus(ctx context.Context, status minion.Status) ([]*minion.Minion, error) {
	return s.list(func(m *minion.Minion) bool { return m.Status == status }), nil
}

func (s *MinionStore) list(keep func(*minion.Minion) bool) []*minion.Minion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*minion.Minion, 0, len(s.minions))
	for _, m := range s.minions {
		if keep(m) {
			out = append(out, cloneMinion(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneMinion(m *minion.Minion) *minion.Minion {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Persona.Quirks = append([]string(nil), m.Persona.Quirks...)
	cp.Persona.Catchphrases = append([]string(nil), m.Persona.Catchphrases...)
	cp.Persona.ExpertiseAreas = append([]string(nil), m.Persona.ExpertiseAreas...)
	cp.Persona.AllowedTools = append([]string(nil), m.Persona.AllowedTools...)
	cp.Persona.Channels = append([]string(nil), m.Persona.Channels...)
	cp.Emotional = m.Emotional.Clone()
	return &cp
}

// TaskStore implements tasks.Repository.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*tasks.Task
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*tasks.Task)}
}

func (s *TaskStore) Save(ctx context.Context, t *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *TaskStore) GetByID(ctx context.Context, id string) (*tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id].Clone(), nil
}

func (s *TaskStore) ListAll(ctx context.Context) ([]*tasks.Task, error) {
	return s.list(func(*tasks.Task) bool { return true }), nil
}

func (s *TaskStore) ListByStatus(ctx context.Context, status tasks.Status) ([]*tasks.Task, error) {
	return s.list(func(t *tasks.Task) bool { return t.Status == status }), nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *TaskStore) list(keep func(*tasks.Task) bool) []*tasks.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*tasks.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
