package memory

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/internal/emotion"
	"github.com/legionworks/legion/internal/minion"
	"github.com/legionworks/legion/internal/tasks"
)

func TestChannelSaveAndGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	ch := &channels.Channel{
		ID:           "ch_ops",
		Name:         "ops",
		Type:         channels.ChannelPrivate,
		Description:  "incident room",
		CreatedBy:    "commander_prime",
		CreatedAt:    base,
		MessageCount: 2,
		LastActivity: base.Add(time.Minute),
		Members: []channels.ChannelMember{
			{MemberID: "u1", Role: channels.RoleAdmin, JoinedAt: base},
			{MemberID: "minion_ada", Role: channels.RoleMember, JoinedAt: base.Add(time.Second), AddedBy: "u1"},
		},
		Metadata: map[string]any{"topic": "ops"},
	}
	if err := s.Channels.Save(ctx, ch); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Channels.GetByID(ctx, "ch_ops")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID returned nil for existing channel")
	}
	if got.Name != "ops" || got.Type != channels.ChannelPrivate || got.MessageCount != 2 {
		t.Errorf("channel = %+v", got)
	}
	if len(got.Members) != 2 || got.Members[1].AddedBy != "u1" {
		t.Errorf("members = %+v", got.Members)
	}
	if got.Metadata["topic"] != "ops" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// The store hands out copies, not its own records.
	got.Name = "mutated"
	got.Members[0].Role = channels.RoleMember
	again, _ := s.Channels.GetByID(ctx, "ch_ops")
	if again.Name != "ops" || again.Members[0].Role != channels.RoleAdmin {
		t.Error("mutating a returned channel leaked into the store")
	}
}

func TestChannelGetMissing(t *testing.T) {
	s := New()
	got, err := s.Channels.GetByID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for missing channel", got)
	}
}

func TestChannelLists(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, spec := range []struct {
		id      string
		deleted bool
	}{
		{"ch_a", false},
		{"ch_b", true},
		{"ch_c", false},
	} {
		ch := &channels.Channel{
			ID:        spec.id,
			Name:      spec.id,
			Type:      channels.ChannelPublic,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			Deleted:   spec.deleted,
		}
		if err := s.Channels.Save(ctx, ch); err != nil {
			t.Fatalf("Save %s: %v", spec.id, err)
		}
	}

	all, err := s.Channels.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 || all[0].ID != "ch_a" || all[2].ID != "ch_c" {
		t.Errorf("ListAll = %v", ids(all))
	}

	active, err := s.Channels.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ID != "ch_a" || active[1].ID != "ch_c" {
		t.Errorf("ListActive = %v", ids(active))
	}
}

func ids(chs []*channels.Channel) []string {
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = ch.ID
	}
	return out
}

func TestMessageQueries(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	msgs := []*channels.Message{
		{ID: "msg_1", ChannelID: "general", SenderID: "u1", Content: "one", Type: channels.MessageChat, Timestamp: base.Add(1 * time.Second)},
		{ID: "msg_2", ChannelID: "general", SenderID: "u2", Content: "two", Type: channels.MessageChat, Timestamp: base.Add(2 * time.Second), Metadata: map[string]any{"task_id": "task_9"}},
		{ID: "msg_3", ChannelID: "general", SenderID: "u1", Content: "three", Type: channels.MessageChat, Timestamp: base.Add(3 * time.Second)},
		{ID: "msg_4", ChannelID: "other", SenderID: "u1", Content: "elsewhere", Type: channels.MessageChat, Timestamp: base.Add(4 * time.Second)},
	}
	for _, m := range msgs {
		if err := s.Messages.Save(ctx, m); err != nil {
			t.Fatalf("Save %s: %v", m.ID, err)
		}
	}

	got, err := s.Messages.GetChannelMessages(ctx, "general", channels.MessageQuery{})
	if err != nil {
		t.Fatalf("GetChannelMessages: %v", err)
	}
	if len(got) != 3 || got[0].ID != "msg_3" || got[2].ID != "msg_1" {
		t.Errorf("newest-first order broken: %v", msgIDs(got))
	}

	got, _ = s.Messages.GetChannelMessages(ctx, "general", channels.MessageQuery{Limit: 2})
	if len(got) != 2 || got[0].ID != "msg_3" || got[1].ID != "msg_2" {
		t.Errorf("limit = %v", msgIDs(got))
	}

	got, _ = s.Messages.GetChannelMessages(ctx, "general", channels.MessageQuery{Before: base.Add(3 * time.Second)})
	if len(got) != 2 || got[0].ID != "msg_2" {
		t.Errorf("before filter = %v", msgIDs(got))
	}

	got, _ = s.Messages.GetChannelMessages(ctx, "general", channels.MessageQuery{SenderID: "u1"})
	if len(got) != 2 || got[0].ID != "msg_3" || got[1].ID != "msg_1" {
		t.Errorf("sender filter = %v", msgIDs(got))
	}

	n, err := s.Messages.CountChannelMessages(ctx, "general")
	if err != nil {
		t.Fatalf("CountChannelMessages: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	if n, _ := s.Messages.CountChannelMessages(ctx, "empty"); n != 0 {
		t.Errorf("count for unknown channel = %d", n)
	}
}

func msgIDs(msgs []*channels.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageSaveIsUpsert(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	m := &channels.Message{ID: "msg_x", ChannelID: "general", SenderID: "u1", Content: "draft", Type: channels.MessageChat, Timestamp: now}
	if err := s.Messages.Save(ctx, m); err != nil {
		t.Fatalf("Save: %v", err)
	}
	edited := now.Add(time.Minute)
	m.Content = "final"
	m.Edited = true
	m.EditedAt = &edited
	if err := s.Messages.Save(ctx, m); err != nil {
		t.Fatalf("re-Save: %v", err)
	}

	got, _ := s.Messages.GetChannelMessages(ctx, "general", channels.MessageQuery{})
	if len(got) != 1 {
		t.Fatalf("duplicate row after upsert: %v", msgIDs(got))
	}
	if got[0].Content != "final" || !got[0].Edited || got[0].EditedAt == nil || !got[0].EditedAt.Equal(edited) {
		t.Errorf("upserted message = %+v", got[0])
	}
}

func TestMinionRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	m, err := minion.New("minion_ada", minion.Persona{
		Name:            "Ada",
		BasePersonality: "calm and precise",
		Quirks:          []string{"hums while thinking"},
		Catchphrases:    []string{"onward"},
		ExpertiseAreas:  []string{"go", "distributed systems"},
		AllowedTools:    []string{"send_channel_message"},
		ModelName:       "gemini-2.0-flash",
		Temperature:     0.8,
		MaxTokens:       256,
		Channels:        []string{"general"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Emotional = emotion.NewState("minion_ada", "commander_prime")

	if err := s.Minions.Save(ctx, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Minions.GetByID(ctx, "minion_ada")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatal("GetByID returned nil")
	}
	if !reflect.DeepEqual(got.Persona, m.Persona) {
		t.Errorf("persona = %+v, want %+v", got.Persona, m.Persona)
	}
	if got.Emotional == nil || got.Emotional.Opinions["commander_prime"].Trust != 75 {
		t.Errorf("emotional snapshot = %+v", got.Emotional)
	}
	if got.Status != minion.StatusSpawning {
		t.Errorf("status = %s", got.Status)
	}

	// Emotional state is deep-copied.
	got.Emotional.Opinions["commander_prime"].Trust = 1
	again, _ := s.Minions.GetByID(ctx, "minion_ada")
	if again.Emotional.Opinions["commander_prime"].Trust != 75 {
		t.Error("mutating a returned snapshot leaked into the store")
	}
}

func TestMinionListByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i, spec := range []struct {
		id     string
		status minion.Status
	}{
		{"minion_a", minion.StatusActive},
		{"minion_b", minion.StatusError},
		{"minion_c", minion.StatusActive},
	} {
		m, err := minion.New(spec.id, minion.Persona{Name: spec.id, Temperature: 1, MaxTokens: 100})
		if err != nil {
			t.Fatalf("New %s: %v", spec.id, err)
		}
		m.Status = spec.status
		m.CreatedAt = m.CreatedAt.Add(time.Duration(i) * time.Second)
		if err := s.Minions.Save(ctx, m); err != nil {
			t.Fatalf("Save %s: %v", spec.id, err)
		}
	}

	active, err := s.Minions.ListByStatus(ctx, minion.StatusActive)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(active) != 2 || active[0].ID != "minion_a" || active[1].ID != "minion_c" {
		t.Errorf("active = %+v", active)
	}
	all, _ := s.Minions.ListAll(ctx)
	if len(all) != 3 {
		t.Errorf("ListAll returned %d minions", len(all))
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	task := &tasks.Task{
		ID:        "task_1",
		Title:     "index the archive",
		Status:    tasks.StatusPending,
		CreatedBy: "commander_prime",
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{"priority": "high"},
	}
	if err := s.Tasks.Save(ctx, task); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Tasks.GetByID(ctx, "task_1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.Title != "index the archive" || got.Metadata["priority"] != "high" {
		t.Fatalf("task = %+v", got)
	}

	task.Status = tasks.StatusInProgress
	task.Progress = 0.5
	if err := s.Tasks.Save(ctx, task); err != nil {
		t.Fatalf("re-Save: %v", err)
	}
	inProgress, _ := s.Tasks.ListByStatus(ctx, tasks.StatusInProgress)
	if len(inProgress) != 1 || inProgress[0].Progress != 0.5 {
		t.Errorf("in_progress = %+v", inProgress)
	}
	if pending, _ := s.Tasks.ListByStatus(ctx, tasks.StatusPending); len(pending) != 0 {
		t.Errorf("pending still lists the task: %+v", pending)
	}

	if err := s.Tasks.Delete(ctx, "task_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got, _ := s.Tasks.GetByID(ctx, "task_1"); got != nil {
		t.Fatalf("task survived delete: %+v", got)
	}
	if err := s.Tasks.Delete(ctx, "task_1"); err != nil {
		t.Fatalf("repeat Delete: %v", err)
	}
}

func TestStoresPingAndClose(t *testing.T) {
	s := New()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
