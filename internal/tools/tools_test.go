package tools

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/legionworks/legion/internal/bus"
	"github.com/legionworks/legion/internal/channels"
)

// fakeChannelRepo is a minimal in-memory channels.ChannelRepository.
type fakeChannelRepo struct {
	mu   sync.Mutex
	rows map[string]*channels.Channel
}

func (r *fakeChannelRepo) Save(_ context.Context, ch *channels.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[ch.ID] = ch.Clone()
	return nil
}

func (r *fakeChannelRepo) GetByID(_ context.Context, id string) (*channels.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return ch.Clone(), nil
}

func (r *fakeChannelRepo) ListAll(_ context.Context) ([]*channels.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channels.Channel, 0, len(r.rows))
	for _, ch := range r.rows {
		out = append(out, ch.Clone())
	}
	return out, nil
}

func (r *fakeChannelRepo) ListActive(ctx context.Context) ([]*channels.Channel, error) {
	all, _ := r.ListAll(ctx)
	out := all[:0]
	for _, ch := range all {
		if !ch.Deleted {
			out = append(out, ch)
		}
	}
	return out, nil
}

// fakeMessageRepo is a minimal in-memory channels.MessageRepository.
type fakeMessageRepo struct {
	mu   sync.Mutex
	rows map[string][]*channels.Message
}

func (r *fakeMessageRepo) Save(_ context.Context, msg *channels.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.rows[msg.ChannelID] = append(r.rows[msg.ChannelID], &cp)
	return nil
}

func (r *fakeMessageRepo) GetChannelMessages(_ context.Context, channelID string, q channels.MessageQuery) ([]*channels.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.rows[channelID]
	out := make([]*channels.Message, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
		cp := *stored[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeMessageRepo) CountChannelMessages(_ context.Context, channelID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[channelID]), nil
}

type toolFixture struct {
	svc *channels.Service
	reg *Registry
}

func newToolFixture(t *testing.T) *toolFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(bus.Options{RateLimit: 1000, Logger: logger})
	t.Cleanup(func() { b.Close() })

	svc := channels.NewService(b,
		&fakeChannelRepo{rows: make(map[string]*channels.Channel)},
		&fakeMessageRepo{rows: make(map[string][]*channels.Message)},
		channels.Options{Logger: logger})
	if err := svc.EnsureDefaults(context.Background()); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}

	reg := DefaultRegistry()
	reg.BindChannelService(svc)
	reg.BindMinion("minion_ada")
	return &toolFixture{svc: svc, reg: reg}
}

func executeTool(t *testing.T, reg *Registry, name string, args map[string]any) *Result {
	t.Helper()
	tool, ok := reg.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tool.Execute(context.Background(), args)
}

func TestRegistryLifecycle(t *testing.T) {
	reg := DefaultRegistry()

	want := []string{"get_channel_history", "listen_to_channel", "send_channel_message", "send_direct_message"}
	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	reg.Unregister("send_direct_message")
	if _, ok := reg.Get("send_direct_message"); ok {
		t.Error("tool still resolvable after Unregister")
	}
	if len(reg.Names()) != 3 {
		t.Errorf("Names after Unregister = %v", reg.Names())
	}
}

func TestDescriptors(t *testing.T) {
	reg := DefaultRegistry()

	all := reg.Descriptors(nil)
	if len(all) != 4 {
		t.Fatalf("Descriptors(nil) = %d, want 4", len(all))
	}

	// Allowed list controls both membership and order; unknown names
	// are skipped.
	filtered := reg.Descriptors([]string{"send_channel_message", "no_such_tool", "get_channel_history"})
	if len(filtered) != 2 {
		t.Fatalf("filtered = %d descriptors, want 2", len(filtered))
	}
	if filtered[0].Name != "send_channel_message" || filtered[1].Name != "get_channel_history" {
		t.Errorf("filtered order = %s, %s", filtered[0].Name, filtered[1].Name)
	}
	if filtered[0].Description == "" || filtered[0].Parameters == nil {
		t.Error("descriptor missing description or parameters")
	}

	if got := reg.Descriptors([]string{}); len(got) != 0 {
		t.Errorf("Descriptors(empty) = %d, want 0 (explicit empty allowlist)", len(got))
	}
}

func TestSendChannelMessage(t *testing.T) {
	f := newToolFixture(t)

	res := executeTool(t, f.reg, "send_channel_message", map[string]any{
		"channel": "general",
		"message": "reporting for duty",
	})
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.ForGenerator)
	}
	if res.Payload["success"] != true || res.Payload["status"] != "sent" {
		t.Errorf("payload = %v", res.Payload)
	}
	if res.Payload["channel"] != "general" {
		t.Errorf("payload channel = %v", res.Payload["channel"])
	}
	if res.Payload["message_preview"] != "reporting for duty" {
		t.Errorf("preview = %v", res.Payload["message_preview"])
	}
	if !strings.Contains(res.ForGenerator, `"success":true`) {
		t.Errorf("ForGenerator = %q, want rendered payload", res.ForGenerator)
	}

	// The message went through the channel service attributed to the
	// bound minion.
	page, err := f.svc.GetMessages(context.Background(), "general", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].SenderID != "minion_ada" {
		t.Fatalf("stored messages = %d, sender = %v", len(page.Messages), page.Messages)
	}
}

func TestSendChannelMessageValidation(t *testing.T) {
	f := newToolFixture(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing channel", map[string]any{"message": "hi"}, "channel is required"},
		{"missing message", map[string]any{"channel": "general"}, "message is required"},
		{"unknown channel", map[string]any{"channel": "nope", "message": "hi"}, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := executeTool(t, f.reg, "send_channel_message", tt.args)
			if !res.IsError {
				t.Fatalf("Execute succeeded, want error")
			}
			if !strings.Contains(res.ForGenerator, tt.want) {
				t.Errorf("error = %q, want substring %q", res.ForGenerator, tt.want)
			}
			if res.Payload["success"] != false {
				t.Errorf("error payload = %v", res.Payload)
			}
		})
	}
}

func TestSendChannelMessageUnbound(t *testing.T) {
	reg := DefaultRegistry()
	res := executeTool(t, reg, "send_channel_message", map[string]any{"channel": "general", "message": "hi"})
	if !res.IsError || !strings.Contains(res.ForGenerator, "not available") {
		t.Errorf("unbound execute = %v, %q", res.IsError, res.ForGenerator)
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := strings.Repeat("x", previewLen+20)
	got := preview(long)
	if len([]rune(got)) != previewLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("preview length = %d, want %d plus ellipsis", len([]rune(got)), previewLen)
	}
	if preview("short") != "short" {
		t.Errorf("short content altered")
	}
}

func TestGetChannelHistory(t *testing.T) {
	f := newToolFixture(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		if _, err := f.svc.SendMessage(ctx, channels.SendMessageParams{
			ChannelID: "general", SenderID: "commander", Content: content,
		}); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
	}

	res := executeTool(t, f.reg, "get_channel_history", map[string]any{
		"channel": "general",
		"limit":   float64(2),
	})
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.ForGenerator)
	}
	msgs := res.Payload["messages"].([]map[string]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0]["content"] != "three" || msgs[1]["content"] != "two" {
		t.Errorf("history order = %v, %v (want newest first)", msgs[0]["content"], msgs[1]["content"])
	}
	if res.Payload["total"] != 3 || res.Payload["has_more"] != true {
		t.Errorf("pagination = total %v, has_more %v", res.Payload["total"], res.Payload["has_more"])
	}

	res = executeTool(t, f.reg, "get_channel_history", map[string]any{"channel": "missing"})
	if !res.IsError {
		t.Error("history of unknown channel succeeded, want error")
	}
}

func TestListenToChannelStub(t *testing.T) {
	f := newToolFixture(t)

	res := executeTool(t, f.reg, "listen_to_channel", map[string]any{
		"channel":  "general",
		"duration": float64(120),
	})
	if res.IsError {
		t.Fatalf("Execute failed: %s", res.ForGenerator)
	}
	if res.Payload["status"] != "listening" || res.Payload["duration_seconds"] != 120 {
		t.Errorf("payload = %v", res.Payload)
	}

	res = executeTool(t, f.reg, "listen_to_channel", map[string]any{})
	if !res.IsError {
		t.Error("listen without channel succeeded, want error")
	}
}

func TestSendDirectMessageStub(t *testing.T) {
	f := newToolFixture(t)

	res := executeTool(t, f.reg, "send_direct_message", map[string]any{
		"recipient": "minion_grace",
		"message":   "psst",
	})
	if res.IsError {
		t.Fatalf("stub returned protocol error: %s", res.ForGenerator)
	}
	if res.Payload["success"] != false || res.Payload["status"] != "unavailable" {
		t.Errorf("payload = %v", res.Payload)
	}

	res = executeTool(t, f.reg, "send_direct_message", map[string]any{"recipient": "minion_grace"})
	if !res.IsError {
		t.Error("direct message without content succeeded, want error")
	}
}
