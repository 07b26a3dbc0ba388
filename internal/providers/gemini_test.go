package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type capturedCall struct {
	method string
	path   string
	apiKey string
	body   map[string]any
}

type callLog struct {
	mu    sync.Mutex
	calls []capturedCall
}

func (l *callLog) add(c capturedCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *callLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *callLog) at(i int) capturedCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[i]
}

// geminiServer fakes the generateContent endpoint, capturing requests
// and replaying canned replies in order. A reply of "status:<code>"
// responds with that HTTP status instead of a body.
func geminiServer(t *testing.T, replies ...string) (*httptest.Server, *callLog) {
	t.Helper()
	log := &callLog{}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		log.add(capturedCall{
			method: r.Method,
			path:   r.URL.Path,
			apiKey: r.Header.Get("x-goog-api-key"),
			body:   body,
		})
		i := int(n.Add(1)) - 1
		if i >= len(replies) {
			i = len(replies) - 1
		}
		reply := replies[i]
		if code, ok := strings.CutPrefix(reply, "status:"); ok {
			status, err := strconv.Atoi(code)
			if err != nil {
				t.Errorf("bad canned status %q", reply)
				status = http.StatusInternalServerError
			}
			http.Error(w, `{"error":{"message":"upstream"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func textReply(text string) string {
	return `{"candidates":[{"content":{"parts":[{"text":` + mustJSON(text) + `}],"role":"model"},"finishReason":"STOP"}]}`
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestGeminiGenerate(t *testing.T) {
	srv, calls := geminiServer(t, textReply("understood, commander"))
	g := NewGemini("test-key", WithGeminiBaseURL(srv.URL))

	resp, err := g.Generate(context.Background(), Request{
		SystemInstruction: "you are ada",
		History:           "commander: report in",
		Tools: []ToolDescriptor{{
			Name:        "send_channel_message",
			Description: "post to a channel",
			Parameters:  map[string]any{"type": "object"},
		}},
		Config: GenerationConfig{
			Temperature:     0.8,
			TopP:            0.95,
			TopK:            40,
			MaxOutputTokens: 512,
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "understood, commander" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 0 {
		t.Errorf("tool calls = %d, want 0", len(resp.ToolCalls))
	}

	if calls.len() != 1 {
		t.Fatalf("server saw %d calls, want 1", calls.len())
	}
	call := calls.at(0)
	if call.method != "POST" {
		t.Errorf("method = %s", call.method)
	}
	if call.path != "/models/gemini-2.0-flash:generateContent" {
		t.Errorf("path = %s", call.path)
	}
	if call.apiKey != "test-key" {
		t.Errorf("api key header = %q", call.apiKey)
	}

	sys := call.body["system_instruction"].(map[string]any)
	parts := sys["parts"].([]any)
	if got := parts[0].(map[string]any)["text"]; got != "you are ada" {
		t.Errorf("system instruction = %v", got)
	}

	contents := call.body["contents"].([]any)
	if len(contents) != 1 {
		t.Fatalf("contents = %d turns, want 1", len(contents))
	}
	turn := contents[0].(map[string]any)
	if turn["role"] != "user" {
		t.Errorf("turn role = %v", turn["role"])
	}

	cfg := call.body["generationConfig"].(map[string]any)
	if cfg["temperature"] != 0.8 || cfg["topP"] != 0.95 || cfg["topK"] != 40.0 {
		t.Errorf("generationConfig = %v", cfg)
	}
	if cfg["maxOutputTokens"] != 512.0 {
		t.Errorf("maxOutputTokens = %v", cfg["maxOutputTokens"])
	}

	tools := call.body["tools"].([]any)
	decls := tools[0].(map[string]any)["functionDeclarations"].([]any)
	if got := decls[0].(map[string]any)["name"]; got != "send_channel_message" {
		t.Errorf("declared tool = %v", got)
	}
}

func TestGeminiZeroTemperatureIsSent(t *testing.T) {
	srv, calls := geminiServer(t, textReply("ok"))
	g := NewGemini("k", WithGeminiBaseURL(srv.URL))

	_, err := g.Generate(context.Background(), Request{
		History: "hi",
		Config:  GenerationConfig{Temperature: 0, TopP: 0.95},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cfg := calls.at(0).body["generationConfig"].(map[string]any)
	if got, ok := cfg["temperature"]; !ok || got != 0.0 {
		t.Errorf("temperature = %v (present %v), want explicit 0", got, ok)
	}
}

func TestGeminiFunctionCall(t *testing.T) {
	reply := `{"candidates":[{"content":{"parts":[
		{"text":"let me post that"},
		{"functionCall":{"name":"send_channel_message","args":{"channel_id":"general","content":"hi"}}}
	],"role":"model"},"finishReason":"STOP"}]}`
	srv, _ := geminiServer(t, reply)
	g := NewGemini("k", WithGeminiBaseURL(srv.URL))

	resp, err := g.Generate(context.Background(), Request{History: "say hi"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "let me post that" {
		t.Errorf("text = %q", resp.Text)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.Name != "send_channel_message" {
		t.Errorf("call name = %q", call.Name)
	}
	if call.Arguments["channel_id"] != "general" || call.Arguments["content"] != "hi" {
		t.Errorf("call args = %v", call.Arguments)
	}
}

func TestGeminiToolResultRoundTrip(t *testing.T) {
	srv, calls := geminiServer(t, textReply("posted"))
	g := NewGemini("k", WithGeminiBaseURL(srv.URL))

	_, err := g.Generate(context.Background(), Request{
		History: "say hi in general",
		ToolResults: []ToolResult{{
			Call:     ToolCall{Name: "send_channel_message", Arguments: map[string]any{"channel_id": "general"}},
			Response: map[string]any{"success": true},
		}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	contents := calls.at(0).body["contents"].([]any)
	if len(contents) != 3 {
		t.Fatalf("contents = %d turns, want history + call + response", len(contents))
	}

	modelTurn := contents[1].(map[string]any)
	if modelTurn["role"] != "model" {
		t.Errorf("second turn role = %v, want model", modelTurn["role"])
	}
	fc := modelTurn["parts"].([]any)[0].(map[string]any)["functionCall"].(map[string]any)
	if fc["name"] != "send_channel_message" {
		t.Errorf("replayed call = %v", fc["name"])
	}

	userTurn := contents[2].(map[string]any)
	if userTurn["role"] != "user" {
		t.Errorf("third turn role = %v, want user", userTurn["role"])
	}
	fr := userTurn["parts"].([]any)[0].(map[string]any)["functionResponse"].(map[string]any)
	if fr["name"] != "send_channel_message" {
		t.Errorf("response name = %v", fr["name"])
	}
	if fr["response"].(map[string]any)["success"] != true {
		t.Errorf("response payload = %v", fr["response"])
	}
}

func TestGeminiModelOverride(t *testing.T) {
	srv, calls := geminiServer(t, textReply("ok"))
	g := NewGemini("k", WithGeminiBaseURL(srv.URL), WithGeminiModel("gemini-1.5-pro"))

	if _, err := g.Generate(context.Background(), Request{History: "x"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := calls.at(0).path; got != "/models/gemini-1.5-pro:generateContent" {
		t.Errorf("default model path = %s", got)
	}

	if _, err := g.Generate(context.Background(), Request{
		History: "x",
		Config:  GenerationConfig{Model: "gemini-exp"},
	}); err != nil {
		t.Fatalf("Generate with override: %v", err)
	}
	if got := calls.at(1).path; got != "/models/gemini-exp:generateContent" {
		t.Errorf("override model path = %s", got)
	}
}

func TestGeminiRetriesUpstreamFaults(t *testing.T) {
	srv, calls := geminiServer(t, "status:500", textReply("recovered"))
	g := NewGemini("k",
		WithGeminiBaseURL(srv.URL),
		WithGeminiRetryConfig(RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	resp, err := g.Generate(context.Background(), Request{History: "x"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("text = %q", resp.Text)
	}
	if calls.len() != 2 {
		t.Errorf("server saw %d calls, want 2", calls.len())
	}
}

func TestGeminiDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := geminiServer(t, "status:400")
	g := NewGemini("k",
		WithGeminiBaseURL(srv.URL),
		WithGeminiRetryConfig(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	_, err := g.Generate(context.Background(), Request{History: "x"})
	if err == nil {
		t.Fatal("Generate succeeded on 400, want error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusBadRequest {
		t.Errorf("err = %v, want HTTPError 400", err)
	}
	if calls.len() != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry)", calls.len())
	}
}

func TestGeminiBlockedPrompt(t *testing.T) {
	srv, _ := geminiServer(t, `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)
	g := NewGemini("k", WithGeminiBaseURL(srv.URL))

	_, err := g.Generate(context.Background(), Request{History: "x"})
	if err == nil || !strings.Contains(err.Error(), "blocked") {
		t.Errorf("err = %v, want blocked prompt error", err)
	}
}
