// Package providers abstracts the response generator behind a small
// interface so runtimes never talk to a model API directly. The Gemini
// implementation speaks generateContent over HTTP; Scripted replays a
// fixed queue for tests and dry runs.
package providers

import "context"

// Generator produces one response for one assembled request.
type Generator interface {
	// Generate runs a single model call. The returned response carries
	// either text, tool calls, or both.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the generator identifier (e.g. "gemini", "scripted").
	Name() string
}

// Request is the full input for one generation.
type Request struct {
	// SystemInstruction carries the persona, emotional cue, and any
	// other standing directives.
	SystemInstruction string `json:"system_instruction,omitempty"`

	// History is the plain conversation transcript, oldest first.
	History string `json:"history,omitempty"`

	// Tools the model may call this turn.
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// ToolResults answers tool calls from the previous turn. When set,
	// the provider replays the calls and their results so the model can
	// continue from them.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	Config GenerationConfig `json:"config"`
}

// GenerationConfig tunes sampling. Zero-valued fields defer to the
// provider's defaults; Model overrides the generator's default model.
type GenerationConfig struct {
	Model           string  `json:"model,omitempty"`
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"top_p,omitempty"`
	TopK            float64 `json:"top_k,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
}

// Response is the model's answer.
type Response struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDescriptor describes one callable tool to the model.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolResult pairs an executed call with the payload handed back to
// the model.
type ToolResult struct {
	Call     ToolCall       `json:"call"`
	Response map[string]any `json:"response"`
}
