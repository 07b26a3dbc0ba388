package tools

import "encoding/json"

// Result is the unified return type from tool execution. Payload is the
// structured result fed back through the tool protocol; ForGenerator is
// its textual rendering for providers that take plain content.
type Result struct {
	Payload      map[string]any `json:"payload,omitempty"`
	ForGenerator string         `json:"for_generator"`
	IsError      bool           `json:"is_error"`
	Err          error          `json:"-"` // internal error, not serialized
}

// NewResult wraps a successful payload.
func NewResult(payload map[string]any) *Result {
	return &Result{
		Payload:      payload,
		ForGenerator: renderPayload(payload),
	}
}

// ErrorResult reports a failed execution to the generator.
func ErrorResult(message string) *Result {
	return &Result{
		Payload:      map[string]any{"success": false, "error": message},
		ForGenerator: message,
		IsError:      true,
	}
}

// WithError attaches the underlying error for logging.
func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func renderPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(b)
}
