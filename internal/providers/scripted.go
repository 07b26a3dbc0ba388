package providers

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned when a Scripted generator runs out of
// queued responses.
var ErrScriptExhausted = errors.New("scripted generator exhausted")

// Scripted replays a fixed queue of responses. Tests, doctor checks,
// and dry-run gateways use it in place of a live model.
type Scripted struct {
	mu       sync.Mutex
	steps    []scriptStep
	requests []Request
}

type scriptStep struct {
	resp *Response
	err  error
}

// NewScripted queues the given responses in order.
func NewScripted(responses ...*Response) *Scripted {
	s := &Scripted{}
	for _, r := range responses {
		s.Push(r)
	}
	return s
}

// Push appends a response to the queue.
func (s *Scripted) Push(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{resp: resp})
}

// PushText appends a text-only response.
func (s *Scripted) PushText(text string) {
	s.Push(&Response{Text: text})
}

// PushError appends a failing step.
func (s *Scripted) PushError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, scriptStep{err: err})
}

func (s *Scripted) Name() string { return "scripted" }

// Generate pops the next queued step and records the request for later
// inspection.
func (s *Scripted) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		return nil, ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

// Requests returns a copy of every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining reports how many steps are still queued.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
