// Package agent runs one minion's response loop. A runtime watches
// channel traffic on the bus, filters out messages the minion should not
// answer, and drives the generator with the persona's instruction, the
// current mood cue, and a memory transcript. The minion speaks only
// through tools; a plain-text generation ends the turn silently.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/legionworks/legion/internal/bus"
	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/internal/emotion"
	"github.com/legionworks/legion/internal/memory"
	"github.com/legionworks/legion/internal/minion"
	"github.com/legionworks/legion/internal/providers"
	"github.com/legionworks/legion/internal/tools"
)

// State is the runtime's place in its response cycle. Error is sticky:
// the runtime ignores traffic until Restart.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateEmitting State = "emitting"
	StateError    State = "error"
)

const (
	DefaultResponseRate      = 3
	DefaultResponseWindow    = time.Minute
	DefaultGenerateTimeout   = 30 * time.Second
	DefaultMaxToolIterations = 4
	DefaultRetries           = 1
	DefaultTranscriptTokens  = 500
)

// Options tune one runtime. Zero values take the defaults above.
type Options struct {
	// ResponseRate is the number of replies allowed per channel within
	// ResponseWindow. The limiter's burst equals the rate.
	ResponseRate   int
	ResponseWindow time.Duration
	// GenerateTimeout bounds a single generator call.
	GenerateTimeout time.Duration
	// MaxToolIterations caps generator rounds per triggering message.
	MaxToolIterations int
	// Retries is the number of extra generator attempts after a fault.
	// Zero takes the default; pass a negative value for no retries.
	Retries          int
	TranscriptTokens int
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ResponseRate <= 0 {
		o.ResponseRate = DefaultResponseRate
	}
	if o.ResponseWindow <= 0 {
		o.ResponseWindow = DefaultResponseWindow
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = DefaultGenerateTimeout
	}
	if o.MaxToolIterations <= 0 {
		o.MaxToolIterations = DefaultMaxToolIterations
	}
	if o.Retries == 0 {
		o.Retries = DefaultRetries
	} else if o.Retries < 0 {
		o.Retries = 0
	}
	if o.TranscriptTokens <= 0 {
		o.TranscriptTokens = DefaultTranscriptTokens
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Config wires a runtime's collaborators. Minion, Bus, Channels, and
// Generator are required. Memory, Emotions, and Tools may be nil; the
// matching pipeline steps are skipped.
type Config struct {
	Minion    *minion.Minion
	Bus       *bus.Bus
	Channels  *channels.Service
	Generator providers.Generator
	Memory    *memory.Store
	Emotions  *emotion.Engine
	Tools     *tools.Registry
	Options   Options
}

// Runtime drives one minion. Messages are handled one at a time in bus
// subscription order, so the state machine never overlaps responses.
type Runtime struct {
	min      *minion.Minion
	bus      *bus.Bus
	channels *channels.Service
	gen      providers.Generator
	memory   *memory.Store
	emotions *emotion.Engine
	tools    *tools.Registry
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer

	instruction string
	watched     map[string]struct{}

	mu       sync.Mutex
	state    State
	limiters map[string]*rate.Limiter
	subID    string
	runCtx   context.Context
	cancel   context.CancelFunc
	started  bool

	inflight sync.WaitGroup
}

// New builds a runtime. The persona itself is validated at Start.
func New(cfg Config) (*Runtime, error) {
	if cfg.Minion == nil {
		return nil, errors.New("agent: minion is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("agent: bus is required")
	}
	if cfg.Channels == nil {
		return nil, errors.New("agent: channel service is required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("agent: generator is required")
	}
	opts := cfg.Options.withDefaults()
	return &Runtime{
		min:      cfg.Minion,
		bus:      cfg.Bus,
		channels: cfg.Channels,
		gen:      cfg.Generator,
		memory:   cfg.Memory,
		emotions: cfg.Emotions,
		tools:    cfg.Tools,
		opts:     opts,
		log:      opts.Logger.With("minion", cfg.Minion.ID),
		tracer:   otel.Tracer("legion/agent"),
		state:    StateIdle,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// ID returns the minion id this runtime drives.
func (r *Runtime) ID() string { return r.min.ID }

// State returns the current runtime state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Channels returns the channel ids the runtime answers in.
func (r *Runtime) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.watched))
	for id := range r.watched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start validates the persona, subscribes to channel traffic, and emits
// minion.spawned. A minion with no persona channels watches the default
// channels. The runtime outlives ctx; Stop ends it.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.min.Persona.Validate(); err != nil {
		return fmt.Errorf("agent %s: %w", r.min.ID, err)
	}

	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("agent %s already started", r.min.ID)
	}
	r.instruction = buildInstruction(r.min.Persona)
	r.watched = make(map[string]struct{})
	watch := r.min.Persona.Channels
	if len(watch) == 0 {
		watch = channels.DefaultChannelIDs
	}
	for _, id := range watch {
		r.watched[id] = struct{}{}
	}
	if r.tools != nil {
		r.tools.BindChannelService(r.channels)
		r.tools.BindMinion(r.min.ID)
	}
	r.runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	subID, err := r.bus.Subscribe(bus.ChannelMessage, "agent:"+r.min.ID, r.handleMessage)
	if err != nil {
		r.cancel()
		r.mu.Unlock()
		return fmt.Errorf("agent %s: subscribe: %w", r.min.ID, err)
	}
	r.subID = subID
	r.started = true
	r.state = StateIdle
	r.min.Status = minion.StatusActive
	r.min.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.emit(bus.MinionSpawned, map[string]any{
		"minion_id": r.min.ID,
		"name":      r.min.Persona.Name,
		"channels":  r.Channels(),
		"model":     r.min.Persona.ModelName,
	})
	r.log.Info("agent.spawned", "name", r.min.Persona.Name, "channels", len(r.watched))
	return nil
}

// Stop unsubscribes, cancels any in-flight generation, waits for it to
// unwind, and emits minion.despawned. Safe to call once per Start.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	subID := r.subID
	cancel := r.cancel
	r.mu.Unlock()

	r.bus.Unsubscribe(subID)
	cancel()
	r.inflight.Wait()

	r.mu.Lock()
	r.min.Status = minion.StatusDespawned
	r.min.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.emit(bus.MinionDespawned, map[string]any{
		"minion_id": r.min.ID,
		"name":      r.min.Persona.Name,
	})
	r.log.Info("agent.despawned")
}

// Restart clears a sticky error state. It fails when the runtime is in
// any other state.
func (r *Runtime) Restart() error {
	r.mu.Lock()
	if r.state != StateError {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("agent %s: restart in state %s", r.min.ID, state)
	}
	r.state = StateIdle
	r.min.Status = minion.StatusActive
	r.min.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.emitStateChanged(StateError, StateIdle)
	r.log.Info("agent.restarted")
	return nil
}

// handleMessage is the bus subscription entry point. It applies the drop
// filters and runs the response pipeline inline; the subscription queue
// serializes calls, so one slow generation only delays this minion.
func (r *Runtime) handleMessage(_ context.Context, evt bus.Event) error {
	msg := bus.DecodeChannelMessage(evt)

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	if r.state == StateError {
		r.mu.Unlock()
		r.log.Debug("agent.drop", "reason", "error_state", "channel", msg.ChannelID)
		return nil
	}
	ctx := r.runCtx
	_, watched := r.watched[msg.ChannelID]
	r.mu.Unlock()

	switch {
	case msg.ChannelID == "" || msg.Content == "":
		return nil
	case msg.SenderID == r.min.ID:
		// Never answer our own traffic.
		return nil
	case !watched:
		return nil
	case msg.Type == string(channels.MessageSystem) && lifecycleEvent(evt):
		return nil
	}

	if !r.limiterFor(msg.ChannelID).Allow() {
		r.log.Debug("agent.drop", "reason", "rate_limited", "channel", msg.ChannelID)
		return nil
	}

	r.inflight.Add(1)
	defer r.inflight.Done()
	if ctx.Err() != nil {
		return nil
	}
	r.respond(ctx, msg)
	return nil
}

// lifecycleEvent reports whether evt is a membership or deletion notice.
// Minions do not comment on joins, leaves, or teardowns.
func lifecycleEvent(evt bus.Event) bool {
	switch bus.MetadataString(evt, "event") {
	case "member_joined", "member_left", "channel_deleted":
		return true
	}
	return false
}

// respond runs one thinking cycle for msg: render the instruction,
// call the generator, dispatch tool calls, and settle back to idle.
func (r *Runtime) respond(ctx context.Context, msg bus.ChannelMessageData) {
	ctx, span := r.tracer.Start(ctx, "agent.respond", trace.WithAttributes(
		attribute.String("minion.id", r.min.ID),
		attribute.String("channel.id", msg.ChannelID),
		attribute.String("message.id", msg.MessageID),
	))
	defer span.End()

	r.setState(StateThinking)

	req := r.buildRequest(msg)
	for iteration := 0; iteration < r.opts.MaxToolIterations; iteration++ {
		resp, err := r.generate(ctx, req, iteration)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				// Shutdown or restart mid-thought. Not a fault.
				span.SetStatus(codes.Ok, "canceled")
				r.setState(StateIdle)
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "generator fault")
			r.fail(msg.ChannelID, err)
			return
		}
		if len(resp.ToolCalls) == 0 {
			// Plain text stays with the minion. Speaking happens only
			// through tools.
			span.SetAttributes(attribute.Int("agent.iterations", iteration+1))
			break
		}
		results := r.dispatchTools(ctx, resp.ToolCalls)
		req.ToolResults = append(req.ToolResults, results...)
		if iteration == r.opts.MaxToolIterations-1 {
			r.log.Warn("agent.tool_budget_exhausted", "channel", msg.ChannelID, "iterations", r.opts.MaxToolIterations)
			span.SetAttributes(attribute.Int("agent.iterations", r.opts.MaxToolIterations))
		}
	}

	r.setState(StateEmitting)
	r.setState(StateIdle)
}

// buildRequest assembles the generator request for one triggering
// message. The transcript and mood cue land in the system instruction;
// the message itself is the history turn.
func (r *Runtime) buildRequest(msg bus.ChannelMessageData) providers.Request {
	var transcript string
	if r.memory != nil {
		transcript = r.memory.Transcript(msg.ChannelID, r.opts.TranscriptTokens)
	}
	var mood string
	if r.emotions != nil {
		mood = r.emotions.MoodCue()
	}
	var descs []providers.ToolDescriptor
	if r.tools != nil {
		descs = r.tools.Descriptors(r.min.Persona.AllowedTools)
	}
	return providers.Request{
		SystemInstruction: renderInstruction(r.instruction, mood, transcript),
		History:           fmt.Sprintf("%s: %s", msg.SenderID, msg.Content),
		Tools:             descs,
		Config: providers.GenerationConfig{
			Model:           r.min.Persona.ModelName,
			Temperature:     r.min.Persona.Temperature,
			TopP:            0.95,
			TopK:            40,
			MaxOutputTokens: r.min.Persona.MaxTokens,
		},
	}
}

// generate calls the generator under the per-call timeout, retrying
// faults up to Options.Retries extra attempts. Cancellation is returned
// as-is and never retried.
func (r *Runtime) generate(ctx context.Context, req providers.Request, iteration int) (*providers.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		genCtx, cancel := context.WithTimeout(ctx, r.opts.GenerateTimeout)
		genCtx, span := r.tracer.Start(genCtx, "agent.generate", trace.WithAttributes(
			attribute.String("generator", r.gen.Name()),
			attribute.String("model", req.Config.Model),
			attribute.Int("iteration", iteration),
			attribute.Int("attempt", attempt),
		))
		resp, err := r.gen.Generate(genCtx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generate failed")
		}
		span.End()
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		r.log.Warn("agent.generate_failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// dispatchTools executes the round's tool calls and pairs each with its
// result for the feedback turn. A single call runs inline; several run
// concurrently, with results kept in call order.
func (r *Runtime) dispatchTools(ctx context.Context, calls []providers.ToolCall) []providers.ToolResult {
	results := make([]providers.ToolResult, len(calls))
	if len(calls) == 1 {
		results[0] = r.runTool(ctx, calls[0])
		return results
	}
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			results[i] = r.runTool(ctx, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Runtime) runTool(ctx context.Context, call providers.ToolCall) providers.ToolResult {
	if r.tools == nil {
		return providers.ToolResult{Call: call, Response: map[string]any{
			"success": false,
			"error":   "no tools available",
		}}
	}
	tool, ok := r.tools.Get(call.Name)
	if !ok {
		r.log.Warn("agent.unknown_tool", "tool", call.Name)
		return providers.ToolResult{Call: call, Response: map[string]any{
			"success": false,
			"error":   fmt.Sprintf("unknown tool: %s", call.Name),
		}}
	}
	res := tool.Execute(ctx, call.Arguments)
	if res.IsError {
		r.log.Debug("agent.tool_error", "tool", call.Name, "result", truncate(res.ForGenerator, 200))
	}
	return providers.ToolResult{Call: call, Response: res.Payload}
}

// fail moves the runtime into the sticky error state and reports it.
func (r *Runtime) fail(channelID string, err error) {
	r.mu.Lock()
	old := r.state
	r.state = StateError
	r.min.Status = minion.StatusError
	r.min.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.emitStateChanged(old, StateError)
	if _, emitErr := r.bus.Emit(bus.MinionError, map[string]any{
		"minion_id":  r.min.ID,
		"channel_id": channelID,
		"error":      err.Error(),
	}, r.min.ID, nil); emitErr != nil {
		r.log.Warn("agent.emit_failed", "type", bus.MinionError, "error", emitErr)
	}
	r.log.Error("agent.error", "channel", channelID, "error", err)
}

// limiterFor returns the channel's response limiter, creating it on
// first use with burst equal to the per-window rate.
func (r *Runtime) limiterFor(channelID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	lim, ok := r.limiters[channelID]
	if !ok {
		every := r.opts.ResponseWindow / time.Duration(r.opts.ResponseRate)
		lim = rate.NewLimiter(rate.Every(every), r.opts.ResponseRate)
		r.limiters[channelID] = lim
	}
	return lim
}

// SetResponseLimit replaces the per-channel response budget. Existing
// limiters are discarded and rebuilt on the next message, so the new
// budget applies without a restart. Non-positive values are ignored.
func (r *Runtime) SetResponseLimit(perWindow int, window time.Duration) {
	if perWindow <= 0 || window <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if perWindow == r.opts.ResponseRate && window == r.opts.ResponseWindow {
		return
	}
	r.opts.ResponseRate = perWindow
	r.opts.ResponseWindow = window
	r.limiters = make(map[string]*rate.Limiter)
}

func (r *Runtime) setState(to State) {
	r.mu.Lock()
	from := r.state
	if from == to || from == StateError {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.mu.Unlock()
	r.emitStateChanged(from, to)
}

func (r *Runtime) emitStateChanged(from, to State) {
	r.emit(bus.MinionStateChanged, map[string]any{
		"minion_id": r.min.ID,
		"old_state": string(from),
		"new_state": string(to),
	})
}

func (r *Runtime) emit(t bus.EventType, data map[string]any) {
	if _, err := r.bus.Emit(t, data, r.min.ID, nil); err != nil {
		r.log.Warn("agent.emit_failed", "type", t, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
