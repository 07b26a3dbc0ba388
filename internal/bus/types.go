// Package bus implements the in-process event fabric that connects the
// channel service, minion runtimes, emotional engines, and the websocket
// bridge. It is the only inter-component communication path for events:
// components never call into each other where an event would do.
//
// Events are typed records fanned out concurrently to subscribers. Each
// subscription gets its own delivery queue and consumer goroutine, so
// delivery is FIFO per (event type, subscriber) while subscribers never
// block one another. Emitters are rate limited per source with a sliding
// one-second window, and the bus keeps a bounded ring of recent events
// for inspection.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies one of the closed set of event kinds carried by the
// bus. Types are namespaced with a dotted prefix: channel.*, minion.*,
// task.* and system.*. Unknown types are rejected at subscription and
// emission time.
type EventType string

// Channel lifecycle and traffic events. Only the channel service emits these.
const (
	ChannelCreated       EventType = "channel.created"
	ChannelUpdated       EventType = "channel.updated"
	ChannelDeleted       EventType = "channel.deleted"
	ChannelMemberAdded   EventType = "channel.member_added"
	ChannelMemberRemoved EventType = "channel.member_removed"
	ChannelMessage       EventType = "channel.message"
)

// Minion lifecycle events emitted by agent runtimes and emotional engines.
const (
	MinionSpawned         EventType = "minion.spawned"
	MinionDespawned       EventType = "minion.despawned"
	MinionStateChanged    EventType = "minion.state_changed"
	MinionEmotionalChange EventType = "minion.emotional_change"
	MinionError           EventType = "minion.error"
)

// Task coordination events emitted by the task service.
const (
	TaskCreated        EventType = "task.created"
	TaskUpdated        EventType = "task.updated"
	TaskStatusChanged  EventType = "task.status_changed"
	TaskAssigned       EventType = "task.assigned"
	TaskProgressUpdate EventType = "task.progress_update"
	TaskCompleted      EventType = "task.completed"
	TaskFailed         EventType = "task.failed"
	TaskCancelled      EventType = "task.cancelled"
	TaskDeleted        EventType = "task.deleted"
)

// System events.
const (
	SystemHealth EventType = "system.health"
	SystemError  EventType = "system.error"
)

// AllEventTypes lists every known event type, grouped by namespace.
// SubscribeAll registers a handler against exactly this set.
var AllEventTypes = []EventType{
	ChannelCreated, ChannelUpdated, ChannelDeleted,
	ChannelMemberAdded, ChannelMemberRemoved, ChannelMessage,
	MinionSpawned, MinionDespawned, MinionStateChanged,
	MinionEmotionalChange, MinionError,
	TaskCreated, TaskUpdated, TaskStatusChanged, TaskAssigned,
	TaskProgressUpdate, TaskCompleted, TaskFailed, TaskCancelled, TaskDeleted,
	SystemHealth, SystemError,
}

var knownTypes = func() map[EventType]struct{} {
	m := make(map[EventType]struct{}, len(AllEventTypes))
	for _, t := range AllEventTypes {
		m[t] = struct{}{}
	}
	return m
}()

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Namespace returns the dotted prefix of the type ("channel", "minion",
// "task" or "system").
func (t EventType) Namespace() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// Event is an immutable record published on the bus. Identity is the ID:
// two events with the same ID are the same event. Data carries the typed
// payload as a flat map so it serializes directly onto the wire; Metadata
// carries routing hints that are not part of the payload proper.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Handler consumes one event. Handlers run on the subscription's consumer
// goroutine: they may block without stalling other subscribers. A returned
// error is logged and swallowed; it never reaches the emitter and never
// disables the subscription.
type Handler func(ctx context.Context, evt Event) error

// ChannelMessageData is the typed view of a channel.message payload.
type ChannelMessageData struct {
	MessageID string
	ChannelID string
	SenderID  string
	Content   string
	Type      string
	Timestamp time.Time
}

// DecodeChannelMessage extracts the channel.message payload from an event.
// Missing fields decode to zero values; the caller decides which are
// mandatory.
func DecodeChannelMessage(evt Event) ChannelMessageData {
	d := ChannelMessageData{
		MessageID: stringField(evt.Data, "message_id"),
		ChannelID: stringField(evt.Data, "channel_id"),
		SenderID:  stringField(evt.Data, "sender_id"),
		Content:   stringField(evt.Data, "content"),
		Type:      stringField(evt.Data, "type"),
	}
	switch ts := evt.Data["timestamp"].(type) {
	case time.Time:
		d.Timestamp = ts
	case string:
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.Timestamp = t
		}
	}
	return d
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// StringField returns a string payload field, or "" when absent.
func StringField(evt Event, key string) string {
	return stringField(evt.Data, key)
}

// MetadataString returns a string metadata field, or "" when absent.
func MetadataString(evt Event, key string) string {
	return stringField(evt.Metadata, key)
}
