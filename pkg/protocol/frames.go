package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Control frame types produced by the gateway itself.
const (
	FrameConnected     = "connected"
	FrameSubscribed    = "subscribed"
	FrameUnsubscribed  = "unsubscribed"
	FrameSubscriptions = "subscriptions"
	FrameMessageSent   = "message_sent"
	FramePong          = "pong"
	FrameError         = "error"
)

// Projected event frame types: dotted bus names in underscore form.
// Every task.* event unifies to FrameTaskEvent with the specific name
// carried in the frame's event_type field.
const (
	FrameChannelCreated       = "channel_created"
	FrameChannelUpdated       = "channel_updated"
	FrameChannelDeleted       = "channel_deleted"
	FrameChannelMemberAdded   = "channel_member_added"
	FrameChannelMemberRemoved = "channel_member_removed"
	FrameChannelMessage       = "channel_message"
	FrameMinionSpawned        = "minion_spawned"
	FrameMinionDespawned      = "minion_despawned"
	FrameMinionStateChanged   = "minion_state_changed"
	FrameMinionEmotional      = "minion_emotional_change"
	FrameMinionError          = "minion_error"
	FrameTaskEvent            = "task_event"
	FrameSystemHealth         = "system_health"
	FrameSystemError          = "system_error"
)

// WireName converts a dotted internal event name to its wire form.
func WireName(eventType string) string {
	if strings.HasPrefix(eventType, "task.") {
		return FrameTaskEvent
	}
	return strings.ReplaceAll(eventType, ".", "_")
}

// ServerFrame is one server-to-client frame. Data holds the event's
// fields; on the wire they sit at the top level next to type and
// timestamp, the shape frontends consume directly.
type ServerFrame struct {
	Type      string `json:"-"`
	Timestamp string `json:"-"`
	EventType string `json:"-"` // original dotted name, task_event frames only
	Error     string `json:"-"`
	Data      map[string]any
}

// reserved keys always come from the struct fields, never from Data.
var reservedFrameKeys = []string{"type", "timestamp", "event_type", "error"}

// MarshalJSON flattens Data to the top level under the reserved keys.
func (f ServerFrame) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(f.Data)+4)
	for k, v := range f.Data {
		out[k] = v
	}
	for _, k := range reservedFrameKeys {
		delete(out, k)
	}
	out["type"] = f.Type
	if f.Timestamp != "" {
		out["timestamp"] = f.Timestamp
	}
	if f.EventType != "" {
		out["event_type"] = f.EventType
	}
	if f.Error != "" {
		out["error"] = f.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the reserved keys back out and leaves the rest
// in Data.
func (f *ServerFrame) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	get := func(key string) (string, error) {
		v, ok := raw[key]
		if !ok {
			return "", nil
		}
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("frame field %q is %T, want string", key, v)
		}
		delete(raw, key)
		return s, nil
	}
	var err error
	if f.Type, err = get("type"); err != nil {
		return err
	}
	if f.Type == "" {
		return fmt.Errorf("frame has no type")
	}
	if f.Timestamp, err = get("timestamp"); err != nil {
		return err
	}
	if f.EventType, err = get("event_type"); err != nil {
		return err
	}
	if f.Error, err = get("error"); err != nil {
		return err
	}
	if len(raw) > 0 {
		f.Data = raw
	} else {
		f.Data = nil
	}
	return nil
}
