// Package channels implements the channel service: named conversation
// spaces with membership, message history, and event emission. Every
// mutation (create, membership change, message, delete) is announced on
// the event bus so agents, the emotional engine, and WebSocket clients
// observe the same stream.
package channels

import (
	"errors"
	"time"
)

// Sentinel errors returned by the service. Callers match with errors.Is.
var (
	ErrNotFound         = errors.New("channel not found")
	ErrDuplicateChannel = errors.New("channel already exists")
	ErrDuplicateMember  = errors.New("member already in channel")
	ErrNotMember        = errors.New("not a channel member")
	ErrDefaultChannel   = errors.New("default channels cannot be deleted")
	ErrPermission       = errors.New("insufficient role for operation")
	ErrEmptyContent     = errors.New("message content is empty")
)

// ChannelType classifies who may read and post.
type ChannelType string

const (
	ChannelPublic  ChannelType = "public"  // any participant may post
	ChannelPrivate ChannelType = "private" // members only, invite-gated
	ChannelDirect  ChannelType = "direct"  // one-to-one conversation
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelPublic, ChannelPrivate, ChannelDirect:
		return true
	}
	return false
}

// Role is a member's permission level within a channel.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleModerator, RoleMember:
		return true
	}
	return false
}

// CanManageMembers reports whether the role may add or remove other members
// in private channels.
func (r Role) CanManageMembers() bool {
	return r == RoleAdmin || r == RoleModerator
}

// ChannelMember records one participant of a channel.
type ChannelMember struct {
	MemberID string    `json:"member_id"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
	AddedBy  string    `json:"added_by,omitempty"`
}

// Channel is a named conversation space. Members may be humans, minions,
// or system identities; the service does not distinguish.
type Channel struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Type         ChannelType     `json:"type"`
	Description  string          `json:"description,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Members      []ChannelMember `json:"members,omitempty"`
	MessageCount int             `json:"message_count"`
	LastActivity time.Time       `json:"last_activity"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
}

// Member returns the membership record for id, if present.
func (c *Channel) Member(id string) (ChannelMember, bool) {
	for _, m := range c.Members {
		if m.MemberID == id {
			return m, true
		}
	}
	return ChannelMember{}, false
}

// IsMember reports whether id belongs to the channel.
func (c *Channel) IsMember(id string) bool {
	_, ok := c.Member(id)
	return ok
}

// Clone returns a deep copy safe to hand out of the cache.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Members != nil {
		cp.Members = make([]ChannelMember, len(c.Members))
		copy(cp.Members, c.Members)
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// MessageType classifies message provenance.
type MessageType string

const (
	MessageChat   MessageType = "chat"   // authored by a participant
	MessageSystem MessageType = "system" // service-generated notification
	MessageTask   MessageType = "task"   // task coordination traffic
	MessageStatus MessageType = "status" // presence / status updates
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageChat, MessageSystem, MessageTask, MessageStatus:
		return true
	}
	return false
}

// Message is a single channel message. IDs use the "msg_" prefix with a
// time-ordered UUID so persisted history sorts naturally.
type Message struct {
	ID              string         `json:"id"`
	ChannelID       string         `json:"channel_id"`
	SenderID        string         `json:"sender_id"`
	Content         string         `json:"content"`
	Type            MessageType    `json:"type"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	Reactions       map[string][]string `json:"reactions,omitempty"`
	Edited          bool           `json:"edited,omitempty"`
	EditedAt        *time.Time     `json:"edited_at,omitempty"`
}

// MessagePage is one page of channel history, newest first.
type MessagePage struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
	HasMore  bool       `json:"has_more"`
}

// DefaultChannelIDs are provisioned on startup and cannot be deleted.
var DefaultChannelIDs = []string{"general", "announcements", "task_coordination"}

// IsDefaultChannel reports whether id names a provisioned default channel.
func IsDefaultChannel(id string) bool {
	for _, d := range DefaultChannelIDs {
		if d == id {
			return true
		}
	}
	return false
}
