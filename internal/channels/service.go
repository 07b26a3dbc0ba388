package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/legionworks/legion/internal/bus"
)

const (
	defaultFlushInterval   = 5 * time.Second
	defaultCleanupSchedule = "0 * * * *"
	defaultDirectRetention = 7 * 24 * time.Hour

	// SystemSender is the reserved identity for service-generated messages.
	SystemSender = "system"

	maxPageSize = 200
)

// Options tunes service behavior. Zero values fall back to defaults.
type Options struct {
	// FlushInterval controls how often buffered messages and dirty
	// channel records are persisted. Default 5s.
	FlushInterval time.Duration
	// CleanupSchedule is a cron expression gating the retention sweep.
	// Default "0 * * * *" (hourly).
	CleanupSchedule string
	// DirectRetention is how long an empty direct channel survives
	// before the sweep removes it. Default 7 days.
	DirectRetention time.Duration
	Logger          *slog.Logger
}

// Service owns channel lifecycle, membership, and message flow. All
// mutations emit exactly one event on the bus; reads are served from an
// in-memory cache backed by the repositories.
type Service struct {
	bus      *bus.Bus
	channels ChannelRepository
	messages MessageRepository
	opts     Options
	log      *slog.Logger
	cron     gronx.Gronx

	mu    sync.RWMutex
	cache map[string]*Channel
	dirty map[string]struct{}

	bufMu   sync.Mutex
	buffer  []*Message
	pending []*Message // drained from buffer, persistence in flight

	load singleflight.Group

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// CreateChannelParams describes a new channel. Type defaults to public.
// A non-empty Creator becomes the first member with the admin role.
type CreateChannelParams struct {
	ID          string
	Name        string
	Type        ChannelType
	Description string
	Creator     string
	Metadata    map[string]any
}

// SendMessageParams describes a message send. Type defaults to chat.
type SendMessageParams struct {
	ChannelID string
	SenderID  string
	Content   string
	Type      MessageType
	Metadata  map[string]any
	ParentID  string
}

// NewService wires the service. Defaults are applied for any zero Options
// field; the service is inert until Start is called.
func NewService(b *bus.Bus, chRepo ChannelRepository, msgRepo MessageRepository, opts Options) *Service {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.CleanupSchedule == "" {
		opts.CleanupSchedule = defaultCleanupSchedule
	}
	if opts.DirectRetention <= 0 {
		opts.DirectRetention = defaultDirectRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		bus:      b,
		channels: chRepo,
		messages: msgRepo,
		opts:     opts,
		log:      opts.Logger,
		cron:     *gronx.New(),
		cache:    make(map[string]*Channel),
		dirty:    make(map[string]struct{}),
	}
}

// Start provisions default channels and launches the flush and cleanup
// loops. The loops stop when Stop is called.
func (s *Service) Start(ctx context.Context) error {
	if err := s.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("ensure default channels: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.flushLoop(loopCtx)
	go s.cleanupLoop(loopCtx)

	s.log.Info("channels.service.started",
		"flush_interval", s.opts.FlushInterval,
		"cleanup_schedule", s.opts.CleanupSchedule,
	)
	return nil
}

// Stop halts the background loops and flushes any buffered messages.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.flushOnce(ctx)
	s.log.Info("channels.service.stopped")
	return nil
}

// EnsureDefaults creates the default channels that are missing. Existing
// channels are left untouched, so restarts are idempotent.
func (s *Service) EnsureDefaults(ctx context.Context) error {
	defaults := []CreateChannelParams{
		{ID: "general", Name: "General", Description: "General discussion for all participants"},
		{ID: "announcements", Name: "Announcements", Description: "Broadcast announcements"},
		{ID: "task_coordination", Name: "Task Coordination", Description: "Task assignment and progress tracking"},
	}
	for _, p := range defaults {
		existing, err := s.channels.GetByID(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("look up default channel %s: %w", p.ID, err)
		}
		if existing != nil {
			s.cacheChannel(existing)
			continue
		}
		p.Type = ChannelPublic
		p.Creator = SystemSender
		if _, err := s.CreateChannel(ctx, p); err != nil {
			return fmt.Errorf("create default channel %s: %w", p.ID, err)
		}
	}
	return nil
}

// CreateChannel registers a new channel and emits channel.created.
func (s *Service) CreateChannel(ctx context.Context, p CreateChannelParams) (*Channel, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Type == "" {
		p.Type = ChannelPublic
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("invalid channel type %q", p.Type)
	}

	now := time.Now().UTC()
	ch := &Channel{
		ID:           p.ID,
		Name:         p.Name,
		Type:         p.Type,
		Description:  p.Description,
		CreatedBy:    p.Creator,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     p.Metadata,
	}
	if p.Creator != "" {
		ch.Members = []ChannelMember{{
			MemberID: p.Creator,
			Role:     RoleAdmin,
			JoinedAt: now,
		}}
	}

	// The cache insert arbitrates concurrent creates for the same id.
	s.mu.Lock()
	if existing, ok := s.cache[p.ID]; ok && !existing.Deleted {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, p.ID)
	}
	s.cache[p.ID] = ch
	s.mu.Unlock()

	if existing, err := s.channels.GetByID(ctx, p.ID); err != nil {
		s.evict(p.ID)
		return nil, fmt.Errorf("look up channel %s: %w", p.ID, err)
	} else if existing != nil && !existing.Deleted {
		s.mu.Lock()
		s.cache[p.ID] = existing
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateChannel, p.ID)
	}

	if err := s.channels.Save(ctx, ch.Clone()); err != nil {
		s.evict(p.ID)
		return nil, fmt.Errorf("save channel %s: %w", p.ID, err)
	}

	s.emit(bus.ChannelCreated, map[string]any{
		"channel_id": ch.ID,
		"name":       ch.Name,
		"type":       string(ch.Type),
		"created_by": ch.CreatedBy,
	})
	s.log.Info("channels.created", "channel", ch.ID, "type", ch.Type)
	return ch.Clone(), nil
}

// GetChannel returns a copy of a live channel.
func (s *Service) GetChannel(ctx context.Context, id string) (*Channel, error) {
	ch, err := s.live(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ch.Clone(), nil
}

// ListChannels returns all live channels sorted by id.
func (s *Service) ListChannels(ctx context.Context) ([]*Channel, error) {
	stored, err := s.channels.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Channel, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	for _, ch := range stored {
		// Prefer the cached record: it carries unflushed activity counters.
		if cached, ok := s.cache[ch.ID]; ok {
			if cached.Deleted {
				continue
			}
			ch = cached
		}
		out = append(out, ch.Clone())
		seen[ch.ID] = struct{}{}
	}
	for id, cached := range s.cache {
		if _, ok := seen[id]; ok || cached.Deleted {
			continue
		}
		out = append(out, cached.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AddMember adds a member to a channel, emits channel.member_added, and
// posts a join notification as a system message. Private channels require
// addedBy to hold a role with member management rights.
func (s *Service) AddMember(ctx context.Context, channelID, memberID string, role Role, addedBy string) (*Channel, error) {
	if memberID == "" {
		return nil, fmt.Errorf("member id is required")
	}
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	ch, err := s.live(ctx, channelID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if ch.IsMember(memberID) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in %s", ErrDuplicateMember, memberID, channelID)
	}
	if ch.Type == ChannelPrivate && addedBy != SystemSender {
		adder, ok := ch.Member(addedBy)
		if !ok || !adder.Role.CanManageMembers() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s cannot add members to %s", ErrPermission, addedBy, channelID)
		}
	}
	ch.Members = append(ch.Members, ChannelMember{
		MemberID: memberID,
		Role:     role,
		JoinedAt: time.Now().UTC(),
		AddedBy:  addedBy,
	})
	s.dirty[channelID] = struct{}{}
	snapshot := ch.Clone()
	s.mu.Unlock()

	s.emit(bus.ChannelMemberAdded, map[string]any{
		"channel_id": channelID,
		"member_id":  memberID,
		"role":       string(role),
		"added_by":   addedBy,
	})
	s.systemMessage(ctx, channelID, memberID+" joined the channel", map[string]any{
		"event":     "member_joined",
		"member_id": memberID,
	})
	return snapshot, nil
}

// RemoveMember removes a member, emits channel.member_removed, and posts
// a leave notification.
func (s *Service) RemoveMember(ctx context.Context, channelID, memberID, removedBy string) (*Channel, error) {
	ch, err := s.live(ctx, channelID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	idx := -1
	for i, m := range ch.Members {
		if m.MemberID == memberID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, memberID, channelID)
	}
	if ch.Type == ChannelPrivate && removedBy != SystemSender && removedBy != memberID {
		remover, ok := ch.Member(removedBy)
		if !ok || !remover.Role.CanManageMembers() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s cannot remove members from %s", ErrPermission, removedBy, channelID)
		}
	}
	ch.Members = append(ch.Members[:idx], ch.Members[idx+1:]...)
	s.dirty[channelID] = struct{}{}
	snapshot := ch.Clone()
	s.mu.Unlock()

	s.emit(bus.ChannelMemberRemoved, map[string]any{
		"channel_id": channelID,
		"member_id":  memberID,
		"removed_by": removedBy,
	})
	s.systemMessage(ctx, channelID, memberID+" left the channel", map[string]any{
		"event":     "member_left",
		"member_id": memberID,
	})
	return snapshot, nil
}

// SendMessage validates, announces, and buffers a message. Exactly one
// channel.message event is emitted per accepted message; a rejected emit
// (rate limit, closed bus) fails the send and nothing is persisted.
func (s *Service) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, ErrEmptyContent
	}
	if p.SenderID == "" {
		return nil, fmt.Errorf("sender id is required")
	}
	if p.Type == "" {
		p.Type = MessageChat
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("invalid message type %q", p.Type)
	}

	ch, err := s.live(ctx, p.ChannelID)
	if err != nil {
		return nil, err
	}

	if ch.Type != ChannelPublic && p.SenderID != SystemSender {
		s.mu.RLock()
		member := ch.IsMember(p.SenderID)
		s.mu.RUnlock()
		if !member {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, p.SenderID, p.ChannelID)
		}
	}

	msg := &Message{
		ID:              newMessageID(),
		ChannelID:       p.ChannelID,
		SenderID:        p.SenderID,
		Content:         p.Content,
		Type:            p.Type,
		Timestamp:       time.Now().UTC(),
		Metadata:        p.Metadata,
		ParentMessageID: p.ParentID,
	}

	// Emit before buffering so a bus rejection leaves no orphan record.
	_, err = s.bus.Emit(bus.ChannelMessage, map[string]any{
		"message_id": msg.ID,
		"channel_id": msg.ChannelID,
		"sender_id":  msg.SenderID,
		"content":    msg.Content,
		"type":       string(msg.Type),
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
	}, p.SenderID, p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("emit message event: %w", err)
	}

	s.bufMu.Lock()
	s.buffer = append(s.buffer, msg)
	s.bufMu.Unlock()

	s.mu.Lock()
	ch.MessageCount++
	ch.LastActivity = msg.Timestamp
	s.dirty[ch.ID] = struct{}{}
	s.mu.Unlock()

	return msg, nil
}

// GetMessages returns one page of history, newest first, merging the
// persisted log with messages still waiting in the flush buffer.
func (s *Service) GetMessages(ctx context.Context, channelID string, limit, offset int) (*MessagePage, error) {
	ch, err := s.live(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	unflushed := s.unflushedFor(channelID)

	persisted, err := s.messages.GetChannelMessages(ctx, channelID, MessageQuery{
		Limit: offset + limit + len(unflushed),
	})
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", channelID, err)
	}

	seen := make(map[string]struct{}, len(persisted)+len(unflushed))
	merged := make([]*Message, 0, len(persisted)+len(unflushed))
	for _, m := range persisted {
		seen[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range unflushed {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		merged = append(merged, m)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp.Equal(merged[j].Timestamp) {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})

	if offset > len(merged) {
		offset = len(merged)
	}
	end := offset + limit
	if end > len(merged) {
		end = len(merged)
	}
	page := merged[offset:end]

	s.mu.RLock()
	total := ch.MessageCount
	s.mu.RUnlock()
	if total < len(merged) {
		total = len(merged)
	}

	return &MessagePage{
		Messages: page,
		Total:    total,
		HasMore:  offset+len(page) < total,
	}, nil
}

// DeleteChannel soft-deletes a channel after posting a final system
// message. Default channels are protected.
func (s *Service) DeleteChannel(ctx context.Context, id, deletedBy string) error {
	if IsDefaultChannel(id) {
		return fmt.Errorf("%w: %s", ErrDefaultChannel, id)
	}
	ch, err := s.live(ctx, id)
	if err != nil {
		return err
	}

	s.systemMessage(ctx, id, "channel was deleted", map[string]any{
		"event":      "channel_deleted",
		"deleted_by": deletedBy,
	})

	s.mu.Lock()
	ch.Deleted = true
	snapshot := ch.Clone()
	s.mu.Unlock()

	if err := s.channels.Save(ctx, snapshot); err != nil {
		s.mu.Lock()
		ch.Deleted = false
		s.mu.Unlock()
		return fmt.Errorf("save channel %s: %w", id, err)
	}

	s.emit(bus.ChannelDeleted, map[string]any{
		"channel_id": id,
		"deleted_by": deletedBy,
	})
	s.log.Info("channels.deleted", "channel", id, "by", deletedBy)
	return nil
}

// live returns the canonical cached record for a channel, loading it from
// the repository on a cache miss. Concurrent misses for the same id share
// one repository read.
func (s *Service) live(ctx context.Context, id string) (*Channel, error) {
	if id == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	s.mu.RLock()
	ch, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		if ch.Deleted {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return ch, nil
	}

	v, err, _ := s.load.Do(id, func() (any, error) {
		return s.channels.GetByID(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("load channel %s: %w", id, err)
	}
	loaded, _ := v.(*Channel)
	if loaded == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	cached := s.cacheChannel(loaded)
	if cached.Deleted {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cached, nil
}

// cacheChannel inserts a loaded record unless a fresher one already won.
func (s *Service) cacheChannel(ch *Channel) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cache[ch.ID]; ok {
		return existing
	}
	s.cache[ch.ID] = ch
	return ch
}

func (s *Service) evict(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	delete(s.dirty, id)
	s.mu.Unlock()
}

func (s *Service) unflushedFor(channelID string) []*Message {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	var out []*Message
	for _, m := range s.buffer {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	for _, m := range s.pending {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Service) systemMessage(ctx context.Context, channelID, content string, metadata map[string]any) {
	if _, err := s.SendMessage(ctx, SendMessageParams{
		ChannelID: channelID,
		SenderID:  SystemSender,
		Content:   content,
		Type:      MessageSystem,
		Metadata:  metadata,
	}); err != nil {
		s.log.Warn("channels.system_message.failed", "channel", channelID, "error", err)
	}
}

func (s *Service) emit(t bus.EventType, data map[string]any) {
	if _, err := s.bus.Emit(t, data, "channel-service", nil); err != nil {
		s.log.Warn("channels.emit.failed", "type", t, "error", err)
	}
}

func (s *Service) flushLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushOnce(context.Background())
		}
	}
}

// flushOnce persists buffered messages and dirty channel records. Message
// saves are at-most-once: a failed save is logged and reported via one
// system.error event, not retried. Channel saves are idempotent upserts
// and stay dirty until they succeed.
func (s *Service) flushOnce(ctx context.Context) {
	s.bufMu.Lock()
	s.pending = append(s.pending, s.buffer...)
	s.buffer = nil
	batch := make([]*Message, len(s.pending))
	copy(batch, s.pending)
	s.bufMu.Unlock()

	var failed int
	var lastErr error
	for _, msg := range batch {
		if err := s.messages.Save(ctx, msg); err != nil {
			failed++
			lastErr = err
			s.log.Error("channels.flush.message_failed", "message", msg.ID, "channel", msg.ChannelID, "error", err)
		}
	}
	s.bufMu.Lock()
	s.pending = nil
	s.bufMu.Unlock()

	if failed > 0 {
		s.emitSystemError(fmt.Sprintf("message flush dropped %d message(s): %v", failed, lastErr))
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	snapshots := make([]*Channel, 0, len(s.dirty))
	for id := range s.dirty {
		if ch, ok := s.cache[id]; ok {
			ids = append(ids, id)
			snapshots = append(snapshots, ch.Clone())
		}
		delete(s.dirty, id)
	}
	s.mu.Unlock()

	for i, snap := range snapshots {
		if err := s.channels.Save(ctx, snap); err != nil {
			s.log.Error("channels.flush.channel_failed", "channel", ids[i], "error", err)
			s.mu.Lock()
			s.dirty[ids[i]] = struct{}{}
			s.mu.Unlock()
		}
	}
}

func (s *Service) emitSystemError(msg string) {
	if _, err := s.bus.Emit(bus.SystemError, map[string]any{
		"component": "channel-service",
		"error":     msg,
	}, "channel-service", nil); err != nil {
		s.log.Warn("channels.system_error.emit_failed", "error", err)
	}
}

func (s *Service) cleanupLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.cron.IsDue(s.opts.CleanupSchedule, now)
			if err != nil {
				s.log.Warn("channels.cleanup.bad_schedule", "schedule", s.opts.CleanupSchedule, "error", err)
				continue
			}
			if due {
				s.cleanupOnce(context.Background(), now)
			}
		}
	}
}

// cleanupOnce removes direct channels that never saw a message and whose
// retention window has lapsed.
func (s *Service) cleanupOnce(ctx context.Context, now time.Time) {
	chans, err := s.channels.ListActive(ctx)
	if err != nil {
		s.log.Error("channels.cleanup.list_failed", "error", err)
		return
	}
	var removed int
	for _, stored := range chans {
		ch, err := s.live(ctx, stored.ID)
		if err != nil {
			continue
		}

		s.mu.RLock()
		stale := ch.Type == ChannelDirect && ch.MessageCount == 0 &&
			now.Sub(lastTouched(ch)) > s.opts.DirectRetention
		s.mu.RUnlock()
		if !stale {
			continue
		}

		s.mu.Lock()
		ch.Deleted = true
		snapshot := ch.Clone()
		s.mu.Unlock()

		if err := s.channels.Save(ctx, snapshot); err != nil {
			s.mu.Lock()
			ch.Deleted = false
			s.mu.Unlock()
			s.log.Error("channels.cleanup.save_failed", "channel", ch.ID, "error", err)
			continue
		}
		s.emit(bus.ChannelDeleted, map[string]any{
			"channel_id": ch.ID,
			"deleted_by": SystemSender,
			"reason":     "retention",
		})
		removed++
	}
	if removed > 0 {
		s.log.Info("channels.cleanup.removed", "count", removed)
	}
}

func lastTouched(ch *Channel) time.Time {
	if ch.LastActivity.After(ch.CreatedAt) {
		return ch.LastActivity
	}
	return ch.CreatedAt
}

func newMessageID() string {
	return "msg_" + uuid.Must(uuid.NewV7()).String()
}
