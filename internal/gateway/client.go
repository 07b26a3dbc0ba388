package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/pkg/protocol"
)

const (
	// writeTimeout bounds one frame write. A client that cannot drain
	// within it is disconnected.
	writeTimeout = 5 * time.Second
	// sendQueueSize is the per-client outbound buffer. Overflow means
	// the client is too slow and is disconnected.
	sendQueueSize = 64
	maxCommandLen = 1 << 20
)

// client is one connected WebSocket peer with its subscription sets.
type client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send    chan protocol.ServerFrame
	limiter *rate.Limiter

	mu       sync.Mutex
	channels map[string]struct{}
	minions  map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, srv *Server, cmdLimiter *rate.Limiter) *client {
	return &client{
		id:       "ws_" + uuid.Must(uuid.NewV7()).String(),
		conn:     conn,
		srv:      srv,
		send:     make(chan protocol.ServerFrame, sendQueueSize),
		limiter:  cmdLimiter,
		channels: make(map[string]struct{}),
		minions:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// greet queues the connected frame. Called before the client is
// registered so no projected event can precede it.
func (c *client) greet() {
	c.deliver(protocol.ServerFrame{
		Type:      protocol.FrameConnected,
		Timestamp: wireTime(time.Now()),
		Data:      map[string]any{"client_id": c.id},
	})
}

// run services the connection until the peer goes away or the server
// shuts the client down. It blocks in the read loop; writes happen on
// their own goroutine.
func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxCommandLen)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd protocol.ClientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.sendError("malformed command")
			continue
		}
		if !c.limiter.Allow() {
			c.sendError("command rate exceeded")
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *client) writePump() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.srv.log.Debug("gateway.write_failed", "client", c.id, "error", err)
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) handleCommand(cmd protocol.ClientCommand) {
	switch cmd.Type {
	case protocol.CmdSubscribeChannel:
		if cmd.ChannelID == "" {
			c.sendError("subscribe_channel requires channel_id")
			return
		}
		c.mu.Lock()
		c.channels[cmd.ChannelID] = struct{}{}
		c.mu.Unlock()
		c.control(protocol.FrameSubscribed, map[string]any{"channel_id": cmd.ChannelID})

	case protocol.CmdUnsubscribeChannel:
		if cmd.ChannelID == "" {
			c.sendError("unsubscribe_channel requires channel_id")
			return
		}
		c.mu.Lock()
		delete(c.channels, cmd.ChannelID)
		c.mu.Unlock()
		c.control(protocol.FrameUnsubscribed, map[string]any{"channel_id": cmd.ChannelID})

	case protocol.CmdSubscribeMinion:
		if cmd.MinionID == "" {
			c.sendError("subscribe_minion requires minion_id")
			return
		}
		c.mu.Lock()
		c.minions[cmd.MinionID] = struct{}{}
		c.mu.Unlock()
		c.control(protocol.FrameSubscribed, map[string]any{"minion_id": cmd.MinionID})

	case protocol.CmdUnsubscribeMinion:
		if cmd.MinionID == "" {
			c.sendError("unsubscribe_minion requires minion_id")
			return
		}
		c.mu.Lock()
		delete(c.minions, cmd.MinionID)
		c.mu.Unlock()
		c.control(protocol.FrameUnsubscribed, map[string]any{"minion_id": cmd.MinionID})

	case protocol.CmdGetSubscriptions:
		channels, minions := c.subscriptions()
		c.control(protocol.FrameSubscriptions, map[string]any{
			"channels": channels,
			"minions":  minions,
		})

	case protocol.CmdPing:
		c.control(protocol.FramePong, nil)

	case protocol.CmdSendMessage:
		c.handleSend(cmd)

	default:
		c.sendError("unknown command: " + cmd.Type)
	}
}

// handleSend is the WS ingress: it invokes the channel service write
// path the same way any external caller would and acks with a
// message_sent frame. The command limiter already gates the call rate;
// the bus rate limit applies per sender on top.
func (c *client) handleSend(cmd protocol.ClientCommand) {
	if cmd.ChannelID == "" || strings.TrimSpace(cmd.Content) == "" {
		c.sendError("send_message requires channel_id and content")
		return
	}
	svc := c.srv.opts.Channels
	if svc == nil {
		c.sendError("sending is not enabled on this bridge")
		return
	}
	sender := cmd.SenderID
	if sender == "" {
		sender = c.id
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	msg, err := svc.SendMessage(ctx, channels.SendMessageParams{
		ChannelID: cmd.ChannelID,
		SenderID:  sender,
		Content:   cmd.Content,
	})
	if err != nil {
		c.sendError("send_message: " + err.Error())
		return
	}
	c.control(protocol.FrameMessageSent, map[string]any{
		"channel_id": msg.ChannelID,
		"message_id": msg.ID,
		"sender_id":  msg.SenderID,
	})
}

func (c *client) subscriptions() (channels, minions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels = make([]string, 0, len(c.channels))
	for id := range c.channels {
		channels = append(channels, id)
	}
	minions = make([]string, 0, len(c.minions))
	for id := range c.minions {
		minions = append(minions, id)
	}
	sort.Strings(channels)
	sort.Strings(minions)
	return channels, minions
}

func (c *client) wantsChannel(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[id]
	return ok
}

func (c *client) wantsMinion(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.minions[id]
	return ok
}

// deliver enqueues a frame without blocking the caller. A full queue
// means the peer stopped draining; the client is cut loose.
func (c *client) deliver(frame protocol.ServerFrame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.srv.log.Warn("gateway.client_overrun", "client", c.id)
		c.shutdown()
	}
}

func (c *client) control(frameType string, data map[string]any) {
	c.deliver(protocol.ServerFrame{
		Type:      frameType,
		Timestamp: wireTime(time.Now()),
		Data:      data,
	})
}

func (c *client) sendError(detail string) {
	c.deliver(protocol.ServerFrame{
		Type:      protocol.FrameError,
		Timestamp: wireTime(time.Now()),
		Error:     detail,
	})
}

// shutdown closes the connection and stops both pumps. Safe to call
// from any goroutine, any number of times.
func (c *client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func wireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
