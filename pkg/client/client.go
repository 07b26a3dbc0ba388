// Package client is the Go SDK for the legion gateway bridge. It wraps
// coder/websocket with thread-safe command writes and a frame channel;
// `legion watch` and the gateway integration tests are its consumers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/legionworks/legion/pkg/protocol"
)

const eventBuffer = 64

// Client is one bridge connection. Writes are safe from any goroutine;
// frames arrive on Events in server order.
type Client struct {
	conn     *websocket.Conn
	clientID string

	mu sync.Mutex // guards conn writes

	events chan protocol.ServerFrame

	closeOnce sync.Once
	closing   chan struct{}
	readDone  chan struct{}
	readErr   error
}

// Dial connects to a gateway. rawURL may use ws, wss, http, or https;
// an empty path defaults to /ws. token, when non-empty, is sent as a
// Bearer Authorization header.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	wsURL, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{
		conn:     conn,
		events:   make(chan protocol.ServerFrame, eventBuffer),
		closing:  make(chan struct{}),
		readDone: make(chan struct{}),
	}

	// The gateway greets with a connected frame carrying our id.
	frame, err := c.readFrame(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no greeting")
		return nil, fmt.Errorf("client: read greeting: %w", err)
	}
	if frame.Type != protocol.FrameConnected {
		conn.Close(websocket.StatusProtocolError, "unexpected greeting")
		return nil, fmt.Errorf("client: greeting frame is %q, want %q", frame.Type, protocol.FrameConnected)
	}
	c.clientID, _ = frame.Data["client_id"].(string)

	go c.readLoop()
	return c, nil
}

// ClientID returns the id the gateway assigned this connection.
func (c *Client) ClientID() string { return c.clientID }

// Events delivers every server frame in arrival order. The channel
// closes when the connection ends; Err reports why.
func (c *Client) Events() <-chan protocol.ServerFrame { return c.events }

// Err returns the terminal read error after Events closes. A clean
// Close reports nil or a normal-closure status.
func (c *Client) Err() error {
	select {
	case <-c.readDone:
		return c.readErr
	default:
		return nil
	}
}

// SubscribeChannel asks for channel.message traffic of one channel.
func (c *Client) SubscribeChannel(ctx context.Context, channelID string) error {
	return c.send(ctx, protocol.ClientCommand{Type: protocol.CmdSubscribeChannel, ChannelID: channelID})
}

// UnsubscribeChannel stops channel.message traffic of one channel.
func (c *Client) UnsubscribeChannel(ctx context.Context, channelID string) error {
	return c.send(ctx, protocol.ClientCommand{Type: protocol.CmdUnsubscribeChannel, ChannelID: channelID})
}

// SubscribeMinion asks for one minion's state and emotion events.
func (c *Client) SubscribeMinion(ctx context.Context, minionID string) error {
	return c.send(ctx, protocol.ClientCommand{Type: protocol.CmdSubscribeMinion, MinionID: minionID})
}

// UnsubscribeMinion stops one minion's state and emotion events.
func (c *Client) UnsubscribeMinion(ctx context.Context, minionID string) error {
	return c.send(ctx, protocol.ClientCommand{Type: protocol.CmdUnsubscribeMinion, MinionID: minionID})
}

// GetSubscriptions asks the gateway to report this client's sets; the
// answer arrives on Events as a subscriptions frame.
func (c *Client) GetSubscriptions(ctx context.Context) error {
	return c.send(ctx, protocol.ClientCommand{Type: protocol.CmdGetSubscriptions})
}

// SendMessage posts content into a channel through the bridge ingress.
// The ack arrives on Events as a message_sent frame (or an error frame
// when the channel service rejects the send). An empty senderID lets
// the gateway attribute the message to this connection's client id.
func (c *Client) SendMessage(ctx context.Context, channelID, content, senderID string) error {
	return c.send(ctx, protocol.ClientCommand{
		Type:      protocol.CmdSendMessage,
		ChannelID: channelID,
		Content:   content,
		SenderID:  senderID,
	})
}

// Ping sends a liveness probe; the pong arrives on Events.
func (c *Client) Ping(ctx context.Context) error {
	return c.send(ctx, protocol.ClientCommand{Type: protocol.CmdPing})
}

// Close ends the connection. Events closes shortly after.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
	})
	<-c.readDone
	return nil
}

func (c *Client) send(ctx context.Context, cmd protocol.ClientCommand) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("client: encode command: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("client: write %s: %w", cmd.Type, err)
	}
	return nil
}

func (c *Client) readFrame(ctx context.Context) (protocol.ServerFrame, error) {
	var frame protocol.ServerFrame
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return frame, err
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return frame, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.readDone)
	for {
		frame, err := c.readFrame(context.Background())
		if err != nil {
			c.readErr = err
			return
		}
		// A closing client may have stopped draining Events.
		select {
		case c.events <- frame:
		case <-c.closing:
			return
		}
	}
}

// normalizeURL accepts http(s) and ws(s) endpoints and defaults the
// path to /ws.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("client: parse url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		return "", fmt.Errorf("client: url %q has no scheme", raw)
	default:
		return "", fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	return u.String(), nil
}
