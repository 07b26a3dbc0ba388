package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/legionworks/legion/internal/config"
	"github.com/legionworks/legion/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		channelID string
		message   string
		sender    string
		wait      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in a channel interactively or send a one-shot message",
		Long: `Chat in a channel via the running gateway.

Examples:
  legion chat                                # Interactive REPL in #general
  legion chat -c task_coordination           # Chat in another channel
  legion chat -m "status report, everyone"   # One-shot message
  legion chat -m "hello" --wait 15s          # Wait longer for replies`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(channelID, message, sender, wait)
		},
	}

	cmd.Flags().StringVarP(&channelID, "channel", "c", "general", "channel id")
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVar(&sender, "sender", "commander", "sender id")
	cmd.Flags().DurationVar(&wait, "wait", 8*time.Second, "how long a one-shot message waits for replies")

	return cmd
}

func runChat(channelID, message, sender string, wait time.Duration) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	addr := gatewayAddr(cfg)
	if !isGatewayRunning(addr) {
		fmt.Fprintf(os.Stderr, "Gateway is not running at %s\n", addr)
		fmt.Fprintf(os.Stderr, "Start it first:  legion gateway\n")
		os.Exit(1)
	}

	conn, err := dialGateway(addr, cfg.Gateway.Token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WebSocket connect failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// The gateway greets first, then acks the subscription.
	if _, err := awaitFrame(conn, protocol.FrameConnected); err != nil {
		fmt.Fprintf(os.Stderr, "Gateway handshake failed: %v\n", err)
		os.Exit(1)
	}
	if err := conn.WriteJSON(protocol.ClientCommand{Type: protocol.CmdSubscribeChannel, ChannelID: channelID}); err != nil {
		fmt.Fprintf(os.Stderr, "Subscribe failed: %v\n", err)
		os.Exit(1)
	}
	if _, err := awaitFrame(conn, protocol.FrameSubscribed); err != nil {
		fmt.Fprintf(os.Stderr, "Subscribe failed: %v\n", err)
		os.Exit(1)
	}

	if message != "" {
		runChatOneShot(conn, channelID, sender, message, wait)
		return
	}
	runChatREPL(conn, channelID, sender)
}

// runChatOneShot sends one message, then keeps printing replies until
// the wait window closes.
func runChatOneShot(conn *websocket.Conn, channelID, sender, message string, wait time.Duration) {
	if err := sendChatMessage(conn, channelID, sender, message); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if _, err := awaitFrame(conn, protocol.FrameMessageSent); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // wait window closed
		}
		if from, content, ok := decodeChannelMessage(raw, sender); ok {
			fmt.Printf("%s: %s\n", from, content)
		}
	}
}

// runChatREPL reads stdin lines and prints replies as they stream in.
// Prompts go to stderr so stdout stays clean for the conversation.
func runChatREPL(conn *websocket.Conn, channelID, sender string) {
	fmt.Fprintf(os.Stderr, "\nLegion Chat (channel: #%s, as: %s)\n", channelID, sender)
	fmt.Fprintf(os.Stderr, "Type \"exit\" to quit\n\n")

	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame protocol.ServerFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			if frame.Type == protocol.FrameError {
				fmt.Fprintf(os.Stderr, "Error: %s\n", frame.Error)
				continue
			}
			if from, content, ok := decodeChannelMessage(raw, sender); ok {
				fmt.Printf("\r%s: %s\n", from, content)
				fmt.Fprint(os.Stderr, "You: ")
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(os.Stderr, "Goodbye!")
			return
		}

		if err := sendChatMessage(conn, channelID, sender, input); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
	}
}

func sendChatMessage(conn *websocket.Conn, channelID, sender, content string) error {
	return conn.WriteJSON(protocol.ClientCommand{
		Type:      protocol.CmdSendMessage,
		ChannelID: channelID,
		Content:   content,
		SenderID:  sender,
	})
}

// decodeChannelMessage extracts sender and content from a projected
// channel_message frame, dropping our own echoes.
func decodeChannelMessage(raw []byte, self string) (from, content string, ok bool) {
	var frame protocol.ServerFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return "", "", false
	}
	if frame.Type != protocol.FrameChannelMessage {
		return "", "", false
	}
	from, _ = frame.Data["sender_id"].(string)
	content, _ = frame.Data["content"].(string)
	if from == "" || content == "" || from == self {
		return "", "", false
	}
	return from, content, true
}

// awaitFrame reads until the wanted frame type arrives, surfacing error
// frames on the way.
func awaitFrame(conn *websocket.Conn, want string) (*protocol.ServerFrame, error) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var frame protocol.ServerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == protocol.FrameError {
			return nil, fmt.Errorf("%s", frame.Error)
		}
		if frame.Type == want {
			return &frame, nil
		}
	}
}

func dialGateway(addr, token string) (*websocket.Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), header)
	return conn, err
}

// gatewayAddr returns the dialable address of the configured gateway.
// A wildcard bind host means dialing localhost.
func gatewayAddr(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, cfg.Gateway.Port)
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
