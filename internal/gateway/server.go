// Package gateway bridges internal events to remote WebSocket clients.
// It is the only path from the bus to the network: it subscribes the
// projected event types, converts them to wire frames, and fans them out
// according to each client's channel and minion subscriptions.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/legionworks/legion/internal/bus"
	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/pkg/protocol"
)

const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 18890
	DefaultCommandsPerMinute = 120
	commandBurst             = 20
)

// projectedTypes is the allow-list of event types forwarded to clients.
// system.* stays internal.
var projectedTypes = []bus.EventType{
	bus.ChannelCreated, bus.ChannelUpdated, bus.ChannelDeleted,
	bus.ChannelMemberAdded, bus.ChannelMemberRemoved, bus.ChannelMessage,
	bus.MinionSpawned, bus.MinionDespawned, bus.MinionStateChanged,
	bus.MinionEmotionalChange, bus.MinionError,
	bus.TaskCreated, bus.TaskUpdated, bus.TaskStatusChanged,
	bus.TaskAssigned, bus.TaskProgressUpdate, bus.TaskCompleted,
	bus.TaskFailed, bus.TaskCancelled, bus.TaskDeleted,
}

// Options configure the bridge.
type Options struct {
	Host string
	Port int
	// Token, when set, must arrive as a Bearer Authorization header or
	// a token query parameter at upgrade time.
	Token string
	// AllowedOrigins restricts browser connections. Empty allows all.
	AllowedOrigins []string
	// CommandsPerMinute is the per-client command budget.
	CommandsPerMinute int
	// Channels enables the send_message ingress command. Without it the
	// bridge is projection-only and sends are rejected.
	Channels *channels.Service
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.CommandsPerMinute <= 0 {
		o.CommandsPerMinute = DefaultCommandsPerMinute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Server is the WebSocket bridge.
type Server struct {
	bus  *bus.Bus
	opts Options
	log  *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	subIDs  []string
	started bool

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer builds the bridge. Attach or Start wires it to the bus.
func NewServer(b *bus.Bus, opts Options) *Server {
	opts = opts.withDefaults()
	s := &Server{
		bus:     b,
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin enforces the configured origin allow-list. Non-browser
// clients send no Origin header and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.opts.AllowedOrigins {
		if a == "*" || a == origin {
			return true
		}
	}
	s.log.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// Attach subscribes the projected event types. Idempotent per Start.
func (s *Server) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("gateway already attached")
	}
	for _, et := range projectedTypes {
		id, err := s.bus.Subscribe(et, "gateway", s.handleEvent)
		if err != nil {
			for _, sub := range s.subIDs {
				s.bus.Unsubscribe(sub)
			}
			s.subIDs = nil
			return fmt.Errorf("gateway: subscribe %s: %w", et, err)
		}
		s.subIDs = append(s.subIDs, id)
	}
	s.started = true
	return nil
}

// Handler exposes the HTTP mux: /ws for the bridge, /healthz for probes.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mux == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/healthz", s.handleHealthz)
		s.mux = mux
	}
	return s.mux
}

// Listen binds the configured address. Splitting the bind from Serve
// lets callers fail fast on an occupied port.
func (s *Server) Listen() (net.Listener, error) {
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve attaches to the bus and serves ln until ctx is canceled or
// Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	if err := s.Attach(); err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info("gateway.listening", "addr", ln.Addr().String(), "auth", s.opts.Token != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Start binds and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Shutdown detaches from the bus, closes every client, and stops the
// HTTP listener if one is running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	subIDs := s.subIDs
	s.subIDs = nil
	s.started = false
	conns := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	for _, id := range subIDs {
		s.bus.Unsubscribe(id)
	}
	for _, c := range conns {
		c.shutdown()
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("gateway.upgrade_failed", "error", err)
		return
	}

	perMinute := s.opts.CommandsPerMinute
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), min(perMinute, commandBurst))
	c := newClient(conn, s, limiter)
	c.greet()

	s.register(c)
	defer func() {
		s.unregister(c)
		c.shutdown()
	}()

	c.run()
}

// authorized checks the optional bearer token. The token may arrive in
// the Authorization header or, for browser clients, a query parameter.
func (s *Server) authorized(r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token == s.opts.Token {
		return true
	}
	return r.URL.Query().Get("token") == s.opts.Token
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","clients":%d}`, s.ClientCount())
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("gateway.client_connected", "client", c.id, "clients", n)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	s.log.Info("gateway.client_disconnected", "client", c.id, "clients", n)
}

// handleEvent projects one bus event to the clients that should see it.
func (s *Server) handleEvent(_ context.Context, evt bus.Event) error {
	frame := buildFrame(evt)

	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if s.wants(c, evt) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.deliver(frame)
	}
	return nil
}

// wants applies the delivery rules: channel traffic goes to channel
// subscribers, spawn and despawn broadcast, other minion events go to
// minion subscribers, and everything else broadcasts.
func (s *Server) wants(c *client, evt bus.Event) bool {
	switch evt.Type {
	case bus.ChannelMessage:
		return c.wantsChannel(bus.StringField(evt, "channel_id"))
	case bus.MinionSpawned, bus.MinionDespawned:
		return true
	case bus.MinionStateChanged, bus.MinionEmotionalChange, bus.MinionError:
		return c.wantsMinion(bus.StringField(evt, "minion_id"))
	default:
		return true
	}
}

// buildFrame converts a bus event to its wire frame. task.* events share
// the task_event frame type with the dotted name in event_type.
func buildFrame(evt bus.Event) protocol.ServerFrame {
	frame := protocol.ServerFrame{
		Type:      protocol.WireName(string(evt.Type)),
		Timestamp: wireTime(evt.Timestamp),
		Data:      evt.Data,
	}
	if frame.Type == protocol.FrameTaskEvent {
		frame.EventType = string(evt.Type)
	}
	return frame
}
