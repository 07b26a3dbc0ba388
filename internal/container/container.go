// Package container wires the coordination fabric together and owns its
// lifecycle: the event bus, the channel service, conversation memory,
// the task service, one emotional engine and agent runtime per minion,
// and the websocket bridge, started and stopped in dependency order.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/legionworks/legion/internal/agent"
	"github.com/legionworks/legion/internal/bus"
	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/internal/config"
	"github.com/legionworks/legion/internal/emotion"
	"github.com/legionworks/legion/internal/gateway"
	"github.com/legionworks/legion/internal/mcp"
	"github.com/legionworks/legion/internal/memory"
	"github.com/legionworks/legion/internal/minion"
	"github.com/legionworks/legion/internal/providers"
	"github.com/legionworks/legion/internal/store"
	"github.com/legionworks/legion/internal/tasks"
	"github.com/legionworks/legion/internal/tools"
)

// DefaultHeartbeatInterval is the system.health emission cadence.
const DefaultHeartbeatInterval = 30 * time.Second

// Option adjusts construction defaults.
type Option func(*Container)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Container) { c.log = l }
}

// WithHeartbeatInterval overrides the system.health cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Container) {
		if d > 0 {
			c.heartbeat = d
		}
	}
}

// Container owns the wired fabric. Build with New, drive with Start and
// Stop; both are safe to call exactly once each.
type Container struct {
	cfg    *config.Config
	stores *store.Stores
	gen    providers.Generator
	log    *slog.Logger

	bus      *bus.Bus
	channels *channels.Service
	memory   *memory.Store
	tasks    *tasks.Service
	gateway  *gateway.Server

	mcp      *mcp.Manager
	mcpTools *tools.Registry

	heartbeat time.Duration

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	gwAddr    string
	minions   map[string]*minion.Minion
	engines   map[string]*emotion.Engine
	runtimes  map[string]*agent.Runtime

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
	gwErr     chan error
}

// New wires every component from cfg, stores, and the response
// generator. Nothing is started and no I/O happens; wiring errors are
// fatal to construction.
func New(cfg *config.Config, stores *store.Stores, gen providers.Generator, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("container: config is required")
	}
	if stores == nil || stores.Channels == nil || stores.Messages == nil || stores.Minions == nil || stores.Tasks == nil {
		return nil, errors.New("container: channel, message, minion, and task stores are required")
	}
	if gen == nil {
		return nil, errors.New("container: generator is required")
	}

	c := &Container{
		cfg:       cfg,
		stores:    stores,
		gen:       gen,
		heartbeat: DefaultHeartbeatInterval,
		minions:   make(map[string]*minion.Minion),
		engines:   make(map[string]*emotion.Engine),
		runtimes:  make(map[string]*agent.Runtime),
		gwErr:     make(chan error, 1),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	c.bus = bus.New(bus.Options{
		HistoryLimit: cfg.Bus.HistoryLimit,
		RateLimit:    cfg.Bus.RateLimit,
		QueueSize:    cfg.Bus.QueueSize,
		Logger:       c.log,
	})
	c.channels = channels.NewService(c.bus, stores.Channels, stores.Messages, channels.Options{
		FlushInterval:   time.Duration(cfg.Channels.FlushIntervalSec) * time.Second,
		CleanupSchedule: cfg.Channels.CleanupSchedule,
		DirectRetention: time.Duration(cfg.Channels.DirectRetentionHours) * time.Hour,
		Logger:          c.log,
	})
	c.memory = memory.New(c.bus, memory.Options{Logger: c.log})
	c.tasks = tasks.NewService(c.bus, stores.Tasks, c.log)
	c.gateway = gateway.NewServer(c.bus, gateway.Options{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		Token:             cfg.Gateway.Token,
		AllowedOrigins:    cfg.Gateway.AllowedOrigins,
		CommandsPerMinute: cfg.Gateway.CommandsPerMinute,
		Channels:          c.channels,
		Logger:            c.log,
	})
	if len(cfg.MCPServers) > 0 {
		c.mcpTools = tools.NewRegistry()
		c.mcp = mcp.NewManager(c.mcpTools, cfg.MCPServers, c.log)
	}
	return c, nil
}

// Start brings the fabric up: store ping, channel service with its
// default channels and loops, memory recorder, MCP servers, one
// emotional engine and runtime per minion, then the websocket bridge
// and the health heartbeat. ctx bounds the startup I/O only; the
// running components stop via Stop. A failed Start leaves a partially
// started container that Stop cleans up.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("container already started")
	}
	c.started = true
	c.startedAt = time.Now()
	c.runCtx, c.cancelRun = context.WithCancel(context.Background())
	c.mu.Unlock()

	if err := c.stores.Ping(ctx); err != nil {
		return fmt.Errorf("container: store ping: %w", err)
	}
	if err := c.channels.Start(ctx); err != nil {
		return fmt.Errorf("container: channel service: %w", err)
	}
	if err := c.memory.Start(c.runCtx); err != nil {
		return fmt.Errorf("container: memory: %w", err)
	}
	// The task service only emits; it has no loops to start.

	if c.mcp != nil {
		if err := c.mcp.Start(ctx); err != nil {
			// Unreachable tool servers must not keep the fabric down.
			c.log.Warn("container.mcp_startup", "error", err)
		}
	}

	if err := c.spawnMinions(ctx); err != nil {
		return fmt.Errorf("container: spawn minions: %w", err)
	}

	ln, err := c.gateway.Listen()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.gwAddr = ln.Addr().String()
	live := len(c.runtimes)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.serveGateway(ln)
	go c.heartbeatLoop()

	c.log.Info("container.started", "minions", live, "addr", c.gwAddr, "heartbeat", c.heartbeat)
	return nil
}

// Stop tears the fabric down in reverse order: bridge, heartbeat,
// runtimes, engines, memory, channel service, MCP, bus. The channel
// buffer flushes and every minion's emotional snapshot persists before
// the bus closes. ctx bounds the drain and the final writes.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancelRun
	startedAt := c.startedAt
	c.mu.Unlock()

	var errs []error

	if err := c.gateway.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	cancel()
	c.wg.Wait()

	for _, id := range c.MinionIDs() {
		c.mu.Lock()
		rt := c.runtimes[id]
		eng := c.engines[id]
		m := c.minions[id]
		delete(c.runtimes, id)
		delete(c.engines, id)
		delete(c.minions, id)
		c.mu.Unlock()

		// A process stop is not a despawn: keep the stored status so
		// the minion respawns on the next boot.
		status := m.Status
		rt.Stop()
		eng.Stop()
		m.Emotional = eng.Snapshot()
		m.Status = status
		if err := c.stores.Minions.Save(ctx, m); err != nil {
			c.log.Warn("container.snapshot_save_failed", "minion", id, "error", err)
			errs = append(errs, fmt.Errorf("save %s: %w", id, err))
		}
	}

	c.memory.Stop()
	if err := c.channels.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("channels: %w", err))
	}
	if c.mcp != nil {
		c.mcp.Stop()
	}
	if err := c.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}

	c.log.Info("container.stopped", "uptime", time.Since(startedAt).Round(time.Second).String())
	return errors.Join(errs...)
}

// Reload applies the dynamic settings from the shared config without a
// restart: the bus default rate limit and the per-channel response
// budget of every running minion.
func (c *Container) Reload() {
	if perSec := c.cfg.BusRateLimit(); perSec > 0 {
		c.bus.SetDefaultRateLimit(perSec)
	}

	perWindow, windowSec := c.cfg.ResponseLimit()
	if perWindow > 0 && windowSec > 0 {
		window := time.Duration(windowSec) * time.Second
		c.mu.Lock()
		rts := make([]*agent.Runtime, 0, len(c.runtimes))
		for _, rt := range c.runtimes {
			rts = append(rts, rt)
		}
		c.mu.Unlock()
		for _, rt := range rts {
			rt.SetResponseLimit(perWindow, window)
		}
	}
	c.log.Info("container.reloaded", "bus_rate_limit", c.cfg.BusRateLimit())
}

// serveGateway runs the bridge listener and reports its terminal error.
func (c *Container) serveGateway(ln net.Listener) {
	defer c.wg.Done()
	err := c.gateway.Serve(c.runCtx, ln)
	if err != nil {
		c.log.Error("container.gateway_terminated", "error", err)
	}
	select {
	case c.gwErr <- err:
	default:
	}
}

// Err delivers the bridge's terminal serve result. A non-nil value
// means the bridge died while the container was running; entrypoints
// treat that as fatal.
func (c *Container) Err() <-chan error {
	return c.gwErr
}

// heartbeatLoop emits system.health immediately and then on every tick.
func (c *Container) heartbeatLoop() {
	defer c.wg.Done()
	c.emitHealth()
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.runCtx.Done():
			return
		case <-ticker.C:
			c.emitHealth()
		}
	}
}

func (c *Container) emitHealth() {
	stats := c.bus.Stats()
	c.mu.Lock()
	live := len(c.runtimes)
	uptime := time.Since(c.startedAt)
	c.mu.Unlock()

	data := map[string]any{
		"uptime_sec":       int64(uptime.Seconds()),
		"minions":          live,
		"clients":          c.gateway.ClientCount(),
		"events_emitted":   stats.Emitted,
		"events_delivered": stats.Delivered,
		"events_dropped":   stats.Dropped,
		"subscriptions":    stats.Subscriptions,
	}
	if _, err := c.bus.Emit(bus.SystemHealth, data, "container", nil); err != nil {
		c.log.Debug("container.health_emit_failed", "error", err)
	}
}

// Bus exposes the event bus.
func (c *Container) Bus() *bus.Bus { return c.bus }

// Channels exposes the channel service.
func (c *Container) Channels() *channels.Service { return c.channels }

// Tasks exposes the task service.
func (c *Container) Tasks() *tasks.Service { return c.tasks }

// Memory exposes the conversation memory store.
func (c *Container) Memory() *memory.Store { return c.memory }

// GatewayAddr returns the bridge's bound address, empty before Start.
func (c *Container) GatewayAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gwAddr
}

// MCPStatus reports the configured MCP servers, nil when none are.
func (c *Container) MCPStatus() []mcp.ServerStatus {
	if c.mcp == nil {
		return nil
	}
	return c.mcp.ServerStatus()
}

// MinionIDs returns the ids of the running minions, sorted.
func (c *Container) MinionIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.runtimes))
	for id := range c.runtimes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
