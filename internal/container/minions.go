package container

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/legionworks/legion/internal/agent"
	"github.com/legionworks/legion/internal/bootstrap"
	"github.com/legionworks/legion/internal/emotion"
	"github.com/legionworks/legion/internal/minion"
	"github.com/legionworks/legion/internal/tools"
)

// spawnMinions reconciles persona files against the minion store and
// spawns the whole roster. Persona files are the editable source of
// truth for personality; the store carries identity, status, and the
// emotional snapshot. A despawned record stays down even if its
// persona file is still on disk.
func (c *Container) spawnMinions(ctx context.Context) error {
	dir := c.cfg.PersonasPath()
	if created, err := bootstrap.EnsurePersonaFiles(dir); err != nil {
		c.log.Warn("container.persona_seed_failed", "dir", dir, "error", err)
	} else if len(created) > 0 {
		c.log.Info("container.personas_seeded", "dir", dir, "files", created)
	}
	personas, err := bootstrap.LoadPersonas(dir)
	if err != nil {
		c.log.Warn("container.persona_load_failed", "dir", dir, "error", err)
	}

	existing, err := c.stores.Minions.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list minions: %w", err)
	}
	byName := make(map[string]*minion.Minion, len(existing))
	roster := make([]*minion.Minion, 0, len(existing)+len(personas))
	for _, m := range existing {
		byName[m.Persona.Name] = m
		if m.Status == minion.StatusDespawned {
			continue
		}
		roster = append(roster, m)
	}

	for _, p := range personas {
		prev, ok := byName[p.Name]
		if ok {
			if prev.Status != minion.StatusDespawned {
				prev.Persona = p
			}
			continue
		}
		m, err := minion.New("", p)
		if err != nil {
			c.log.Warn("container.persona_rejected", "persona", p.Name, "error", err)
			continue
		}
		roster = append(roster, m)
	}

	sort.Slice(roster, func(i, j int) bool {
		if !roster[i].CreatedAt.Equal(roster[j].CreatedAt) {
			return roster[i].CreatedAt.Before(roster[j].CreatedAt)
		}
		return roster[i].ID < roster[j].ID
	})

	for _, m := range roster {
		if err := c.spawn(ctx, m); err != nil {
			c.log.Warn("container.spawn_failed", "minion", m.ID, "persona", m.Persona.Name, "error", err)
		}
	}
	return nil
}

// spawn builds the emotional engine and runtime for m, starts them, and
// persists the record. The engine starts first so the runtime's spawn
// event reaches a live listener set.
func (c *Container) spawn(ctx context.Context, m *minion.Minion) error {
	c.mu.Lock()
	if _, ok := c.runtimes[m.ID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("minion %s already running", m.ID)
	}
	c.mu.Unlock()

	settings := c.cfg.MinionsSettings()

	eng := emotion.NewEngine(c.bus, m.ID, emotion.Options{
		Commanders: settings.Commanders,
		Aliases:    []string{m.Persona.Name},
		Logger:     c.log,
	})
	if m.Emotional != nil {
		eng.Restore(m.Emotional)
	}

	rt, err := agent.New(agent.Config{
		Minion:    m,
		Bus:       c.bus,
		Channels:  c.channels,
		Generator: c.gen,
		Memory:    c.memory,
		Emotions:  eng,
		Tools:     c.toolsFor(),
		Options: agent.Options{
			ResponseRate:      settings.ResponseRate,
			ResponseWindow:    time.Duration(settings.ResponseWindowSec) * time.Second,
			MaxToolIterations: settings.MaxToolIterations,
			Retries:           settings.Retries,
			TranscriptTokens:  settings.TranscriptTokens,
			Logger:            c.log,
		},
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("emotion engine: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		eng.Stop()
		return err
	}

	c.mu.Lock()
	c.minions[m.ID] = m
	c.engines[m.ID] = eng
	c.runtimes[m.ID] = rt
	c.mu.Unlock()

	if err := c.stores.Minions.Save(ctx, m); err != nil {
		c.log.Warn("container.minion_save_failed", "minion", m.ID, "error", err)
	}
	return nil
}

// toolsFor builds a fresh registry per runtime so minion binding never
// crosses wires. Bridged MCP tools are shared instances; they carry no
// per-minion state.
func (c *Container) toolsFor() *tools.Registry {
	reg := tools.DefaultRegistry()
	if c.mcpTools != nil {
		for _, name := range c.mcpTools.Names() {
			if t, ok := c.mcpTools.Get(name); ok {
				reg.Register(t)
			}
		}
	}
	return reg
}

// SpawnMinion creates and starts a new minion from p. The persona name
// must be unused among the running roster.
func (c *Container) SpawnMinion(ctx context.Context, p minion.Persona) (*minion.Minion, error) {
	m, err := minion.New("", p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, other := range c.minions {
		if other.Persona.Name == p.Name {
			c.mu.Unlock()
			return nil, fmt.Errorf("minion named %q already running", p.Name)
		}
	}
	c.mu.Unlock()

	if err := c.spawn(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DespawnMinion stops a minion and records it as despawned. Despawned
// minions do not respawn on the next boot.
func (c *Container) DespawnMinion(ctx context.Context, id string) error {
	c.mu.Lock()
	rt, ok := c.runtimes[id]
	eng := c.engines[id]
	m := c.minions[id]
	if ok {
		delete(c.runtimes, id)
		delete(c.engines, id)
		delete(c.minions, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("minion %s is not running", id)
	}

	rt.Stop()
	eng.Stop()
	m.Emotional = eng.Snapshot()
	if err := c.stores.Minions.Save(ctx, m); err != nil {
		return fmt.Errorf("save despawned minion: %w", err)
	}
	c.log.Info("container.minion_despawned", "minion", id, "persona", m.Persona.Name)
	return nil
}

// RestartMinion clears a minion's sticky error state so it resumes
// responding.
func (c *Container) RestartMinion(id string) error {
	c.mu.Lock()
	rt, ok := c.runtimes[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("minion %s is not running", id)
	}
	return rt.Restart()
}

// Minion returns the live record for id.
func (c *Container) Minion(id string) (*minion.Minion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.minions[id]
	return m, ok
}
