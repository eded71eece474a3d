// ABOUTME: Owns the authoritative agent roster: spawn, remove, rename, restore.
// ABOUTME: Spawn retries are capped; roster changes persist through the RosterStore.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batonhq/baton/internal/bus"
	"github.com/batonhq/baton/internal/task"
	"github.com/batonhq/baton/internal/template"
	"github.com/batonhq/baton/internal/terminal"
)

// spawnAttempts caps terminal-creation retries per SpawnAgent call. An
// uncapped retry loop once caused unbounded agent spawning; past this
// ceiling the spawn fails terminally.
const spawnAttempts = 3

// RosterStore persists the agent roster across restarts. Implemented by
// persist.Roster.
type RosterStore interface {
	SaveRoster(ctx context.Context, records []Record) error
	LoadRoster(ctx context.Context) ([]Record, error)
}

// SpawnConfig describes the agent to create.
type SpawnConfig struct {
	Name     string
	Type     string             // template id; resolved with fallback
	Template *template.Template // explicit template wins over Type lookup
	Terminal terminal.Config
}

// Config wires the manager's collaborators.
type Config struct {
	Templates *template.Registry
	Terminals terminal.Factory
	Roster    RosterStore
	Events    *bus.Bus
	Logger    *slog.Logger

	// DefaultTerminal is applied when a spawn request carries no terminal
	// config of its own.
	DefaultTerminal terminal.Config

	// MaxAgents caps the roster size. Zero means unlimited.
	MaxAgents int
}

// Manager exclusively owns the set of live agents and their lifecycle.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string

	templates       *template.Registry
	terminals       terminal.Factory
	roster          RosterStore
	events          *bus.Bus
	logger          *slog.Logger
	defaultTerminal terminal.Config
	maxAgents       int
	nameCounts      map[string]int
}

// NewManager creates an empty manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:          make(map[string]*Agent),
		templates:       cfg.Templates,
		terminals:       cfg.Terminals,
		roster:          cfg.Roster,
		events:          cfg.Events,
		logger:          logger.With("component", "agents"),
		defaultTerminal: cfg.DefaultTerminal,
		maxAgents:       cfg.MaxAgents,
		nameCounts:      make(map[string]int),
	}
}

// SpawnAgent resolves a template, allocates the agent record, requests a
// terminal handle, persists the roster, and announces AGENT_CREATED. Spawn
// is a single logical attempt: terminal creation retries at most
// spawnAttempts times, then fails with ErrSpawnFailed.
func (m *Manager) SpawnAgent(ctx context.Context, cfg SpawnConfig) (*Agent, error) {
	if m.maxAgents > 0 {
		m.mu.RLock()
		n := len(m.agents)
		m.mu.RUnlock()
		if n >= m.maxAgents {
			return nil, fmt.Errorf("%w: limit %d", ErrTooManyAgents, m.maxAgents)
		}
	}

	tpl := cfg.Template
	if tpl == nil {
		tpl = m.templates.Resolve(cfg.Type)
	}

	a := &Agent{
		ID:           uuid.New().String(),
		Name:         cfg.Name,
		Type:         tpl.ID,
		Status:       StatusIdle,
		Capabilities: flattenCapabilities(tpl),
		StartTime:    time.Now(),
	}
	if a.Name == "" {
		a.Name = m.nextName(tpl.Name)
	}

	termCfg := cfg.Terminal
	if termCfg.Command == "" {
		termCfg = m.defaultTerminal
	}

	handle, err := m.createTerminal(ctx, a.Name, termCfg)
	if err != nil {
		return nil, err
	}
	a.terminal = handle

	m.mu.Lock()
	m.agents[a.ID] = a
	m.order = append(m.order, a.ID)
	records := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(ctx, records)
	m.logger.Info("agent spawned",
		"agent_id", a.ID,
		"name", a.Name,
		"template", tpl.ID,
		"capabilities", a.Capabilities,
	)
	m.publishAgentEvent(bus.TopicAgentCreated, a)
	return a, nil
}

// createTerminal attempts terminal creation up to the retry ceiling.
func (m *Manager) createTerminal(ctx context.Context, name string, cfg terminal.Config) (terminal.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= spawnAttempts; attempt++ {
		handle, err := m.terminals.Create(ctx, name, cfg)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		m.logger.Warn("terminal creation failed",
			"name", name,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrSpawnFailed, spawnAttempts, lastErr)
}

// RemoveAgent disposes the agent's terminal, drops it from the roster,
// persists, and announces AGENT_REMOVED. Removing an unknown or already
// removed agent is a no-op: the terminal is never double-disposed.
func (m *Manager) RemoveAgent(ctx context.Context, id string) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.agents, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	a.Status = StatusTerminated
	handle := a.terminal
	a.terminal = nil
	records := m.snapshotLocked()
	m.mu.Unlock()

	if handle != nil {
		if err := m.terminals.Dispose(handle); err != nil {
			m.logger.Warn("disposing terminal failed", "agent_id", id, "error", err)
		}
	}
	m.persist(ctx, records)
	m.logger.Info("agent removed", "agent_id", id, "name", a.Name)
	m.publishAgentEvent(bus.TopicAgentRemoved, a)
}

// RenameAgent updates an agent's display name and persists the roster.
func (m *Manager) RenameAgent(ctx context.Context, id, name string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a.Name = name
	records := m.snapshotLocked()
	m.mu.Unlock()

	m.persist(ctx, records)
	return nil
}

// RestoreAgents reloads the last-persisted roster and recreates terminal
// handles for agents that were previously idle or working. Returns the
// number restored. An empty or corrupt store restores zero without error.
func (m *Manager) RestoreAgents(ctx context.Context) (int, error) {
	if m.roster == nil {
		return 0, nil
	}
	records, err := m.roster.LoadRoster(ctx)
	if err != nil {
		m.logger.Warn("roster load failed, starting empty", "error", err)
		return 0, nil
	}

	restored := 0
	for _, rec := range records {
		if rec.Status != StatusIdle && rec.Status != StatusWorking {
			continue
		}
		handle, err := m.createTerminal(ctx, rec.Name, m.defaultTerminal)
		if err != nil {
			m.logger.Warn("could not restore agent", "agent_id", rec.ID, "error", err)
			continue
		}
		a := &Agent{
			ID:             rec.ID,
			Name:           rec.Name,
			Type:           rec.Type,
			Status:         StatusIdle, // restored agents come back idle
			Capabilities:   append([]string(nil), rec.Capabilities...),
			StartTime:      rec.StartTime,
			TasksCompleted: rec.TasksCompleted,
			terminal:       handle,
		}
		m.mu.Lock()
		m.agents[a.ID] = a
		m.order = append(m.order, a.ID)
		m.mu.Unlock()
		restored++
	}

	if restored > 0 {
		m.logger.Info("agents restored", "count", restored)
	}
	return restored, nil
}

// UpdateAgentStatus applies a status transition. Illegal transitions are
// logged and ignored rather than returned as errors, so one bad event can
// never cascade into UI failures.
func (m *Manager) UpdateAgentStatus(id string, status Status) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("status update for unknown agent", "agent_id", id, "status", string(status))
		return
	}
	if !legalStatusChange(a.Status, status) {
		from := a.Status
		m.mu.Unlock()
		m.logger.Warn("ignoring illegal status transition",
			"agent_id", id,
			"from", string(from),
			"to", string(status),
		)
		return
	}
	a.Status = status
	if status != StatusWorking {
		a.CurrentTask = ""
	}
	m.mu.Unlock()

	m.publishAgentEvent(bus.TopicAgentStatus, a)
}

// Get returns a snapshot of the agent with the given id. Callers receive a
// copy: live agents are mutated only under the manager mutex.
func (m *Manager) Get(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// List returns a snapshot of all agents in spawn order.
func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.order))
	for _, id := range m.order {
		cp := *m.agents[id]
		out = append(out, &cp)
	}
	return out
}

// Count returns the roster size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// IdleAgents implements task.AgentPool: the idle roster in spawn order.
func (m *Manager) IdleAgents() []task.AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []task.AgentInfo
	for _, id := range m.order {
		a := m.agents[id]
		if a.Status != StatusIdle {
			continue
		}
		out = append(out, task.AgentInfo{
			ID:           a.ID,
			Name:         a.Name,
			Type:         a.Type,
			Capabilities: append([]string(nil), a.Capabilities...),
		})
	}
	return out
}

// MarkWorking implements task.AgentPool: claims an idle agent for a task.
func (m *Manager) MarkWorking(agentID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Status != StatusIdle {
		return fmt.Errorf("agent %s is %s, not idle", agentID, a.Status)
	}
	a.Status = StatusWorking
	a.CurrentTask = taskID
	return nil
}

// MarkIdle implements task.AgentPool: frees an agent when its task ends.
func (m *Manager) MarkIdle(agentID string, taskCompleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.Status == StatusWorking {
		a.Status = StatusIdle
	}
	a.CurrentTask = ""
	if taskCompleted {
		a.TasksCompleted++
	}
	return nil
}

// Snapshot returns the serializable roster for persistence and reports.
func (m *Manager) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []Record {
	records := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		records = append(records, m.agents[id].snapshot())
	}
	return records
}

// persist writes the roster, retrying once on transient failure. Failure is
// a warning, never fatal: the in-memory roster stays authoritative.
func (m *Manager) persist(ctx context.Context, records []Record) {
	if m.roster == nil {
		return
	}
	err := m.roster.SaveRoster(ctx, records)
	if err != nil {
		err = m.roster.SaveRoster(ctx, records)
	}
	if err != nil {
		m.logger.Warn("roster persistence failed", "error", err)
	}
}

func (m *Manager) publishAgentEvent(topic bus.Topic, a *Agent) {
	if m.events != nil {
		m.events.Publish(topic, a.ID)
	}
}

func (m *Manager) nextName(base string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nameCounts[base]++
	if m.nameCounts[base] == 1 {
		return base
	}
	return fmt.Sprintf("%s %d", base, m.nameCounts[base])
}

func flattenCapabilities(tpl *template.Template) []string {
	caps := make([]string, 0, len(tpl.Capabilities)+len(tpl.Languages)+len(tpl.Tags))
	caps = append(caps, tpl.Capabilities...)
	caps = append(caps, tpl.Languages...)
	caps = append(caps, tpl.Tags...)
	return caps
}
