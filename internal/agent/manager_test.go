// ABOUTME: Tests for the agent lifecycle: spawn retry cap, idempotent removal, restore.
// ABOUTME: Uses the inert terminal factory and an in-memory roster store.

package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonhq/baton/internal/template"
	"github.com/batonhq/baton/internal/terminal"
)

// memRoster is an in-memory RosterStore.
type memRoster struct {
	mu      sync.Mutex
	records []Record
	saves   int
	loadErr error
	saveErr error
}

func (r *memRoster) SaveRoster(_ context.Context, records []Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	if r.saveErr != nil {
		return r.saveErr
	}
	r.records = append([]Record(nil), records...)
	return nil
}

func (r *memRoster) LoadRoster(_ context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return append([]Record(nil), r.records...), nil
}

// failingFactory fails terminal creation a set number of times.
type failingFactory struct {
	*terminal.NopFactory
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *failingFactory) Create(ctx context.Context, name string, cfg terminal.Config) (terminal.Handle, error) {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, errors.New("pty allocation failed")
	}
	return f.NopFactory.Create(ctx, name, cfg)
}

func newTestManager(t *testing.T, factory terminal.Factory, roster RosterStore) *Manager {
	t.Helper()
	if factory == nil {
		factory = terminal.NewNopFactory()
	}
	return NewManager(Config{
		Templates: template.NewRegistry(),
		Terminals: factory,
		Roster:    roster,
	})
}

func TestAgentSnapshotsAreIsolated(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)

	before, ok := m.Get(a.ID)
	require.True(t, ok)
	require.NoError(t, m.MarkWorking(a.ID, "task-1"))

	assert.Equal(t, StatusIdle, before.Status, "earlier snapshot keeps the state it was taken in")
	after, _ := m.Get(a.ID)
	assert.Equal(t, StatusWorking, after.Status)
	assert.Equal(t, "task-1", after.CurrentTask)
}

func TestSpawnAgentResolvesTemplate(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	t.Run("by type", func(t *testing.T) {
		a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "frontend-specialist"})
		require.NoError(t, err)
		assert.Equal(t, "frontend-specialist", a.Type)
		assert.Equal(t, "Frontend Expert", a.Name)
		assert.Equal(t, StatusIdle, a.Status)
		assert.Contains(t, a.Capabilities, "css")
		assert.Contains(t, a.Capabilities, "frontend")
	})

	t.Run("unknown type falls back to general", func(t *testing.T) {
		a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "quantum-specialist"})
		require.NoError(t, err)
		assert.Equal(t, template.FallbackID, a.Type)
	})

	t.Run("explicit template wins", func(t *testing.T) {
		tpl := &template.Template{ID: "custom", Name: "Custom"}
		a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "frontend-specialist", Template: tpl})
		require.NoError(t, err)
		assert.Equal(t, "custom", a.Type)
	})

	t.Run("duplicate default names get numbered", func(t *testing.T) {
		a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "frontend-specialist"})
		require.NoError(t, err)
		assert.Equal(t, "Frontend Expert 2", a.Name)
	})
}

func TestSpawnRetryCap(t *testing.T) {
	t.Run("recovers within the cap", func(t *testing.T) {
		factory := &failingFactory{NopFactory: terminal.NewNopFactory(), failures: 2}
		m := newTestManager(t, factory, nil)

		a, err := m.SpawnAgent(context.Background(), SpawnConfig{Type: "general"})
		require.NoError(t, err)
		assert.Equal(t, StatusIdle, a.Status)
		assert.Equal(t, 3, factory.attempted)
	})

	t.Run("fails terminally past the cap", func(t *testing.T) {
		factory := &failingFactory{NopFactory: terminal.NewNopFactory(), failures: 100}
		m := newTestManager(t, factory, nil)

		_, err := m.SpawnAgent(context.Background(), SpawnConfig{Type: "general"})
		assert.ErrorIs(t, err, ErrSpawnFailed)
		// Exactly the cap, never more: no unbounded spawn loop.
		assert.Equal(t, 3, factory.attempted)
		assert.Equal(t, 0, m.Count())
	})
}

func TestSpawnRespectsAgentLimit(t *testing.T) {
	m := NewManager(Config{
		Templates: template.NewRegistry(),
		Terminals: terminal.NewNopFactory(),
		MaxAgents: 2,
	})
	ctx := context.Background()

	_, err := m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)
	_, err = m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)

	_, err = m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	assert.ErrorIs(t, err, ErrTooManyAgents)
	assert.Equal(t, 2, m.Count())

	// Removing an agent frees a slot.
	m.RemoveAgent(ctx, m.List()[0].ID)
	_, err = m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	assert.NoError(t, err)
}

func TestRemoveAgentIsIdempotent(t *testing.T) {
	factory := terminal.NewNopFactory()
	m := newTestManager(t, factory, nil)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)

	m.RemoveAgent(ctx, a.ID)
	assert.Equal(t, 0, m.Count())
	assert.Equal(t, 1, factory.DisposedCount())

	// Second removal: no-op, no panic, no double dispose.
	m.RemoveAgent(ctx, a.ID)
	assert.Equal(t, 1, factory.DisposedCount())

	m.RemoveAgent(ctx, "never-existed")
}

func TestStatusTransitions(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)

	m.UpdateAgentStatus(a.ID, StatusWorking)
	got, _ := m.Get(a.ID)
	assert.Equal(t, StatusWorking, got.Status)

	m.UpdateAgentStatus(a.ID, StatusError)
	got, _ = m.Get(a.ID)
	assert.Equal(t, StatusError, got.Status)

	// error -> working is illegal: logged and ignored.
	m.UpdateAgentStatus(a.ID, StatusWorking)
	got, _ = m.Get(a.ID)
	assert.Equal(t, StatusError, got.Status)

	// error -> idle recovers.
	m.UpdateAgentStatus(a.ID, StatusIdle)
	got, _ = m.Get(a.ID)
	assert.Equal(t, StatusIdle, got.Status)

	// Unknown agent: ignored.
	m.UpdateAgentStatus("ghost", StatusIdle)
}

func TestMarkWorkingAndIdle(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)

	require.NoError(t, m.MarkWorking(a.ID, "task-1"))
	got, _ := m.Get(a.ID)
	assert.Equal(t, StatusWorking, got.Status)
	assert.Equal(t, "task-1", got.CurrentTask)
	assert.Empty(t, m.IdleAgents())

	// A working agent cannot be claimed twice.
	assert.Error(t, m.MarkWorking(a.ID, "task-2"))

	require.NoError(t, m.MarkIdle(a.ID, true))
	got, _ = m.Get(a.ID)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Empty(t, got.CurrentTask)
	assert.Equal(t, 1, got.TasksCompleted)
	assert.Len(t, m.IdleAgents(), 1)

	assert.ErrorIs(t, m.MarkWorking("ghost", "t"), ErrAgentNotFound)
	assert.ErrorIs(t, m.MarkIdle("ghost", false), ErrAgentNotFound)
}

func TestRosterPersistsOnSpawnAndRemove(t *testing.T) {
	roster := &memRoster{}
	m := newTestManager(t, nil, roster)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "backend-specialist"})
	require.NoError(t, err)
	require.Len(t, roster.records, 1)
	assert.Equal(t, a.ID, roster.records[0].ID)

	m.RemoveAgent(ctx, a.ID)
	assert.Empty(t, roster.records)
}

func TestPersistenceFailureIsNonFatal(t *testing.T) {
	roster := &memRoster{saveErr: errors.New("disk full")}
	m := newTestManager(t, nil, roster)

	a, err := m.SpawnAgent(context.Background(), SpawnConfig{Type: "general"})
	require.NoError(t, err)
	// Save retried once, then surfaced as a warning only.
	assert.Equal(t, 2, roster.saves)

	got, ok := m.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, StatusIdle, got.Status)
}

func TestRestoreAgents(t *testing.T) {
	ctx := context.Background()

	t.Run("restores idle and working agents as idle", func(t *testing.T) {
		roster := &memRoster{}
		first := newTestManager(t, nil, roster)
		a1, err := first.SpawnAgent(ctx, SpawnConfig{Type: "general"})
		require.NoError(t, err)
		a2, err := first.SpawnAgent(ctx, SpawnConfig{Type: "test-engineer"})
		require.NoError(t, err)
		require.NoError(t, first.MarkWorking(a2.ID, "task-9"))
		// Re-persist so the working status is on disk.
		require.NoError(t, roster.SaveRoster(ctx, first.Snapshot()))

		second := newTestManager(t, nil, roster)
		restored, err := second.RestoreAgents(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, restored)

		got1, ok := second.Get(a1.ID)
		require.True(t, ok)
		assert.Equal(t, StatusIdle, got1.Status)
		got2, ok := second.Get(a2.ID)
		require.True(t, ok)
		assert.Equal(t, StatusIdle, got2.Status)
		assert.Equal(t, "test-engineer", got2.Type)
	})

	t.Run("empty store restores zero", func(t *testing.T) {
		m := newTestManager(t, nil, &memRoster{})
		restored, err := m.RestoreAgents(ctx)
		require.NoError(t, err)
		assert.Zero(t, restored)
	})

	t.Run("corrupt store restores zero without error", func(t *testing.T) {
		m := newTestManager(t, nil, &memRoster{loadErr: errors.New("unexpected end of JSON input")})
		restored, err := m.RestoreAgents(ctx)
		require.NoError(t, err)
		assert.Zero(t, restored)
	})
}

func TestRenameAgent(t *testing.T) {
	roster := &memRoster{}
	m := newTestManager(t, nil, roster)
	ctx := context.Background()

	a, err := m.SpawnAgent(ctx, SpawnConfig{Type: "general"})
	require.NoError(t, err)

	require.NoError(t, m.RenameAgent(ctx, a.ID, "Ada"))
	got, _ := m.Get(a.ID)
	assert.Equal(t, "Ada", got.Name)
	assert.Equal(t, "Ada", roster.records[0].Name)

	assert.ErrorIs(t, m.RenameAgent(ctx, "ghost", "x"), ErrAgentNotFound)
}
