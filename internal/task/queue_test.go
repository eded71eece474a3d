// ABOUTME: Tests for the orchestrating Queue: assignment passes, gating, conflicts.
// ABOUTME: Pins the empty-queue silence regression and the one-agent-per-pass invariant.

package task

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonhq/baton/internal/template"
)

// fakePool is an in-memory AgentPool with deterministic idle ordering.
type fakePool struct {
	mu      sync.Mutex
	order   []string
	agents  map[string]*AgentInfo
	working map[string]string // agent -> task
}

func newFakePool() *fakePool {
	return &fakePool{
		agents:  make(map[string]*AgentInfo),
		working: make(map[string]string),
	}
}

func (p *fakePool) add(id, tplType string, caps ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, id)
	p.agents[id] = &AgentInfo{ID: id, Name: id, Type: tplType, Capabilities: caps}
}

func (p *fakePool) IdleAgents() []AgentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []AgentInfo
	for _, id := range p.order {
		if _, busy := p.working[id]; !busy {
			out = append(out, *p.agents[id])
		}
	}
	return out
}

func (p *fakePool) MarkWorking(agentID, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.working[agentID]; busy {
		return fmt.Errorf("agent %s already working", agentID)
	}
	p.working[agentID] = taskID
	return nil
}

func (p *fakePool) MarkIdle(agentID string, taskCompleted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.working, agentID)
	return nil
}

func (p *fakePool) taskOf(agentID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.working[agentID]
}

// captureNotifier records every notification for assertion.
type captureNotifier struct {
	mu       sync.Mutex
	warnings []string
	infos    []string
}

func (n *captureNotifier) ShowWarning(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, text)
}

func (n *captureNotifier) ShowInformation(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos = append(n.infos, text)
}

func (n *captureNotifier) total() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.warnings) + len(n.infos)
}

func newTestQueue(pool AgentPool, notifier Notifier) *Queue {
	return NewQueue(Config{
		Templates: template.NewRegistry(),
		Agents:    pool,
		Notifier:  notifier,
	})
}

func TestAddTaskRequiresText(t *testing.T) {
	q := newTestQueue(newFakePool(), nil)
	_, err := q.AddTask(Spec{Title: "   "})
	assert.ErrorIs(t, err, ErrEmptyTask)
}

func TestEmptyQueueNeverNotifies(t *testing.T) {
	// Regression guard: spawning idle agents with nothing queued must be
	// silent, no matter how many passes run.
	pool := newFakePool()
	notifier := &captureNotifier{}
	q := newTestQueue(pool, notifier)

	for i := 0; i < 3; i++ {
		pool.add(fmt.Sprintf("agent-%d", i), "general")
		q.TryAssignTasks()
	}

	assert.Zero(t, notifier.total())
}

func TestUnassignableTaskNotifiesOnce(t *testing.T) {
	notifier := &captureNotifier{}
	q := newTestQueue(newFakePool(), notifier) // no agents at all

	_, err := q.AddTask(Spec{Title: "lonely work"})
	require.NoError(t, err)

	assert.Equal(t, 1, notifier.total())
}

func TestAddTaskAutoAssignsToIdleAgent(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	created, err := q.AddTask(Spec{Title: "Fix the build"})
	require.NoError(t, err)

	got, ok := q.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "agent-1", got.AssignedTo)
	assert.Equal(t, created.ID, pool.taskOf("agent-1"))
	assert.Equal(t, 0, q.QueueSize())
}

func TestOnePassNeverDoublesAnAgent(t *testing.T) {
	pool := newFakePool()
	pool.add("only-agent", "general")
	q := newTestQueue(pool, nil)

	a, err := q.AddTask(Spec{Title: "first"})
	require.NoError(t, err)
	b, err := q.AddTask(Spec{Title: "second"})
	require.NoError(t, err)

	gotA, _ := q.Get(a.ID)
	gotB, _ := q.Get(b.ID)

	assigned := 0
	for _, task := range []*Task{gotA, gotB} {
		if task.Status == StatusAssigned {
			assigned++
			assert.Equal(t, "only-agent", task.AssignedTo)
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, q.QueueSize())
}

func TestDependencyGatesAssignment(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	a, err := q.AddTask(Spec{Title: "groundwork"})
	require.NoError(t, err)

	// Occupy the agent so A stays merely assigned, then free it after B is
	// added: B must still not be assigned while A is incomplete.
	b, err := q.AddTask(Spec{Title: "follow-up", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	gotB, _ := q.Get(b.ID)
	assert.NotEqual(t, StatusAssigned, gotB.Status)

	// A completes; B becomes assignable on the same pass.
	require.NoError(t, q.CompleteTask(a.ID))
	gotB, _ = q.Get(b.ID)
	assert.Equal(t, StatusAssigned, gotB.Status)
	assert.Equal(t, "agent-1", gotB.AssignedTo)
}

func TestTaskSnapshotsAreIsolated(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	created, err := q.AddTask(Spec{Title: "observed work"})
	require.NoError(t, err)
	require.Equal(t, StatusAssigned, created.Status)

	before, _ := q.Get(created.ID)
	require.NoError(t, q.CompleteTask(created.ID))

	assert.Equal(t, StatusAssigned, before.Status, "earlier snapshot keeps the state it was taken in")
	after, _ := q.Get(created.ID)
	assert.Equal(t, StatusCompleted, after.Status)
}

func TestConcurrentReadsDuringAssignment(t *testing.T) {
	// Readers hold task snapshots while assignment passes mutate the live
	// records; the race detector keeps this honest.
	pool := newFakePool()
	for i := 0; i < 4; i++ {
		pool.add(fmt.Sprintf("agent-%d", i), "general")
	}
	q := newTestQueue(pool, nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for _, tk := range q.List() {
				_ = tk.Status
				_ = tk.AssignedTo
			}
		}
	}()

	for i := 0; i < 20; i++ {
		created, err := q.AddTask(Spec{Title: fmt.Sprintf("work %d", i)})
		require.NoError(t, err)
		if got, ok := q.Get(created.ID); ok && got.Status == StatusAssigned {
			require.NoError(t, q.CompleteTask(created.ID))
		}
	}
	close(done)
	wg.Wait()
}

func TestDependentPromotedToReadyWhenNoAgentFree(t *testing.T) {
	// Resolving a dependency must surface in the dependent's status even
	// when no idle agent can take it in the same pass.
	pool := newFakePool()
	pool.add("only-agent", "general")
	q := newTestQueue(pool, nil)

	a, err := q.AddTask(Spec{ID: "a", Title: "groundwork"})
	require.NoError(t, err)
	b, err := q.AddTask(Spec{ID: "b", Title: "first follow-up", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	c, err := q.AddTask(Spec{ID: "c", Title: "second follow-up", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	gotB, _ := q.Get(b.ID)
	gotC, _ := q.Get(c.ID)
	require.Equal(t, StatusQueued, gotB.Status)
	require.Equal(t, StatusQueued, gotC.Status)

	// A completes; the lone agent takes B, but C must still leave queued.
	require.NoError(t, q.CompleteTask(a.ID))
	gotB, _ = q.Get(b.ID)
	gotC, _ = q.Get(c.ID)
	assert.Equal(t, StatusAssigned, gotB.Status)
	assert.Equal(t, StatusReady, gotC.Status)
}

func TestDependencyOnUnknownTaskNeverAssigns(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	b, err := q.AddTask(Spec{Title: "orphan dependent", DependsOn: []string{"no-such-task"}})
	require.NoError(t, err)

	q.TryAssignTasks()
	got, _ := q.Get(b.ID)
	assert.NotEqual(t, StatusAssigned, got.Status)
}

func TestCyclicDependencyRejected(t *testing.T) {
	q := newTestQueue(newFakePool(), nil)

	a, err := q.AddTask(Spec{ID: "a", Title: "a"})
	require.NoError(t, err)
	_, err = q.AddTask(Spec{ID: "b", Title: "b", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	_, err = q.AddTask(Spec{ID: "c", Title: "c", DependsOn: []string{"c"}})
	assert.ErrorIs(t, err, ErrDependencyCycle)
}

func TestConflictExclusion(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	pool.add("agent-2", "general")
	q := newTestQueue(pool, nil)

	c, err := q.AddTask(Spec{ID: "c", Title: "touch shared files"})
	require.NoError(t, err)
	d, err := q.AddTask(Spec{ID: "d", Title: "touch same files", ConflictsWith: []string{"c"}})
	require.NoError(t, err)

	gotC, _ := q.Get(c.ID)
	gotD, _ := q.Get(d.ID)
	require.Equal(t, StatusAssigned, gotC.Status)
	assert.NotEqual(t, StatusAssigned, gotD.Status, "conflicting tasks must never be active together")

	// Extra passes change nothing while C is active.
	q.TryAssignTasks()
	gotD, _ = q.Get(d.ID)
	assert.NotEqual(t, StatusAssigned, gotD.Status)

	// C completes; D gets its turn.
	require.NoError(t, q.CompleteTask(c.ID))
	gotD, _ = q.Get(d.ID)
	assert.Equal(t, StatusAssigned, gotD.Status)
}

func TestCapabilityFilterRestrictsCandidates(t *testing.T) {
	pool := newFakePool()
	pool.add("generalist", "general", "coding")
	pool.add("frontender", "frontend-specialist", "ui", "css")
	q := newTestQueue(pool, nil)

	created, err := q.AddTask(Spec{Title: "polish styles", RequiredCapabilities: []string{"css"}})
	require.NoError(t, err)

	got, _ := q.Get(created.ID)
	assert.Equal(t, "frontender", got.AssignedTo)
}

func TestCapabilityFilterWithNoMatchLeavesTaskPending(t *testing.T) {
	pool := newFakePool()
	pool.add("generalist", "general", "coding")
	q := newTestQueue(pool, nil)

	created, err := q.AddTask(Spec{Title: "tune kernel", RequiredCapabilities: []string{"ebpf"}})
	require.NoError(t, err)

	got, _ := q.Get(created.ID)
	assert.NotEqual(t, StatusAssigned, got.Status)
	assert.Equal(t, 1, q.QueueSize())
}

func TestBestScoringAgentWins(t *testing.T) {
	pool := newFakePool()
	pool.add("backender", "backend-specialist")
	pool.add("frontender", "frontend-specialist")
	q := newTestQueue(pool, nil)

	created, err := q.AddTask(Spec{Title: "Build login UI", PriorityLabel: "high"})
	require.NoError(t, err)

	got, _ := q.Get(created.ID)
	assert.Equal(t, "frontender", got.AssignedTo)
	assert.Greater(t, got.AgentMatchScore, 0.0)
	assert.LessOrEqual(t, got.AgentMatchScore, 1.0)
}

func TestCompleteFreesAgentForNextTask(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	a, _ := q.AddTask(Spec{Title: "first"})
	b, _ := q.AddTask(Spec{Title: "second"})

	require.NoError(t, q.CompleteTask(a.ID))

	gotA, _ := q.Get(a.ID)
	assert.Equal(t, StatusCompleted, gotA.Status)
	assert.NotNil(t, gotA.CompletedAt)

	gotB, _ := q.Get(b.ID)
	assert.Equal(t, StatusAssigned, gotB.Status)
}

func TestCompleteUnknownOrUnassignedTask(t *testing.T) {
	q := newTestQueue(newFakePool(), nil)

	assert.ErrorIs(t, q.CompleteTask("ghost"), ErrTaskNotFound)

	created, _ := q.AddTask(Spec{Title: "waiting"})
	assert.ErrorIs(t, q.CompleteTask(created.ID), ErrInvalidTransition)
}

func TestFailAndRetry(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	created, _ := q.AddTask(Spec{Title: "flaky work"})
	require.NoError(t, q.FailTask(created.ID, "tests exploded"))

	got, _ := q.Get(created.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "tests exploded", got.BlockingReason)

	// The freed agent picks the task back up on retry.
	require.NoError(t, q.RetryTask(created.ID))
	got, _ = q.Get(created.ID)
	assert.Equal(t, StatusAssigned, got.Status)
}

func TestRetryOnlyFromFailedOrBlocked(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	created, _ := q.AddTask(Spec{Title: "busy"})
	err := q.RetryTask(created.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.ErrorIs(t, q.RetryTask("ghost"), ErrTaskNotFound)
}

func TestCancelReleasesAgentAndQueueSlot(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	a, _ := q.AddTask(Spec{Title: "doomed"})
	b, _ := q.AddTask(Spec{Title: "waiting"})

	require.NoError(t, q.CancelTask(a.ID))

	gotA, _ := q.Get(a.ID)
	assert.Equal(t, StatusCancelled, gotA.Status)

	// Cancellation freed the agent; the waiting task takes it.
	gotB, _ := q.Get(b.ID)
	assert.Equal(t, StatusAssigned, gotB.Status)

	// Completed tasks cannot be cancelled.
	require.NoError(t, q.CompleteTask(b.ID))
	assert.ErrorIs(t, q.CancelTask(b.ID), ErrInvalidTransition)
}

func TestResolveConflictPrefersHigherPriority(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	high, _ := q.AddTask(Spec{ID: "high", Title: "urgent", PriorityLabel: "high"})
	low, _ := q.AddTask(Spec{ID: "low", Title: "later", PriorityLabel: "low", ConflictsWith: []string{"high"}})

	require.NoError(t, q.ResolveConflict(high.ID))

	gotLow, _ := q.Get(low.ID)
	assert.Equal(t, StatusBlocked, gotLow.Status)
	assert.Contains(t, gotLow.BlockingReason, "high")

	// Winner completes; the loser unblocks and is assigned.
	require.NoError(t, q.CompleteTask(high.ID))
	gotLow, _ = q.Get(low.ID)
	assert.Equal(t, StatusAssigned, gotLow.Status)
}

func TestResolveAllConflicts(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	q.AddTask(Spec{ID: "a", Title: "claims agent", PriorityLabel: "high"})
	q.AddTask(Spec{ID: "b", Title: "overlaps", ConflictsWith: []string{"a"}})

	q.ResolveAllConflicts()

	gotB, _ := q.Get("b")
	assert.Equal(t, StatusBlocked, gotB.Status)
}

func TestSummaryAndClearCompleted(t *testing.T) {
	pool := newFakePool()
	pool.add("agent-1", "general")
	q := newTestQueue(pool, nil)

	a, _ := q.AddTask(Spec{Title: "done soon"})
	q.AddTask(Spec{Title: "waiting"})
	require.NoError(t, q.CompleteTask(a.ID))

	s := q.Summary()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Active)

	assert.Equal(t, 1, q.ClearCompleted())
	assert.Equal(t, 1, q.Summary().Total)
}

func TestPriorityLabelMapping(t *testing.T) {
	assert.Equal(t, "high", (&Task{NumericPriority: NumericFromLabel("high")}).Priority())
	assert.Equal(t, "medium", (&Task{NumericPriority: NumericFromLabel("")}).Priority())
	assert.Equal(t, "low", (&Task{NumericPriority: NumericFromLabel("low")}).Priority())
	assert.Equal(t, "high", (&Task{NumericPriority: NumericFromLabel("critical")}).Priority())
}
