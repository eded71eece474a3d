// ABOUTME: Top-level task state machine: creation, assignment, completion, conflicts.
// ABOUTME: Composes the priority queue, dependency graph, and capability matcher.

package task

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/batonhq/baton/internal/bus"
	"github.com/batonhq/baton/internal/template"
)

// matchScoreNormalizer scales a raw keyword score into the 0..1 diagnostic
// range recorded on an assigned task. Raw scores above it clamp to 1.
const matchScoreNormalizer = 20.0

// AgentInfo is the slice of an agent the queue needs for assignment.
type AgentInfo struct {
	ID           string
	Name         string
	Type         string // template id
	Capabilities []string
}

// AgentPool is the queue's view of the agent manager: who is idle, and
// marking agents busy or free. Implemented by agent.Manager.
type AgentPool interface {
	IdleAgents() []AgentInfo
	MarkWorking(agentID, taskID string) error
	MarkIdle(agentID string, taskCompleted bool) error
}

// Notifier is the user-facing notification sink. Fire and forget.
type Notifier interface {
	ShowWarning(text string)
	ShowInformation(text string)
}

// Spec describes a task to create.
type Spec struct {
	ID                   string
	Title                string
	Description          string
	PriorityLabel        string
	NumericPriority      *int
	RequiredCapabilities []string
	DependsOn            []string
	ConflictsWith        []string
	Tags                 []string
	EstimatedDuration    string
}

// Queue is the orchestrator owning every task in the session. All mutation
// goes through its methods; a single mutex serializes an entire assignment
// pass so one agent can never be chosen for two tasks in the same pass.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	pending   *PriorityQueue
	inPending map[string]bool
	graph     *DepGraph
	scorer    template.Scorer
	templates *template.Registry
	agents    AgentPool
	notifier  Notifier
	events    *bus.Bus
	logger    *slog.Logger
}

// Config wires the queue's collaborators.
type Config struct {
	Scorer    template.Scorer
	Templates *template.Registry
	Agents    AgentPool
	Notifier  Notifier
	Events    *bus.Bus
	Logger    *slog.Logger
}

// NewQueue creates an empty task queue.
func NewQueue(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = template.NewKeywordScorer()
	}
	return &Queue{
		tasks:     make(map[string]*Task),
		pending:   NewPriorityQueue(),
		inPending: make(map[string]bool),
		graph:     NewDepGraph(),
		scorer:    scorer,
		templates: cfg.Templates,
		agents:    cfg.Agents,
		notifier:  cfg.Notifier,
		events:    cfg.Events,
		logger:    logger.With("component", "taskqueue"),
	}
}

// AddTask validates and registers a new task, then attempts assignment.
func (q *Queue) AddTask(spec Spec) (*Task, error) {
	if strings.TrimSpace(spec.Title) == "" && strings.TrimSpace(spec.Description) == "" {
		return nil, ErrEmptyTask
	}

	q.mu.Lock()
	t := &Task{
		ID:                   spec.ID,
		Title:                spec.Title,
		Description:          spec.Description,
		Status:               StatusQueued,
		NumericPriority:      NumericFromLabel(spec.PriorityLabel),
		CreatedAt:            time.Now(),
		DependsOn:            append([]string(nil), spec.DependsOn...),
		ConflictsWith:        append([]string(nil), spec.ConflictsWith...),
		RequiredCapabilities: append([]string(nil), spec.RequiredCapabilities...),
		Tags:                 append([]string(nil), spec.Tags...),
		EstimatedDuration:    spec.EstimatedDuration,
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if spec.NumericPriority != nil {
		t.NumericPriority = *spec.NumericPriority
	}
	if _, exists := q.tasks[t.ID]; exists {
		q.mu.Unlock()
		return nil, fmt.Errorf("task %s already exists", t.ID)
	}

	for _, dep := range spec.DependsOn {
		if err := q.graph.AddDependency(t.ID, dep); err != nil {
			q.graph.Remove(t.ID)
			q.mu.Unlock()
			return nil, err
		}
	}
	for _, other := range spec.ConflictsWith {
		q.graph.AddConflict(t.ID, other)
	}

	q.tasks[t.ID] = t
	if len(q.graph.UnresolvedDependencies(t.ID, q.lookup)) == 0 {
		t.Status = StatusReady
	}
	q.enqueueLocked(t)
	q.logger.Info("task added",
		"task_id", t.ID,
		"title", t.Title,
		"priority", t.Priority(),
		"numeric_priority", t.NumericPriority,
		"status", string(t.Status),
	)
	assigned := q.assignPassLocked()
	snapshot := *t
	q.mu.Unlock()

	q.publish(bus.TopicTaskCreated, t.ID)
	for _, a := range assigned {
		q.publish(bus.TopicTaskAssigned, a)
	}
	return &snapshot, nil
}

// Get returns a snapshot of the task with the given id. Callers receive a
// copy: live tasks are mutated only under the queue mutex.
func (q *Queue) Get(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// List returns a snapshot of every task, in no particular order.
func (q *Queue) List() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// QueueSize returns the number of tasks waiting for assignment.
func (q *Queue) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Size()
}

// TryAssignTasks runs one assignment pass over the ready tasks in priority
// order and returns how many tasks were assigned. An agent chosen for a task
// is unavailable to every later task in the same pass.
//
// No "task not assigned" notice is ever emitted when the pending queue is
// empty: spawning idle agents with nothing queued is silent, not a warning.
func (q *Queue) TryAssignTasks() int {
	q.mu.Lock()
	assigned := q.assignPassLocked()
	q.mu.Unlock()

	for _, id := range assigned {
		q.publish(bus.TopicTaskAssigned, id)
	}
	return len(assigned)
}

// AssignTo pins a task to a specific agent, bypassing the matcher. The task
// must still be waiting and its dependencies resolved.
func (q *Queue) AssignTo(taskID, agentID string) error {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != StatusQueued && t.Status != StatusReady && t.Status != StatusValidated {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, taskID, t.Status)
	}
	if !q.graph.IsReady(t.ID, q.lookup) {
		q.mu.Unlock()
		return fmt.Errorf("task %s has unresolved dependencies or conflicts", taskID)
	}
	if err := q.agents.MarkWorking(agentID, t.ID); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("assigning %s to agent %s: %w", taskID, agentID, err)
	}
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.BlockingReason = ""
	q.pending.Remove(t.ID)
	delete(q.inPending, t.ID)
	q.logger.Info("task pinned to agent", "task_id", taskID, "agent_id", agentID)
	q.mu.Unlock()

	q.publish(bus.TopicTaskAssigned, taskID)
	return nil
}

// assignPassLocked performs the pass and returns the assigned task ids.
// Callers must hold q.mu and publish the returned events after unlocking.
func (q *Queue) assignPassLocked() []string {
	pendingBefore := q.pending.Size()
	if pendingBefore == 0 {
		// Queue empty: silence is correct even if agents are idle.
		return nil
	}

	idle := q.agents.IdleAgents()
	taken := make(map[string]bool, len(idle))

	var assigned []string
	var keep []*Task

	for {
		t := q.pending.DequeueNext()
		if t == nil {
			break
		}
		delete(q.inPending, t.ID)

		if t.Status.Terminal() || t.Status == StatusBlocked {
			continue // cancelled or blocked while waiting; drop from queue
		}
		if !q.graph.IsReady(t.ID, q.lookup) {
			keep = append(keep, t)
			continue
		}

		agent, score, ok := q.chooseAgentLocked(t, idle, taken)
		if !ok {
			keep = append(keep, t)
			continue
		}

		// Mark the agent unavailable before the next task is considered.
		taken[agent.ID] = true
		if err := q.agents.MarkWorking(agent.ID, t.ID); err != nil {
			q.logger.Warn("agent refused assignment", "agent_id", agent.ID, "task_id", t.ID, "error", err)
			keep = append(keep, t)
			continue
		}

		t.Status = StatusAssigned
		t.AssignedTo = agent.ID
		t.BlockingReason = ""
		t.AgentMatchScore = normalizeScore(score)
		assigned = append(assigned, t.ID)
		q.logger.Info("task assigned",
			"task_id", t.ID,
			"agent_id", agent.ID,
			"agent_name", agent.Name,
			"score", score,
		)
	}

	for _, t := range keep {
		q.enqueueLocked(t)
	}

	if q.notifier != nil && len(assigned) == 0 && q.pending.Size() > 0 {
		q.notifier.ShowInformation(fmt.Sprintf("%d task(s) queued, waiting for an idle agent", q.pending.Size()))
	}
	return assigned
}

// chooseAgentLocked scores idle agents against the task and returns the best
// candidate. Agents already taken this pass are skipped. When the task
// declares required capabilities, only agents with at least one matching
// capability are candidates.
func (q *Queue) chooseAgentLocked(t *Task, idle []AgentInfo, taken map[string]bool) (AgentInfo, int, bool) {
	text := template.TaskText{Title: t.Title, Description: t.Description}

	var best AgentInfo
	bestScore := 0
	found := false

	for _, a := range idle {
		if taken[a.ID] {
			continue
		}
		if len(t.RequiredCapabilities) > 0 && !capabilitiesIntersect(t.RequiredCapabilities, a.Capabilities) {
			continue
		}
		score := 0
		if q.templates != nil {
			score = q.scorer.Score(text, q.templates.Resolve(a.Type))
		}
		if !found || score > bestScore {
			best = a
			bestScore = score
			found = true
		}
	}
	return best, bestScore, found
}

func capabilitiesIntersect(required, have []string) bool {
	for _, r := range required {
		for _, h := range have {
			if strings.EqualFold(r, h) {
				return true
			}
		}
	}
	return false
}

func normalizeScore(score int) float64 {
	s := float64(score) / matchScoreNormalizer
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// StartTask moves an assigned task to in-progress when the agent picks it up.
func (q *Queue) StartTask(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return q.transitionLocked(t, StatusInProgress)
}

// CompleteTask marks a task completed, frees its agent, and immediately
// re-runs assignment so freed capacity is reused.
func (q *Queue) CompleteTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := q.transitionLocked(t, StatusCompleted); err != nil {
		q.mu.Unlock()
		return err
	}
	now := time.Now()
	t.CompletedAt = &now
	q.releaseAgentLocked(t, true)
	q.unblockLocked()
	assigned := q.assignPassLocked()
	q.mu.Unlock()

	q.publish(bus.TopicTaskComplete, id)
	for _, a := range assigned {
		q.publish(bus.TopicTaskAssigned, a)
	}
	return nil
}

// FailTask marks a task failed with a reason and frees its agent.
func (q *Queue) FailTask(id, reason string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err := q.transitionLocked(t, StatusFailed); err != nil {
		q.mu.Unlock()
		return err
	}
	t.BlockingReason = reason
	q.releaseAgentLocked(t, false)
	q.unblockLocked()
	assigned := q.assignPassLocked()
	q.mu.Unlock()

	q.publish(bus.TopicTaskFailed, id)
	for _, a := range assigned {
		q.publish(bus.TopicTaskAssigned, a)
	}
	return nil
}

// CancelTask cancels a task. Legal from any state prior to completed.
func (q *Queue) CancelTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	wasActive := t.Status.Active()
	if err := q.transitionLocked(t, StatusCancelled); err != nil {
		q.mu.Unlock()
		return err
	}
	if wasActive {
		q.releaseAgentLocked(t, false)
	}
	if q.inPending[t.ID] {
		q.pending.Remove(t.ID)
		delete(q.inPending, t.ID)
	}
	q.unblockLocked()
	assigned := q.assignPassLocked()
	q.mu.Unlock()

	for _, a := range assigned {
		q.publish(bus.TopicTaskAssigned, a)
	}
	return nil
}

// RetryTask resets a failed or blocked task to ready and re-enters
// assignment. Any other state is an invalid transition.
func (q *Queue) RetryTask(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != StatusFailed && t.Status != StatusBlocked {
		q.mu.Unlock()
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = StatusReady
	t.BlockingReason = ""
	t.AssignedTo = ""
	q.enqueueLocked(t)
	assigned := q.assignPassLocked()
	q.mu.Unlock()

	for _, a := range assigned {
		q.publish(bus.TopicTaskAssigned, a)
	}
	return nil
}

// ResolveConflict settles the conflicts of one task: in each active pair the
// higher-priority task keeps its claim and the other transitions to blocked
// with a reason. Equal priorities prefer the earlier-created task.
func (q *Queue) ResolveConflict(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	blocked := q.resolveConflictLocked(t)
	q.mu.Unlock()

	for _, b := range blocked {
		q.publish(bus.TopicTaskBlocked, b)
	}
	return nil
}

// ResolveAllConflicts applies ResolveConflict across every task.
func (q *Queue) ResolveAllConflicts() {
	q.mu.Lock()
	var blocked []string
	for _, t := range q.tasks {
		blocked = append(blocked, q.resolveConflictLocked(t)...)
	}
	q.mu.Unlock()

	for _, b := range blocked {
		q.publish(bus.TopicTaskBlocked, b)
	}
}

func (q *Queue) resolveConflictLocked(t *Task) []string {
	if t.Status.Terminal() {
		return nil
	}
	var blockedIDs []string
	for _, otherID := range q.graph.Conflicts(t.ID) {
		other, ok := q.tasks[otherID]
		if !ok || other.Status.Terminal() {
			continue
		}
		// Neither side holds a claim: nothing to settle yet.
		if !t.Status.Active() && !other.Status.Active() {
			continue
		}
		winner, loser := t, other
		if outranks(other, t) {
			winner, loser = other, t
		}
		if loser.Status.Active() || loser.Status == StatusBlocked {
			// An active loser keeps running; exclusion is enforced at
			// assignment time, not by preemption.
			continue
		}
		loser.Status = StatusBlocked
		loser.BlockingReason = fmt.Sprintf("conflicts with task %s", winner.ID)
		if q.inPending[loser.ID] {
			q.pending.Remove(loser.ID)
			delete(q.inPending, loser.ID)
		}
		blockedIDs = append(blockedIDs, loser.ID)
		q.logger.Info("conflict resolved", "winner", winner.ID, "blocked", loser.ID)
	}
	return blockedIDs
}

// outranks reports whether a wins a conflict against b: higher priority
// first, earlier creation as the deterministic tie-break.
func outranks(a, b *Task) bool {
	if a.NumericPriority != b.NumericPriority {
		return a.NumericPriority > b.NumericPriority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Stats summarizes the queue for status reports.
type Stats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
	Blocked   int
}

// Summary returns current queue statistics.
func (q *Queue) Summary() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Total: len(q.tasks), Pending: q.pending.Size()}
	for _, t := range q.tasks {
		switch {
		case t.Status.Active():
			s.Active++
		case t.Status == StatusCompleted:
			s.Completed++
		case t.Status == StatusFailed:
			s.Failed++
		case t.Status == StatusBlocked:
			s.Blocked++
		}
	}
	return s
}

// ClearCompleted removes completed and cancelled tasks from the registry.
func (q *Queue) ClearCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, t := range q.tasks {
		if t.Status == StatusCompleted || t.Status == StatusCancelled {
			delete(q.tasks, id)
			q.graph.Remove(id)
			removed++
		}
	}
	return removed
}

// unblockLocked promotes waiting tasks to ready once their blocking condition
// has cleared. Blocked tasks re-enter the pending queue; queued tasks whose
// dependencies have resolved since AddTask are promoted in place.
func (q *Queue) unblockLocked() {
	for _, t := range q.tasks {
		if t.Status != StatusBlocked && t.Status != StatusQueued {
			continue
		}
		if q.graph.IsReady(t.ID, q.lookup) {
			t.Status = StatusReady
			t.BlockingReason = ""
			q.enqueueLocked(t)
		}
	}
}

// transitionLocked applies a status change, enforcing the state machine.
func (q *Queue) transitionLocked(t *Task, next Status) error {
	if !canTransition(t.Status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

func (q *Queue) releaseAgentLocked(t *Task, completed bool) {
	if t.AssignedTo == "" {
		return
	}
	if err := q.agents.MarkIdle(t.AssignedTo, completed); err != nil {
		q.logger.Warn("releasing agent failed", "agent_id", t.AssignedTo, "error", err)
	}
	t.AssignedTo = ""
}

func (q *Queue) enqueueLocked(t *Task) {
	if q.inPending[t.ID] {
		return
	}
	q.pending.Enqueue(t)
	q.inPending[t.ID] = true
}

func (q *Queue) lookup(id string) (*Task, bool) {
	t, ok := q.tasks[id]
	return t, ok
}

func (q *Queue) publish(topic bus.Topic, taskID string) {
	if q.events != nil {
		q.events.Publish(topic, taskID)
	}
}
