// ABOUTME: Central dispatch for incoming envelopes: validate, dedupe, route by
// ABOUTME: type, then broadcast the derived event and persist the original.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/batonhq/baton/internal/agent"
	"github.com/batonhq/baton/internal/bus"
	"github.com/batonhq/baton/internal/connpool"
	"github.com/batonhq/baton/internal/dedupe"
	"github.com/batonhq/baton/internal/persist"
	"github.com/batonhq/baton/internal/protocol"
	"github.com/batonhq/baton/internal/task"
)

// Router dispatches validated envelopes to the agent manager and task queue,
// broadcasts derived events to every pooled connection, and appends routed
// envelopes to the message log.
type Router struct {
	manager *agent.Manager
	queue   *task.Queue
	pool    *connpool.Pool
	seen    *dedupe.Cache
	log     *persist.MessageLog
	events  *bus.Bus
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	heartbeat map[string]time.Time // agent id -> last heartbeat
}

// Config wires the router's collaborators. Seen, Log, and Events are
// optional; without them dedupe, persistence, and the task event relay
// are skipped.
type Config struct {
	Manager *agent.Manager
	Queue   *task.Queue
	Pool    *connpool.Pool
	Seen    *dedupe.Cache
	Log     *persist.MessageLog
	Events  *bus.Bus
	Logger  *slog.Logger
}

func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		manager:   cfg.Manager,
		queue:     cfg.Queue,
		pool:      cfg.Pool,
		seen:      cfg.Seen,
		log:       cfg.Log,
		events:    cfg.Events,
		logger:    logger.With("component", "router"),
		heartbeat: make(map[string]time.Time),
	}
	if r.events != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.relayTaskEvents(ctx)
	}
	return r
}

// relayTopics maps queue lifecycle topics to the envelope type announced on
// the wire. Failure is announced as TASK_COMPLETE; the payload status tells
// the two outcomes apart.
var relayTopics = map[bus.Topic]protocol.MessageType{
	bus.TopicTaskCreated:  protocol.TaskCreated,
	bus.TopicTaskAssigned: protocol.TaskAssigned,
	bus.TopicTaskComplete: protocol.TaskComplete,
	bus.TopicTaskFailed:   protocol.TaskComplete,
}

// relayTaskEvents forwards queue lifecycle events to every pooled connection.
// Assignment in particular can happen outside any handler, inside a pass the
// queue runs when an agent frees up, so the wire announcement has to come
// from the bus rather than from whichever handler happened to trigger it.
func (r *Router) relayTaskEvents(ctx context.Context) {
	for topic, msgType := range relayTopics {
		ch, _ := r.events.Subscribe(ctx, topic)
		r.wg.Add(1)
		go func(msgType protocol.MessageType, ch <-chan bus.Event) {
			defer r.wg.Done()
			for ev := range ch {
				taskID, ok := ev.Payload.(string)
				if !ok {
					continue
				}
				t, ok := r.queue.Get(taskID)
				if !ok {
					continue
				}
				r.broadcast(msgType, protocol.TaskEventPayload{
					TaskID:     t.ID,
					Title:      t.Title,
					Status:     string(t.Status),
					AgentID:    t.AssignedTo,
					MatchScore: t.AgentMatchScore,
				})
			}
		}(msgType, ch)
	}
}

// Stop ends the task event relay and waits for in-flight broadcasts.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
	}
}

// Route processes one incoming envelope from senderConnID. Invalid envelopes
// are logged and dropped; duplicates are dropped silently. A handler failure
// never propagates: it is reported back to the sender as an ERROR envelope.
func (r *Router) Route(ctx context.Context, env *protocol.Envelope, senderConnID string) {
	result := protocol.Validate(env)
	if !result.IsValid {
		r.logger.Warn("dropping invalid envelope", "sender", senderConnID, "errors", result.Errors)
		return
	}

	if r.seen != nil && r.seen.Seen(env.ID) {
		r.logger.Debug("dropping duplicate envelope", "id", env.ID, "type", string(env.Type))
		return
	}

	if err := r.dispatch(ctx, env, senderConnID); err != nil {
		r.logger.Warn("handler failed", "type", string(env.Type), "sender", senderConnID, "error", err)
		r.sendError(senderConnID, env.ID, err)
		return
	}

	if r.log != nil {
		r.log.Append(env)
	}
}

func (r *Router) dispatch(ctx context.Context, env *protocol.Envelope, senderConnID string) error {
	switch env.Type {
	case protocol.SpawnAgent:
		return r.handleSpawnAgent(ctx, env)
	case protocol.AssignTask:
		return r.handleAssignTask(env)
	case protocol.AgentStatusUpdate:
		return r.handleStatusUpdate(env)
	case protocol.TaskComplete:
		return r.handleTaskComplete(env)
	case protocol.TerminateAgent:
		return r.handleTerminateAgent(ctx, env)
	case protocol.AgentReady:
		return r.handleAgentReady(env, senderConnID)
	case protocol.Heartbeat:
		return r.handleHeartbeat(env)
	case protocol.QueryStatus:
		return r.handleQueryStatus(senderConnID)
	default:
		// Valid but not client-originated (TASK_CREATED, ERROR, ...).
		r.logger.Debug("ignoring envelope type", "type", string(env.Type))
		return nil
	}
}

func (r *Router) handleSpawnAgent(ctx context.Context, env *protocol.Envelope) error {
	var p protocol.SpawnAgentPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	templateID := p.Template
	if templateID == "" {
		templateID = p.Role
	}
	a, err := r.manager.SpawnAgent(ctx, agent.SpawnConfig{Name: p.Name, Type: templateID})
	if err != nil {
		return err
	}

	r.broadcast(protocol.AgentStatusUpdate, protocol.AgentEventPayload{
		AgentID: a.ID,
		Name:    a.Name,
		Type:    a.Type,
		Status:  string(a.Status),
	})
	// A fresh idle agent may be able to take queued work.
	r.queue.TryAssignTasks()
	return nil
}

func (r *Router) handleAssignTask(env *protocol.Envelope) error {
	var p protocol.AssignTaskPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	t, err := r.queue.AddTask(task.Spec{
		ID:                   p.TaskID,
		Title:                p.Title,
		Description:          p.Description,
		PriorityLabel:        p.Priority,
		NumericPriority:      p.NumericPriority,
		RequiredCapabilities: p.RequiredCapabilities,
		DependsOn:            p.DependsOn,
		ConflictsWith:        p.ConflictsWith,
		Tags:                 p.Tags,
	})
	if err != nil {
		return err
	}

	if p.AgentID != "" && !t.Status.Active() {
		if err := r.queue.AssignTo(t.ID, p.AgentID); err != nil {
			return err
		}
	}
	// Creation and any resulting assignment reach the wire via the relay.
	return nil
}

func (r *Router) handleStatusUpdate(env *protocol.Envelope) error {
	var p protocol.StatusUpdatePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.manager.UpdateAgentStatus(p.AgentID, agent.Status(p.Status))

	if a, ok := r.manager.Get(p.AgentID); ok {
		r.broadcast(protocol.AgentStatusUpdate, protocol.AgentEventPayload{
			AgentID: a.ID,
			Name:    a.Name,
			Type:    a.Type,
			Status:  string(a.Status),
		})
		switch a.Status {
		case agent.StatusIdle:
			r.queue.TryAssignTasks()
		case agent.StatusWorking:
			// The agent has picked up its assignment; move the task along.
			if a.CurrentTask != "" {
				if err := r.queue.StartTask(a.CurrentTask); err != nil {
					r.logger.Debug("task already started", "task_id", a.CurrentTask, "error", err)
				}
			}
		}
	}
	return nil
}

func (r *Router) handleTaskComplete(env *protocol.Envelope) error {
	var p protocol.TaskCompletePayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.Error != "" {
		return r.queue.FailTask(p.TaskID, p.Error)
	}
	return r.queue.CompleteTask(p.TaskID)
}

func (r *Router) handleTerminateAgent(ctx context.Context, env *protocol.Envelope) error {
	var p protocol.TerminateAgentPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.manager.RemoveAgent(ctx, p.AgentID)

	r.broadcast(protocol.AgentStatusUpdate, protocol.AgentEventPayload{
		AgentID: p.AgentID,
		Status:  string(agent.StatusTerminated),
	})
	return nil
}

func (r *Router) handleAgentReady(env *protocol.Envelope, senderConnID string) error {
	var p protocol.AgentReadyPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	r.pool.SetAgentID(senderConnID, p.AgentID)
	r.manager.UpdateAgentStatus(p.AgentID, agent.StatusIdle)
	r.touch(p.AgentID)
	r.queue.TryAssignTasks()
	return nil
}

func (r *Router) handleHeartbeat(env *protocol.Envelope) error {
	var p protocol.HeartbeatPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if p.AgentID != "" {
		r.touch(p.AgentID)
	}
	return nil
}

func (r *Router) handleQueryStatus(senderConnID string) error {
	report := r.StatusReport()
	env, err := protocol.NewEnvelope(protocol.QueryStatus, report)
	if err != nil {
		return err
	}
	if err := r.pool.Send(senderConnID, env); err != nil {
		return fmt.Errorf("replying to status query: %w", err)
	}
	return nil
}

// StatusReport snapshots the roster and queue for QUERY_STATUS replies and
// the CLI status command.
func (r *Router) StatusReport() protocol.StatusReport {
	agents := r.manager.List()
	reports := make([]protocol.AgentReport, 0, len(agents))
	for _, a := range agents {
		reports = append(reports, protocol.AgentReport{
			ID:             a.ID,
			Name:           a.Name,
			Type:           a.Type,
			Status:         string(a.Status),
			CurrentTask:    a.CurrentTask,
			TasksCompleted: a.TasksCompleted,
		})
	}
	stats := r.queue.Summary()
	return protocol.StatusReport{
		Agents:      reports,
		QueuedTasks: stats.Pending,
		ActiveTasks: stats.Active,
	}
}

// WatchLiveness periodically checks heartbeat freshness and marks agents
// whose last heartbeat is older than timeout as errored. It returns after
// starting the background sweep; ctx cancellation stops it.
func (r *Router) WatchLiveness(ctx context.Context, interval, timeout time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepStale(timeout)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Router) sweepStale(timeout time.Duration) {
	now := time.Now()
	stale := make(map[string]time.Duration)
	r.mu.Lock()
	for id, last := range r.heartbeat {
		if age := now.Sub(last); age > timeout {
			stale[id] = age
			delete(r.heartbeat, id)
		}
	}
	r.mu.Unlock()

	for id, age := range stale {
		if a, ok := r.manager.Get(id); ok && a.Status != agent.StatusError {
			r.logger.Warn("agent heartbeat stale", "agent_id", id, "age", age)
			r.manager.UpdateAgentStatus(id, agent.StatusError)
		}
	}
}

// LastHeartbeat returns when the agent last reported liveness.
func (r *Router) LastHeartbeat(agentID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.heartbeat[agentID]
	return t, ok
}

func (r *Router) touch(agentID string) {
	r.mu.Lock()
	r.heartbeat[agentID] = time.Now()
	r.mu.Unlock()
}

func (r *Router) broadcast(t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		r.logger.Warn("failed to build broadcast envelope", "type", string(t), "error", err)
		return
	}
	r.pool.Broadcast(env)
	if r.log != nil {
		r.log.Append(env)
	}
}

func (r *Router) sendError(connID, refID string, cause error) {
	env, err := protocol.NewEnvelope(protocol.ErrorMessage, protocol.ErrorPayload{
		Message: cause.Error(),
		RefID:   refID,
	})
	if err != nil {
		return
	}
	if err := r.pool.Send(connID, env); err != nil {
		r.logger.Debug("could not deliver error to sender", "conn_id", connID, "error", err)
	}
}
