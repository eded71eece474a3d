// ABOUTME: Tracks live control-socket connections and supports targeted send and broadcast.
// ABOUTME: One connection per agent or conductor client; send errors are isolated per connection.

package connpool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/batonhq/baton/internal/protocol"
)

// ErrConnectionNotFound indicates the specified connection is not in the pool.
var ErrConnectionNotFound = errors.New("connection not found")

// Conn is the transport handle the pool writes envelopes to. The WebSocket
// server provides the real implementation; tests provide fakes.
type Conn interface {
	WriteEnvelope(env *protocol.Envelope) error
	Close() error
}

// Metadata describes who is on the other end of a connection.
type Metadata struct {
	Kind        string // "agent" or "conductor"
	AgentID     string // set once the connection announces AGENT_READY
	RemoteAddr  string
	ConnectedAt time.Time
}

type entry struct {
	conn Conn
	meta Metadata
}

// Pool tracks live connections by id. It has no knowledge of task or agent
// semantics; the router references connections by id only.
type Pool struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	logger *slog.Logger
}

// New creates an empty pool. Pass nil logger for the default.
func New(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		conns:  make(map[string]*entry),
		logger: logger.With("component", "connpool"),
	}
}

// Add registers a connection under id, replacing any previous registration.
func (p *Pool) Add(id string, conn Conn, meta Metadata) {
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = time.Now()
	}
	p.mu.Lock()
	p.conns[id] = &entry{conn: conn, meta: meta}
	total := len(p.conns)
	p.mu.Unlock()

	p.logger.Info("connection added", "connection_id", id, "kind", meta.Kind, "total", total)
}

// Remove drops a connection from the pool. Removing an unknown id is a no-op.
// The underlying transport is not closed here; the server owns that.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	_, existed := p.conns[id]
	delete(p.conns, id)
	total := len(p.conns)
	p.mu.Unlock()

	if existed {
		p.logger.Info("connection removed", "connection_id", id, "total", total)
	}
}

// Get returns the connection and metadata for id.
func (p *Pool) Get(id string) (Conn, Metadata, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.conns[id]
	if !ok {
		return nil, Metadata{}, false
	}
	return e.conn, e.meta, true
}

// SetAgentID records which agent a connection speaks for.
func (p *Pool) SetAgentID(id, agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.conns[id]; ok {
		e.meta.AgentID = agentID
	}
}

// All returns the ids of every tracked connection.
func (p *Pool) All() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	return ids
}

// Size returns the number of tracked connections.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Send writes an envelope to a single connection.
func (p *Pool) Send(id string, env *protocol.Envelope) error {
	p.mu.RLock()
	e, ok := p.conns[id]
	p.mu.RUnlock()

	if !ok {
		return ErrConnectionNotFound
	}
	return e.conn.WriteEnvelope(env)
}

// Broadcast writes an envelope to every connection. A failure on one
// connection is logged and never propagated to its siblings. Returns the
// number of successful deliveries.
func (p *Pool) Broadcast(env *protocol.Envelope) int {
	p.mu.RLock()
	targets := make(map[string]Conn, len(p.conns))
	for id, e := range p.conns {
		targets[id] = e.conn
	}
	p.mu.RUnlock()

	delivered := 0
	for id, conn := range targets {
		if err := conn.WriteEnvelope(env); err != nil {
			p.logger.Warn("broadcast send failed",
				"connection_id", id,
				"message_type", string(env.Type),
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}
