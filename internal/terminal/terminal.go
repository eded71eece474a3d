// ABOUTME: Terminal/process factory contract the agent manager spawns through.
// ABOUTME: The core references handles but never owns the underlying process.

package terminal

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// ErrDisposed indicates the handle was already disposed.
var ErrDisposed = errors.New("terminal handle already disposed")

// Config describes the process a terminal should host.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Handle is an opaque reference to a hosted terminal/process.
type Handle interface {
	ID() string
}

// Factory creates and disposes terminal handles. The host editor supplies
// the real implementation; ExecFactory and NopFactory cover the daemon and
// tests.
type Factory interface {
	Create(ctx context.Context, name string, cfg Config) (Handle, error)
	Dispose(h Handle) error
}

// NopFactory hands out inert handles. Used in tests and dry runs. The zero
// value is ready to use.
type NopFactory struct {
	mu       sync.Mutex
	live     map[string]bool
	disposed int
}

// NewNopFactory creates a factory whose handles host nothing.
func NewNopFactory() *NopFactory {
	return &NopFactory{live: make(map[string]bool)}
}

type nopHandle struct{ id string }

func (h nopHandle) ID() string { return h.id }

// Create returns a fresh inert handle.
func (f *NopFactory) Create(_ context.Context, _ string, _ Config) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live == nil {
		f.live = make(map[string]bool)
	}
	h := nopHandle{id: uuid.New().String()}
	f.live[h.id] = true
	return h, nil
}

// Dispose releases an inert handle. Double dispose returns ErrDisposed.
func (f *NopFactory) Dispose(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[h.ID()] {
		return ErrDisposed
	}
	delete(f.live, h.ID())
	f.disposed++
	return nil
}

// DisposedCount reports how many handles have been released.
func (f *NopFactory) DisposedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// ExecFactory hosts each agent in a locally spawned process running the
// configured CLI binary.
type ExecFactory struct {
	mu   sync.Mutex
	live map[string]*exec.Cmd
}

// NewExecFactory creates a process-backed factory.
func NewExecFactory() *ExecFactory {
	return &ExecFactory{live: make(map[string]*exec.Cmd)}
}

type execHandle struct{ id string }

func (h execHandle) ID() string { return h.id }

// Create starts the configured command and returns a handle for it.
func (f *ExecFactory) Create(ctx context.Context, name string, cfg Config) (Handle, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("terminal for %s: no command configured", name)
	}
	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
	}

	h := execHandle{id: uuid.New().String()}
	f.mu.Lock()
	if f.live == nil {
		f.live = make(map[string]*exec.Cmd)
	}
	f.live[h.id] = cmd
	f.mu.Unlock()

	// Reap the process so it never zombies; the exit status is the agent
	// protocol's concern, not ours.
	go func() { _ = cmd.Wait() }()

	return h, nil
}

// Dispose terminates the hosted process. Double dispose returns ErrDisposed.
func (f *ExecFactory) Dispose(h Handle) error {
	f.mu.Lock()
	cmd, ok := f.live[h.ID()]
	delete(f.live, h.ID())
	f.mu.Unlock()

	if !ok {
		return ErrDisposed
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}
