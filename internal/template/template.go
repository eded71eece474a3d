// ABOUTME: Agent templates: named bundles of capabilities and task preferences.
// ABOUTME: Templates are immutable once registered and are used only for scoring.

package template

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTemplateNotFound indicates the requested template id is not registered.
var ErrTemplateNotFound = errors.New("template not found")

// FallbackID is the template used when spawn requests name no known template.
const FallbackID = "general"

// TaskPreferences steer the matcher toward or away from kinds of work.
type TaskPreferences struct {
	Preferred []string `yaml:"preferred"`
	Avoid     []string `yaml:"avoid"`
	Priority  string   `yaml:"priority"`
}

// Template configures a new agent and scores task fit. Immutable for the
// lifetime of a session once loaded.
type Template struct {
	ID              string          `yaml:"id"`
	Name            string          `yaml:"name"`
	Capabilities    []string        `yaml:"capabilities"`
	Languages       []string        `yaml:"languages"`
	Tags            []string        `yaml:"tags"`
	TaskPreferences TaskPreferences `yaml:"task_preferences"`
}

// Registry holds the session's template set: built-ins plus any loaded from
// configuration. Reads vastly outnumber writes; writes happen only at load.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Template
	order []string
}

// NewRegistry creates a registry pre-populated with the built-in templates.
func NewRegistry() *Registry {
	r := &Registry{byID: make(map[string]*Template)}
	for _, tpl := range builtins() {
		r.register(tpl)
	}
	return r
}

// Register adds a custom template, replacing a built-in with the same id.
func (r *Registry) Register(tpl *Template) error {
	if tpl == nil || tpl.ID == "" {
		return fmt.Errorf("template requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(tpl)
	return nil
}

func (r *Registry) register(tpl *Template) {
	if _, exists := r.byID[tpl.ID]; !exists {
		r.order = append(r.order, tpl.ID)
	}
	r.byID[tpl.ID] = tpl
}

// Get returns the template with the given id.
func (r *Registry) Get(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return tpl, nil
}

// Resolve looks up id and falls back to the general template when id is
// empty or unknown. The fallback template always exists.
func (r *Registry) Resolve(id string) *Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tpl, ok := r.byID[id]; ok {
		return tpl
	}
	return r.byID[FallbackID]
}

// All returns the templates in registration order.
func (r *Registry) All() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Template, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// builtins returns the template set every session starts with.
func builtins() []*Template {
	return []*Template{
		{
			ID:           FallbackID,
			Name:         "General Purpose",
			Capabilities: []string{"coding", "refactoring", "debugging"},
			Languages:    []string{"go", "python", "typescript"},
			Tags:         []string{"general"},
		},
		{
			ID:           "frontend-specialist",
			Name:         "Frontend Expert",
			Capabilities: []string{"ui", "css", "react", "accessibility"},
			Languages:    []string{"typescript", "javascript", "html"},
			Tags:         []string{"frontend", "ui", "web"},
			TaskPreferences: TaskPreferences{
				Preferred: []string{"ui", "component", "styling", "login", "form"},
				Avoid:     []string{"database migration", "infrastructure"},
				Priority:  "high",
			},
		},
		{
			ID:           "backend-specialist",
			Name:         "Backend Expert",
			Capabilities: []string{"api", "database", "sql", "caching"},
			Languages:    []string{"go", "python", "sql"},
			Tags:         []string{"backend", "api", "server"},
			TaskPreferences: TaskPreferences{
				Preferred: []string{"api", "endpoint", "database", "migration", "query"},
				Avoid:     []string{"css", "styling"},
				Priority:  "high",
			},
		},
		{
			ID:           "test-engineer",
			Name:         "Test Engineer",
			Capabilities: []string{"testing", "coverage", "mocking"},
			Languages:    []string{"go", "python", "typescript"},
			Tags:         []string{"testing", "quality"},
			TaskPreferences: TaskPreferences{
				Preferred: []string{"test", "coverage", "flaky", "regression"},
				Avoid:     []string{"design", "styling"},
				Priority:  "medium",
			},
		},
		{
			ID:           "devops-engineer",
			Name:         "DevOps Engineer",
			Capabilities: []string{"ci", "docker", "deployment", "monitoring"},
			Languages:    []string{"bash", "yaml", "go"},
			Tags:         []string{"devops", "infrastructure"},
			TaskPreferences: TaskPreferences{
				Preferred: []string{"pipeline", "deploy", "docker", "infrastructure"},
				Avoid:     []string{"ui", "css"},
				Priority:  "medium",
			},
		},
		{
			ID:           "docs-writer",
			Name:         "Documentation Writer",
			Capabilities: []string{"writing", "documentation"},
			Languages:    []string{"markdown"},
			Tags:         []string{"docs"},
			TaskPreferences: TaskPreferences{
				Preferred: []string{"document", "readme", "guide", "changelog"},
				Avoid:     []string{"refactor", "migration"},
				Priority:  "low",
			},
		},
	}
}
