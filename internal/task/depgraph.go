// ABOUTME: Directed dependency edges and undirected conflict edges between tasks.
// ABOUTME: Readiness is computed on demand; adding a cyclic dependency is rejected.

package task

import "fmt"

// Lookup resolves a task id to its current record. The Queue supplies this;
// the graph itself never holds task state.
type Lookup func(id string) (*Task, bool)

// DepGraph tracks dependsOn and conflictsWith relations. Not safe for
// concurrent use on its own; the Queue serializes access under its lock.
type DepGraph struct {
	dependsOn map[string]map[string]bool // task -> its dependencies
	conflicts map[string]map[string]bool // symmetric
}

// NewDepGraph creates an empty graph.
func NewDepGraph() *DepGraph {
	return &DepGraph{
		dependsOn: make(map[string]map[string]bool),
		conflicts: make(map[string]map[string]bool),
	}
}

// AddDependency records that taskID depends on dependsOnID. A dependency
// that would close a cycle is rejected with ErrDependencyCycle.
func (g *DepGraph) AddDependency(taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, taskID)
	}
	// Walk from the new dependency back toward the dependent. Reaching
	// taskID means the edge closes a cycle.
	if g.reaches(dependsOnID, taskID, make(map[string]bool)) {
		return fmt.Errorf("%w: %s -> %s", ErrDependencyCycle, taskID, dependsOnID)
	}
	if g.dependsOn[taskID] == nil {
		g.dependsOn[taskID] = make(map[string]bool)
	}
	g.dependsOn[taskID][dependsOnID] = true
	return nil
}

// reaches performs a DFS over dependency edges from start, reporting whether
// target is reachable.
func (g *DepGraph) reaches(start, target string, seen map[string]bool) bool {
	if start == target {
		return true
	}
	if seen[start] {
		return false
	}
	seen[start] = true
	for dep := range g.dependsOn[start] {
		if g.reaches(dep, target, seen) {
			return true
		}
	}
	return false
}

// RemoveDependency deletes an edge. Unknown edges are ignored.
func (g *DepGraph) RemoveDependency(taskID, dependsOnID string) {
	delete(g.dependsOn[taskID], dependsOnID)
	if len(g.dependsOn[taskID]) == 0 {
		delete(g.dependsOn, taskID)
	}
}

// Dependencies returns the ids taskID depends on.
func (g *DepGraph) Dependencies(taskID string) []string {
	deps := make([]string, 0, len(g.dependsOn[taskID]))
	for id := range g.dependsOn[taskID] {
		deps = append(deps, id)
	}
	return deps
}

// AddConflict records that a and b touch overlapping resources. The relation
// is symmetric.
func (g *DepGraph) AddConflict(a, b string) {
	if a == b {
		return
	}
	if g.conflicts[a] == nil {
		g.conflicts[a] = make(map[string]bool)
	}
	if g.conflicts[b] == nil {
		g.conflicts[b] = make(map[string]bool)
	}
	g.conflicts[a][b] = true
	g.conflicts[b][a] = true
}

// Conflicts returns the ids that conflict with taskID.
func (g *DepGraph) Conflicts(taskID string) []string {
	out := make([]string, 0, len(g.conflicts[taskID]))
	for id := range g.conflicts[taskID] {
		out = append(out, id)
	}
	return out
}

// Remove drops every edge touching taskID.
func (g *DepGraph) Remove(taskID string) {
	delete(g.dependsOn, taskID)
	for _, deps := range g.dependsOn {
		delete(deps, taskID)
	}
	for other := range g.conflicts[taskID] {
		delete(g.conflicts[other], taskID)
		if len(g.conflicts[other]) == 0 {
			delete(g.conflicts, other)
		}
	}
	delete(g.conflicts, taskID)
}

// IsReady walks taskID's dependencies and conflicts on demand: ready iff
// every dependency resolves to completed and no conflicting task is
// currently assigned or in progress. A dependency that does not resolve via
// lookup counts as unresolved.
func (g *DepGraph) IsReady(taskID string, lookup Lookup) bool {
	for dep := range g.dependsOn[taskID] {
		t, ok := lookup(dep)
		if !ok || t.Status != StatusCompleted {
			return false
		}
	}
	for other := range g.conflicts[taskID] {
		if t, ok := lookup(other); ok && t.Status.Active() {
			return false
		}
	}
	return true
}

// UnresolvedDependencies returns the subset of taskID's dependencies that
// are not completed, for blocking-reason diagnostics.
func (g *DepGraph) UnresolvedDependencies(taskID string, lookup Lookup) []string {
	var out []string
	for dep := range g.dependsOn[taskID] {
		if t, ok := lookup(dep); !ok || t.Status != StatusCompleted {
			out = append(out, dep)
		}
	}
	return out
}

// ActiveConflicts returns the subset of taskID's conflicts that are
// currently assigned or in progress.
func (g *DepGraph) ActiveConflicts(taskID string, lookup Lookup) []string {
	var out []string
	for other := range g.conflicts[taskID] {
		if t, ok := lookup(other); ok && t.Status.Active() {
			out = append(out, other)
		}
	}
	return out
}
