// Package dag owns each workflow's dependency graph: adjacency bookkeeping,
// cycle detection, the ready-set, and fail-fast cascade, grounded on the
// Kahn's-algorithm DAG walk the engine uses to drive task execution order.
package dag

import (
	"fmt"
	"sync"

	"github.com/leifmarkthaler/gleitzeit/internal/errkind"
	"github.com/leifmarkthaler/gleitzeit/internal/task"
)

type workflowGraph struct {
	deps      map[string][]string // task -> its dependencies
	dependents map[string][]string // task -> tasks that depend on it
	unmet     map[string]int
	status    map[string]task.Status
}

// Resolver tracks the per-workflow DAGs live in the engine: which tasks are
// ready, which have unmet dependencies, and what fails when a task fails
// under the fail-fast strategy.
type Resolver struct {
	mu        sync.Mutex
	workflows map[string]*workflowGraph
}

// New constructs an empty Resolver.
func New() *Resolver {
	return &Resolver{workflows: make(map[string]*workflowGraph)}
}

// AddWorkflow builds the adjacency lists for w and validates acyclicity via
// DFS. On a cycle it returns errkind.KindDependencyCycle naming one member
// of the offending cycle.
func (r *Resolver) AddWorkflow(w *task.Workflow) error {
	g := &workflowGraph{
		deps:       make(map[string][]string, len(w.Tasks)),
		dependents: make(map[string][]string, len(w.Tasks)),
		unmet:      make(map[string]int, len(w.Tasks)),
		status:     make(map[string]task.Status, len(w.Tasks)),
	}
	for _, t := range w.Tasks {
		g.deps[t.ID] = append([]string(nil), t.Dependencies...)
		g.unmet[t.ID] = len(t.Dependencies)
		g.status[t.ID] = t.Status
	}
	for _, t := range w.Tasks {
		for _, dep := range t.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	if cycle := detectCycle(g); cycle != "" {
		return errkind.New(errkind.KindDependencyCycle, fmt.Sprintf("circular dependency involving task %q", cycle))
	}

	r.mu.Lock()
	r.workflows[w.ID] = g
	r.mu.Unlock()
	return nil
}

// RemoveWorkflow discards a workflow's graph once it reaches a terminal
// status and its DAG analysis is no longer needed.
func (r *Resolver) RemoveWorkflow(workflowID string) {
	r.mu.Lock()
	delete(r.workflows, workflowID)
	r.mu.Unlock()
}

// detectCycle runs a three-color DFS over the dependency edges and returns
// one task id on the first cycle found, or "" if the graph is acyclic.
func detectCycle(g *workflowGraph) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.deps))
	var cyclic string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				cyclic = dep
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range g.deps {
		if color[id] == white {
			if visit(id) {
				return cyclic
			}
		}
	}
	return ""
}

// ReadyTasks returns the ids of tasks in workflowID with no unmet
// dependencies and still pending — the initial ready set at submission.
func (r *Resolver) ReadyTasks(workflowID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.workflows[workflowID]
	if !ok {
		return nil
	}
	var ready []string
	for id, n := range g.unmet {
		if n == 0 && g.status[id] == task.StatusPending {
			ready = append(ready, id)
		}
	}
	return ready
}

// OnTaskCompleted decrements the unmet-dependency count of every dependent
// of taskID and returns those whose count just reached zero.
func (r *Resolver) OnTaskCompleted(workflowID, taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.workflows[workflowID]
	if !ok {
		return nil
	}
	g.status[taskID] = task.StatusCompleted

	var newlyReady []string
	for _, dependent := range g.dependents[taskID] {
		g.unmet[dependent]--
		if g.unmet[dependent] == 0 && g.status[dependent] == task.StatusPending {
			newlyReady = append(newlyReady, dependent)
		}
	}
	return newlyReady
}

// OnTaskFailed marks taskID failed and, under the fail-fast strategy, walks
// every transitive dependent and marks it cancelled, returning their ids so
// the caller can propagate the cancellation to the queue and persistence.
func (r *Resolver) OnTaskFailed(workflowID, taskID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.workflows[workflowID]
	if !ok {
		return nil
	}
	g.status[taskID] = task.StatusFailed

	var cancelled []string
	var walk func(id string)
	walk = func(id string) {
		for _, dependent := range g.dependents[id] {
			if g.status[dependent].Terminal() {
				continue
			}
			g.status[dependent] = task.StatusCancelled
			cancelled = append(cancelled, dependent)
			walk(dependent)
		}
	}
	walk(taskID)
	return cancelled
}

// MarkStatus records a status transition observed elsewhere (e.g. a task
// entering executing) so ReadyTasks and the cascade walk see a consistent
// picture without re-deriving it from the store.
func (r *Resolver) MarkStatus(workflowID, taskID string, status task.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.workflows[workflowID]; ok {
		g.status[taskID] = status
	}
}
