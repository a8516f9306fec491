package scheduler

import (
	"fmt"
	"sort"

	"github.com/gammazero/toposort"
)

// Graph is a validated, leveled task graph. It is immutable once built and
// safe for concurrent reads.
type Graph struct {
	tasks      map[string]*Task    // All tasks indexed by ID
	order      []string            // Submission order
	levels     [][]string          // Level index -> task IDs in submission order
	levelOf    map[string]int      // Task ID -> level index
	dependents map[string][]string // Maps taskID -> tasks that depend on it
}

// Build validates the task set and partitions it into dependency levels.
// Nothing is executed; any error leaves no partial state behind.
func Build(tasks []*Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		order:      make([]string, 0, len(tasks)),
		levelOf:    make(map[string]int, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, task := range tasks {
		if task == nil {
			return nil, &InvalidTaskError{Reason: "nil task"}
		}
		if err := task.validate(); err != nil {
			return nil, err
		}
		if _, exists := g.tasks[task.ID]; exists {
			return nil, &DuplicateTaskIDError{ID: task.ID}
		}
		cp := cloneTask(task)
		cp.DependsOn = dedupe(cp.DependsOn)
		g.tasks[cp.ID] = cp
		g.order = append(g.order, cp.ID)
	}

	// Verify all dependencies and bindings refer to known tasks
	for _, id := range g.order {
		task := g.tasks[id]
		deps := make(map[string]bool, len(task.DependsOn))
		for _, depID := range task.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, &UnknownDependencyError{Task: id, Dependency: depID}
			}
			deps[depID] = true
		}
		for _, param := range sortedKeys(task.Inputs) {
			src := task.Inputs[param].Task
			if !deps[src] {
				return nil, &InvalidBindingError{Task: id, Param: param, Source: src}
			}
		}
	}

	if err := g.level(); err != nil {
		return nil, err
	}

	// Build dependents map for downstream lookup, in submission order
	for _, id := range g.order {
		for _, depID := range g.tasks[id].DependsOn {
			g.dependents[depID] = append(g.dependents[depID], id)
		}
	}

	return g, nil
}

const (
	unvisited = iota
	inProgress
	done
)

// level runs one depth-first pass that both detects cycles and assigns
// level = 1 + max(dependency levels). IDs are visited in sorted order so the
// reported cycle does not depend on submission order.
func (g *Graph) level() error {
	state := make(map[string]int, len(g.tasks))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case inProgress:
			start := 0
			for i, p := range path {
				if p == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return &CyclicDependencyError{Task: id, Path: cycle}
		}

		state[id] = inProgress
		path = append(path, id)

		deps := append([]string(nil), g.tasks[id].DependsOn...)
		sort.Strings(deps)
		lvl := 0
		for _, depID := range deps {
			if err := visit(depID); err != nil {
				return err
			}
			if l := g.levelOf[depID] + 1; l > lvl {
				lvl = l
			}
		}

		path = path[:len(path)-1]
		state[id] = done
		g.levelOf[id] = lvl
		return nil
	}

	ids := append([]string(nil), g.order...)
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}

	depth := 0
	for _, l := range g.levelOf {
		if l+1 > depth {
			depth = l + 1
		}
	}
	g.levels = make([][]string, depth)
	for _, id := range g.order {
		l := g.levelOf[id]
		g.levels[l] = append(g.levels[l], id)
	}
	return nil
}

// Levels returns the level partition, ascending. The returned slices are
// copies.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, lvl := range g.levels {
		out[i] = append([]string(nil), lvl...)
	}
	return out
}

// Order returns a topological order of all task IDs.
func (g *Graph) Order() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.order {
		task := g.tasks[id]
		if len(task.DependsOn) == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("failed to sort tasks: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.tasks) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(g.tasks)-len(order))
	}
	return order, nil
}

// Task returns the task with the given ID.
func (g *Graph) Task(id string) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns all tasks in submission order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.order) }

// LevelOf returns the level index of a task, or -1 if unknown.
func (g *Graph) LevelOf(id string) int {
	if l, ok := g.levelOf[id]; ok {
		return l
	}
	return -1
}

// Dependents returns the IDs of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
