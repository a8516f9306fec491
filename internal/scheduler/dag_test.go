package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func task(id string, deps ...string) *Task {
	return &Task{ID: id, Kind: "test", DependsOn: deps}
}

// TestBuild tests graph validation with various structures.
func TestBuild(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []*Task
		wantLevels  [][]string
		wantErr     bool
		errContains string
	}{
		{
			name:       "valid linear chain",
			tasks:      []*Task{task("A"), task("B", "A"), task("C", "B")},
			wantLevels: [][]string{{"A"}, {"B"}, {"C"}},
		},
		{
			name:       "valid parallel tasks",
			tasks:      []*Task{task("A"), task("B"), task("C", "A", "B")},
			wantLevels: [][]string{{"A", "B"}, {"C"}},
		},
		{
			name:       "single task no deps",
			tasks:      []*Task{task("A")},
			wantLevels: [][]string{{"A"}},
		},
		{
			name:       "diamond",
			tasks:      []*Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B", "C")},
			wantLevels: [][]string{{"A"}, {"B", "C"}, {"D"}},
		},
		{
			name:       "task placed at earliest level",
			tasks:      []*Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B"), task("E")},
			wantLevels: [][]string{{"A", "E"}, {"B", "C"}, {"D"}},
		},
		{
			name:       "insertion order within level",
			tasks:      []*Task{task("z"), task("m"), task("a"), task("q", "a", "z")},
			wantLevels: [][]string{{"z", "m", "a"}, {"q"}},
		},
		{
			name:       "duplicate dependency entries",
			tasks:      []*Task{task("A"), task("B", "A", "A")},
			wantLevels: [][]string{{"A"}, {"B"}},
		},
		{
			name:        "direct cycle",
			tasks:       []*Task{task("A", "B"), task("B", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "transitive cycle",
			tasks:       []*Task{task("A", "B"), task("B", "C"), task("C", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self-loop",
			tasks:       []*Task{task("A", "A")},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "missing dependency",
			tasks:       []*Task{task("A", "nonexistent")},
			wantErr:     true,
			errContains: "unknown task",
		},
		{
			name:        "duplicate id",
			tasks:       []*Task{task("A"), task("A")},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:        "empty",
			wantErr:     true,
			errContains: "no tasks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.tasks)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.errContains)
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				if g != nil {
					t.Errorf("expected no graph on error")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := g.Levels(); !reflect.DeepEqual(got, tt.wantLevels) {
				t.Errorf("Levels() = %v, want %v", got, tt.wantLevels)
			}
		})
	}
}

func TestBuild_ErrorTypes(t *testing.T) {
	_, err := Build([]*Task{task("A"), task("A")})
	var dup *DuplicateTaskIDError
	if !errors.As(err, &dup) || dup.ID != "A" {
		t.Errorf("expected DuplicateTaskIDError for A, got %v", err)
	}

	_, err = Build([]*Task{task("A", "ghost")})
	var unknown *UnknownDependencyError
	if !errors.As(err, &unknown) || unknown.Task != "A" || unknown.Dependency != "ghost" {
		t.Errorf("expected UnknownDependencyError A->ghost, got %v", err)
	}

	_, err = Build(nil)
	if !errors.Is(err, ErrNoTasks) {
		t.Errorf("expected ErrNoTasks, got %v", err)
	}

	_, err = Build([]*Task{{ID: "A"}})
	var invalid *InvalidTaskError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTaskError for missing kind, got %v", err)
	}

	bad := task("A")
	bad.Retry = RetryPolicy{MaxRetries: -1}
	_, err = Build([]*Task{bad})
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTaskError for negative retries, got %v", err)
	}

	// "a.b" as a binding would read field b of task a
	_, err = Build([]*Task{task("a"), task("a.b")})
	if !errors.As(err, &invalid) || invalid.Task != "a.b" {
		t.Errorf("expected InvalidTaskError for dotted id, got %v", err)
	}
}

// TestBuild_CycleDeterministic checks that the reported cycle does not
// depend on submission order.
func TestBuild_CycleDeterministic(t *testing.T) {
	orders := [][]*Task{
		{task("A", "C"), task("B", "A"), task("C", "B"), task("D")},
		{task("D"), task("C", "B"), task("B", "A"), task("A", "C")},
		{task("B", "A"), task("D"), task("A", "C"), task("C", "B")},
	}

	var first *CyclicDependencyError
	for i, tasks := range orders {
		_, err := Build(tasks)
		var cyc *CyclicDependencyError
		if !errors.As(err, &cyc) {
			t.Fatalf("order %d: expected CyclicDependencyError, got %v", i, err)
		}
		if first == nil {
			first = cyc
			continue
		}
		if cyc.Task != first.Task || !reflect.DeepEqual(cyc.Path, first.Path) {
			t.Errorf("order %d: cycle = %s %v, want %s %v", i, cyc.Task, cyc.Path, first.Task, first.Path)
		}
	}
	if first.Task != "A" {
		t.Errorf("cycle task = %q, want %q", first.Task, "A")
	}
	if want := []string{"A", "C", "B", "A"}; !reflect.DeepEqual(first.Path, want) {
		t.Errorf("cycle path = %v, want %v", first.Path, want)
	}
}

func TestBuild_BindingMustBeDependency(t *testing.T) {
	a := task("A")
	b := task("B")
	c := task("C", "A")
	c.Inputs = map[string]Binding{"data": {Task: "B"}}

	_, err := Build([]*Task{a, b, c})
	var bindErr *InvalidBindingError
	if !errors.As(err, &bindErr) {
		t.Fatalf("expected InvalidBindingError, got %v", err)
	}
	if bindErr.Task != "C" || bindErr.Param != "data" || bindErr.Source != "B" {
		t.Errorf("unexpected binding error: %+v", bindErr)
	}
}

// TestBuild_LevelInvariant checks that every dependency sits in an earlier
// level and every task is placed as early as possible.
func TestBuild_LevelInvariant(t *testing.T) {
	tasks := []*Task{
		task("fetch"),
		task("parse", "fetch"),
		task("lint"),
		task("score", "parse", "lint"),
		task("doc", "parse"),
		task("report", "score", "doc", "fetch"),
	}
	g, err := Build(tasks)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	seen := make(map[string]bool)
	for i, level := range g.Levels() {
		for _, id := range level {
			if seen[id] {
				t.Errorf("task %q appears in more than one level", id)
			}
			seen[id] = true

			tk, _ := g.Task(id)
			maxDep := -1
			for _, dep := range tk.DependsOn {
				if g.LevelOf(dep) >= i {
					t.Errorf("task %q at level %d depends on %q at level %d", id, i, dep, g.LevelOf(dep))
				}
				if g.LevelOf(dep) > maxDep {
					maxDep = g.LevelOf(dep)
				}
			}
			if i != maxDep+1 {
				t.Errorf("task %q at level %d, want %d", id, i, maxDep+1)
			}
		}
	}
	if len(seen) != len(tasks) {
		t.Errorf("levels hold %d tasks, want %d", len(seen), len(tasks))
	}
}

func TestGraph_Order(t *testing.T) {
	g, err := Build([]*Task{task("C", "A", "B"), task("A"), task("B", "A")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	order, err := g.Order()
	if err != nil {
		t.Fatalf("Order failed: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(order))
	}
	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if pos["A"] > pos["B"] || pos["B"] > pos["C"] {
		t.Errorf("order %v violates dependencies", order)
	}
}

func TestGraph_Dependents(t *testing.T) {
	g, err := Build([]*Task{task("A"), task("B", "A"), task("C", "A"), task("D", "B")})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if got := g.Dependents("A"); !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Errorf("Dependents(A) = %v, want [B C]", got)
	}
	if got := g.Dependents("D"); len(got) != 0 {
		t.Errorf("Dependents(D) = %v, want empty", got)
	}
	if got := g.LevelOf("missing"); got != -1 {
		t.Errorf("LevelOf(missing) = %d, want -1", got)
	}
}

func TestBuild_DoesNotAliasInput(t *testing.T) {
	a := task("A")
	b := task("B", "A")
	g, err := Build([]*Task{a, b})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	b.DependsOn[0] = "mutated"
	got, _ := g.Task("B")
	if got.DependsOn[0] != "A" {
		t.Errorf("graph shares DependsOn with caller: %v", got.DependsOn)
	}
}
