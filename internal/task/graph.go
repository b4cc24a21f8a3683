package task

import (
	"fmt"
	"sort"
)

// Graph is the set of tasks known for one run. It is built before the run
// starts and only read afterwards.
type Graph struct {
	tasks  map[string]*Task
	names  []string
	before map[string][]string
	after  map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:  make(map[string]*Task),
		before: make(map[string][]string),
		after:  make(map[string][]string),
	}
}

func (g *Graph) add(t *Task) (*Task, error) {
	if t.Name == "" {
		return nil, fmt.Errorf("task name cannot be empty")
	}
	if _, exists := g.tasks[t.Name]; exists {
		return nil, &DuplicateTaskError{Name: t.Name}
	}
	t.index = len(g.names)
	g.tasks[t.Name] = t
	g.names = append(g.names, t.Name)
	return t, nil
}

// Register adds a task with a body and optional dependencies. Dependencies are
// checked when the graph is resolved.
func (g *Graph) Register(name string, body Body, deps ...string) (*Task, error) {
	if body == nil {
		return nil, fmt.Errorf("task %q has no body", name)
	}
	return g.add(&Task{Name: name, Body: body, Deps: append([]string(nil), deps...)})
}

// Group adds a composite task that runs children in the given order.
func (g *Graph) Group(name string, children ...string) (*Task, error) {
	return g.add(&Task{Name: name, Children: append([]string{}, children...)})
}

// Before hooks other to run immediately before name.
func (g *Graph) Before(name, other string) {
	g.before[name] = append(g.before[name], other)
}

// After hooks other to run immediately after name.
func (g *Graph) After(name, other string) {
	g.after[name] = append(g.after[name], other)
}

// Describe sets a task's description.
func (g *Graph) Describe(name, desc string) error {
	t, ok := g.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}
	t.Description = desc
	return nil
}

// SetPrivate changes a task's visibility.
func (g *Graph) SetPrivate(name string, private bool) error {
	t, ok := g.tasks[name]
	if !ok {
		return &UnknownTaskError{Name: name}
	}
	t.Private = private
	return nil
}

// Get looks a task up by name.
func (g *Graph) Get(name string) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns every task in registration order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.names))
	for _, n := range g.names {
		out = append(out, g.tasks[n])
	}
	return out
}

// Validate checks that every referenced task exists and that dependencies
// are acyclic.
func (g *Graph) Validate() error {
	for _, name := range g.names {
		t := g.tasks[name]
		for _, d := range t.Deps {
			if _, ok := g.tasks[d]; !ok {
				return &UnknownTaskError{Name: d, Referrer: name, Relation: "deps"}
			}
		}
		for _, c := range t.Children {
			if _, ok := g.tasks[c]; !ok {
				return &UnknownTaskError{Name: c, Referrer: name, Relation: "group"}
			}
		}
	}
	if err := g.validateHooks("before", g.before); err != nil {
		return err
	}
	if err := g.validateHooks("after", g.after); err != nil {
		return err
	}
	if path := g.findCycle(g.sortedDeps); path != nil {
		return &CyclicDependencyError{Path: path}
	}
	if path := g.findCycle(g.orderEdges()); path != nil {
		return &CyclicDependencyError{Path: path}
	}
	return nil
}

func (g *Graph) validateHooks(relation string, hooks map[string][]string) error {
	anchors := make([]string, 0, len(hooks))
	for a := range hooks {
		anchors = append(anchors, a)
	}
	sort.Strings(anchors)
	for _, a := range anchors {
		if _, ok := g.tasks[a]; !ok {
			return &UnknownTaskError{Name: a, Referrer: hooks[a][0], Relation: relation}
		}
		for _, h := range hooks[a] {
			if _, ok := g.tasks[h]; !ok {
				return &UnknownTaskError{Name: h, Referrer: a, Relation: relation}
			}
		}
	}
	return nil
}

// orderEdges returns, for each task, the tasks that must run after it: its
// dependents, the anchors it is a before hook of and its own after hooks.
func (g *Graph) orderEdges() func(name string) []string {
	next := make(map[string][]string, len(g.names))
	add := func(from, to string) {
		for _, n := range next[from] {
			if n == to {
				return
			}
		}
		next[from] = append(next[from], to)
	}
	for _, name := range g.names {
		for _, d := range g.tasks[name].Deps {
			add(d, name)
		}
		for _, h := range g.before[name] {
			add(h, name)
		}
		for _, h := range g.after[name] {
			add(name, h)
		}
	}
	for _, list := range next {
		sort.SliceStable(list, func(i, j int) bool {
			return g.tasks[list[i]].index < g.tasks[list[j]].index
		})
	}
	return func(name string) []string { return next[name] }
}

// findCycle walks the edges given by next in registration order and returns
// one cycle, or nil when the relation is acyclic.
func (g *Graph) findCycle(next func(name string) []string) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.names))
	var stack []string

	var dfs func(n string) []string
	dfs = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, d := range next(n) {
			switch color[d] {
			case gray:
				for i, s := range stack {
					if s == d {
						return append(append([]string(nil), stack[i:]...), d)
					}
				}
			case white:
				if path := dfs(d); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range g.names {
		if color[n] == white {
			if path := dfs(n); path != nil {
				return path
			}
		}
	}
	return nil
}

func (g *Graph) sortedDeps(name string) []string {
	deps := append([]string(nil), g.tasks[name].Deps...)
	sort.SliceStable(deps, func(i, j int) bool {
		return g.tasks[deps[i]].index < g.tasks[deps[j]].index
	})
	return deps
}
