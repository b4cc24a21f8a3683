package task

import (
	"container/heap"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Plan is the linear sequence of task bodies a host executes for one
// requested task.
type Plan struct {
	Root  string
	Steps []*Task
}

// Names returns the step names in execution order.
func (p *Plan) Names() []string {
	out := make([]string, len(p.Steps))
	for i, t := range p.Steps {
		out[i] = t.Name
	}
	return out
}

// Fingerprint identifies the ordering; equal plans have equal fingerprints.
func (p *Plan) Fingerprint() string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(p.Root+"\n"+strings.Join(p.Names(), "\n")))
}

// Resolve linearizes name into a Plan.
//
// Dependencies come first in topological order, ties broken by registration
// order. Before hooks run immediately ahead of their anchor and after hooks
// immediately behind it. Group children keep their literal order. Every task
// appears at most once in a plan.
func (g *Graph) Resolve(name string) (*Plan, error) {
	t, ok := g.tasks[name]
	if !ok {
		return nil, &UnknownTaskError{Name: name}
	}
	if t.Private {
		return nil, &PrivateTaskError{Name: name}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	r := &resolver{g: g, done: make(map[string]bool)}
	if err := r.visit(name); err != nil {
		return nil, err
	}
	return &Plan{Root: name, Steps: r.steps}, nil
}

type resolver struct {
	g     *Graph
	done  map[string]bool
	stack []string
	steps []*Task
}

func (r *resolver) visit(name string) error {
	if r.done[name] {
		return nil
	}
	for i, s := range r.stack {
		if s == name {
			return &CyclicDependencyError{Path: append(append([]string(nil), r.stack[i:]...), name)}
		}
	}
	r.stack = append(r.stack, name)
	defer func() { r.stack = r.stack[:len(r.stack)-1] }()

	for _, d := range r.g.depOrder(name) {
		if err := r.visit(d); err != nil {
			return err
		}
	}
	for _, h := range r.g.before[name] {
		if err := r.visit(h); err != nil {
			return err
		}
	}
	t := r.g.tasks[name]
	if t.IsGroup() {
		for _, c := range t.Children {
			if err := r.visit(c); err != nil {
				return err
			}
		}
	} else {
		r.steps = append(r.steps, t)
	}
	r.done[name] = true
	for _, h := range r.g.after[name] {
		if err := r.visit(h); err != nil {
			return err
		}
	}
	return nil
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// depOrder returns the transitive dependencies of name, excluding name, in
// Kahn order with the ready queue keyed by registration index. The graph must
// already be validated.
func (g *Graph) depOrder(name string) []string {
	closure := map[string]bool{}
	var collect func(n string)
	collect = func(n string) {
		for _, d := range g.tasks[n].Deps {
			if !closure[d] {
				closure[d] = true
				collect(d)
			}
		}
	}
	collect(name)
	if len(closure) == 0 {
		return nil
	}

	indeg := make(map[int]int, len(closure))
	dependents := make(map[int][]int, len(closure))
	for n := range closure {
		t := g.tasks[n]
		indeg[t.index] += 0
		for _, d := range t.Deps {
			di := g.tasks[d].index
			indeg[t.index]++
			dependents[di] = append(dependents[di], t.index)
		}
	}

	ready := &indexHeap{}
	for i, deg := range indeg {
		if deg == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]string, 0, len(closure))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, g.names[i])
		for _, m := range dependents[i] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}
