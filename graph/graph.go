// Package graph holds the in-memory representation of a validated subtask
// graph. A TaskGraph is built once from subtask specs and afterwards answers
// pure readiness and terminality queries; it never mutates itself and holds
// no scheduler state. Nodes live in an arena indexed by id with adjacency
// lists for both edge directions, so there are no object-reference cycles to
// manage.
package graph

import (
	"fmt"
	"sort"

	"github.com/hupe1980/taskmesh/core"
)

// TaskGraph is the immutable dependency structure of one execution.
type TaskGraph struct {
	nodes      map[string]core.SubTaskSpec
	dependsOn  map[string][]string // node -> its prerequisites
	dependents map[string][]string // node -> nodes that require it
	order      []string            // ids in submission order, for deterministic iteration
}

// Build constructs a TaskGraph from subtask specs. It fails with a
// *core.GraphError when a dependency references an unknown id or the
// dependency relation contains a cycle.
func Build(specs []core.SubTaskSpec) (*TaskGraph, error) {
	g := &TaskGraph{
		nodes:      make(map[string]core.SubTaskSpec, len(specs)),
		dependsOn:  make(map[string][]string, len(specs)),
		dependents: make(map[string][]string),
		order:      make([]string, 0, len(specs)),
	}
	for _, spec := range specs {
		if _, dup := g.nodes[spec.ID]; dup {
			return nil, &core.GraphError{Reason: fmt.Sprintf("duplicate subtask id %q", spec.ID)}
		}
		g.nodes[spec.ID] = spec
		g.order = append(g.order, spec.ID)
	}
	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, &core.GraphError{Reason: fmt.Sprintf("subtask %q depends on unknown id %q", spec.ID, dep)}
			}
			g.dependsOn[spec.ID] = append(g.dependsOn[spec.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], spec.ID)
		}
	}
	if cycle := g.findCycle(); cycle != "" {
		return nil, &core.GraphError{Reason: fmt.Sprintf("dependency cycle through subtask %q", cycle)}
	}
	return g, nil
}

// findCycle runs an iterative depth-first traversal with a recursion-stack
// marker and returns the id of a node on a cycle, or "" if the graph is
// acyclic.
func (g *TaskGraph) findCycle() string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.nodes))

	type frame struct {
		id   string
		next int
	}
	for _, start := range g.order {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{id: start}}
		state[start] = inStack
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.dependsOn[top.id]
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch state[dep] {
				case inStack:
					return dep
				case unvisited:
					state[dep] = inStack
					stack = append(stack, frame{id: dep})
				}
				continue
			}
			state[top.id] = done
			stack = stack[:len(stack)-1]
		}
	}
	return ""
}

// Len returns the number of nodes.
func (g *TaskGraph) Len() int { return len(g.nodes) }

// Node returns the spec for id and whether it exists.
func (g *TaskGraph) Node(id string) (core.SubTaskSpec, bool) {
	spec, ok := g.nodes[id]
	return spec, ok
}

// Ready returns, in submission order, the ids whose dependencies are all in
// completed and which are not in dispatched. It is a pure function of the
// graph plus the caller-supplied sets.
func (g *TaskGraph) Ready(completed, dispatched map[string]struct{}) []string {
	var ready []string
	for _, id := range g.order {
		if _, done := completed[id]; done {
			continue
		}
		if _, inFlight := dispatched[id]; inFlight {
			continue
		}
		ok := true
		for _, dep := range g.dependsOn[id] {
			if _, done := completed[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// IsTerminal reports whether every node has a terminal status, i.e. no node
// can still become ready.
func (g *TaskGraph) IsTerminal(statuses map[string]core.SubtaskStatus) bool {
	for _, id := range g.order {
		if !statuses[id].Terminal() {
			return false
		}
	}
	return true
}

// Dependents returns the direct and transitive dependents of id in sorted
// order. The failure-propagation policy marks exactly this set failed when
// id fails.
func (g *TaskGraph) Dependents(id string) []string {
	seen := make(map[string]struct{})
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, ok := seen[next]; ok {
			continue
		}
		seen[next] = struct{}{}
		queue = append(queue, g.dependents[next]...)
	}
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
