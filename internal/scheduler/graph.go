package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is the dependency structure of one run. Nodes are task IDs and edges
// point from a dependency to its dependent. A Graph is immutable once built.
type Graph struct {
	ids        []string            // Registration order
	order      []string            // Topological order
	deps       map[string][]string // taskID -> resolved dependency IDs
	dependents map[string][]string // taskID -> tasks that depend on it
	unresolved []UnresolvedDependency
	edges      int
}

// BuildGraph resolves every task's declared dependencies against the names and
// IDs of the whole task set (first registered match wins) and verifies that the
// result is acyclic.
//
// References that match nothing are recorded as warnings and produce no edge,
// unless strict is set, in which case they fail the build.
func BuildGraph(tasks []*Task, strict bool) (*Graph, error) {
	g := &Graph{
		ids:        make([]string, 0, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string),
	}

	// Index names and IDs, rejecting duplicate IDs
	byRef := make(map[string]string, 2*len(tasks))
	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.ID] {
			return nil, &DuplicateTaskError{ID: task.ID}
		}
		seen[task.ID] = true
		g.ids = append(g.ids, task.ID)
	}
	for _, task := range tasks {
		// A reference may be a name or an ID; the earliest registered task wins
		if _, ok := byRef[task.Name]; !ok && task.Name != "" {
			byRef[task.Name] = task.ID
		}
		if _, ok := byRef[task.ID]; !ok {
			byRef[task.ID] = task.ID
		}
	}

	// Resolve references into edges
	for _, task := range tasks {
		resolved := make([]string, 0, len(task.DependsOn))
		for _, ref := range task.DependsOn {
			depID, ok := byRef[ref]
			if !ok {
				g.unresolved = append(g.unresolved, UnresolvedDependency{TaskID: task.ID, Ref: ref})
				continue
			}
			if slices.Contains(resolved, depID) {
				continue
			}
			resolved = append(resolved, depID)
			g.dependents[depID] = append(g.dependents[depID], task.ID)
			g.edges++
		}
		g.deps[task.ID] = resolved
	}

	if strict && len(g.unresolved) > 0 {
		return nil, &UnresolvedDependencyError{Missing: g.unresolved}
	}

	order, err := g.sort()
	if err != nil {
		return nil, err
	}
	g.order = order
	return g, nil
}

// sort runs a topological sort with gammazero/toposort and, on failure,
// reports every cycle found.
func (g *Graph) sort() ([]string, error) {
	var edges []toposort.Edge
	for _, id := range g.ids {
		deps := g.deps[id]
		if len(deps) == 0 {
			// Edge from nil keeps isolated tasks in the result
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CycleError{Cycles: g.cycles()}
	}

	order := make([]string, 0, len(g.ids))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.ids) {
		// toposort drops nodes that only sit on cycles
		return nil, &CycleError{Cycles: g.cycles()}
	}
	return order, nil
}

// cycles returns the strongly connected components that contain a cycle
// (Tarjan's algorithm), each sorted, in registration order of their first member.
func (g *Graph) cycles() [][]string {
	index := make(map[string]int, len(g.ids))
	low := make(map[string]int, len(g.ids))
	onStack := make(map[string]bool, len(g.ids))
	var stack []string
	var out [][]string
	next := 0

	var visit func(id string)
	visit = func(id string) {
		index[id] = next
		low[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		for _, w := range g.dependents[id] {
			if _, ok := index[w]; !ok {
				visit(w)
				low[id] = min(low[id], low[w])
			} else if onStack[w] {
				low[id] = min(low[id], index[w])
			}
		}

		if low[id] != index[id] {
			return
		}
		var comp []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			comp = append(comp, w)
			if w == id {
				break
			}
		}
		if len(comp) > 1 || slices.Contains(g.deps[id], id) {
			sort.Strings(comp)
			out = append(out, comp)
		}
	}

	for _, id := range g.ids {
		if _, ok := index[id]; !ok {
			visit(id)
		}
	}
	return out
}

// Order returns task IDs in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Dependencies returns the resolved dependency IDs of a task.
func (g *Graph) Dependencies(taskID string) []string {
	return append([]string(nil), g.deps[taskID]...)
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	return append([]string(nil), g.dependents[taskID]...)
}

// Unresolved lists the references that matched no task.
func (g *Graph) Unresolved() []UnresolvedDependency {
	return append([]UnresolvedDependency(nil), g.unresolved...)
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.ids) }

// Edges is the number of resolved dependency edges.
func (g *Graph) Edges() int { return g.edges }

func (g *Graph) String() string {
	return fmt.Sprintf("graph(%d nodes, %d edges: %s)", len(g.ids), g.edges, strings.Join(g.order, ","))
}
