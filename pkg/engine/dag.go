package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the dependency graph over resource identities. Nodes are the
// union of desired and recorded identities; an edge A -> B means A must
// be applied before B. The graph is an adjacency structure keyed by
// identity, never pointers between resources, and is read-only after
// construction so worker goroutines share it without locking.
type Graph struct {
	nodes map[string]*graphNode
	waves [][]Identity
}

type graphNode struct {
	id         Identity
	deps       []string // identities this node depends on
	dependents []string // identities depending on this node
	declOrder  int
}

// BuildGraph constructs the dependency graph for a desired
// configuration and the recorded identities. Edges are the union of
// explicit DependsOn hints and implicit edges inferred from reference
// enumeration; recorded-only resources contribute the edges they were
// applied with. Cyclic input fails with a DEPENDENCY_CYCLE error naming
// the identities on the cycle.
func BuildGraph(desired []*Resource, recorded map[Identity]*RecordedState) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*graphNode)}

	for _, res := range desired {
		key := res.Identity.String()
		if _, exists := g.nodes[key]; exists {
			return nil, NewSchemaViolation("duplicate resource identity", res.Identity)
		}
		g.nodes[key] = &graphNode{id: res.Identity, declOrder: res.DeclOrder}
	}

	// Recorded-only identities join the graph so destroys are ordered;
	// they sort after every declared resource, by identity for
	// determinism.
	orphanOrder := len(desired)
	orphans := make([]Identity, 0)
	for id := range recorded {
		if _, exists := g.nodes[id.String()]; !exists {
			orphans = append(orphans, id)
		}
	}
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].String() < orphans[j].String()
	})
	for _, id := range orphans {
		g.nodes[id.String()] = &graphNode{id: id, declOrder: orphanOrder}
		orphanOrder++
	}

	for _, res := range desired {
		for _, dep := range res.ReferencedIdentities() {
			if err := g.addEdge(dep, res.Identity); err != nil {
				return nil, err
			}
		}
	}
	for _, id := range orphans {
		for _, dep := range recorded[id].DependsOn {
			if _, exists := g.nodes[dep.String()]; !exists {
				continue
			}
			if err := g.addEdge(dep, id); err != nil {
				return nil, err
			}
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewDependencyCycle(cycle)
	}

	g.waves = g.computeWaves()
	return g, nil
}

func (g *Graph) addEdge(from, to Identity) error {
	fromKey, toKey := from.String(), to.String()
	if fromKey == toKey {
		return NewDependencyCycle([]Identity{from})
	}
	src, ok := g.nodes[fromKey]
	if !ok {
		// Edges to identities outside the configuration are dropped;
		// the reference resolves against recorded state at apply time.
		return nil
	}
	dst := g.nodes[toKey]
	for _, existing := range dst.deps {
		if existing == fromKey {
			return nil
		}
	}
	dst.deps = append(dst.deps, fromKey)
	src.dependents = append(src.dependents, toKey)
	return nil
}

// findCycle runs depth-first search with three-color marking
// (unvisited, in-progress, done) and returns the identities on the
// first back-edge cycle found, or nil for acyclic graphs.
func (g *Graph) findCycle() []Identity {
	const (
		white = 0 // unvisited
		grey  = 1 // in progress
		black = 2 // done
	)
	color := make(map[string]int, len(g.nodes))

	keys := g.sortedKeys()
	var stack []string

	var visit func(key string) []Identity
	visit = func(key string) []Identity {
		color[key] = grey
		stack = append(stack, key)

		// Deterministic traversal keeps the reported cycle stable.
		deps := append([]string(nil), g.nodes[key].dependents...)
		sort.Strings(deps)
		for _, next := range deps {
			switch color[next] {
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case grey:
				start := 0
				for i, k := range stack {
					if k == next {
						start = i
						break
					}
				}
				cycle := make([]Identity, 0, len(stack)-start)
				for _, k := range stack[start:] {
					cycle = append(cycle, g.nodes[k].id)
				}
				return cycle
			}
		}

		stack = stack[:len(stack)-1]
		color[key] = black
		return nil
	}

	for _, key := range keys {
		if color[key] == white {
			if cycle := visit(key); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// computeWaves runs Kahn's algorithm, repeatedly removing zero
// in-degree nodes. Each removal round is one wave: a maximal set of
// mutually independent identities. Within a wave, identities are
// ordered by declaration order.
func (g *Graph) computeWaves() [][]Identity {
	inDegree := make(map[string]int, len(g.nodes))
	for key, n := range g.nodes {
		inDegree[key] = len(n.deps)
	}

	current := make([]string, 0)
	for _, key := range g.sortedKeys() {
		if inDegree[key] == 0 {
			current = append(current, key)
		}
	}

	var waves [][]Identity
	for len(current) > 0 {
		g.sortByDeclOrder(current)
		wave := make([]Identity, len(current))
		for i, key := range current {
			wave[i] = g.nodes[key].id
		}
		waves = append(waves, wave)

		next := make([]string, 0)
		for _, key := range current {
			for _, dep := range g.nodes[key].dependents {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	return waves
}

func (g *Graph) sortedKeys() []string {
	keys := make([]string, 0, len(g.nodes))
	for key := range g.nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (g *Graph) sortByDeclOrder(keys []string) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := g.nodes[keys[i]], g.nodes[keys[j]]
		if a.declOrder != b.declOrder {
			return a.declOrder < b.declOrder
		}
		return keys[i] < keys[j]
	})
}

// Waves returns the topological waves: identities in the same wave
// share no edge and are safe to execute concurrently.
func (g *Graph) Waves() [][]Identity {
	return g.waves
}

// Dependencies returns the identities a node depends on, sorted.
func (g *Graph) Dependencies(id Identity) []Identity {
	n, ok := g.nodes[id.String()]
	if !ok {
		return nil
	}
	deps := append([]string(nil), n.deps...)
	sort.Strings(deps)
	out := make([]Identity, len(deps))
	for i, key := range deps {
		out[i] = g.nodes[key].id
	}
	return out
}

// Dependents returns the identities depending on a node, sorted.
func (g *Graph) Dependents(id Identity) []Identity {
	n, ok := g.nodes[id.String()]
	if !ok {
		return nil
	}
	deps := append([]string(nil), n.dependents...)
	sort.Strings(deps)
	out := make([]Identity, len(deps))
	for i, key := range deps {
		out[i] = g.nodes[key].id
	}
	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// ToDOT renders the graph in Graphviz DOT format for the graph command.
func (g *Graph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph resources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n")
	for _, key := range g.sortedKeys() {
		fmt.Fprintf(&sb, "  %q;\n", key)
	}
	for _, key := range g.sortedKeys() {
		deps := append([]string(nil), g.nodes[key].deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, key)
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}
