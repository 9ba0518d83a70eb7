package export

import (
	"context"
	"slices"
	"strings"

	"github.com/roach88/briefsync/internal/ir"
)

// dependencies returns the entities e refers to and must follow. Bootstrap
// ids and self references are left out: they exist in every repository.
func dependencies(e ir.Entity) []ir.Ref {
	var out []ir.Ref
	add := func(kind ir.Kind, id ir.ID) {
		if !id.IsValid() || id.IsReserved() {
			return
		}
		ref := ir.Ref{Kind: kind, ID: id}
		if ref == ir.RefOf(e) || slices.Contains(out, ref) {
			return
		}
		out = append(out, ref)
	}
	switch v := e.(type) {
	case *ir.Element:
		add(ir.KindModel, v.ModelID)
		add(ir.KindElement, v.ParentID)
		add(ir.KindElement, v.Code.ScopeID)
	case *ir.Model:
		add(ir.KindElement, v.ModeledElementID)
		add(ir.KindModel, v.ParentModelID)
	case *ir.Aspect:
		add(ir.KindElement, v.ElementID)
	case *ir.Relationship:
		add(ir.KindElement, v.SourceID)
		add(ir.KindElement, v.TargetID)
	}
	return out
}

// depGraph holds element and model refs with edges pointing at the nodes
// each one must follow. Nodes keep their dependencies, not the entities.
type depGraph struct {
	deps  map[ir.Ref][]ir.Ref
	edges map[ir.Ref][]ir.Ref
}

func newDepGraph() *depGraph {
	return &depGraph{deps: map[ir.Ref][]ir.Ref{}, edges: map[ir.Ref][]ir.Ref{}}
}

func (g *depGraph) add(ref ir.Ref, deps []ir.Ref) { g.deps[ref] = deps }

func (g *depGraph) has(ref ir.Ref) bool {
	_, ok := g.deps[ref]
	return ok
}

// missingFunc decides what a dependency outside the graph means. A non-nil
// error aborts linking.
type missingFunc func(ctx context.Context, from, dep ir.Ref) error

// link builds the edges. Dependencies outside the graph are handed to
// missing, or ignored when missing is nil.
func (g *depGraph) link(ctx context.Context, missing missingFunc) error {
	for _, ref := range g.sortedRefs() {
		var edges []ir.Ref
		for _, dep := range g.deps[ref] {
			if g.has(dep) {
				edges = append(edges, dep)
				continue
			}
			if missing != nil {
				if err := missing(ctx, ref, dep); err != nil {
					return err
				}
			}
		}
		g.edges[ref] = edges
	}
	return nil
}

func (g *depGraph) sortedRefs() []ir.Ref {
	refs := make([]ir.Ref, 0, len(g.deps))
	for ref := range g.deps {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, compareRefs)
	return refs
}

// compareRefs orders by id, then by kind, so a modeled element sorts before
// the model sharing its id.
func compareRefs(a, b ir.Ref) int {
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	case a.Kind < b.Kind:
		return -1
	case a.Kind > b.Kind:
		return 1
	}
	return 0
}

// order returns every node after its dependencies. It runs Tarjan's
// algorithm over the sorted nodes: components come out dependencies first,
// and any component larger than one node, or a node depending on itself, is
// a cycle.
func (g *depGraph) order() ([]ir.Ref, error) {
	var (
		index   = 0
		stack   []ir.Ref
		indices = make(map[ir.Ref]int)
		lowlink = make(map[ir.Ref]int)
		onStack = make(map[ir.Ref]bool)
		out     = make([]ir.Ref, 0, len(g.deps))
		cycle   []ir.Ref
	)

	var strongConnect func(ir.Ref)
	strongConnect = func(v ir.Ref) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var scc []ir.Ref
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || slices.Contains(g.edges[v], v) {
			if cycle == nil {
				cycle = g.cyclePath(scc)
			}
			return
		}
		out = append(out, v)
	}

	for _, ref := range g.sortedRefs() {
		if _, visited := indices[ref]; !visited {
			strongConnect(ref)
		}
	}
	if cycle != nil {
		names := make([]string, len(cycle))
		for i, ref := range cycle {
			names[i] = ref.String()
		}
		return nil, ir.NewSchemaViolation(cycle[0].Kind, cycle[0].ID, "dependency cycle: %s", strings.Join(names, " -> "))
	}
	return out, nil
}

// cyclePath walks edges inside one component from its lowest node back to
// itself.
func (g *depGraph) cyclePath(scc []ir.Ref) []ir.Ref {
	slices.SortFunc(scc, compareRefs)
	members := make(map[ir.Ref]bool, len(scc))
	for _, ref := range scc {
		members[ref] = true
	}
	start := scc[0]
	path := []ir.Ref{start}
	visited := map[ir.Ref]bool{}
	for current := start; ; {
		visited[current] = true
		var next ir.Ref
		found := false
		for _, w := range g.edges[current] {
			if members[w] && (!visited[w] || w == start) {
				next, found = w, true
				break
			}
		}
		if !found {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		current = next
	}
}
