// Package resolve orders a resource graph for application. It combines
// explicit dependsOn declarations with implicit edges discovered from
// expression references, rejects cycles, and computes conditional inclusion.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"strings"

	dgraph "github.com/dominikbraun/graph"
	"github.com/zclconf/go-cty/cty"
	ctyconvert "github.com/zclconf/go-cty/cty/convert"

	"github.com/alluvium-io/alluvium/internal/expr"
	"github.com/alluvium-io/alluvium/internal/graph"
)

// CycleError names the full cycle path, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// OrderedGraph is the validated graph plus a deterministic apply order and
// the set of nodes excluded by their conditions. Excluded nodes stay in the
// graph so dependents can detect the exclusion explicitly instead of
// tripping over a missing node.
type OrderedGraph struct {
	*graph.Graph

	Order    []string
	excluded map[string]bool
}

func (og *OrderedGraph) IsExcluded(name string) bool {
	return og.excluded[name]
}

// Dependents returns the names of every node that transitively depends on
// the given node, in resolved order.
func (og *OrderedGraph) Dependents(name string) []string {
	reached := map[string]bool{name: true}
	var out []string
	for _, id := range og.Order {
		if reached[id] {
			continue
		}
		n, _ := og.Node(id)
		for _, dep := range n.Dependencies() {
			if reached[dep] {
				reached[id] = true
				out = append(out, id)
				break
			}
		}
	}

	return out
}

// Resolve topologically orders the graph with a declaration-order tie-break,
// so an unchanged declaration set always applies in the same order. Node
// conditions are evaluated against the environment scope here; a false
// condition marks the node excluded rather than removing it.
func Resolve(ctx context.Context, g *graph.Graph, scope *expr.Scope) (*OrderedGraph, error) {
	if err := detectCycles(g); err != nil {
		return nil, err
	}

	position := make(map[string]int, len(g.Nodes))
	dg := dgraph.New(dgraph.StringHash, dgraph.Directed())
	for i, n := range g.Nodes {
		position[n.Name] = i
		if err := dg.AddVertex(n.Name); err != nil {
			return nil, err
		}
	}
	for _, n := range g.Nodes {
		for _, dep := range n.Dependencies() {
			if dep == n.Name {
				return nil, &CycleError{Path: []string{n.Name, n.Name}}
			}
			if err := dg.AddEdge(dep, n.Name); err != nil && !errors.Is(err, dgraph.ErrEdgeAlreadyExists) {
				return nil, err
			}
		}
	}

	order, err := dgraph.StableTopologicalSort(dg, func(a, b string) bool {
		return position[a] < position[b]
	})
	if err != nil {
		return nil, err
	}

	og := &OrderedGraph{
		Graph:    g,
		Order:    order,
		excluded: map[string]bool{},
	}

	for _, id := range order {
		n, _ := g.Node(id)
		cond, err := n.Condition.Eval(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("resource %q: condition: %w", id, err)
		}
		if !cond.IsKnown() {
			return nil, fmt.Errorf("resource %q: condition must be known before planning", id)
		}
		b, err := ctyconvert.Convert(cond, cty.Bool)
		if err != nil || b.IsNull() {
			return nil, fmt.Errorf("resource %q: condition: expected bool, got %s", id, cond.Type().FriendlyName())
		}
		if b.False() {
			og.excluded[id] = true
		}
	}

	return og, nil
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// detectCycles runs a three-color depth-first traversal. A back-edge to an
// in-progress node is a cycle; the error carries the path around it.
func detectCycles(g *graph.Graph) error {
	color := make(map[string]int, len(g.Nodes))
	var stack []string

	var visit func(name string) *CycleError
	visit = func(name string) *CycleError {
		color[name] = colorGray
		stack = append(stack, name)

		n, _ := g.Node(name)
		for _, dep := range n.Dependencies() {
			switch color[dep] {
			case colorGray:
				// Trim the stack down to where the cycle starts.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Path: path}
			case colorWhite:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[name] = colorBlack
		return nil
	}

	for _, n := range g.Nodes {
		if color[n.Name] == colorWhite {
			if err := visit(n.Name); err != nil {
				return err
			}
		}
	}

	return nil
}
