// Package graph builds typed resource nodes from a declaration set and
// validates its structure before anything downstream runs.
package graph

import (
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"

	"github.com/alluvium-io/alluvium/decl"
	"github.com/alluvium-io/alluvium/internal/expr"
)

// ValidationError is fatal for the whole run. It names the offending node
// and, when the problem sits inside the property bag, the path to it.
type ValidationError struct {
	Node string
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("resource %q: %s: %s", e.Node, e.Path, e.Err)
	}

	return fmt.Sprintf("resource %q: %s", e.Node, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Node is one declared resource. The builder fills in the compiled
// expressions; the resolver and planner annotate it later.
type Node struct {
	Name       string
	Type       string
	APIVersion string
	Condition  expr.Expr
	Location   expr.Expr
	Properties expr.MapExpr
	DependsOn  []string

	refs []expr.Ref
}

// References reports every cross-resource reference in the node's condition,
// location, and property bag, including untaken conditional branches.
func (n *Node) References() []expr.Ref {
	return n.refs
}

// Dependencies returns the union of explicit dependsOn declarations and the
// targets of implicit references, deduplicated, in discovery order.
func (n *Node) Dependencies() []string {
	seen := map[string]bool{}
	var deps []string
	for _, d := range n.DependsOn {
		if !seen[d] {
			seen[d] = true
			deps = append(deps, d)
		}
	}
	for _, r := range n.refs {
		if !seen[r.Resource] {
			seen[r.Resource] = true
			deps = append(deps, r.Resource)
		}
	}

	return deps
}

// Graph holds nodes in declaration order plus the declared outputs.
type Graph struct {
	Nodes   []*Node
	Outputs map[string]expr.Expr

	index map[string]*Node
}

func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.index[name]
	return n, ok
}

// Build is a pure transform from declarations to a validated graph. It
// fails on duplicate names, dangling dependency or reference targets, and
// malformed expressions.
func Build(set decl.Set) (*Graph, error) {
	g := &Graph{
		Outputs: map[string]expr.Expr{},
		index:   map[string]*Node{},
	}

	for _, r := range set.Resources {
		if r.Name == "" {
			return nil, &ValidationError{Node: r.Type, Err: fmt.Errorf("resource of type %q has no name", r.Type)}
		}
		if r.Type == "" {
			return nil, &ValidationError{Node: r.Name, Err: fmt.Errorf("resource has no type")}
		}
		if _, ok := g.index[r.Name]; ok {
			return nil, &ValidationError{Node: r.Name, Err: fmt.Errorf("duplicate resource name")}
		}

		node, err := buildNode(r)
		if err != nil {
			return nil, err
		}

		g.Nodes = append(g.Nodes, node)
		g.index[r.Name] = node
	}

	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			if _, ok := g.index[d]; !ok {
				return nil, &ValidationError{Node: n.Name, Err: fmt.Errorf("depends on undeclared resource %q", d)}
			}
		}
		for _, r := range n.refs {
			if _, ok := g.index[r.Resource]; !ok {
				return nil, &ValidationError{Node: n.Name, Err: fmt.Errorf("references undeclared resource %q", r.Resource)}
			}
		}
	}

	for name, out := range set.Outputs {
		compiled, err := expr.Compile(out)
		if err != nil {
			return nil, &ValidationError{Node: "outputs", Path: name, Err: err}
		}
		for _, r := range compiled.Refs() {
			if _, ok := g.index[r.Resource]; !ok {
				return nil, &ValidationError{Node: "outputs", Path: name, Err: fmt.Errorf("references undeclared resource %q", r.Resource)}
			}
		}
		g.Outputs[name] = compiled
	}

	return g, nil
}

func buildNode(r decl.Resource) (*Node, error) {
	node := &Node{
		Name:       r.Name,
		Type:       r.Type,
		APIVersion: r.APIVersion,
		DependsOn:  append([]string(nil), r.DependsOn...),
	}

	condition := expr.Expr(expr.Literal{Value: cty.True})
	if !r.Condition.IsEmpty() {
		compiled, err := expr.Compile(r.Condition)
		if err != nil {
			return nil, &ValidationError{Node: r.Name, Path: "condition", Err: err}
		}
		// Inclusion is decided pre-flight, so a condition may not read
		// another resource's values.
		if len(compiled.Refs()) > 0 {
			return nil, &ValidationError{Node: r.Name, Path: "condition", Err: fmt.Errorf("condition must not reference other resources")}
		}
		condition = compiled
	}
	node.Condition = condition

	if !r.Location.IsEmpty() {
		compiled, err := expr.Compile(r.Location)
		if err != nil {
			return nil, &ValidationError{Node: r.Name, Path: "location", Err: err}
		}
		node.Location = compiled
		node.refs = append(node.refs, compiled.Refs()...)
	}

	props := expr.MapExpr{}
	for k, v := range r.Properties {
		compiled, err := expr.Compile(v)
		if err != nil {
			return nil, &ValidationError{Node: r.Name, Path: propertyPath(k), Err: err}
		}
		props[k] = compiled
		node.refs = append(node.refs, compiled.Refs()...)
	}
	node.Properties = props

	return node, nil
}

func propertyPath(parts ...string) string {
	return "properties." + strings.Join(parts, ".")
}
