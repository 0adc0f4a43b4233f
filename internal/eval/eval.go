// Package eval resolves the expressions of an ordered graph into concrete
// values. Pre-flight it runs with unknowns allowed, so values that only
// exist after a remote call pass through as deferred; the apply executor
// re-runs single nodes with unknowns forbidden once their dependencies have
// confirmed.
package eval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/alluvium-io/alluvium/internal/convert"
	"github.com/alluvium-io/alluvium/internal/expr"
	"github.com/alluvium-io/alluvium/internal/graph"
	"github.com/alluvium-io/alluvium/internal/resolve"
)

// EvalError is an expression resolution failure, attributed to a node.
type EvalError struct {
	Node string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("resource %q: %s", e.Node, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// ResolvedNode carries a node's concrete values. Properties may contain
// unknowns until every dependency has been applied.
type ResolvedNode struct {
	Node       *graph.Node
	Excluded   bool
	Location   string
	Properties cty.Value
	Hash       string
}

type ResolvedGraph struct {
	Ordered *resolve.OrderedGraph
	Env     map[string]cty.Value
	Nodes   map[string]*ResolvedNode
}

// Evaluate walks nodes in resolved order and substitutes expressions with
// concrete values. Any failure here is pre-flight and aborts before any
// mutation. Excluded nodes keep their place but their bodies are not
// evaluated; only a dependent that actually reads from them may fail.
func Evaluate(ctx context.Context, og *resolve.OrderedGraph, env map[string]cty.Value) (*ResolvedGraph, error) {
	rg := &ResolvedGraph{
		Ordered: og,
		Env:     env,
		Nodes:   map[string]*ResolvedNode{},
	}

	scope := &expr.Scope{
		Env:          env,
		Resources:    &Reader{Graph: rg},
		AllowUnknown: true,
	}

	for _, id := range og.Order {
		n, _ := og.Node(id)
		rn := &ResolvedNode{Node: n, Excluded: og.IsExcluded(id)}
		if rn.Excluded {
			rn.Properties = cty.EmptyObjectVal
			rg.Nodes[id] = rn
			continue
		}

		if n.Location != nil {
			loc, err := n.Location.Eval(ctx, scope)
			if err != nil {
				return nil, &EvalError{Node: id, Err: fmt.Errorf("location: %w", err)}
			}
			// An unknown location stays empty here and resolves in
			// ReEvaluate once the referenced outputs exist.
			if loc.IsKnown() && !loc.IsNull() {
				if loc.Type() != cty.String {
					return nil, &EvalError{Node: id, Err: fmt.Errorf("location: expected string, got %s", loc.Type().FriendlyName())}
				}
				rn.Location = loc.AsString()
			}
		}

		props, err := n.Properties.Eval(ctx, scope)
		if err != nil {
			return nil, &EvalError{Node: id, Err: err}
		}
		rn.Properties = props
		rn.Hash, err = hashNode(rn)
		if err != nil {
			return nil, &EvalError{Node: id, Err: err}
		}

		rg.Nodes[id] = rn
	}

	return rg, nil
}

// ReEvaluate resolves one node's deferred expressions with unknowns
// forbidden, against the live outputs the executor has collected so far.
// The returned node's hash is unchanged: the declared-property hash is
// computed pre-flight and stays stable across deferred resolution.
func (rg *ResolvedGraph) ReEvaluate(ctx context.Context, id string, outputs OutputSource) (*ResolvedNode, error) {
	rn, ok := rg.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("resource not in graph: %s", id)
	}

	scope := &expr.Scope{
		Env:       rg.Env,
		Resources: &Reader{Graph: rg, Outputs: outputs},
	}

	n := rn.Node
	resolved := &ResolvedNode{Node: n, Excluded: rn.Excluded, Location: rn.Location, Hash: rn.Hash}

	if n.Location != nil {
		loc, err := n.Location.Eval(ctx, scope)
		if err != nil {
			return nil, &EvalError{Node: id, Err: fmt.Errorf("location: %w", err)}
		}
		if !loc.IsNull() {
			if loc.Type() != cty.String {
				return nil, &EvalError{Node: id, Err: fmt.Errorf("location: expected string, got %s", loc.Type().FriendlyName())}
			}
			resolved.Location = loc.AsString()
		}
	}

	props, err := n.Properties.Eval(ctx, scope)
	if err != nil {
		return nil, &EvalError{Node: id, Err: err}
	}
	resolved.Properties = props

	return resolved, nil
}

func hashNode(rn *ResolvedNode) (string, error) {
	doc := cty.ObjectVal(map[string]cty.Value{
		"type":        cty.StringVal(rn.Node.Type),
		"api_version": cty.StringVal(rn.Node.APIVersion),
		"location":    cty.StringVal(rn.Location),
		"properties":  rn.Properties,
	})

	data, err := convert.CanonicalJSON(doc)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// OutputSource exposes the provider outputs of already-applied resources.
type OutputSource interface {
	NodeOutputs(id string) (map[string]any, bool)
}

// Reader resolves cross-resource references against the resolved graph.
// With a nil Outputs source every outputs reference is deferred; with one,
// references resolve to the collected values or fail.
type Reader struct {
	Graph   *ResolvedGraph
	Outputs OutputSource
}

func (r *Reader) ResourceValue(ctx context.Context, ref expr.Ref) (cty.Value, error) {
	rn, ok := r.Graph.Nodes[ref.Resource]
	if !ok {
		// Nodes later in the resolved order have not been evaluated yet.
		// The resolver ordered dependencies first, so reaching this means
		// the reference escaped dependency discovery.
		return cty.NilVal, fmt.Errorf("resource %q is not resolved yet", ref.Resource)
	}

	if rn.Excluded {
		return cty.NilVal, expr.ErrExcluded
	}

	switch ref.Path[0] {
	case "name":
		return cty.StringVal(rn.Node.Name), nil
	case "type":
		return cty.StringVal(rn.Node.Type), nil
	case "location":
		return cty.StringVal(rn.Location), nil
	case "properties":
		return walkPath(rn.Properties, ref.Path[1:])
	case "outputs":
		if r.Outputs == nil {
			return cty.UnknownVal(cty.DynamicPseudoType), nil
		}
		outs, ok := r.Outputs.NodeOutputs(ref.Resource)
		if !ok {
			return cty.NilVal, fmt.Errorf("outputs of %q are not available", ref.Resource)
		}
		v, err := convert.ToCty(map[string]any(outs))
		if err != nil {
			return cty.NilVal, err
		}
		return walkPath(v, ref.Path[1:])
	default:
		return cty.NilVal, fmt.Errorf("unknown reference path %q, expected name, type, location, properties, or outputs", ref.Path[0])
	}
}

func walkPath(v cty.Value, path []string) (cty.Value, error) {
	for _, p := range path {
		if !v.IsKnown() {
			return cty.UnknownVal(cty.DynamicPseudoType), nil
		}
		t := v.Type()
		switch {
		case t.IsObjectType():
			if !t.HasAttribute(p) {
				return cty.NilVal, fmt.Errorf("has no attribute %q", p)
			}
			v = v.GetAttr(p)
		case t.IsMapType():
			idx := cty.StringVal(p)
			if v.HasIndex(idx).False() {
				return cty.NilVal, fmt.Errorf("has no attribute %q", p)
			}
			v = v.Index(idx)
		default:
			return cty.NilVal, fmt.Errorf("cannot descend into %s with %q", t.FriendlyName(), p)
		}
	}

	return v, nil
}
