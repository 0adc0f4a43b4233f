package expr

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"

	"github.com/alluvium-io/alluvium/decl"
)

// Compile turns a declaration expression into an evaluatable one. Structural
// problems (unknown expression type, unknown function, empty reference) are
// reported here so the graph builder can reject the whole set pre-flight.
func Compile(e decl.Expr) (Expr, error) {
	switch v := e.Value.(type) {
	case decl.StringLiteral:
		return Literal{Value: cty.StringVal(v.Value)}, nil
	case decl.BoolLiteral:
		return Literal{Value: cty.BoolVal(v.Value)}, nil
	case decl.IntegerLiteral:
		return Literal{Value: cty.NumberIntVal(int64(v.Value))}, nil
	case decl.MapCollection:
		m := MapExpr{}
		for k, elem := range v.Value {
			compiled, err := Compile(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = compiled
		}
		return m, nil
	case decl.ListCollection:
		l := make(ListExpr, 0, len(v.Value))
		for i, elem := range v.Value {
			compiled, err := Compile(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			l = append(l, compiled)
		}
		return l, nil
	case decl.Ref:
		if v.Resource == "" {
			return nil, fmt.Errorf("reference is missing a resource name")
		}
		if len(v.Path) == 0 {
			return nil, fmt.Errorf("reference to %q is missing a path", v.Resource)
		}
		return RefExpr{Ref: Ref{Resource: v.Resource, Path: v.Path}}, nil
	case decl.Call:
		if !IsBuiltin(v.Name) {
			return nil, fmt.Errorf("unknown function %q", v.Name)
		}
		args := make([]Expr, 0, len(v.Args))
		for i, a := range v.Args {
			compiled, err := Compile(a)
			if err != nil {
				return nil, fmt.Errorf("%s: argument %d: %w", v.Name, i, err)
			}
			args = append(args, compiled)
		}
		return CallExpr{Name: v.Name, Args: args}, nil
	case decl.Conditional:
		cond, err := Compile(v.If)
		if err != nil {
			return nil, fmt.Errorf("if: %w", err)
		}
		then, err := Compile(v.Then)
		if err != nil {
			return nil, fmt.Errorf("then: %w", err)
		}
		els, err := Compile(v.Else)
		if err != nil {
			return nil, fmt.Errorf("else: %w", err)
		}
		return CondExpr{If: cond, Then: then, Else: els}, nil
	case decl.GetEnvironment:
		if v.Name == "" {
			return nil, fmt.Errorf("environment lookup is missing a name")
		}
		return EnvExpr{Name: v.Name}, nil
	default:
		return nil, fmt.Errorf("unsupported expression type: %T", e.Value)
	}
}

// CompileMap compiles a property bag, preserving per-key error context.
func CompileMap(props map[string]decl.Expr) (MapExpr, error) {
	m := MapExpr{}
	for k, v := range props {
		compiled, err := Compile(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = compiled
	}

	return m, nil
}
