// Package expr models declaration expressions over cty values. Expressions
// resolve against a Scope; values that depend on not-yet-applied resources
// surface as cty unknowns when the scope allows them, so they can be
// re-resolved once the dependency's remote call has returned.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// ErrExcluded marks a reference into a resource that was excluded by its
// condition. Callers decide whether that is fatal; untaken conditional
// branches never trigger it because they are never evaluated.
var ErrExcluded = errors.New("resource is excluded")

// Ref identifies a value inside another resource, e.g. outputs.vault_uri.
type Ref struct {
	Resource string
	Path     []string
}

func (r Ref) String() string {
	return r.Resource + "." + strings.Join(r.Path, ".")
}

// ResourceReader resolves cross-resource references. Implementations return
// a cty unknown for values that only exist after a remote call when the
// scope allows unknowns.
type ResourceReader interface {
	ResourceValue(ctx context.Context, ref Ref) (cty.Value, error)
}

type Scope struct {
	Env       map[string]cty.Value
	Resources ResourceReader

	// AllowUnknown permits deferred values during pre-flight evaluation.
	// At apply time it is false: every reference must resolve.
	AllowUnknown bool
}

func (s *Scope) EnvValue(name string) (cty.Value, bool) {
	v, ok := s.Env[name]
	return v, ok
}

type Expr interface {
	Eval(ctx context.Context, s *Scope) (cty.Value, error)

	// Refs reports every cross-resource reference that evaluation of this
	// expression may touch, including both branches of conditionals.
	Refs() []Ref
}

type Literal struct {
	Value cty.Value
}

func (e Literal) Eval(_ context.Context, _ *Scope) (cty.Value, error) {
	return e.Value, nil
}

func (e Literal) Refs() []Ref { return nil }

type MapExpr map[string]Expr

func (e MapExpr) Eval(ctx context.Context, s *Scope) (cty.Value, error) {
	if len(e) == 0 {
		return cty.EmptyObjectVal, nil
	}

	vals := make(map[string]cty.Value, len(e))
	for k, v := range e {
		val, err := v.Eval(ctx, s)
		if err != nil {
			return cty.NilVal, fmt.Errorf("%s: %w", k, err)
		}
		vals[k] = val
	}

	return cty.ObjectVal(vals), nil
}

func (e MapExpr) Refs() []Ref {
	var refs []Ref
	for _, v := range e {
		refs = append(refs, v.Refs()...)
	}
	return refs
}

type ListExpr []Expr

func (e ListExpr) Eval(ctx context.Context, s *Scope) (cty.Value, error) {
	if len(e) == 0 {
		return cty.EmptyTupleVal, nil
	}

	vals := make([]cty.Value, 0, len(e))
	for i, v := range e {
		val, err := v.Eval(ctx, s)
		if err != nil {
			return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
		}
		vals = append(vals, val)
	}

	return cty.TupleVal(vals), nil
}

func (e ListExpr) Refs() []Ref {
	var refs []Ref
	for _, v := range e {
		refs = append(refs, v.Refs()...)
	}
	return refs
}

type RefExpr struct {
	Ref Ref
}

func (e RefExpr) Eval(ctx context.Context, s *Scope) (cty.Value, error) {
	if s.Resources == nil {
		return cty.NilVal, fmt.Errorf("reference %s: no resources in scope", e.Ref)
	}

	v, err := s.Resources.ResourceValue(ctx, e.Ref)
	if err != nil {
		return cty.NilVal, fmt.Errorf("reference %s: %w", e.Ref, err)
	}

	if !v.IsKnown() && !s.AllowUnknown {
		return cty.NilVal, fmt.Errorf("reference %s: value is not yet known", e.Ref)
	}

	return v, nil
}

func (e RefExpr) Refs() []Ref { return []Ref{e.Ref} }

type EnvExpr struct {
	Name string
}

func (e EnvExpr) Eval(_ context.Context, s *Scope) (cty.Value, error) {
	v, ok := s.EnvValue(e.Name)
	if !ok {
		return cty.NilVal, fmt.Errorf("environment constant %q is not defined", e.Name)
	}

	return v, nil
}

func (e EnvExpr) Refs() []Ref { return nil }

type CallExpr struct {
	Name string
	Args []Expr
}

func (e CallExpr) Eval(ctx context.Context, s *Scope) (cty.Value, error) {
	fn, ok := builtins[e.Name]
	if !ok {
		return cty.NilVal, fmt.Errorf("unknown function %q", e.Name)
	}

	args := make([]cty.Value, 0, len(e.Args))
	for i, a := range e.Args {
		v, err := a.Eval(ctx, s)
		if err != nil {
			return cty.NilVal, fmt.Errorf("%s: argument %d: %w", e.Name, i, err)
		}
		args = append(args, v)
	}

	// A deferred argument defers the whole call.
	for _, a := range args {
		if !a.IsKnown() {
			return cty.UnknownVal(cty.String), nil
		}
	}

	out, err := fn(args)
	if err != nil {
		return cty.NilVal, fmt.Errorf("%s: %w", e.Name, err)
	}

	return out, nil
}

func (e CallExpr) Refs() []Ref {
	var refs []Ref
	for _, a := range e.Args {
		refs = append(refs, a.Refs()...)
	}
	return refs
}

// CondExpr short-circuits: only the taken branch is evaluated, so the
// untaken branch may reference excluded or missing resources.
type CondExpr struct {
	If   Expr
	Then Expr
	Else Expr
}

func (e CondExpr) Eval(ctx context.Context, s *Scope) (cty.Value, error) {
	cond, err := e.If.Eval(ctx, s)
	if err != nil {
		return cty.NilVal, fmt.Errorf("condition: %w", err)
	}

	if !cond.IsKnown() {
		if !s.AllowUnknown {
			return cty.NilVal, errors.New("condition is not yet known")
		}
		return cty.UnknownVal(cty.DynamicPseudoType), nil
	}

	b, err := boolArg(cond)
	if err != nil {
		return cty.NilVal, fmt.Errorf("condition: %w", err)
	}

	if b {
		return e.Then.Eval(ctx, s)
	}

	return e.Else.Eval(ctx, s)
}

func (e CondExpr) Refs() []Ref {
	refs := e.If.Refs()
	refs = append(refs, e.Then.Refs()...)
	refs = append(refs, e.Else.Refs()...)
	return refs
}
