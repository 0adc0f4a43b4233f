package load

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/alluvium-io/alluvium/decl"
)

// Resource block attributes with engine meaning. Everything else becomes a
// declared property.
const (
	attrAPIVersion = "api_version"
	attrLocation   = "location"
	attrCondition  = "condition"
	attrDependsOn  = "depends_on"
)

// envRoot is the traversal root reserved for environment constants:
// env.location reads the constant named "location". Every other root is a
// resource reference.
const envRoot = "env"

var setSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

// HCL lowers an HCL declaration file into the canonical declaration set.
// Expressions are not evaluated here; they are translated into the
// expression envelope so references stay visible to dependency discovery.
func HCL(filename string, src []byte) (decl.Set, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return decl.Set{}, fmt.Errorf("parse %s: %w", filename, diags)
	}

	content, diags := file.Body.Content(setSchema)
	if diags.HasErrors() {
		return decl.Set{}, fmt.Errorf("parse %s: %w", filename, diags)
	}

	var set decl.Set
	for _, block := range content.Blocks {
		switch block.Type {
		case "resource":
			res, err := lowerResource(block)
			if err != nil {
				return decl.Set{}, err
			}
			set.Resources = append(set.Resources, res)
		case "output":
			body, ok := block.Body.(*hclsyntax.Body)
			if !ok {
				return decl.Set{}, fmt.Errorf("%s: output %q has no syntax body", filename, block.Labels[0])
			}
			attr, ok := body.Attributes["value"]
			if !ok {
				return decl.Set{}, fmt.Errorf("%s: output %q is missing a value", filename, block.Labels[0])
			}
			e, err := lowerExpr(attr.Expr)
			if err != nil {
				return decl.Set{}, fmt.Errorf("output %q: %w", block.Labels[0], err)
			}
			if set.Outputs == nil {
				set.Outputs = map[string]decl.Expr{}
			}
			set.Outputs[block.Labels[0]] = e
		}
	}

	return set, nil
}

func lowerResource(block *hcl.Block) (decl.Resource, error) {
	res := decl.Resource{
		Type: block.Labels[0],
		Name: block.Labels[1],
	}

	body, ok := block.Body.(*hclsyntax.Body)
	if !ok {
		return decl.Resource{}, fmt.Errorf("resource %q has no syntax body", res.Name)
	}

	for name, attr := range body.Attributes {
		switch name {
		case attrAPIVersion:
			v, err := staticString(attr.Expr)
			if err != nil {
				return decl.Resource{}, fmt.Errorf("resource %q: %s: %w", res.Name, name, err)
			}
			res.APIVersion = v
		case attrDependsOn:
			deps, err := dependencyNames(attr.Expr)
			if err != nil {
				return decl.Resource{}, fmt.Errorf("resource %q: depends_on: %w", res.Name, err)
			}
			res.DependsOn = deps
		case attrLocation, attrCondition:
			e, err := lowerExpr(attr.Expr)
			if err != nil {
				return decl.Resource{}, fmt.Errorf("resource %q: %s: %w", res.Name, name, err)
			}
			if name == attrLocation {
				res.Location = e
			} else {
				res.Condition = e
			}
		default:
			e, err := lowerExpr(attr.Expr)
			if err != nil {
				return decl.Resource{}, fmt.Errorf("resource %q: %s: %w", res.Name, name, err)
			}
			if res.Properties == nil {
				res.Properties = map[string]decl.Expr{}
			}
			res.Properties[name] = e
		}
	}

	return res, nil
}

// lowerExpr translates an HCL syntax expression into the declaration
// expression envelope.
func lowerExpr(e hclsyntax.Expression) (decl.Expr, error) {
	switch e := e.(type) {
	case *hclsyntax.LiteralValueExpr:
		return lowerLiteral(e.Val)
	case *hclsyntax.TemplateExpr:
		return lowerTemplate(e)
	case *hclsyntax.ScopeTraversalExpr:
		return lowerTraversal(e.Traversal)
	case *hclsyntax.FunctionCallExpr:
		args := make([]decl.Expr, 0, len(e.Args))
		for _, a := range e.Args {
			arg, err := lowerExpr(a)
			if err != nil {
				return decl.Expr{}, err
			}
			args = append(args, arg)
		}
		return decl.FuncCall(e.Name, args...), nil
	case *hclsyntax.ConditionalExpr:
		cond, err := lowerExpr(e.Condition)
		if err != nil {
			return decl.Expr{}, err
		}
		then, err := lowerExpr(e.TrueResult)
		if err != nil {
			return decl.Expr{}, err
		}
		els, err := lowerExpr(e.FalseResult)
		if err != nil {
			return decl.Expr{}, err
		}
		return decl.If(cond, then, els), nil
	case *hclsyntax.TupleConsExpr:
		items := make([]decl.Expr, 0, len(e.Exprs))
		for _, item := range e.Exprs {
			v, err := lowerExpr(item)
			if err != nil {
				return decl.Expr{}, err
			}
			items = append(items, v)
		}
		return decl.List(items...), nil
	case *hclsyntax.ObjectConsExpr:
		m := map[string]decl.Expr{}
		for _, item := range e.Items {
			key, err := objectKey(item.KeyExpr)
			if err != nil {
				return decl.Expr{}, err
			}
			v, err := lowerExpr(item.ValueExpr)
			if err != nil {
				return decl.Expr{}, err
			}
			m[key] = v
		}
		return decl.Map(m), nil
	case *hclsyntax.ParenthesesExpr:
		return lowerExpr(e.Expression)
	default:
		return decl.Expr{}, fmt.Errorf("unsupported expression at %s", e.Range())
	}
}

func lowerLiteral(v cty.Value) (decl.Expr, error) {
	switch t := v.Type(); {
	case t == cty.String:
		return decl.String(v.AsString()), nil
	case t == cty.Bool:
		return decl.Bool(v.True()), nil
	case t == cty.Number:
		i, acc := v.AsBigFloat().Int64()
		if acc != 0 {
			return decl.Expr{}, fmt.Errorf("number %s is not an integer", v.AsBigFloat().Text('g', -1))
		}
		return decl.Integer(int(i)), nil
	default:
		return decl.Expr{}, fmt.Errorf("unsupported literal type %s", t.FriendlyName())
	}
}

// lowerTemplate turns "${a}-${b}" interpolation into a concat call. A
// template with a single literal part stays a plain string.
func lowerTemplate(e *hclsyntax.TemplateExpr) (decl.Expr, error) {
	if e.IsStringLiteral() {
		v, diags := e.Value(nil)
		if diags.HasErrors() {
			return decl.Expr{}, fmt.Errorf("parse template: %w", diags)
		}
		return decl.String(v.AsString()), nil
	}

	parts := make([]decl.Expr, 0, len(e.Parts))
	for _, p := range e.Parts {
		part, err := lowerExpr(p)
		if err != nil {
			return decl.Expr{}, err
		}
		parts = append(parts, part)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}

	return decl.FuncCall("concat", parts...), nil
}

func lowerTraversal(t hcl.Traversal) (decl.Expr, error) {
	steps, err := traversalSteps(t)
	if err != nil {
		return decl.Expr{}, err
	}

	if steps[0] == envRoot {
		if len(steps) != 2 {
			return decl.Expr{}, fmt.Errorf("environment reference must be env.<name>, got %d parts", len(steps))
		}
		return decl.Env(steps[1]), nil
	}

	if len(steps) < 2 {
		return decl.Expr{}, fmt.Errorf("reference %q needs an attribute, e.g. %s.outputs.id", steps[0], steps[0])
	}

	return decl.Reference(steps[0], steps[1:]...), nil
}

func traversalSteps(t hcl.Traversal) ([]string, error) {
	steps := make([]string, 0, len(t))
	for _, step := range t {
		switch s := step.(type) {
		case hcl.TraverseRoot:
			steps = append(steps, s.Name)
		case hcl.TraverseAttr:
			steps = append(steps, s.Name)
		case hcl.TraverseIndex:
			if s.Key.Type() != cty.String {
				return nil, fmt.Errorf("only string index keys are supported at %s", step.SourceRange())
			}
			steps = append(steps, s.Key.AsString())
		default:
			return nil, fmt.Errorf("unsupported traversal step at %s", step.SourceRange())
		}
	}

	return steps, nil
}

func dependencyNames(e hclsyntax.Expression) ([]string, error) {
	tup, ok := e.(*hclsyntax.TupleConsExpr)
	if !ok {
		return nil, fmt.Errorf("expected a list of resource names")
	}

	var deps []string
	for _, item := range tup.Exprs {
		switch item := item.(type) {
		case *hclsyntax.ScopeTraversalExpr:
			steps, err := traversalSteps(item.Traversal)
			if err != nil {
				return nil, err
			}
			deps = append(deps, steps[0])
		case *hclsyntax.TemplateExpr:
			v, err := staticString(item)
			if err != nil {
				return nil, err
			}
			deps = append(deps, v)
		default:
			return nil, fmt.Errorf("expected a resource name at %s", item.Range())
		}
	}

	return deps, nil
}

func staticString(e hclsyntax.Expression) (string, error) {
	v, diags := e.Value(nil)
	if diags.HasErrors() {
		return "", fmt.Errorf("expected a static string: %w", diags)
	}
	if v.Type() != cty.String {
		return "", fmt.Errorf("expected a string, got %s", v.Type().FriendlyName())
	}

	return v.AsString(), nil
}

func objectKey(e hclsyntax.Expression) (string, error) {
	if wrapped, ok := e.(*hclsyntax.ObjectConsKeyExpr); ok {
		// Bare identifier keys like sku = "..." arrive as a traversal.
		if trav, diags := hcl.AbsTraversalForExpr(wrapped.Wrapped); !diags.HasErrors() && len(trav) == 1 {
			if root, ok := trav[0].(hcl.TraverseRoot); ok {
				return root.Name, nil
			}
		}
		return staticString(wrapped.Wrapped)
	}

	return staticString(e)
}
