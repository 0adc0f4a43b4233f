package decl

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Expr struct {
	Type  string
	Value any
}

func (e Expr) IsEmpty() bool {
	return e.Type == "" && e.Value == nil
}

func (e *Expr) UnmarshalJSON(data []byte) error {
	var inner struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &inner); err != nil {
		return err
	}

	switch inner.Type {
	case "":
		return errors.New("must specify expression type")
	case "string":
		value := &StringLiteral{}
		if err := json.Unmarshal(inner.Value, &value.Value); err != nil {
			return err
		}
		e.Value = *value
	case "bool":
		value := &BoolLiteral{}
		if err := json.Unmarshal(inner.Value, &value.Value); err != nil {
			return err
		}
		e.Value = *value
	case "integer":
		value := &IntegerLiteral{}
		if err := json.Unmarshal(inner.Value, &value.Value); err != nil {
			return err
		}
		e.Value = *value
	case "map":
		value := &MapCollection{}
		if err := json.Unmarshal(inner.Value, &value.Value); err != nil {
			return err
		}
		e.Value = *value
	case "list":
		value := &ListCollection{}
		if err := json.Unmarshal(inner.Value, &value.Value); err != nil {
			return err
		}
		e.Value = *value
	case "ref":
		value := &Ref{}
		if err := json.Unmarshal(inner.Value, &value); err != nil {
			return err
		}
		e.Value = *value
	case "call":
		value := &Call{}
		if err := json.Unmarshal(inner.Value, &value); err != nil {
			return err
		}
		e.Value = *value
	case "cond":
		value := &Conditional{}
		if err := json.Unmarshal(inner.Value, &value); err != nil {
			return err
		}
		e.Value = *value
	case "env":
		value := &GetEnvironment{}
		if err := json.Unmarshal(inner.Value, &value); err != nil {
			return err
		}
		e.Value = *value
	default:
		return fmt.Errorf("unsupported expression type: %q", inner.Type)
	}

	e.Type = inner.Type

	return nil
}

func (e Expr) MarshalJSON() ([]byte, error) {
	inner := struct {
		Type  string `json:"type"`
		Value any    `json:"value"`
	}{
		Type: e.Type,
	}

	switch v := e.Value.(type) {
	case StringLiteral:
		inner.Value = v.Value
	case BoolLiteral:
		inner.Value = v.Value
	case IntegerLiteral:
		inner.Value = v.Value
	case MapCollection:
		inner.Value = v.Value
	case ListCollection:
		inner.Value = v.Value
	default:
		inner.Value = e.Value
	}

	return json.Marshal(inner)
}

type BoolLiteral struct {
	Value bool
}

type StringLiteral struct {
	Value string
}

type IntegerLiteral struct {
	Value int
}

type MapCollection struct {
	Value map[string]Expr
}

type ListCollection struct {
	Value []Expr
}

// Ref reads a property or output of another resource in the set.
// Path addresses into the referenced resource, for example
// ["outputs", "instrumentation_key"] or ["properties", "sku"].
type Ref struct {
	Resource string   `json:"resource"`
	Path     []string `json:"path"`
}

// Call invokes a builtin deterministic function.
type Call struct {
	Name string `json:"name"`
	Args []Expr `json:"args"`
}

// Conditional selects Then or Else depending on If. The untaken branch
// is never evaluated.
type Conditional struct {
	If   Expr `json:"if"`
	Then Expr `json:"then"`
	Else Expr `json:"else"`
}

// GetEnvironment reads a constant from the environment scope.
type GetEnvironment struct {
	Name string `json:"name"`
}

// String constructs a string literal expression.
func String(v string) Expr {
	return Expr{Type: "string", Value: StringLiteral{Value: v}}
}

// Bool constructs a bool literal expression.
func Bool(v bool) Expr {
	return Expr{Type: "bool", Value: BoolLiteral{Value: v}}
}

// Integer constructs an integer literal expression.
func Integer(v int) Expr {
	return Expr{Type: "integer", Value: IntegerLiteral{Value: v}}
}

// Map constructs a map collection expression.
func Map(v map[string]Expr) Expr {
	return Expr{Type: "map", Value: MapCollection{Value: v}}
}

// List constructs a list collection expression.
func List(v ...Expr) Expr {
	return Expr{Type: "list", Value: ListCollection{Value: v}}
}

// Reference constructs a cross-resource reference expression.
func Reference(resource string, path ...string) Expr {
	return Expr{Type: "ref", Value: Ref{Resource: resource, Path: path}}
}

// FuncCall constructs a builtin function call expression.
func FuncCall(name string, args ...Expr) Expr {
	return Expr{Type: "call", Value: Call{Name: name, Args: args}}
}

// If constructs a conditional expression.
func If(cond, then, els Expr) Expr {
	return Expr{Type: "cond", Value: Conditional{If: cond, Then: then, Else: els}}
}

// Env constructs an environment constant lookup expression.
func Env(name string) Expr {
	return Expr{Type: "env", Value: GetEnvironment{Name: name}}
}
