// Package decl defines the declaration input format for the engine. A
// declaration set is the canonical wire shape: a list of resource
// declarations plus named outputs, with property values expressed as
// expression envelopes.
package decl

import "encoding/json"

type Set struct {
	Resources []Resource      `json:"resources"`
	Outputs   map[string]Expr `json:"outputs,omitempty"`
}

type Resource struct {
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	APIVersion string          `json:"api_version,omitempty"`
	Location   Expr            `json:"location,omitempty"`
	Condition  Expr            `json:"condition,omitempty"`
	Properties map[string]Expr `json:"properties,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
}

func ParseSet(data []byte) (Set, error) {
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return Set{}, err
	}

	return s, nil
}
