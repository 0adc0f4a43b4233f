package decl_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alluvium-io/alluvium/decl"
)

func TestExpr_Unmarshal(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected decl.Expr
	}{
		{
			name: "string",
			in: `{
			  "type": "string", "value": "hi"
			}`,
			expected: decl.String("hi"),
		},
		{
			name: "bool",
			in: `{
			  "type": "bool", "value": true
			}`,
			expected: decl.Bool(true),
		},
		{
			name: "map",
			in: `{
			  "type": "map",
			  "value": {
			    "foo": {
			      "type": "string",
			      "value": "bar"
			    }
			  }
			}`,
			expected: decl.Map(map[string]decl.Expr{
				"foo": decl.String("bar"),
			}),
		},
		{
			name: "ref",
			in: `{
			  "type": "ref",
			  "value": {
			    "resource": "vault",
			    "path": ["outputs", "vault_uri"]
			  }
			}`,
			expected: decl.Reference("vault", "outputs", "vault_uri"),
		},
		{
			name: "call",
			in: `{
			  "type": "call",
			  "value": {
			    "name": "lower",
			    "args": [{"type": "string", "value": "APP"}]
			  }
			}`,
			expected: decl.FuncCall("lower", decl.String("APP")),
		},
		{
			name: "cond",
			in: `{
			  "type": "cond",
			  "value": {
			    "if": {"type": "bool", "value": false},
			    "then": {"type": "string", "value": "a"},
			    "else": {"type": "string", "value": "b"}
			  }
			}`,
			expected: decl.If(decl.Bool(false), decl.String("a"), decl.String("b")),
		},
		{
			name: "env",
			in: `{
			  "type": "env",
			  "value": {"name": "region"}
			}`,
			expected: decl.Env("region"),
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var e decl.Expr
			require.NoError(t, json.Unmarshal([]byte(test.in), &e))
			require.Equal(t, test.expected, e)
		})
	}
}

func TestExpr_UnmarshalErrors(t *testing.T) {
	var e decl.Expr
	require.Error(t, json.Unmarshal([]byte(`{"value": "hi"}`), &e))
	require.Error(t, json.Unmarshal([]byte(`{"type": "nope", "value": "hi"}`), &e))
}

func TestExpr_MarshalRoundTrip(t *testing.T) {
	in := decl.If(
		decl.Env("deploy_vault"),
		decl.Reference("vault", "outputs", "name"),
		decl.String(""),
	)

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out decl.Expr
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestParseSet(t *testing.T) {
	in := `{
	  "resources": [
	    {
	      "type": "storage",
	      "name": "store",
	      "api_version": "2023-01-01",
	      "location": {"type": "env", "value": {"name": "region"}},
	      "properties": {
	        "sku": {"type": "string", "value": "Standard_LRS"}
	      }
	    },
	    {
	      "type": "vault",
	      "name": "kv",
	      "condition": {"type": "env", "value": {"name": "deploy_vault"}},
	      "depends_on": ["store"]
	    }
	  ],
	  "outputs": {
	    "storage_name": {"type": "ref", "value": {"resource": "store", "path": ["outputs", "name"]}}
	  }
	}`

	s, err := decl.ParseSet([]byte(in))
	require.NoError(t, err)
	require.Len(t, s.Resources, 2)
	require.Equal(t, "storage", s.Resources[0].Type)
	require.Equal(t, "store", s.Resources[0].Name)
	require.Equal(t, decl.Env("region"), s.Resources[0].Location)
	require.True(t, s.Resources[1].Location.IsEmpty())
	require.Equal(t, []string{"store"}, s.Resources[1].DependsOn)
	require.Contains(t, s.Outputs, "storage_name")
}
