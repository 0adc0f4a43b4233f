package graph_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alluvium-io/alluvium/decl"
	"github.com/alluvium-io/alluvium/internal/graph"
)

func TestBuild(t *testing.T) {
	set := decl.Set{
		Resources: []decl.Resource{
			{
				Type:     "storage",
				Name:     "store",
				Location: decl.Env("region"),
				Properties: map[string]decl.Expr{
					"sku": decl.String("Standard_LRS"),
				},
			},
			{
				Type: "app",
				Name: "site",
				Properties: map[string]decl.Expr{
					"connection": decl.Reference("store", "outputs", "primary_endpoint"),
				},
				DependsOn: []string{"store"},
			},
		},
		Outputs: map[string]decl.Expr{
			"site_name": decl.Reference("site", "outputs", "name"),
		},
	}

	g, err := graph.Build(set)
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)

	site, ok := g.Node("site")
	require.True(t, ok)

	// Explicit dependsOn and the implicit reference collapse to one entry.
	require.Equal(t, []string{"store"}, site.Dependencies())
	require.Contains(t, g.Outputs, "site_name")
}

func TestBuild_ImplicitDependencies(t *testing.T) {
	set := decl.Set{
		Resources: []decl.Resource{
			{Type: "vault", Name: "kv"},
			{
				Type: "app",
				Name: "site",
				Properties: map[string]decl.Expr{
					"vault_uri": decl.Reference("kv", "outputs", "uri"),
				},
			},
		},
	}

	g, err := graph.Build(set)
	require.NoError(t, err)

	site, _ := g.Node("site")
	require.Equal(t, []string{"kv"}, site.Dependencies())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		set  decl.Set
		want string
	}{
		{
			name: "duplicate name",
			set: decl.Set{Resources: []decl.Resource{
				{Type: "storage", Name: "store"},
				{Type: "vault", Name: "store"},
			}},
			want: "duplicate resource name",
		},
		{
			name: "missing name",
			set:  decl.Set{Resources: []decl.Resource{{Type: "storage"}}},
			want: "has no name",
		},
		{
			name: "missing type",
			set:  decl.Set{Resources: []decl.Resource{{Name: "store"}}},
			want: "has no type",
		},
		{
			name: "dangling depends_on",
			set: decl.Set{Resources: []decl.Resource{
				{Type: "app", Name: "site", DependsOn: []string{"ghost"}},
			}},
			want: `depends on undeclared resource "ghost"`,
		},
		{
			name: "dangling reference",
			set: decl.Set{Resources: []decl.Resource{
				{Type: "app", Name: "site", Properties: map[string]decl.Expr{
					"uri": decl.Reference("ghost", "outputs", "uri"),
				}},
			}},
			want: `references undeclared resource "ghost"`,
		},
		{
			name: "malformed property expression",
			set: decl.Set{Resources: []decl.Resource{
				{Type: "app", Name: "site", Properties: map[string]decl.Expr{
					"v": decl.FuncCall("nope"),
				}},
			}},
			want: `unknown function "nope"`,
		},
		{
			name: "condition references resource",
			set: decl.Set{Resources: []decl.Resource{
				{Type: "storage", Name: "store"},
				{Type: "vault", Name: "kv", Condition: decl.Reference("store", "outputs", "ok")},
			}},
			want: "condition must not reference other resources",
		},
		{
			name: "dangling output reference",
			set: decl.Set{
				Resources: []decl.Resource{{Type: "storage", Name: "store"}},
				Outputs: map[string]decl.Expr{
					"nope": decl.Reference("ghost", "outputs", "name"),
				},
			},
			want: `references undeclared resource "ghost"`,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := graph.Build(test.set)
			require.Error(t, err)

			var verr *graph.ValidationError
			require.ErrorAs(t, err, &verr)
			require.ErrorContains(t, err, test.want)
		})
	}
}

func TestValidationError_IncludesNodeAndPath(t *testing.T) {
	_, err := graph.Build(decl.Set{Resources: []decl.Resource{
		{Type: "app", Name: "site", Properties: map[string]decl.Expr{
			"v": decl.FuncCall("nope"),
		}},
	}})
	require.Error(t, err)
	require.Contains(t, err.Error(), `resource "site"`)
	require.Contains(t, err.Error(), "properties.v")
}
