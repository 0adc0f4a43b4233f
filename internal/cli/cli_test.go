package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alluvium-io/alluvium/internal/apply"
	"github.com/alluvium-io/alluvium/internal/eval"
	"github.com/alluvium-io/alluvium/internal/expr"
	"github.com/alluvium-io/alluvium/internal/graph"
	"github.com/alluvium-io/alluvium/internal/load"
	"github.com/alluvium-io/alluvium/internal/plan"
	"github.com/alluvium-io/alluvium/internal/resolve"
	"github.com/alluvium-io/alluvium/internal/state"
)

const testDeclarations = `{
	"resources": [
		{"type": "storage", "name": "store", "properties": {
			"sku": {"type": "string", "value": "Standard_LRS"}
		}},
		{"type": "app", "name": "site", "depends_on": ["store"]}
	]
}`

func writeTestFiles(t *testing.T) (cfgPath, declPath string) {
	t.Helper()
	dir := t.TempDir()

	declPath = filepath.Join(dir, "decl.json")
	require.NoError(t, os.WriteFile(declPath, []byte(testDeclarations), 0o644))

	cfgPath = filepath.Join(dir, "alluvium.yaml")
	cfg := "environment: test\nstate:\n  backend: file\n  path: " + filepath.Join(dir, "state.json") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	return cfgPath, declPath
}

func TestPlanCommand(t *testing.T) {
	cfgPath, declPath := writeTestFiles(t)

	var out bytes.Buffer
	app := New()
	app.Writer = &out

	err := app.Run([]string{"alluvium", "--config", cfgPath, "plan", declPath})
	require.NoError(t, err)

	require.Contains(t, out.String(), "test")
	require.Contains(t, out.String(), "[+] storage.store")
	require.Contains(t, out.String(), "[+] app.site")
	require.Contains(t, out.String(), "Plan: 2 to create, 0 to update, 0 to delete.")
}

func TestPlanCommand_NeedsDeclarations(t *testing.T) {
	cfgPath, _ := writeTestFiles(t)

	app := New()
	app.Writer = &bytes.Buffer{}
	err := app.Run([]string{"alluvium", "--config", cfgPath, "plan"})
	require.ErrorContains(t, err, "declarations file")
}

func TestRenderResult(t *testing.T) {
	res := &apply.Result{
		Nodes: map[string]*apply.NodeResult{
			"store": {Status: apply.StatusSucceeded, Action: plan.ActionCreate, RemoteID: "remote-1"},
			"farm":  {Status: apply.StatusFailed, Action: plan.ActionCreate, Err: errors.New("quota exceeded")},
			"site":  {Status: apply.StatusBlocked, Action: plan.ActionCreate, Reason: `upstream "farm" did not converge`},
		},
		Outputs: map[string]any{"endpoint": "https://store.example.net"},
	}

	rendered := renderResult(res)
	require.Contains(t, rendered, "succeeded  store (create)")
	require.Contains(t, rendered, "failed     farm (create): quota exceeded")
	require.Contains(t, rendered, `blocked    site (create): upstream "farm" did not converge`)
	require.Contains(t, rendered, "Apply: 1 succeeded, 0 skipped, 1 failed, 1 blocked.")
	require.Contains(t, rendered, `endpoint = "https://store.example.net"`)
}

func TestRenderPlan(t *testing.T) {
	set, err := load.JSON([]byte(testDeclarations))
	require.NoError(t, err)

	g, err := graph.Build(set)
	require.NoError(t, err)
	og, err := resolve.Resolve(context.Background(), g, &expr.Scope{})
	require.NoError(t, err)
	rg, err := eval.Evaluate(context.Background(), og, nil)
	require.NoError(t, err)

	p, err := plan.NewPlanner(state.NewMemory()).Plan(context.Background(), rg)
	require.NoError(t, err)

	rendered := renderPlan("production", rg, p)
	require.Contains(t, rendered, "production")
	require.Contains(t, rendered, "[+] storage.store (not in state)")
	require.Contains(t, rendered, "[+] app.site (not in state)")
}
