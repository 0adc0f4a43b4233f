package cli

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"

	"github.com/alluvium-io/alluvium/internal/eval"
	"github.com/alluvium-io/alluvium/internal/plan"
)

func newPlanCommand() *cli.Command {
	return &cli.Command{
		Name:      "plan",
		Usage:     "preview the actions a converge would take, without touching anything",
		ArgsUsage: "<declarations file>",
		Action:    planAction,
	}
}

func planAction(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := plan.NewPlanner(s.store).Plan(c.Context, s.rg)
	if err != nil {
		return err
	}

	fmt.Fprint(c.App.Writer, renderPlan(s.cfg.Environment, s.rg, p))

	if !p.Changes() {
		fmt.Fprintln(c.App.Writer, "No changes. Declarations match recorded state.")
		return nil
	}

	fmt.Fprintf(c.App.Writer, "Plan: %d to create, %d to update, %d to delete.\n",
		p.Count(plan.ActionCreate), p.Count(plan.ActionUpdate), p.Count(plan.ActionDelete))

	return nil
}

func actionGlyph(a plan.Action) string {
	switch a {
	case plan.ActionCreate:
		return "+"
	case plan.ActionUpdate:
		return "~"
	case plan.ActionDelete:
		return "-"
	default:
		return "="
	}
}

func renderPlan(environment string, rg *eval.ResolvedGraph, p *plan.Plan) string {
	tree := treeprint.NewWithRoot(environment)

	for _, step := range p.Steps {
		label := fmt.Sprintf("[%s] %s", actionGlyph(step.Action), step.NodeID)
		if n, ok := rg.Ordered.Node(step.NodeID); ok {
			label = fmt.Sprintf("[%s] %s.%s", actionGlyph(step.Action), n.Type, n.Name)
		}
		tree.AddNode(fmt.Sprintf("%s (%s)", label, step.Reason))
	}

	return tree.String()
}
