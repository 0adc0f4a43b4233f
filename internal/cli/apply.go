package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"

	"github.com/alluvium-io/alluvium/internal/apply"
	"github.com/alluvium-io/alluvium/internal/plan"
	"github.com/alluvium-io/alluvium/provider"
)

func newApplyCommand() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "converge declared resources to their recorded state",
		ArgsUsage: "<declarations file>",
		Action:    applyAction,
	}
}

func applyAction(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := plan.NewPlanner(s.store).Plan(c.Context, s.rg)
	if err != nil {
		return err
	}

	if !p.Changes() {
		fmt.Fprintln(c.App.Writer, "No changes. Declarations match recorded state.")
		return nil
	}

	conn, err := provider.Connect(s.cfg.Provider.Dir, s.cfg.Provider.Name, hclog.New(&hclog.LoggerOptions{
		Name:  "provider",
		Level: hclog.LevelFromString(s.cfg.LogLevel),
	}))
	if err != nil {
		return fmt.Errorf("connect provider: %w", err)
	}
	defer conn.Close()

	exec := apply.NewExecutor(conn.Provider, s.store, apply.Options{
		Parallelism: s.cfg.Apply.Parallelism,
		CallTimeout: s.cfg.Apply.CallTimeout.Std(),
		MaxAttempts: s.cfg.Apply.MaxAttempts,
		Logger:      s.logger,
	})

	res, err := exec.Apply(c.Context, s.rg, p)
	if err != nil {
		return err
	}

	fmt.Fprint(c.App.Writer, renderResult(res))

	if !res.Succeeded() {
		return cli.Exit("apply did not fully converge", 1)
	}
	return nil
}

func renderResult(res *apply.Result) string {
	ids := make([]string, 0, len(res.Nodes))
	for id := range res.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	counts := map[apply.Status]int{}
	for _, id := range ids {
		n := res.Nodes[id]
		counts[n.Status]++

		switch {
		case n.Err != nil:
			fmt.Fprintf(&b, "%-10s %s (%s): %v\n", n.Status, id, n.Action, n.Err)
		case n.Reason != "":
			fmt.Fprintf(&b, "%-10s %s (%s): %s\n", n.Status, id, n.Action, n.Reason)
		default:
			fmt.Fprintf(&b, "%-10s %s (%s)\n", n.Status, id, n.Action)
		}
	}

	fmt.Fprintf(&b, "\nApply: %d succeeded, %d skipped, %d failed, %d blocked.\n",
		counts[apply.StatusSucceeded], counts[apply.StatusSkipped],
		counts[apply.StatusFailed], counts[apply.StatusBlocked])

	if res.OutputsErr == nil && len(res.Outputs) > 0 {
		names := make([]string, 0, len(res.Outputs))
		for name := range res.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(&b, "\nOutputs:\n")
		for _, name := range names {
			v, err := json.Marshal(res.Outputs[name])
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "  %s = %s\n", name, v)
		}
	}

	return b.String()
}
