// Package plan decides what must change to converge remote state on the
// declared graph. The planner is a pure decision function over the resolved
// graph and the state store; it never touches the remote side, which is what
// makes dry-run previews safe.
package plan

import (
	"context"
	"fmt"

	"github.com/alluvium-io/alluvium/internal/eval"
	"github.com/alluvium-io/alluvium/internal/state"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
	ActionDelete Action = "delete"
)

type Step struct {
	NodeID string
	Action Action
	Reason string
}

// Plan is an ordered action sequence: creates and updates in dependency
// order, then deletes in reverse dependency order so a dependent is torn
// down before anything it depends on.
type Plan struct {
	Steps []Step

	index map[string]int
}

func (p *Plan) Step(id string) (Step, bool) {
	i, ok := p.index[id]
	if !ok {
		return Step{}, false
	}

	return p.Steps[i], true
}

// Changes reports whether any step mutates remote state.
func (p *Plan) Changes() bool {
	for _, s := range p.Steps {
		if s.Action != ActionSkip {
			return true
		}
	}

	return false
}

func (p *Plan) Count(action Action) int {
	n := 0
	for _, s := range p.Steps {
		if s.Action == action {
			n++
		}
	}

	return n
}

func (p *Plan) add(s Step) {
	p.index[s.NodeID] = len(p.Steps)
	p.Steps = append(p.Steps, s)
}

type Planner struct {
	store state.Store
}

func NewPlanner(store state.Store) *Planner {
	return &Planner{store: store}
}

func (pl *Planner) Plan(ctx context.Context, rg *eval.ResolvedGraph) (*Plan, error) {
	p := &Plan{index: map[string]int{}}

	var deletes []Step
	for _, id := range rg.Ordered.Order {
		rn := rg.Nodes[id]
		rec, exists, err := pl.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read state for %q: %w", id, err)
		}

		switch {
		case rn.Excluded && exists:
			deletes = append(deletes, Step{
				NodeID: id,
				Action: ActionDelete,
				Reason: "condition is false but the resource exists remotely",
			})
		case rn.Excluded:
			p.add(Step{NodeID: id, Action: ActionSkip, Reason: "excluded by condition"})
		case !exists:
			p.add(Step{NodeID: id, Action: ActionCreate, Reason: "not in state"})
		case rec.Hash != rn.Hash:
			p.add(Step{NodeID: id, Action: ActionUpdate, Reason: "declared properties changed"})
		default:
			p.add(Step{NodeID: id, Action: ActionSkip, Reason: "up to date"})
		}
	}

	// Reverse dependency order for teardown.
	for i := len(deletes) - 1; i >= 0; i-- {
		p.add(deletes[i])
	}

	return p, nil
}
