// Package apply executes a plan against a provider. Creates and updates run
// concurrently where the dependency graph allows, deletes run afterwards in
// reverse dependency order, and a failed node blocks its downstream cone
// while independent branches keep converging. Completed actions are never
// rolled back; re-running the planner reconciles whatever a partial run
// left behind.
package apply

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/alluvium-io/alluvium/internal/convert"
	"github.com/alluvium-io/alluvium/internal/dag"
	"github.com/alluvium-io/alluvium/internal/eval"
	"github.com/alluvium-io/alluvium/internal/plan"
	"github.com/alluvium-io/alluvium/internal/state"
	"github.com/alluvium-io/alluvium/provider"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
	StatusBlocked   Status = "blocked"
)

type NodeResult struct {
	Status   Status
	Action   plan.Action
	RemoteID string
	Reason   string
	Err      error
}

// Result enumerates the terminal status of every node, never a single
// opaque success bit.
type Result struct {
	Nodes   map[string]*NodeResult
	Outputs map[string]any

	// OutputsErr is set when output extraction failed, which happens when a
	// node an output depends on did not converge.
	OutputsErr error
}

func (r *Result) Succeeded() bool {
	for _, n := range r.Nodes {
		if n.Status == StatusFailed || n.Status == StatusBlocked {
			return false
		}
	}

	return true
}

type Options struct {
	// Parallelism bounds how many provider calls run at once.
	Parallelism int

	// CallTimeout applies per provider call, not per run. Exceeding it is
	// treated as a transient failure.
	CallTimeout time.Duration

	// MaxAttempts caps retries of transient provider errors.
	MaxAttempts int

	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return o
}

type Executor struct {
	provider provider.Provider
	store    state.Store
	opts     Options
	logger   *slog.Logger

	// One in-flight mutation per resource identifier.
	locks sync.Map
}

func NewExecutor(p provider.Provider, store state.Store, opts Options) *Executor {
	opts = opts.withDefaults()
	return &Executor{
		provider: p,
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Apply executes the plan. The returned error reports only failures of the
// run machinery itself; per-node failures live in the Result.
func (e *Executor) Apply(ctx context.Context, rg *eval.ResolvedGraph, p *plan.Plan) (*Result, error) {
	result := &Result{Nodes: map[string]*NodeResult{}}

	live := newLiveOutputs()
	records, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	for _, rec := range records {
		live.set(rec.ID, rec.Outputs)
	}

	if err := e.walkForward(ctx, rg, p, live, result); err != nil {
		return nil, err
	}

	e.runDeletes(ctx, rg, p, result)

	outs, err := rg.OutputValues(ctx, live)
	if err != nil {
		result.OutputsErr = err
	} else {
		result.Outputs = outs
	}

	return result, nil
}

type outcome struct {
	id  string
	res *NodeResult
}

// walkForward runs creates, updates, and skips over the dependency
// frontier. Nodes at the same depth run concurrently up to the parallelism
// bound; a dependency edge forces strict ordering.
func (e *Executor) walkForward(ctx context.Context, rg *eval.ResolvedGraph, p *plan.Plan, live *liveOutputs, result *Result) error {
	g := dag.NewGraph()
	walked := map[string]bool{}
	for _, id := range rg.Ordered.Order {
		step, ok := p.Step(id)
		if !ok || step.Action == plan.ActionDelete {
			continue
		}
		walked[id] = true
		if err := g.AddNode(id); err != nil {
			return err
		}
	}
	for id := range walked {
		n, _ := rg.Ordered.Node(id)
		for _, dep := range n.Dependencies() {
			if walked[dep] {
				if err := g.AddEdge(dep, id); err != nil {
					return err
				}
			}
		}
	}

	f := dag.InitFrontier(g)
	sem := semaphore.NewWeighted(int64(e.opts.Parallelism))
	outcomes := make(chan outcome)
	inFlight := 0

	dispatch := func(id string) {
		inFlight++
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				outcomes <- outcome{id: id, res: e.canceledResult(p, id)}
				return
			}
			defer sem.Release(1)

			outcomes <- outcome{id: id, res: e.applyNode(ctx, rg, p, live, id)}
		}()
	}

	for {
		for _, id := range f.Next() {
			if ctx.Err() != nil {
				// Cancellation takes effect between node actions. Nothing
				// already completed is rolled back.
				result.Nodes[id] = e.canceledResult(p, id)
				for _, blocked := range f.Fail(id) {
					result.Nodes[blocked] = e.canceledResult(p, blocked)
				}
				continue
			}
			dispatch(id)
		}

		if inFlight == 0 {
			if f.Remaining() > 0 && ctx.Err() == nil {
				return fmt.Errorf("apply stalled with %d nodes unfinished", f.Remaining())
			}
			return nil
		}

		oc := <-outcomes
		inFlight--
		result.Nodes[oc.id] = oc.res

		if oc.res.Status == StatusFailed || oc.res.Status == StatusBlocked {
			for _, blocked := range f.Fail(oc.id) {
				step, _ := p.Step(blocked)
				result.Nodes[blocked] = &NodeResult{
					Status: StatusBlocked,
					Action: step.Action,
					Reason: fmt.Sprintf("upstream %q did not converge", oc.id),
				}
				e.logger.Warn("blocking dependent", "node", blocked, "upstream", oc.id)
			}
		} else {
			if err := f.Done(oc.id); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) canceledResult(p *plan.Plan, id string) *NodeResult {
	step, _ := p.Step(id)
	return &NodeResult{
		Status: StatusBlocked,
		Action: step.Action,
		Reason: "run canceled",
	}
}

// applyNode performs a single step. Deferred expressions are resolved here,
// after every dependency has confirmed, right before the provider call.
func (e *Executor) applyNode(ctx context.Context, rg *eval.ResolvedGraph, p *plan.Plan, live *liveOutputs, id string) *NodeResult {
	step, _ := p.Step(id)

	if step.Action == plan.ActionSkip {
		e.logger.Debug("skipping node", "node", id, "reason", step.Reason)
		return &NodeResult{Status: StatusSkipped, Action: plan.ActionSkip, Reason: step.Reason}
	}

	unlock := e.lock(id)
	defer unlock()

	rn, err := rg.ReEvaluate(ctx, id, live)
	if err != nil {
		e.logger.Error("node evaluation failed", "node", id, "error", err)
		return &NodeResult{Status: StatusFailed, Action: step.Action, Err: err}
	}

	props, err := convert.ToGo(rn.Properties)
	if err != nil {
		return &NodeResult{Status: StatusFailed, Action: step.Action, Err: err}
	}
	bag, ok := props.(map[string]any)
	if !ok {
		return &NodeResult{Status: StatusFailed, Action: step.Action, Err: fmt.Errorf("properties of %q are not a map", id)}
	}

	req := provider.CreateOrUpdateRequest{
		Type:       rn.Node.Type,
		Name:       rn.Node.Name,
		APIVersion: rn.Node.APIVersion,
		Location:   rn.Location,
		Properties: bag,
	}
	if step.Action == plan.ActionUpdate {
		rec, ok, err := e.store.Get(ctx, id)
		if err != nil {
			return &NodeResult{Status: StatusFailed, Action: step.Action, Err: err}
		}
		if ok {
			req.RemoteID = rec.RemoteID
		}
	}

	var resp provider.CreateOrUpdateResponse
	err = e.callWithRetry(ctx, id, string(step.Action), func(callCtx context.Context) error {
		var callErr error
		resp, callErr = e.provider.CreateOrUpdate(callCtx, req)
		return callErr
	})
	if err != nil {
		e.logger.Error("provider call failed", "node", id, "action", step.Action, "error", err)
		return &NodeResult{Status: StatusFailed, Action: step.Action, Err: err}
	}

	rec := state.Record{
		ID:        id,
		Type:      rn.Node.Type,
		RemoteID:  resp.RemoteID,
		Hash:      rn.Hash,
		Outputs:   resp.Outputs,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.store.Put(ctx, rec); err != nil {
		return &NodeResult{Status: StatusFailed, Action: step.Action, Err: fmt.Errorf("write state: %w", err)}
	}

	live.set(id, resp.Outputs)
	e.logger.Info("node converged", "node", id, "action", step.Action, "remote_id", resp.RemoteID)

	return &NodeResult{Status: StatusSucceeded, Action: step.Action, RemoteID: resp.RemoteID}
}

// runDeletes tears down excluded resources in reverse dependency order. A
// failed delete blocks deletes of anything it depends on, since the remote
// side may still reference them.
func (e *Executor) runDeletes(ctx context.Context, rg *eval.ResolvedGraph, p *plan.Plan, result *Result) {
	failed := map[string]bool{}

	for _, step := range p.Steps {
		if step.Action != plan.ActionDelete {
			continue
		}
		id := step.NodeID

		if ctx.Err() != nil {
			result.Nodes[id] = &NodeResult{Status: StatusBlocked, Action: plan.ActionDelete, Reason: "run canceled"}
			continue
		}

		blockedBy := ""
		for _, dependent := range rg.Ordered.Dependents(id) {
			if failed[dependent] {
				blockedBy = dependent
				break
			}
		}
		if blockedBy != "" {
			failed[id] = true
			result.Nodes[id] = &NodeResult{
				Status: StatusBlocked,
				Action: plan.ActionDelete,
				Reason: fmt.Sprintf("dependent %q was not deleted", blockedBy),
			}
			continue
		}

		result.Nodes[id] = e.deleteNode(ctx, id)
		if result.Nodes[id].Status != StatusSucceeded {
			failed[id] = true
		}
	}
}

func (e *Executor) deleteNode(ctx context.Context, id string) *NodeResult {
	unlock := e.lock(id)
	defer unlock()

	rec, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return &NodeResult{Status: StatusFailed, Action: plan.ActionDelete, Err: err}
	}
	if !ok {
		return &NodeResult{Status: StatusSkipped, Action: plan.ActionDelete, Reason: "not in state"}
	}

	err = e.callWithRetry(ctx, id, "delete", func(callCtx context.Context) error {
		return e.provider.Delete(callCtx, provider.DeleteRequest{Type: rec.Type, RemoteID: rec.RemoteID})
	})
	if err != nil {
		e.logger.Error("delete failed", "node", id, "error", err)
		return &NodeResult{Status: StatusFailed, Action: plan.ActionDelete, Err: err}
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return &NodeResult{Status: StatusFailed, Action: plan.ActionDelete, Err: fmt.Errorf("write state: %w", err)}
	}

	e.logger.Info("node deleted", "node", id, "remote_id", rec.RemoteID)
	return &NodeResult{Status: StatusSucceeded, Action: plan.ActionDelete, RemoteID: rec.RemoteID}
}

func (e *Executor) lock(id string) func() {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

// liveOutputs collects provider outputs as nodes converge, seeded from the
// state store so skipped nodes still satisfy their dependents' references.
type liveOutputs struct {
	mu   sync.RWMutex
	outs map[string]map[string]any
}

func newLiveOutputs() *liveOutputs {
	return &liveOutputs{outs: map[string]map[string]any{}}
}

func (l *liveOutputs) set(id string, outputs map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if outputs == nil {
		outputs = map[string]any{}
	}
	l.outs[id] = outputs
}

func (l *liveOutputs) NodeOutputs(id string) (map[string]any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	o, ok := l.outs[id]
	return o, ok
}

var _ eval.OutputSource = (*liveOutputs)(nil)
