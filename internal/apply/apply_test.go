package apply_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/alluvium-io/alluvium/decl"
	"github.com/alluvium-io/alluvium/internal/apply"
	"github.com/alluvium-io/alluvium/internal/eval"
	"github.com/alluvium-io/alluvium/internal/expr"
	"github.com/alluvium-io/alluvium/internal/graph"
	"github.com/alluvium-io/alluvium/internal/plan"
	"github.com/alluvium-io/alluvium/internal/resolve"
	"github.com/alluvium-io/alluvium/internal/state"
	"github.com/alluvium-io/alluvium/provider"
)

// fakeProvider is an in-process provider. Errors queued per resource name
// are returned one call at a time, so a node can fail twice and then
// succeed.
type fakeProvider struct {
	mu          sync.Mutex
	requests    []provider.CreateOrUpdateRequest
	deleteOrder []string
	order       []string
	errs        map[string][]error
	outputs     map[string]map[string]any
	delay       time.Duration
	inFlight    int
	maxInFlight int
	nextID      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		errs:    map[string][]error{},
		outputs: map[string]map[string]any{},
	}
}

func (f *fakeProvider) failNext(name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = append(f.errs[name], errs...)
}

func (f *fakeProvider) popErr(name string) error {
	if q := f.errs[name]; len(q) > 0 {
		f.errs[name] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeProvider) CreateOrUpdate(ctx context.Context, req provider.CreateOrUpdateRequest) (provider.CreateOrUpdateResponse, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.order = append(f.order, req.Name)
	f.requests = append(f.requests, req)
	err := f.popErr(req.Name)
	f.nextID++
	remoteID := fmt.Sprintf("remote-%d", f.nextID)
	outs := f.outputs[req.Name]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return provider.CreateOrUpdateResponse{}, err
	}
	if req.RemoteID != "" {
		remoteID = req.RemoteID
	}
	if outs == nil {
		outs = map[string]any{}
	}
	return provider.CreateOrUpdateResponse{RemoteID: remoteID, Outputs: outs}, nil
}

func (f *fakeProvider) Delete(ctx context.Context, req provider.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deleteOrder = append(f.deleteOrder, req.RemoteID)
	if q := f.errs["delete:"+req.RemoteID]; len(q) > 0 {
		f.errs["delete:"+req.RemoteID] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeProvider) Get(ctx context.Context, req provider.GetRequest) (provider.GetResponse, error) {
	return provider.GetResponse{}, nil
}

func (f *fakeProvider) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func (f *fakeProvider) request(name string) (provider.CreateOrUpdateRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Name == name {
			return f.requests[i], true
		}
	}
	return provider.CreateOrUpdateRequest{}, false
}

func resolved(t *testing.T, set decl.Set, env map[string]cty.Value) *eval.ResolvedGraph {
	t.Helper()

	g, err := graph.Build(set)
	require.NoError(t, err)

	og, err := resolve.Resolve(context.Background(), g, &expr.Scope{Env: env})
	require.NoError(t, err)

	rg, err := eval.Evaluate(context.Background(), og, env)
	require.NoError(t, err)
	return rg
}

func planFor(t *testing.T, store state.Store, rg *eval.ResolvedGraph) *plan.Plan {
	t.Helper()

	p, err := plan.NewPlanner(store).Plan(context.Background(), rg)
	require.NoError(t, err)
	return p
}

func fastOptions() apply.Options {
	return apply.Options{
		InitialBackoff: time.Millisecond,
		CallTimeout:    5 * time.Second,
	}
}

func testSet() decl.Set {
	return decl.Set{
		Resources: []decl.Resource{
			{Type: "storage", Name: "store", Properties: map[string]decl.Expr{
				"sku": decl.String("Standard_LRS"),
			}},
			{Type: "serverfarm", Name: "farm"},
			{Type: "app", Name: "site", DependsOn: []string{"farm"}, Properties: map[string]decl.Expr{
				"endpoint": decl.Reference("store", "outputs", "primary_endpoint"),
			}},
		},
		Outputs: map[string]decl.Expr{
			"endpoint": decl.Reference("store", "outputs", "primary_endpoint"),
		},
	}
}

func TestApply_CreatesInDependencyOrder(t *testing.T) {
	// store <--- site ---> farm
	//
	// The site reads a provider output of the store, so its provider call
	// must carry the concrete value even though planning saw a deferred one.
	prov := newFakeProvider()
	prov.outputs["store"] = map[string]any{"primary_endpoint": "https://store.example.net"}

	store := state.NewMemory()
	rg := resolved(t, testSet(), nil)
	p := planFor(t, store, rg)

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	for _, id := range []string{"store", "farm", "site"} {
		require.Equal(t, apply.StatusSucceeded, res.Nodes[id].Status, id)
		require.NotEmpty(t, res.Nodes[id].RemoteID, id)
	}

	order := prov.callOrder()
	require.Less(t, indexOf(t, order, "store"), indexOf(t, order, "site"))
	require.Less(t, indexOf(t, order, "farm"), indexOf(t, order, "site"))

	req, ok := prov.request("site")
	require.True(t, ok)
	require.Equal(t, "https://store.example.net", req.Properties["endpoint"])

	require.NoError(t, res.OutputsErr)
	require.Equal(t, "https://store.example.net", res.Outputs["endpoint"])

	rec, ok, err := store.Get(context.Background(), "site")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.Nodes["site"].RemoteID, rec.RemoteID)
}

func TestApply_FailureBlocksDependents(t *testing.T) {
	//        store (fails)
	//          |
	//        site        farm (independent)
	prov := newFakeProvider()
	prov.failNext("store", provider.NewPermanentError("InvalidSku", "sku not available"))

	store := state.NewMemory()
	rg := resolved(t, testSet(), nil)
	p := planFor(t, store, rg)

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.False(t, res.Succeeded())

	require.Equal(t, apply.StatusFailed, res.Nodes["store"].Status)
	require.ErrorContains(t, res.Nodes["store"].Err, "InvalidSku")
	require.Equal(t, apply.StatusBlocked, res.Nodes["site"].Status)
	require.Contains(t, res.Nodes["site"].Reason, "store")

	// The independent branch keeps going.
	require.Equal(t, apply.StatusSucceeded, res.Nodes["farm"].Status)

	// No state is recorded for anything that did not converge.
	_, ok, err := store.Get(context.Background(), "store")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = store.Get(context.Background(), "site")
	require.NoError(t, err)
	require.False(t, ok)

	require.Error(t, res.OutputsErr)
}

func TestApply_TransientErrorsRetry(t *testing.T) {
	prov := newFakeProvider()
	prov.failNext("store",
		provider.NewTransientError("Throttled", "try later"),
		provider.NewTransientError("Throttled", "try later"),
	)

	store := state.NewMemory()
	set := decl.Set{Resources: []decl.Resource{{Type: "storage", Name: "store"}}}
	rg := resolved(t, set, nil)
	p := planFor(t, store, rg)

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.Equal(t, apply.StatusSucceeded, res.Nodes["store"].Status)
	require.Len(t, prov.callOrder(), 3)
}

func TestApply_PermanentErrorDoesNotRetry(t *testing.T) {
	prov := newFakeProvider()
	prov.failNext("store", provider.NewPermanentError("Denied", "no access"))

	store := state.NewMemory()
	set := decl.Set{Resources: []decl.Resource{{Type: "storage", Name: "store"}}}
	rg := resolved(t, set, nil)
	p := planFor(t, store, rg)

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.Equal(t, apply.StatusFailed, res.Nodes["store"].Status)
	require.Len(t, prov.callOrder(), 1)
}

func TestApply_RetriesExhausted(t *testing.T) {
	prov := newFakeProvider()
	for i := 0; i < 10; i++ {
		prov.failNext("store", provider.NewTransientError("Throttled", "try later"))
	}

	store := state.NewMemory()
	set := decl.Set{Resources: []decl.Resource{{Type: "storage", Name: "store"}}}
	rg := resolved(t, set, nil)
	p := planFor(t, store, rg)

	opts := fastOptions()
	opts.MaxAttempts = 3
	res, err := apply.NewExecutor(prov, store, opts).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.Equal(t, apply.StatusFailed, res.Nodes["store"].Status)
	require.Len(t, prov.callOrder(), 3)
}

func TestApply_SkipsUpToDateNodes(t *testing.T) {
	prov := newFakeProvider()
	prov.outputs["store"] = map[string]any{"primary_endpoint": "https://store.example.net"}

	store := state.NewMemory()
	rg := resolved(t, testSet(), nil)
	p := planFor(t, store, rg)

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	firstCalls := len(prov.callOrder())

	// Second run over unchanged declarations touches nothing, and outputs
	// still resolve from recorded state.
	rg = resolved(t, testSet(), nil)
	p = planFor(t, store, rg)
	res, err = apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, p)
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	for _, id := range []string{"store", "farm", "site"} {
		require.Equal(t, apply.StatusSkipped, res.Nodes[id].Status, id)
	}
	require.Len(t, prov.callOrder(), firstCalls)
	require.Equal(t, "https://store.example.net", res.Outputs["endpoint"])
}

func TestApply_UpdateCarriesRemoteID(t *testing.T) {
	prov := newFakeProvider()
	store := state.NewMemory()

	set := decl.Set{Resources: []decl.Resource{
		{Type: "storage", Name: "store", Properties: map[string]decl.Expr{
			"sku": decl.String("Standard_LRS"),
		}},
	}}
	rg := resolved(t, set, nil)
	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)
	created := res.Nodes["store"].RemoteID

	set.Resources[0].Properties["sku"] = decl.String("Premium_LRS")
	rg = resolved(t, set, nil)
	res, err = apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)

	require.Equal(t, apply.StatusSucceeded, res.Nodes["store"].Status)
	require.Equal(t, plan.ActionUpdate, res.Nodes["store"].Action)

	req, ok := prov.request("store")
	require.True(t, ok)
	require.Equal(t, created, req.RemoteID)
}

func TestApply_DeletesInReverseOrder(t *testing.T) {
	set := decl.Set{
		Resources: []decl.Resource{
			{Type: "a", Name: "base", Condition: decl.Env("keep")},
			{Type: "b", Name: "leaf", Condition: decl.Env("keep"), DependsOn: []string{"base"}},
		},
	}
	on := map[string]cty.Value{"keep": cty.True}
	off := map[string]cty.Value{"keep": cty.False}

	prov := newFakeProvider()
	store := state.NewMemory()

	rg := resolved(t, set, on)
	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)
	baseID := res.Nodes["base"].RemoteID
	leafID := res.Nodes["leaf"].RemoteID

	rg = resolved(t, set, off)
	res, err = apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	require.Equal(t, []string{leafID, baseID}, prov.deleteOrder)

	_, ok, err := store.Get(context.Background(), "base")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApply_FailedDeleteBlocksItsDependencies(t *testing.T) {
	set := decl.Set{
		Resources: []decl.Resource{
			{Type: "a", Name: "base", Condition: decl.Env("keep")},
			{Type: "b", Name: "leaf", Condition: decl.Env("keep"), DependsOn: []string{"base"}},
		},
	}
	on := map[string]cty.Value{"keep": cty.True}
	off := map[string]cty.Value{"keep": cty.False}

	prov := newFakeProvider()
	store := state.NewMemory()

	rg := resolved(t, set, on)
	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)
	prov.failNext("delete:"+res.Nodes["leaf"].RemoteID, provider.NewPermanentError("Locked", "resource lock"))

	rg = resolved(t, set, off)
	res, err = apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)

	require.Equal(t, apply.StatusFailed, res.Nodes["leaf"].Status)
	// The base stays put while something that references it still exists.
	require.Equal(t, apply.StatusBlocked, res.Nodes["base"].Status)

	_, ok, err := store.Get(context.Background(), "base")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestApply_ParallelismBound(t *testing.T) {
	set := decl.Set{
		Resources: []decl.Resource{
			{Type: "a", Name: "one"},
			{Type: "a", Name: "two"},
			{Type: "a", Name: "three"},
		},
	}

	prov := newFakeProvider()
	prov.delay = 10 * time.Millisecond
	store := state.NewMemory()
	rg := resolved(t, set, nil)

	opts := fastOptions()
	opts.Parallelism = 1
	res, err := apply.NewExecutor(prov, store, opts).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	prov.mu.Lock()
	defer prov.mu.Unlock()
	require.Equal(t, 1, prov.maxInFlight)
}

func TestApply_CanceledContextBlocksEverything(t *testing.T) {
	prov := newFakeProvider()
	store := state.NewMemory()
	rg := resolved(t, testSet(), nil)
	p := planFor(t, store, rg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(ctx, rg, p)
	require.NoError(t, err)
	require.False(t, res.Succeeded())

	for _, id := range []string{"store", "farm", "site"} {
		require.Equal(t, apply.StatusBlocked, res.Nodes[id].Status, id)
		require.Equal(t, "run canceled", res.Nodes[id].Reason, id)
	}
	require.Empty(t, prov.callOrder())
}

func TestApply_GrantWaitsForBothReferents(t *testing.T) {
	// store --+
	//         +--> grant
	// vault --+
	set := decl.Set{
		Resources: []decl.Resource{
			{Type: "storage", Name: "store"},
			{Type: "vault", Name: "vault"},
			{Type: "grant", Name: "grant", Properties: map[string]decl.Expr{
				"principal": decl.Reference("vault", "outputs", "identity"),
				"scope":     decl.Reference("store", "outputs", "resource_id"),
			}},
		},
	}

	prov := newFakeProvider()
	prov.outputs["store"] = map[string]any{"resource_id": "/stores/1"}
	prov.outputs["vault"] = map[string]any{"identity": "principal-7"}

	store := state.NewMemory()
	rg := resolved(t, set, nil)

	res, err := apply.NewExecutor(prov, store, fastOptions()).Apply(context.Background(), rg, planFor(t, store, rg))
	require.NoError(t, err)
	require.True(t, res.Succeeded())

	order := prov.callOrder()
	require.Less(t, indexOf(t, order, "store"), indexOf(t, order, "grant"))
	require.Less(t, indexOf(t, order, "vault"), indexOf(t, order, "grant"))

	req, ok := prov.request("grant")
	require.True(t, ok)
	require.Equal(t, "principal-7", req.Properties["principal"])
	require.Equal(t, "/stores/1", req.Properties["scope"])
}

func indexOf(t *testing.T, s []string, v string) int {
	t.Helper()

	for i, e := range s {
		if e == v {
			return i
		}
	}
	t.Fatalf("%q not in %v", v, s)
	return -1
}
