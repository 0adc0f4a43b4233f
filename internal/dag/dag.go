// Package dag provides the frontier used to walk the apply graph
// concurrently: a node becomes ready once every dependency is done, and a
// failure blocks the node's entire downstream cone while independent
// branches keep going.
package dag

import (
	"errors"
	"fmt"
	"sync"
)

func NewGraph() *Graph {
	return &Graph{
		forwardEdges:  map[string]*StringSet{},
		backwardEdges: map[string]*StringSet{},
	}
}

// Graph is a dependency graph. An edge goes from a dependency to its
// dependent.
type Graph struct {
	forwardEdges  map[string]*StringSet
	backwardEdges map[string]*StringSet
}

// AddNode registers a node with no edges. Adding an edge registers both
// endpoints implicitly.
func (g *Graph) AddNode(name string) error {
	if name == "" {
		return errors.New("node names must not be empty")
	}

	if _, ok := g.forwardEdges[name]; !ok {
		g.forwardEdges[name] = NewStringSet()
	}
	if _, ok := g.backwardEdges[name]; !ok {
		g.backwardEdges[name] = NewStringSet()
	}

	return nil
}

func (g *Graph) AddEdge(from, to string) error {
	if from == "" || to == "" {
		return errors.New("node names must not be empty")
	}

	if err := g.AddNode(from); err != nil {
		return err
	}
	if err := g.AddNode(to); err != nil {
		return err
	}

	g.forwardEdges[from].Add(to)
	g.backwardEdges[to].Add(from)

	return nil
}

func (g *Graph) Len() int {
	return len(g.forwardEdges)
}

// Frontier tracks readiness across a single walk of the graph.
type Frontier struct {
	sync.Mutex

	graph    *Graph
	next     *StringSet
	done     map[string]bool
	failed   map[string]bool
	deps     map[string]*StringSet
	remained int
}

func InitFrontier(g *Graph) *Frontier {
	next := NewStringSet()
	deps := map[string]*StringSet{}
	for n, edges := range g.backwardEdges {
		deps[n] = edges.Clone()

		if edges.Len() == 0 {
			next.Add(n)
		}
	}

	return &Frontier{
		graph:    g,
		next:     next,
		done:     map[string]bool{},
		failed:   map[string]bool{},
		deps:     deps,
		remained: g.Len(),
	}
}

// Next drains the set of nodes that became ready since the last call.
func (f *Frontier) Next() []string {
	f.Lock()
	defer f.Unlock()

	nextNodes := f.next.Values()
	f.next = NewStringSet()

	return nextNodes
}

// Done marks a node complete and readies any dependent whose dependencies
// are all done.
func (f *Frontier) Done(node string) error {
	f.Lock()
	defer f.Unlock()

	if f.done[node] || f.failed[node] {
		return fmt.Errorf("%q already finished", node)
	}

	f.done[node] = true
	f.remained--

	forward := f.graph.forwardEdges[node]
	if forward == nil {
		return nil
	}

	for _, e := range forward.Values() {
		deps := f.deps[e]
		deps.Remove(node)

		if deps.Len() == 0 && !f.failed[e] {
			f.next.Add(e)
		}
	}

	return nil
}

// Fail marks a node failed and returns every transitive dependent that will
// now never run. Blocked nodes are finished as far as the frontier is
// concerned and are never handed out by Next.
func (f *Frontier) Fail(node string) []string {
	f.Lock()
	defer f.Unlock()

	var blocked []string
	var mark func(string)
	mark = func(n string) {
		if f.failed[n] || f.done[n] {
			return
		}
		f.failed[n] = true
		f.remained--
		if n != node {
			blocked = append(blocked, n)
		}

		forward := f.graph.forwardEdges[n]
		if forward == nil {
			return
		}
		for _, e := range forward.Values() {
			mark(e)
		}
	}
	mark(node)

	return blocked
}

// Remaining reports how many nodes have neither finished nor been blocked.
func (f *Frontier) Remaining() int {
	f.Lock()
	defer f.Unlock()

	return f.remained
}

func NewStringSet() *StringSet {
	return &StringSet{
		values: map[string]struct{}{},
	}
}

type StringSet struct {
	sync.Mutex

	values map[string]struct{}
}

func (s *StringSet) Add(val string) {
	s.Lock()
	defer s.Unlock()

	s.values[val] = struct{}{}
}

func (s *StringSet) Remove(val string) {
	s.Lock()
	defer s.Unlock()

	delete(s.values, val)
}

func (s *StringSet) Clone() *StringSet {
	s.Lock()
	defer s.Unlock()

	dest := NewStringSet()
	for k := range s.values {
		dest.Add(k)
	}

	return dest
}

func (s *StringSet) Len() int {
	s.Lock()
	defer s.Unlock()

	return len(s.values)
}

func (s *StringSet) Values() []string {
	s.Lock()
	defer s.Unlock()

	vals := make([]string, 0, len(s.values))
	for v := range s.values {
		vals = append(vals, v)
	}

	return vals
}
