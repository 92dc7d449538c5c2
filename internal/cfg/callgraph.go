package cfg

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"
)

// CallGraph records which functions call which.
type CallGraph struct {
	g     graph.Graph[uint64, uint64]
	sites map[uint64][]uint64 // callee -> call sites
	preds map[uint64]map[uint64]graph.Edge[uint64]
	adj   map[uint64]map[uint64]graph.Edge[uint64]
}

func NewCallGraph() *CallGraph {
	return &CallGraph{
		g:     graph.New(func(a uint64) uint64 { return a }, graph.Directed()),
		sites: make(map[uint64][]uint64),
	}
}

func (c *CallGraph) AddFunction(entry uint64) {
	if err := c.g.AddVertex(entry); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
		log.WithError(err).Debug("failed to add function to call graph")
	}
	c.preds, c.adj = nil, nil
}

// AddCall records a call from the function at caller to callee made at site.
// Both functions must have been added.
func (c *CallGraph) AddCall(caller, callee, site uint64) error {
	c.sites[callee] = append(c.sites[callee], site)
	if caller == callee {
		return nil
	}
	if err := c.g.AddEdge(caller, callee); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
		return fmt.Errorf("failed to add call %#x -> %#x: %w", caller, callee, err)
	}
	c.preds, c.adj = nil, nil
	return nil
}

func (c *CallGraph) index() {
	if c.preds != nil {
		return
	}
	var err error
	if c.preds, err = c.g.PredecessorMap(); err != nil {
		log.WithError(err).Debug("failed to compute call graph predecessors")
		c.preds = make(map[uint64]map[uint64]graph.Edge[uint64])
	}
	if c.adj, err = c.g.AdjacencyMap(); err != nil {
		log.WithError(err).Debug("failed to compute call graph adjacency")
		c.adj = make(map[uint64]map[uint64]graph.Edge[uint64])
	}
}

// Freeze precomputes the caller and callee indexes. It must be called before
// the graph is read concurrently.
func (c *CallGraph) Freeze() {
	c.index()
}

// Callers returns the sorted entries of the functions calling entry.
func (c *CallGraph) Callers(entry uint64) []uint64 {
	c.index()
	return slices.Sorted(maps.Keys(c.preds[entry]))
}

// Callees returns the sorted entries of the functions called by entry.
func (c *CallGraph) Callees(entry uint64) []uint64 {
	c.index()
	return slices.Sorted(maps.Keys(c.adj[entry]))
}

// CallSites returns every call instruction targeting entry.
func (c *CallGraph) CallSites(entry uint64) []uint64 {
	sites := slices.Clone(c.sites[entry])
	slices.Sort(sites)
	return slices.Compact(sites)
}

// Discover recovers the functions at seeds and every function reachable from
// them through direct calls accepted by isEntry. Functions that cannot be
// recovered are skipped.
func Discover(seeds []uint64, recoverFn func(entry uint64) (*Function, error), isEntry func(addr uint64) bool) (map[uint64]*Function, *CallGraph) {
	funcs := make(map[uint64]*Function)
	cg := NewCallGraph()

	seen := make(map[uint64]bool)
	work := slices.Clone(seeds)
	for len(work) > 0 {
		entry := work[0]
		work = work[1:]
		if seen[entry] {
			continue
		}
		seen[entry] = true

		fn, err := recoverFn(entry)
		if err != nil {
			log.WithError(err).WithField("entry", fmt.Sprintf("%#x", entry)).Debug("skipping function")
			continue
		}
		funcs[entry] = fn
		cg.AddFunction(entry)

		for _, call := range fn.Calls {
			if call.HasTarget && !seen[call.Target] && isEntry(call.Target) {
				work = append(work, call.Target)
			}
		}
	}

	for entry, fn := range funcs {
		for _, call := range fn.Calls {
			if !call.HasTarget {
				continue
			}
			if _, ok := funcs[call.Target]; !ok {
				continue
			}
			if err := cg.AddCall(entry, call.Target, call.Site); err != nil {
				log.WithError(err).Debug("failed to record call")
			}
		}
	}
	cg.Freeze()

	return funcs, cg
}
