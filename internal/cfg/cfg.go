// Package cfg recovers basic blocks and control flow graphs of functions
// from decoded instructions.
package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"

	"github.com/blacktop/featx/internal/isa"
)

// Fetch decodes the instruction at addr.
type Fetch func(addr uint64) (isa.Insn, error)

// Block is a maximal run of instructions with a single entry and a single exit.
type Block struct {
	Start uint64
	End   uint64 // exclusive
	Insns []isa.Insn
	Succs []uint64
}

// Last returns the block's final instruction.
func (b *Block) Last() isa.Insn {
	return b.Insns[len(b.Insns)-1]
}

// SelfLoop reports whether the block branches to its own start.
func (b *Block) SelfLoop() bool {
	return slices.Contains(b.Succs, b.Start)
}

// Call is a call site inside a function.
type Call struct {
	Site      uint64
	Target    uint64
	HasTarget bool
}

// Function is the recovered control flow graph of one function.
type Function struct {
	Entry  uint64
	Blocks []*Block // sorted by Start
	Calls  []Call

	graph graph.Graph[uint64, *Block]
	index map[uint64]*Block
}

// Block returns the block starting at addr.
func (f *Function) Block(addr uint64) (*Block, bool) {
	b, ok := f.index[addr]
	return b, ok
}

// BlockContaining returns the block holding the instruction at addr.
func (f *Function) BlockContaining(addr uint64) (*Block, bool) {
	i, found := slices.BinarySearchFunc(f.Blocks, addr, func(b *Block, a uint64) int {
		switch {
		case b.Start > a:
			return 1
		case b.End <= a:
			return -1
		}
		return 0
	})
	if !found {
		return nil, false
	}
	return f.Blocks[i], true
}

// Graph returns the block graph keyed by block start address.
func (f *Function) Graph() graph.Graph[uint64, *Block] {
	return f.graph
}

// HasLoop reports whether the control flow graph contains a cycle.
func (f *Function) HasLoop() (bool, error) {
	for _, b := range f.Blocks {
		if b.SelfLoop() {
			return true, nil
		}
	}
	sccs, err := graph.StronglyConnectedComponents(f.graph)
	if err != nil {
		return false, fmt.Errorf("failed to compute strongly connected components: %w", err)
	}
	for _, scc := range sccs {
		if len(scc) > 1 {
			return true, nil
		}
	}
	return false, nil
}

// Instructions returns the number of instructions in the function.
func (f *Function) Instructions() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Insns)
	}
	return n
}

// Options bound the recovery of a function.
type Options struct {
	// Within reports whether addr may belong to the function. Jumps outside are
	// treated as tail calls.
	Within func(addr uint64) bool
	// MaxInsns caps the number of decoded instructions (0 means no limit).
	MaxInsns int
}

// ErrEmpty is returned when not a single instruction could be decoded at the entry.
var ErrEmpty = errors.New("no instructions at function entry")

// Recover explores the function at entry and splits the reachable
// instructions into disjoint basic blocks. Leaders are the entry, every
// in-function branch target and every instruction after a branch.
func Recover(entry uint64, fetch Fetch, opts Options) (*Function, error) {
	within := opts.Within
	if within == nil {
		within = func(uint64) bool { return true }
	}

	insns := make(map[uint64]isa.Insn)
	leaders := map[uint64]bool{entry: true}
	var calls []Call

	work := []uint64{entry}
	for len(work) > 0 {
		addr := work[len(work)-1]
		work = work[:len(work)-1]

		for {
			if _, seen := insns[addr]; seen {
				break
			}
			if opts.MaxInsns > 0 && len(insns) >= opts.MaxInsns {
				log.WithField("entry", fmt.Sprintf("%#x", entry)).Debug("instruction limit reached")
				break
			}
			insn, err := fetch(addr)
			if err != nil {
				log.WithError(err).WithField("addr", fmt.Sprintf("%#x", addr)).Debug("stopping exploration")
				break
			}
			insns[addr] = insn

			if insn.Flow == isa.FlowCall {
				// call $+5 pushes the program counter, it does not call a function
				direct := insn.HasTarget && insn.Target != insn.End()
				calls = append(calls, Call{Site: addr, Target: insn.Target, HasTarget: direct})
			}

			if insn.Flow.Branch() {
				if insn.HasTarget && (insn.Flow == isa.FlowJump || insn.Flow == isa.FlowCondJump) && within(insn.Target) {
					leaders[insn.Target] = true
					work = append(work, insn.Target)
				}
				if insn.Flow.FallsThrough() && within(insn.End()) {
					leaders[insn.End()] = true
					work = append(work, insn.End())
				}
				break
			}

			addr = insn.End()
			if !within(addr) {
				break
			}
		}
	}

	if len(insns) == 0 {
		return nil, fmt.Errorf("%w %#x", ErrEmpty, entry)
	}

	f := &Function{
		Entry: entry,
		index: make(map[uint64]*Block),
		graph: graph.New(func(b *Block) uint64 { return b.Start }, graph.Directed()),
	}

	addrs := make([]uint64, 0, len(insns))
	for a := range insns {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)

	// Overlapping decodes (jumps into the middle of an instruction) keep the
	// entry instruction and otherwise the lower address.
	head := insns[entry]
	var cur *Block
	var end uint64
	for _, a := range addrs {
		insn := insns[a]
		if a != entry && (a < end || (a < head.End() && insn.End() > entry)) {
			log.WithField("addr", fmt.Sprintf("%#x", a)).Debug("dropping overlapping instruction")
			continue
		}
		end = insn.End()
		if cur == nil || leaders[a] || cur.End != a || cur.Last().Flow.Branch() {
			cur = &Block{Start: a}
			f.Blocks = append(f.Blocks, cur)
			f.index[a] = cur
		}
		cur.Insns = append(cur.Insns, insn)
		cur.End = insn.End()
	}

	for _, b := range f.Blocks {
		last := b.Last()
		if last.HasTarget && (last.Flow == isa.FlowJump || last.Flow == isa.FlowCondJump) {
			if _, ok := f.index[last.Target]; ok {
				b.Succs = append(b.Succs, last.Target)
			}
		}
		if last.Flow.FallsThrough() {
			if _, ok := f.index[last.End()]; ok && !slices.Contains(b.Succs, last.End()) {
				b.Succs = append(b.Succs, last.End())
			}
		}
	}
	f.prune(calls)

	for _, b := range f.Blocks {
		if err := f.graph.AddVertex(b); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, fmt.Errorf("failed to add block %#x: %w", b.Start, err)
		}
	}
	for _, b := range f.Blocks {
		for _, s := range b.Succs {
			if s == b.Start {
				continue
			}
			if err := f.graph.AddEdge(b.Start, s); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, fmt.Errorf("failed to add edge %#x -> %#x: %w", b.Start, s, err)
			}
		}
	}

	return f, nil
}

// prune drops blocks that are no longer reachable from the entry, which
// happens when the only path to them ran through a dropped instruction,
// and keeps the call sites of the remaining blocks.
func (f *Function) prune(calls []Call) {
	reach := map[uint64]bool{f.Entry: true}
	work := []uint64{f.Entry}
	for len(work) > 0 {
		b := f.index[work[len(work)-1]]
		work = work[:len(work)-1]
		for _, s := range b.Succs {
			if !reach[s] {
				reach[s] = true
				work = append(work, s)
			}
		}
	}
	f.Blocks = slices.DeleteFunc(f.Blocks, func(b *Block) bool {
		if reach[b.Start] {
			return false
		}
		delete(f.index, b.Start)
		return true
	})

	for _, c := range calls {
		if b, ok := f.BlockContaining(c.Site); ok && slices.ContainsFunc(b.Insns, func(i isa.Insn) bool { return i.Addr == c.Site }) {
			f.Calls = append(f.Calls, c)
		}
	}
	slices.SortFunc(f.Calls, func(a, b Call) int { return cmp.Compare(a.Site, b.Site) })
}
