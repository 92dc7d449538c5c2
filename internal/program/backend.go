package program

import (
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/apex/log"

	"github.com/blacktop/featx/internal/cfg"
	"github.com/blacktop/featx/internal/isa"
	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
)

var _ extractor.Backend = (*Program)(nil)

type cfgKey struct{}

func (p *Program) Format() detect.Format       { return p.img.Format }
func (p *Program) Processor() detect.Processor { return p.img.Processor }

func (p *Program) OpenImage() (io.ReadSeekCloser, error) {
	return p.img.Open()
}

func (p *Program) BaseAddress() features.Address {
	return features.Address(p.img.Base)
}

func (p *Program) Contains(addr features.Address) bool {
	return p.img.Mapped(uint64(addr))
}

// ConcurrentSafe reports that functions may be extracted in parallel: the
// image is read only after New and the decode cache is synchronized.
func (p *Program) ConcurrentSafe() bool {
	return true
}

func (p *Program) FileFeatures() ([]features.Record, error) {
	recs, err := p.fileFeatures()
	if err != nil {
		return nil, err
	}
	return slices.Clone(recs), nil
}

func (p *Program) handle(f *Func) *extractor.Function {
	h := extractor.NewFunction(f, features.Address(f.Entry), features.Address(f.End))
	h.Name = f.Name
	h.Thunk = f.Thunk
	h.Library = f.Library
	return h
}

// Funcs returns every recovered function sorted by entry.
func (p *Program) Funcs() []*Func {
	return slices.Clone(p.funcs)
}

func (p *Program) Functions() iter.Seq[*extractor.Function] {
	return func(yield func(*extractor.Function) bool) {
		for _, f := range p.funcs {
			if !yield(p.handle(f)) {
				return
			}
		}
	}
}

func (p *Program) FunctionAt(addr features.Address) (*extractor.Function, bool) {
	f, ok := p.functionAt(uint64(addr))
	if !ok {
		return nil, false
	}
	return p.handle(f), true
}

func (p *Program) context(fc extractor.FunctionContext) (*Func, *cfg.Function, error) {
	f, err := extractor.As[*Func](fc.Function)
	if err != nil {
		return nil, nil, err
	}
	fn, err := extractor.Memo(fc.Cache, cfgKey{}, func() (*cfg.Function, error) {
		return p.Recover(f.Entry)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to recover function %#x: %w", f.Entry, err)
	}
	return f, fn, nil
}

func (p *Program) FunctionFeatures(fc extractor.FunctionContext) ([]features.Record, error) {
	f, fn, err := p.context(fc)
	if err != nil {
		return nil, err
	}
	return p.functionFeatures(f, fn)
}

func (p *Program) BasicBlocks(fc extractor.FunctionContext) iter.Seq[*extractor.BasicBlock] {
	return func(yield func(*extractor.BasicBlock) bool) {
		_, fn, err := p.context(fc)
		if err != nil {
			log.WithError(err).Debug("no basic blocks")
			return
		}
		for _, b := range fn.Blocks {
			if !yield(extractor.NewBasicBlock(b, features.Address(b.Start), features.Address(b.End))) {
				return
			}
		}
	}
}

func (p *Program) BasicBlockFeatures(fc extractor.FunctionContext, bb *extractor.BasicBlock) ([]features.Record, error) {
	b, err := extractor.As[*cfg.Block](bb)
	if err != nil {
		return nil, err
	}
	return basicBlockFeatures(b), nil
}

func (p *Program) Instructions(fc extractor.FunctionContext, bb *extractor.BasicBlock) iter.Seq[*extractor.Instruction] {
	return func(yield func(*extractor.Instruction) bool) {
		b, err := extractor.As[*cfg.Block](bb)
		if err != nil {
			return
		}
		for _, insn := range b.Insns {
			if !yield(extractor.NewInstruction(insn, features.Address(insn.Addr), insn.Len)) {
				return
			}
		}
	}
}

func (p *Program) InstructionFeatures(fc extractor.FunctionContext, bb *extractor.BasicBlock, insn *extractor.Instruction) ([]features.Record, error) {
	f, err := extractor.As[*Func](fc.Function)
	if err != nil {
		return nil, err
	}
	b, err := extractor.As[*cfg.Block](bb)
	if err != nil {
		return nil, err
	}
	in, err := extractor.As[isa.Insn](insn)
	if err != nil {
		return nil, err
	}
	return p.instructionFeatures(f, b, in), nil
}
