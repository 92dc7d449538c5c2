// Package extractor walks an image's file -> function -> basic block ->
// instruction hierarchy and produces the features observed at each scope.
//
// A disassembler engine plugs in by implementing Backend. New wraps a Backend
// into an Extractor, which computes the image's global features (OS and
// architecture) once and appends them to the output of every extraction call.
package extractor

import (
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/apex/log"

	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/features"
)

// Backend is the contract a disassembler engine implements. Backends return
// only the features of the requested scope; they neither filter functions nor
// add global features.
type Backend interface {
	// Format reports the image container format.
	Format() detect.Format
	// Processor reports the instruction set of the image.
	Processor() detect.Processor
	// OpenImage opens a byte stream over the loaded image.
	OpenImage() (io.ReadSeekCloser, error)
	// BaseAddress is the image load base.
	BaseAddress() features.Address
	// Contains reports whether addr is mapped by the image.
	Contains(addr features.Address) bool

	FileFeatures() ([]features.Record, error)

	// Functions enumerates every function, thunks and library functions included.
	Functions() iter.Seq[*Function]
	// FunctionAt returns the function containing addr.
	FunctionAt(addr features.Address) (*Function, bool)
	FunctionFeatures(fc FunctionContext) ([]features.Record, error)

	BasicBlocks(fc FunctionContext) iter.Seq[*BasicBlock]
	BasicBlockFeatures(fc FunctionContext, bb *BasicBlock) ([]features.Record, error)

	Instructions(fc FunctionContext, bb *BasicBlock) iter.Seq[*Instruction]
	InstructionFeatures(fc FunctionContext, bb *BasicBlock, insn *Instruction) ([]features.Record, error)
}

// ConcurrentReader is implemented by backends that support concurrent reads.
type ConcurrentReader interface {
	ConcurrentSafe() bool
}

// FeatureExtractor is the interface consumed by rule engines.
type FeatureExtractor interface {
	BaseAddress() features.Address
	// GlobalFeatures returns the OS and architecture features at 0x0.
	GlobalFeatures() []features.Record

	ExtractFileFeatures() ([]features.Record, error)

	// Functions yields every function that is neither a thunk nor a library
	// function. Each yielded context carries a fresh AnalysisCache; a second
	// enumeration yields new caches for the same functions.
	Functions() iter.Seq[FunctionContext]
	// Function returns the function containing addr with a fresh AnalysisCache.
	Function(addr features.Address) (FunctionContext, error)
	ExtractFunctionFeatures(fc FunctionContext) ([]features.Record, error)

	// BasicBlocks yields the blocks of the function. A handle this extractor
	// did not produce yields nothing; ExtractFunctionFeatures reports it as
	// ErrInvalidAddress.
	BasicBlocks(fc FunctionContext) iter.Seq[*BasicBlock]
	ExtractBasicBlockFeatures(fc FunctionContext, bb *BasicBlock) ([]features.Record, error)

	// Instructions yields the instructions in [bb.Start, bb.End) in address
	// order. Foreign handles yield nothing; ExtractBasicBlockFeatures reports
	// them as ErrInvalidAddress.
	Instructions(fc FunctionContext, bb *BasicBlock) iter.Seq[*Instruction]
	ExtractInsnFeatures(fc FunctionContext, bb *BasicBlock, insn *Instruction) ([]features.Record, error)
}

var _ FeatureExtractor = (*Extractor)(nil)

// Extractor implements FeatureExtractor over a Backend.
type Extractor struct {
	backend Backend
	globals []features.Record
}

type config struct {
	detect []detect.Option
}

// Option configures an Extractor.
type Option func(*config)

// WithDetectOptions passes options to OS detection.
func WithDetectOptions(opts ...detect.Option) Option {
	return func(c *config) {
		c.detect = append(c.detect, opts...)
	}
}

// New computes the global features of the backend's image and returns an
// Extractor. It fails with ErrUnsupportedFormat or ErrUnsupportedArchitecture
// before any extraction can happen.
func New(backend Backend, opts ...Option) (*Extractor, error) {
	var conf config
	for _, opt := range opts {
		opt(&conf)
	}

	osRecs, err := detect.OS(backend.Format(), backend.OpenImage, conf.detect...)
	if err != nil {
		return nil, fmt.Errorf("failed to detect OS: %w", err)
	}
	archRecs, err := detect.Arch(backend.Processor())
	if err != nil {
		return nil, fmt.Errorf("failed to detect architecture: %w", err)
	}

	e := &Extractor{
		backend: backend,
		globals: slices.Concat(osRecs, archRecs),
	}
	log.WithFields(log.Fields{
		"format": backend.Format().String(),
		"base":   backend.BaseAddress().String(),
	}).Debugf("global features: %v", e.globals)

	return e, nil
}

// Backend returns the wrapped backend.
func (e *Extractor) Backend() Backend {
	return e.backend
}

// ConcurrentSafe reports whether functions may be extracted in parallel.
func (e *Extractor) ConcurrentSafe() bool {
	if cr, ok := e.backend.(ConcurrentReader); ok {
		return cr.ConcurrentSafe()
	}
	return false
}

func (e *Extractor) BaseAddress() features.Address {
	return e.backend.BaseAddress()
}

func (e *Extractor) GlobalFeatures() []features.Record {
	return slices.Clone(e.globals)
}

func (e *Extractor) withGlobals(recs []features.Record) []features.Record {
	return slices.Concat(recs, e.globals)
}

func (e *Extractor) ExtractFileFeatures() ([]features.Record, error) {
	recs, err := e.backend.FileFeatures()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file features: %w", err)
	}
	return e.withGlobals(recs), nil
}

func (e *Extractor) newContext(f *Function) FunctionContext {
	fn := *f
	fn.owner = e
	return FunctionContext{Function: &fn, Cache: NewAnalysisCache()}
}

func (e *Extractor) Functions() iter.Seq[FunctionContext] {
	return func(yield func(FunctionContext) bool) {
		for f := range e.backend.Functions() {
			if f.Thunk || f.Library {
				continue
			}
			if !yield(e.newContext(f)) {
				return
			}
		}
	}
}

func (e *Extractor) Function(addr features.Address) (FunctionContext, error) {
	if !e.backend.Contains(addr) {
		return FunctionContext{}, fmt.Errorf("%w: %s is outside the image", ErrInvalidAddress, addr)
	}
	f, ok := e.backend.FunctionAt(addr)
	if !ok {
		return FunctionContext{}, fmt.Errorf("%w: %s", ErrFunctionNotFound, addr)
	}
	return e.newContext(f), nil
}

func (e *Extractor) checkFunction(fc FunctionContext) error {
	if fc.Function == nil || fc.Cache == nil {
		return fmt.Errorf("%w: empty function context", ErrInvalidAddress)
	}
	if fc.Function.owner != e {
		return fmt.Errorf("%w: function %s belongs to another image", ErrInvalidAddress, fc.Function.Start)
	}
	return nil
}

func (e *Extractor) checkBlock(fc FunctionContext, bb *BasicBlock) error {
	if err := e.checkFunction(fc); err != nil {
		return err
	}
	if bb == nil || bb.owner != e || bb.fn != fc.Function.Start {
		return fmt.Errorf("%w: basic block does not belong to function %s", ErrInvalidAddress, fc.Function.Start)
	}
	return nil
}

func (e *Extractor) ExtractFunctionFeatures(fc FunctionContext) ([]features.Record, error) {
	if err := e.checkFunction(fc); err != nil {
		return nil, err
	}
	recs, err := e.backend.FunctionFeatures(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to extract features of function %s: %w", fc.Function.Start, err)
	}
	return e.withGlobals(recs), nil
}

func (e *Extractor) BasicBlocks(fc FunctionContext) iter.Seq[*BasicBlock] {
	return func(yield func(*BasicBlock) bool) {
		if err := e.checkFunction(fc); err != nil {
			log.WithError(err).Debug("no basic blocks to enumerate")
			return
		}
		for b := range e.backend.BasicBlocks(fc) {
			bb := *b
			bb.owner = e
			bb.fn = fc.Function.Start
			if !yield(&bb) {
				return
			}
		}
	}
}

func (e *Extractor) ExtractBasicBlockFeatures(fc FunctionContext, bb *BasicBlock) ([]features.Record, error) {
	if err := e.checkBlock(fc, bb); err != nil {
		return nil, err
	}
	recs, err := e.backend.BasicBlockFeatures(fc, bb)
	if err != nil {
		return nil, fmt.Errorf("failed to extract features of basic block %s: %w", bb.Start, err)
	}
	return e.withGlobals(recs), nil
}

func (e *Extractor) Instructions(fc FunctionContext, bb *BasicBlock) iter.Seq[*Instruction] {
	return func(yield func(*Instruction) bool) {
		if err := e.checkBlock(fc, bb); err != nil {
			log.WithError(err).Debug("no instructions to enumerate")
			return
		}
		var last features.Address
		first := true
		for i := range e.backend.Instructions(fc, bb) {
			if !bb.Contains(i.Addr) || (!first && i.Addr <= last) {
				log.WithField("addr", i.Addr.String()).Debug("dropping instruction outside of basic block order")
				continue
			}
			first, last = false, i.Addr
			insn := *i
			insn.owner = e
			insn.block = bb.Start
			if !yield(&insn) {
				return
			}
		}
	}
}

func (e *Extractor) ExtractInsnFeatures(fc FunctionContext, bb *BasicBlock, insn *Instruction) ([]features.Record, error) {
	if err := e.checkBlock(fc, bb); err != nil {
		return nil, err
	}
	if insn == nil || insn.owner != e || insn.block != bb.Start || !bb.Contains(insn.Addr) {
		return nil, fmt.Errorf("%w: instruction does not belong to basic block %s", ErrInvalidAddress, bb.Start)
	}
	recs, err := e.backend.InstructionFeatures(fc, bb, insn)
	if err != nil {
		return nil, fmt.Errorf("failed to extract features of instruction %s: %w", insn.Addr, err)
	}
	return e.withGlobals(recs), nil
}
