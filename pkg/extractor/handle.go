package extractor

import (
	"fmt"

	"github.com/blacktop/featx/pkg/features"
)

// Handle is a backend object with a uniform address.
type Handle interface {
	// Address is the defining address: entry for functions, start for blocks,
	// the instruction address for instructions.
	Address() features.Address
	// Inner returns the backend native object.
	Inner() any
}

// As returns the native object wrapped by h as a T.
func As[T any](h Handle) (T, error) {
	if v, ok := h.Inner().(T); ok {
		return v, nil
	}
	var zero T
	return zero, fmt.Errorf("%w: %T does not wrap a %T", ErrAttributeNotFound, h, zero)
}

// Function is a function handle.
type Function struct {
	Start features.Address
	End   features.Address // exclusive; zero when the backend does not know it
	Name  string
	// Thunk marks trampolines that only forward to another function.
	Thunk bool
	// Library marks functions recognized as statically linked library code.
	Library bool

	inner any
	owner *Extractor
}

// NewFunction wraps a backend function object.
func NewFunction(inner any, start, end features.Address) *Function {
	return &Function{Start: start, End: end, inner: inner}
}

func (f *Function) Address() features.Address { return f.Start }
func (f *Function) Inner() any                { return f.inner }

// Contains reports whether addr lies in [Start, End).
func (f *Function) Contains(addr features.Address) bool {
	return f.Start <= addr && addr < f.End
}

func (f *Function) String() string {
	if f.Name != "" {
		return fmt.Sprintf("%s (%s)", f.Name, f.Start)
	}
	return fmt.Sprintf("sub_%x", uint64(f.Start))
}

// BasicBlock is a basic block handle covering [Start, End).
type BasicBlock struct {
	Start features.Address
	End   features.Address

	inner any
	owner *Extractor
	fn    features.Address
}

// NewBasicBlock wraps a backend basic block object.
func NewBasicBlock(inner any, start, end features.Address) *BasicBlock {
	return &BasicBlock{Start: start, End: end, inner: inner}
}

func (bb *BasicBlock) Address() features.Address { return bb.Start }
func (bb *BasicBlock) Inner() any                { return bb.inner }

// Contains reports whether addr lies in [Start, End).
func (bb *BasicBlock) Contains(addr features.Address) bool {
	return bb.Start <= addr && addr < bb.End
}

// Instruction is an instruction handle.
type Instruction struct {
	Addr features.Address
	Size int

	inner any
	owner *Extractor
	block features.Address
}

// NewInstruction wraps a backend instruction object.
func NewInstruction(inner any, addr features.Address, size int) *Instruction {
	return &Instruction{Addr: addr, Size: size, inner: inner}
}

func (i *Instruction) Address() features.Address { return i.Addr }
func (i *Instruction) Inner() any                { return i.inner }
