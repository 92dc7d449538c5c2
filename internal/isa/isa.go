// Package isa normalizes decoded machine instructions from different
// instruction sets into the shape the feature extractors consume.
package isa

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUndecodable is returned for bytes that are not a valid instruction.
var ErrUndecodable = errors.New("undecodable instruction")

// Flow is the control flow effect of an instruction.
type Flow uint8

const (
	FlowNone Flow = iota // falls through
	FlowJump
	FlowCondJump
	FlowCall
	FlowReturn
	FlowHalt
)

func (f Flow) String() string {
	switch f {
	case FlowJump:
		return "jump"
	case FlowCondJump:
		return "cjump"
	case FlowCall:
		return "call"
	case FlowReturn:
		return "ret"
	case FlowHalt:
		return "halt"
	default:
		return "none"
	}
}

// Branch reports whether the instruction ends a basic block.
func (f Flow) Branch() bool {
	return f == FlowJump || f == FlowCondJump || f == FlowReturn || f == FlowHalt
}

// FallsThrough reports whether execution may continue at the next instruction.
func (f Flow) FallsThrough() bool {
	return f == FlowNone || f == FlowCondJump || f == FlowCall
}

// Insn is a decoded instruction.
type Insn struct {
	Addr     uint64
	Len      int
	Mnemonic string
	Text     string
	Flow     Flow

	// Target is the destination of a direct branch or call.
	Target    uint64
	HasTarget bool
	// Indirect is set for branches through a register or memory.
	Indirect bool
	// Slot is the memory cell read by an indirect branch through memory
	// (x86 `call [rip+x]` or `jmp [abs]`).
	Slot    uint64
	HasSlot bool

	// Refs are absolute addresses the instruction computes or loads from
	// (rip relative operands, adrp pages, absolute memory operands).
	Refs []uint64
	// Imms are the immediate operands.
	Imms []int64
	// Disps are displacements of non stack memory operands.
	Disps []int64
	// StackAdjust is set for instructions that add to or subtract from the stack pointer.
	StackAdjust bool
	// NZXor is set for an exclusive or of two distinct operands.
	NZXor bool
}

// End is the address of the next instruction.
func (i Insn) End() uint64 {
	return i.Addr + uint64(i.Len)
}

// Decoder decodes one instruction at a time. Implementations are safe for concurrent use.
type Decoder interface {
	Decode(code []byte, addr uint64) (Insn, error)
	// Align is the required instruction alignment in bytes.
	Align() int
	Bits() int
}

// New returns a decoder for the architecture ("amd64", "i386" or "aarch64").
func New(arch string) (Decoder, error) {
	switch strings.ToLower(arch) {
	case "amd64", "x86_64":
		return &x86Decoder{mode: 64}, nil
	case "i386", "x86", "386":
		return &x86Decoder{mode: 32}, nil
	case "aarch64", "arm64", "arm64e":
		return &arm64Decoder{}, nil
	}
	return nil, fmt.Errorf("no decoder for architecture %s", arch)
}
