package isa

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

type x86Decoder struct {
	mode int
}

func (d *x86Decoder) Align() int { return 1 }
func (d *x86Decoder) Bits() int  { return d.mode }

func (d *x86Decoder) Decode(code []byte, addr uint64) (Insn, error) {
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil {
		return Insn{}, fmt.Errorf("%w at %#x: %v", ErrUndecodable, addr, err)
	}

	insn := Insn{
		Addr:     addr,
		Len:      inst.Len,
		Mnemonic: strings.ToLower(inst.Op.String()),
		Text:     strings.ToLower(x86asm.IntelSyntax(inst, addr, nil)),
		Flow:     x86Flow(inst.Op),
	}
	next := addr + uint64(inst.Len)

	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Rel:
			if insn.Flow != FlowNone {
				insn.Target = uint64(int64(next) + int64(a))
				insn.HasTarget = true
			} else {
				insn.Refs = append(insn.Refs, uint64(int64(next)+int64(a)))
			}
		case x86asm.Imm:
			if insn.Flow == FlowNone {
				insn.Imms = append(insn.Imms, int64(a))
			}
		case x86asm.Mem:
			switch {
			case a.Base == x86asm.RIP || a.Base == x86asm.EIP:
				insn.Refs = append(insn.Refs, uint64(int64(next)+a.Disp))
				if insn.Flow != FlowNone {
					insn.Slot = uint64(int64(next) + a.Disp)
					insn.HasSlot = true
				}
			case a.Base == 0 && a.Index == 0:
				insn.Refs = append(insn.Refs, uint64(a.Disp)&d.mask())
				if insn.Flow != FlowNone {
					insn.Slot = uint64(a.Disp) & d.mask()
					insn.HasSlot = true
				}
			case isStackReg(a.Base):
			default:
				if a.Disp != 0 {
					insn.Disps = append(insn.Disps, a.Disp)
				}
			}
			if insn.Flow != FlowNone {
				insn.Indirect = true
			}
		case x86asm.Reg:
			if insn.Flow != FlowNone && insn.Flow != FlowReturn {
				insn.Indirect = true
			}
		}
	}

	switch inst.Op {
	case x86asm.ADD, x86asm.SUB:
		if r, ok := inst.Args[0].(x86asm.Reg); ok && (r == x86asm.RSP || r == x86asm.ESP) {
			insn.StackAdjust = true
		}
	case x86asm.XOR, x86asm.PXOR, x86asm.XORPS, x86asm.XORPD:
		if inst.Args[0] != nil && inst.Args[1] != nil && inst.Args[0] != inst.Args[1] {
			insn.NZXor = true
		}
	}

	return insn, nil
}

func (d *x86Decoder) mask() uint64 {
	if d.mode == 32 {
		return 0xffffffff
	}
	return ^uint64(0)
}

func isStackReg(r x86asm.Reg) bool {
	switch r {
	case x86asm.RSP, x86asm.ESP, x86asm.RBP, x86asm.EBP, x86asm.SP, x86asm.BP:
		return true
	}
	return false
}

func x86Flow(op x86asm.Op) Flow {
	switch op {
	case x86asm.JMP, x86asm.LJMP:
		return FlowJump
	case x86asm.CALL, x86asm.LCALL:
		return FlowCall
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return FlowReturn
	case x86asm.HLT, x86asm.UD2:
		return FlowHalt
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return FlowCondJump
	}
	return FlowNone
}
