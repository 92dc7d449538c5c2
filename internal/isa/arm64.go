package isa

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"
)

type arm64Decoder struct{}

func (d *arm64Decoder) Align() int { return 4 }
func (d *arm64Decoder) Bits() int  { return 64 }

func (d *arm64Decoder) Decode(code []byte, addr uint64) (Insn, error) {
	var results [1024]byte

	if len(code) < 4 {
		return Insn{}, fmt.Errorf("%w at %#x: short read", ErrUndecodable, addr)
	}
	instrValue := binary.LittleEndian.Uint32(code)

	instruction, err := disassemble.Decompose(addr, instrValue, &results)
	if err != nil {
		return Insn{}, fmt.Errorf("%w at %#x: %v", ErrUndecodable, addr, err)
	}

	op := strings.ToLower(instruction.Operation.String())
	insn := Insn{
		Addr:     addr,
		Len:      4,
		Mnemonic: op,
		Text:     instruction.String(),
		Flow:     arm64Flow(op),
	}

	var regs []string
	for _, operand := range instruction.Operands {
		switch operand.Class {
		case disassemble.LABEL:
			switch {
			case insn.Flow != FlowNone:
				insn.Target = uint64(operand.Immediate)
				insn.HasTarget = true
			default: // adr, adrp, ldr (literal)
				insn.Refs = append(insn.Refs, uint64(operand.Immediate))
			}
		case disassemble.IMM32, disassemble.IMM64:
			if insn.Flow == FlowNone {
				insn.Imms = append(insn.Imms, int64(operand.GetImmediate()))
			}
		case disassemble.MEM_OFFSET, disassemble.MEM_PRE_IDX, disassemble.MEM_POST_IDX:
			if len(operand.Registers) > 0 && isARM64StackReg(operand.Registers[0].String()) {
				continue
			}
			if disp := int64(operand.Immediate); disp != 0 {
				insn.Disps = append(insn.Disps, disp)
			}
		case disassemble.REG:
			if len(operand.Registers) > 0 {
				regs = append(regs, strings.ToLower(operand.Registers[0].String()))
			}
		}
	}

	switch {
	case insn.Flow == FlowJump || insn.Flow == FlowCall:
		insn.Indirect = !insn.HasTarget
	case op == "add" || op == "sub":
		if len(regs) > 0 && regs[0] == "sp" {
			insn.StackAdjust = true
		}
	case op == "eor":
		if len(regs) == 3 && regs[1] != regs[2] {
			insn.NZXor = true
		}
	}

	return insn, nil
}

func isARM64StackReg(name string) bool {
	switch strings.ToLower(name) {
	case "sp", "wsp", "x29", "fp":
		return true
	}
	return false
}

func arm64Flow(op string) Flow {
	switch op {
	case "b":
		return FlowJump
	case "br", "braa", "brab", "braaz", "brabz":
		return FlowJump
	case "bl", "blr", "blraa", "blrab", "blraaz", "blrabz":
		return FlowCall
	case "ret", "retaa", "retab", "eret", "eretaa", "eretab":
		return FlowReturn
	case "brk", "hlt", "udf":
		return FlowHalt
	case "cbz", "cbnz", "tbz", "tbnz":
		return FlowCondJump
	}
	if strings.HasPrefix(op, "b.") || strings.HasPrefix(op, "bc.") {
		return FlowCondJump
	}
	return FlowNone
}
