package isa

import (
	"errors"
	"slices"
	"testing"
)

func TestX86Decode(t *testing.T) {
	tests := []struct {
		name  string
		mode  string
		code  []byte
		addr  uint64
		check func(t *testing.T, insn Insn)
	}{
		{
			name: "xor same register",
			mode: "amd64",
			code: []byte{0x31, 0xc0},
			check: func(t *testing.T, insn Insn) {
				if insn.Mnemonic != "xor" || insn.NZXor {
					t.Fatalf("got %s nzxor=%t, want xor nzxor=false", insn.Mnemonic, insn.NZXor)
				}
			},
		},
		{
			name: "xor distinct registers",
			mode: "amd64",
			code: []byte{0x31, 0xd8},
			check: func(t *testing.T, insn Insn) {
				if !insn.NZXor {
					t.Fatalf("xor eax, ebx: got nzxor=false, want true")
				}
			},
		},
		{
			name: "call $+5",
			mode: "amd64",
			code: []byte{0xe8, 0x00, 0x00, 0x00, 0x00},
			addr: 0x1000,
			check: func(t *testing.T, insn Insn) {
				if insn.Flow != FlowCall || !insn.HasTarget || insn.Target != 0x1005 {
					t.Fatalf("got flow=%s target=%#x, want call 0x1005", insn.Flow, insn.Target)
				}
				if insn.Indirect {
					t.Fatalf("direct call marked indirect")
				}
			},
		},
		{
			name: "call through rip relative slot",
			mode: "amd64",
			code: []byte{0xff, 0x15, 0x10, 0x00, 0x00, 0x00},
			addr: 0x1000,
			check: func(t *testing.T, insn Insn) {
				if !insn.Indirect || !insn.HasSlot || insn.Slot != 0x1016 {
					t.Fatalf("got indirect=%t slot=%#x, want slot 0x1016", insn.Indirect, insn.Slot)
				}
			},
		},
		{
			name: "call through absolute slot",
			mode: "i386",
			code: []byte{0xff, 0x15, 0x00, 0x20, 0x40, 0x00},
			check: func(t *testing.T, insn Insn) {
				if !insn.HasSlot || insn.Slot != 0x402000 {
					t.Fatalf("got slot=%#x, want 0x402000", insn.Slot)
				}
			},
		},
		{
			name: "stack adjustment",
			mode: "amd64",
			code: []byte{0x48, 0x83, 0xec, 0x28},
			check: func(t *testing.T, insn Insn) {
				if !insn.StackAdjust {
					t.Fatalf("sub rsp, 0x28: got StackAdjust=false")
				}
				if !slices.Equal(insn.Imms, []int64{0x28}) {
					t.Fatalf("got imms %v, want [0x28]", insn.Imms)
				}
			},
		},
		{
			name: "immediate",
			mode: "i386",
			code: []byte{0xb8, 0x39, 0x05, 0x00, 0x00},
			check: func(t *testing.T, insn Insn) {
				if !slices.Equal(insn.Imms, []int64{0x539}) || insn.StackAdjust {
					t.Fatalf("got imms %v, want [0x539]", insn.Imms)
				}
			},
		},
		{
			name: "displacement",
			mode: "amd64",
			code: []byte{0x8b, 0x40, 0x08},
			check: func(t *testing.T, insn Insn) {
				if !slices.Equal(insn.Disps, []int64{8}) {
					t.Fatalf("got disps %v, want [8]", insn.Disps)
				}
			},
		},
		{
			name: "stack displacement ignored",
			mode: "amd64",
			code: []byte{0x8b, 0x45, 0xf8},
			check: func(t *testing.T, insn Insn) {
				if len(insn.Disps) != 0 {
					t.Fatalf("got disps %v, want none", insn.Disps)
				}
			},
		},
		{
			name: "tight conditional jump",
			mode: "amd64",
			code: []byte{0x75, 0xfe},
			addr: 0x2000,
			check: func(t *testing.T, insn Insn) {
				if insn.Flow != FlowCondJump || insn.Target != 0x2000 {
					t.Fatalf("got flow=%s target=%#x, want cjump 0x2000", insn.Flow, insn.Target)
				}
				if !insn.Flow.Branch() || !insn.Flow.FallsThrough() {
					t.Fatalf("conditional jump must end a block and fall through")
				}
			},
		},
		{
			name: "ret",
			mode: "amd64",
			code: []byte{0xc3},
			check: func(t *testing.T, insn Insn) {
				if insn.Flow != FlowReturn || insn.Flow.FallsThrough() || insn.Len != 1 {
					t.Fatalf("got flow=%s len=%d, want ret len 1", insn.Flow, insn.Len)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.mode)
			if err != nil {
				t.Fatalf("New(%s) error = %v", tt.mode, err)
			}
			insn, err := d.Decode(tt.code, tt.addr)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if insn.Addr != tt.addr || insn.Len != len(tt.code) {
				t.Fatalf("got addr=%#x len=%d, want addr=%#x len=%d", insn.Addr, insn.Len, tt.addr, len(tt.code))
			}
			tt.check(t, insn)
		})
	}
}

func TestX86DecodeTruncated(t *testing.T) {
	d, _ := New("amd64")
	if _, err := d.Decode([]byte{0xe8, 0x00}, 0); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("Decode() error = %v, want ErrUndecodable", err)
	}
}

func TestNewUnknownArch(t *testing.T) {
	if _, err := New("mips"); err == nil {
		t.Fatalf("New(mips) expected an error")
	}
}

func TestARM64Flow(t *testing.T) {
	tests := []struct {
		op   string
		want Flow
	}{
		{"b", FlowJump},
		{"br", FlowJump},
		{"bl", FlowCall},
		{"blraaz", FlowCall},
		{"ret", FlowReturn},
		{"b.ne", FlowCondJump},
		{"cbz", FlowCondJump},
		{"brk", FlowHalt},
		{"add", FlowNone},
	}
	for _, tt := range tests {
		if got := arm64Flow(tt.op); got != tt.want {
			t.Errorf("arm64Flow(%q) = %s, want %s", tt.op, got, tt.want)
		}
	}
}
