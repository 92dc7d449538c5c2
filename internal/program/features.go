package program

import (
	"slices"
	"unicode/utf16"

	"github.com/blacktop/featx/internal/cfg"
	"github.com/blacktop/featx/internal/isa"
	"github.com/blacktop/featx/pkg/features"
	"github.com/blacktop/featx/pkg/symbols"
)

const maxBytesFeature = 0x100

func (p *Program) extractFileFeatures() ([]features.Record, error) {
	var recs []features.Record
	add := func(f features.Feature, addr uint64) {
		recs = append(recs, features.Record{Feature: f, Address: features.Address(addr)})
	}

	add(features.Format(p.img.Format.Kind.String()), 0)

	for _, imp := range p.img.Imports {
		if imp.Stub {
			continue
		}
		for _, name := range symbols.Generate(imp.Library, imp.Name) {
			add(features.Import(name), imp.Addr)
		}
	}
	for _, exp := range p.img.Exports {
		add(features.Export(exp.Name), exp.Addr)
	}
	for _, sec := range p.img.Sections {
		add(features.Section(sec.Name), sec.Addr)
	}
	for _, f := range p.funcs {
		if f.Name != "" && !f.Thunk {
			add(features.FunctionName(f.Name), f.Entry)
		}
	}
	for _, s := range p.strings() {
		add(features.String(s.value), s.addr)
	}

	return recs, nil
}

type foundString struct {
	value string
	addr  uint64
}

// strings scans non executable file backed memory for ASCII and UTF-16LE strings.
func (p *Program) strings() []foundString {
	type region struct {
		addr uint64
		data []byte
	}
	var regions []region
	if len(p.img.Sections) > 0 {
		for _, sec := range p.img.Sections {
			if sec.Exec || sec.NoStrings || sec.Size == 0 {
				continue
			}
			if data, err := p.img.Read(sec.Addr, int(sec.Size)); err == nil {
				regions = append(regions, region{sec.Addr, data})
			}
		}
	} else {
		for _, seg := range p.img.Segments {
			if !seg.Exec {
				regions = append(regions, region{seg.Addr, seg.Data})
			}
		}
	}

	var out []foundString
	for _, r := range regions {
		out = append(out, asciiStrings(r.data, r.addr, p.opts.MinStringLength)...)
		out = append(out, utf16Strings(r.data, r.addr, p.opts.MinStringLength)...)
	}
	return out
}

func printable(c byte) bool {
	return (c >= 0x20 && c <= 0x7e) || c == '\t'
}

func asciiStrings(data []byte, base uint64, minLen int) []foundString {
	var out []foundString
	start := -1
	for i := 0; i <= len(data); i++ {
		if i < len(data) && printable(data[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minLen {
			out = append(out, foundString{value: string(data[start:i]), addr: base + uint64(start)})
		}
		start = -1
	}
	return out
}

func utf16Strings(data []byte, base uint64, minLen int) []foundString {
	var out []foundString
	for align := 0; align < 2; align++ {
		start := -1
		var units []uint16
		for i := align; i <= len(data); i += 2 {
			ok := i+1 < len(data) && printable(data[i]) && data[i+1] == 0
			if ok {
				if start < 0 {
					start = i
				}
				units = append(units, uint16(data[i]))
				continue
			}
			if start >= 0 && len(units) >= minLen {
				out = append(out, foundString{value: string(utf16.Decode(units)), addr: base + uint64(start)})
			}
			start, units = -1, units[:0]
		}
	}
	return out
}

// stringAt returns the ASCII or UTF-16LE string starting at addr.
func (p *Program) stringAt(addr uint64) (string, bool) {
	data, err := p.img.Read(addr, 0x400)
	if err != nil {
		return "", false
	}
	if s := asciiStrings(data, addr, p.opts.MinStringLength); len(s) > 0 && s[0].addr == addr {
		if end := len(s[0].value); end == len(data) || data[end] == 0 {
			return s[0].value, true
		}
	}
	if s := utf16Strings(data, addr, p.opts.MinStringLength); len(s) > 0 && s[0].addr == addr {
		return s[0].value, true
	}
	return "", false
}

func (p *Program) functionFeatures(f *Func, fn *cfg.Function) ([]features.Record, error) {
	var recs []features.Record
	add := func(feat features.Feature, addr uint64) {
		recs = append(recs, features.Record{Feature: feat, Address: features.Address(addr)})
	}

	for _, site := range p.calls.CallSites(f.Entry) {
		add(features.Characteristic(features.CharCallsTo), site)
	}
	recursive := false
	for _, call := range fn.Calls {
		add(features.Characteristic(features.CharCallsFrom), call.Site)
		if call.HasTarget && call.Target == f.Entry {
			recursive = true
		}
	}
	if recursive {
		add(features.Characteristic(features.CharRecursiveCall), f.Entry)
	}
	loop, err := fn.HasLoop()
	if err != nil {
		return nil, err
	}
	if loop {
		add(features.Characteristic(features.CharLoop), f.Entry)
	}

	return recs, nil
}

func basicBlockFeatures(b *cfg.Block) []features.Record {
	recs := []features.Record{{Feature: features.BasicBlock(), Address: features.Address(b.Start)}}
	if b.SelfLoop() {
		recs = append(recs, features.Record{Feature: features.Characteristic(features.CharTightLoop), Address: features.Address(b.Start)})
	}
	return recs
}

// dataRef returns the address an instruction references, pairing arm64
// adrp with the add or ldr that completes the address.
func dataRef(b *cfg.Block, insn isa.Insn) (uint64, bool) {
	i := slices.IndexFunc(b.Insns, func(in isa.Insn) bool { return in.Addr == insn.Addr })
	if i > 0 && b.Insns[i-1].Mnemonic == "adrp" && len(b.Insns[i-1].Refs) > 0 {
		page := b.Insns[i-1].Refs[0]
		switch {
		case insn.Mnemonic == "add" && len(insn.Imms) > 0:
			return page + uint64(insn.Imms[0]), true
		case len(insn.Disps) > 0:
			return page + uint64(insn.Disps[0]), true
		}
	}
	if insn.Mnemonic == "adrp" || len(insn.Refs) == 0 {
		return 0, false
	}
	return insn.Refs[0], true
}

func (p *Program) instructionFeatures(f *Func, b *cfg.Block, insn isa.Insn) []features.Record {
	var recs []features.Record
	add := func(feat features.Feature) {
		recs = append(recs, features.Record{Feature: feat, Address: features.Address(insn.Addr)})
	}

	add(features.Mnemonic(insn.Mnemonic))

	ref, hasRef := dataRef(b, insn)
	paired := hasRef && !slices.Contains(insn.Refs, ref)
	if !hasRef && insn.Flow == isa.FlowNone {
		for _, n := range insn.Imms {
			if n > 0 && p.img.Mapped(uint64(n)) {
				ref, hasRef = uint64(n), true
				break
			}
		}
	}

	if !insn.StackAdjust && !paired {
		for _, n := range insn.Imms {
			if p.img.Mapped(uint64(n)) {
				continue
			}
			add(features.Number(n))
		}
	}
	if !paired {
		for _, d := range insn.Disps {
			add(features.Offset(d))
		}
	}

	if insn.Flow == isa.FlowCall || insn.Flow == isa.FlowJump {
		if imp := p.resolveImport(insn); imp != nil {
			for _, name := range symbols.Generate(imp.Library, imp.Name) {
				add(features.API(name))
			}
		}
	}

	if hasRef && insn.Flow == isa.FlowNone && p.img.Mapped(ref) && !p.img.Executable(ref) {
		if _, isImport := p.imports[ref]; !isImport {
			if s, ok := p.stringAt(ref); ok {
				add(features.String(s))
			} else if data, err := p.img.Read(ref, maxBytesFeature); err == nil && !allZero(data) {
				add(features.Bytes(data))
			}
		}
	}

	if insn.NZXor {
		add(features.Characteristic(features.CharNzxor))
	}
	if insn.Flow == isa.FlowCall {
		if insn.Indirect && !insn.HasSlot {
			add(features.Characteristic(features.CharIndirectCall))
		}
		if insn.HasTarget && insn.Target == insn.End() {
			add(features.Characteristic(features.CharCallPlus5))
		}
	}

	return recs
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
