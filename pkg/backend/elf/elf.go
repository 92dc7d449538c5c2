// Package elf loads ELF images for feature extraction.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/featx/internal/program"
	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/symbols"
)

// Config tunes the analysis.
type Config struct {
	Options program.Options
}

// Open loads the ELF at path and returns an extractor over it.
func Open(path string, conf *Config) (*extractor.Extractor, error) {
	if conf == nil {
		conf = &Config{Options: program.DefaultOptions()}
	}
	img, err := Load(path)
	if err != nil {
		return nil, err
	}
	p, err := program.New(img, conf.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to analyze %s", path)
	}
	return extractor.New(p)
}

// Load parses the ELF at path into a memory image.
func Load(path string) (*program.Image, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	f, err := elf.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	img, err := load(f, uint64(fi.Size()))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	img.Open = func() (io.ReadSeekCloser, error) {
		return os.Open(path)
	}
	return img, nil
}

// NewImage parses an ELF held in memory.
func NewImage(data []byte) (*program.Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF")
	}
	img, err := load(f, uint64(len(data)))
	if err != nil {
		return nil, err
	}
	img.Open = func() (io.ReadSeekCloser, error) {
		return nopCloser{bytes.NewReader(data)}, nil
	}
	return img, nil
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

func processor(f *elf.File) (detect.Processor, string, bool) {
	switch f.Machine {
	case elf.EM_X86_64:
		return detect.Processor{Name: "metapc", Bits: 64}, "amd64", true
	case elf.EM_386:
		return detect.Processor{Name: "metapc", Bits: 32}, "i386", true
	case elf.EM_AARCH64:
		return detect.Processor{Name: "arm64", Bits: 64}, "aarch64", true
	}
	return detect.Processor{}, "", false
}

func load(f *elf.File, size uint64) (*program.Image, error) {
	proc, arch, ok := processor(f)
	if !ok {
		return nil, errors.Wrapf(detect.ErrUnsupportedArchitecture, "machine %s", f.Machine)
	}

	img := &program.Image{
		Format:    detect.Format{Kind: detect.FormatELF, Name: "ELF"},
		Processor: proc,
		Arch:      arch,
		Entry:     f.Entry,
		Base:      ^uint64(0),
	}

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz || prog.Off > size || prog.Filesz > size-prog.Off {
			return nil, errors.Errorf("segment at %#x has invalid file size %#x at offset %#x", prog.Vaddr, prog.Filesz, prog.Off)
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil {
			return nil, errors.Wrapf(err, "failed to read segment at %#x", prog.Vaddr)
		}
		img.Segments = append(img.Segments, program.Segment{
			Name: prog.Flags.String(),
			Addr: prog.Vaddr,
			Size: prog.Memsz,
			Data: data,
			Exec: prog.Flags&elf.PF_X != 0,
		})
		img.Base = min(img.Base, prog.Vaddr)
	}
	if len(img.Segments) == 0 {
		return nil, errors.New("no loadable segments")
	}

	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 || sec.Addr == 0 || sec.Size == 0 {
			continue
		}
		img.Sections = append(img.Sections, program.Section{
			Name:      sec.Name,
			Addr:      sec.Addr,
			Size:      sec.Size,
			Exec:      sec.Flags&elf.SHF_EXECINSTR != 0,
			Stubs:     strings.HasPrefix(sec.Name, ".plt"),
			NoStrings: sec.Type != elf.SHT_PROGBITS || strings.HasPrefix(sec.Name, ".got") || strings.HasPrefix(sec.Name, ".eh_frame"),
		})
	}

	if syms, err := f.Symbols(); err == nil {
		addSymbols(img, syms, false)
	} else if !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrap(err, "failed to read symbol table")
	}
	dynsyms, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrap(err, "failed to read dynamic symbols")
	}
	addSymbols(img, dynsyms, true)

	if libs, err := f.ImportedLibraries(); err == nil {
		img.Libraries = libs
	}

	imports, err := relocatedImports(f, dynsyms)
	if err != nil {
		return nil, err
	}
	img.Imports = imports

	log.WithFields(log.Fields{
		"arch":      arch,
		"segments":  len(img.Segments),
		"functions": len(img.Functions),
		"imports":   len(img.Imports),
	}).Debug("loaded ELF")

	return img, nil
}

func addSymbols(img *program.Image, syms []elf.Symbol, dynamic bool) {
	for _, sym := range syms {
		if sym.Name == "" || sym.Value == 0 || sym.Section == elf.SHN_UNDEF {
			continue
		}
		s := program.Symbol{Name: symbols.Demangle(sym.Name), Addr: sym.Value, Size: sym.Size}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC:
			img.Functions = append(img.Functions, s)
		case elf.STT_OBJECT:
			img.Symbols = append(img.Symbols, s)
		default:
			continue
		}
		if dynamic && elf.ST_BIND(sym.Info) != elf.STB_LOCAL {
			img.Exports = append(img.Exports, program.Symbol{Name: sym.Name, Addr: sym.Value})
		}
	}
}

// relocation types that bind an import to a GOT slot
func importReloc(machine elf.Machine, typ uint32) bool {
	switch machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_JMP_SLOT || elf.R_X86_64(typ) == elf.R_X86_64_GLOB_DAT
	case elf.EM_386:
		return elf.R_386(typ) == elf.R_386_JMP_SLOT || elf.R_386(typ) == elf.R_386_GLOB_DAT
	case elf.EM_AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_JUMP_SLOT || elf.R_AARCH64(typ) == elf.R_AARCH64_GLOB_DAT
	}
	return false
}

// relocatedImports maps GOT slots to the dynamic symbols their relocations bind.
func relocatedImports(f *elf.File, dynsyms []elf.Symbol) ([]program.Import, error) {
	libraryOf := make(map[string]string)
	if imported, err := f.ImportedSymbols(); err == nil {
		for _, s := range imported {
			libraryOf[s.Name] = s.Library
		}
	}

	var imports []program.Import
	add := func(slot uint64, symIdx uint32) {
		// DynamicSymbols omits the null symbol at index 0
		if symIdx == 0 || int(symIdx) > len(dynsyms) {
			return
		}
		sym := dynsyms[symIdx-1]
		if sym.Name == "" || sym.Section != elf.SHN_UNDEF {
			return
		}
		imports = append(imports, program.Import{Library: libraryOf[sym.Name], Name: sym.Name, Addr: slot})
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA && sec.Type != elf.SHT_REL {
			continue
		}
		if sec.Link == 0 || int(sec.Link) >= len(f.Sections) || f.Sections[sec.Link].Type != elf.SHT_DYNSYM {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", sec.Name)
		}
		r := bytes.NewReader(data)
		switch {
		case f.Class == elf.ELFCLASS64 && sec.Type == elf.SHT_RELA:
			var rela elf.Rela64
			for binary.Read(r, f.ByteOrder, &rela) == nil {
				if importReloc(f.Machine, elf.R_TYPE64(rela.Info)) {
					add(rela.Off, elf.R_SYM64(rela.Info))
				}
			}
		case f.Class == elf.ELFCLASS64:
			var rel elf.Rel64
			for binary.Read(r, f.ByteOrder, &rel) == nil {
				if importReloc(f.Machine, elf.R_TYPE64(rel.Info)) {
					add(rel.Off, elf.R_SYM64(rel.Info))
				}
			}
		case sec.Type == elf.SHT_RELA:
			var rela elf.Rela32
			for binary.Read(r, f.ByteOrder, &rela) == nil {
				if importReloc(f.Machine, elf.R_TYPE32(rela.Info)) {
					add(uint64(rela.Off), elf.R_SYM32(rela.Info))
				}
			}
		default:
			var rel elf.Rel32
			for binary.Read(r, f.ByteOrder, &rel) == nil {
				if importReloc(f.Machine, elf.R_TYPE32(rel.Info)) {
					add(uint64(rel.Off), elf.R_SYM32(rel.Info))
				}
			}
		}
	}
	return imports, nil
}
