// Package macho loads Mach-O images for feature extraction.
package macho

import (
	"io"
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/blacktop/featx/internal/program"
	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
	"github.com/blacktop/featx/pkg/symbols"
)

const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000

	selfLibraryOrdinal       = 0x0
	dynamicLookupOrdinal     = 0xfe
	executableLibraryOrdinal = 0xff
)

// Config selects the slice of a universal binary and tunes the analysis.
type Config struct {
	// Arch picks the slice of a universal binary (e.g. "arm64e"); the first
	// supported slice is used when empty.
	Arch    string
	Options program.Options
}

// Open loads the Mach-O at path and returns an extractor over it.
func Open(path string, conf *Config) (*extractor.Extractor, error) {
	if conf == nil {
		conf = &Config{Options: program.DefaultOptions()}
	}
	img, err := Load(path, conf.Arch)
	if err != nil {
		return nil, err
	}
	p, err := program.New(img, conf.Options)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to analyze %s", path)
	}
	return extractor.New(p, extractor.WithDetectOptions(
		detect.WithFormatRule(detect.FormatMachO, features.OSMacOS),
	))
}

type sliceFile struct {
	*io.SectionReader
	f *os.File
}

func (s sliceFile) Close() error { return s.f.Close() }

// Load parses the Mach-O at path into a memory image.
func Load(path, arch string) (*program.Image, error) {
	var m *macho.File
	var offset, size int64

	fat, err := macho.OpenFat(path)
	if err != nil {
		if err != macho.ErrNotFat {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		m, err = macho.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		defer m.Close()
	} else {
		defer fat.Close()
		for _, farch := range fat.Arches {
			if _, _, ok := processor(farch.CPU); !ok {
				continue
			}
			if arch == "" || strings.EqualFold(farch.SubCPU.String(farch.CPU), arch) {
				m = farch.File
				offset, size = int64(farch.Offset), int64(farch.Size)
				break
			}
		}
		if m == nil {
			return nil, errors.Errorf("%s has no supported slice matching %q", path, arch)
		}
	}

	img, err := load(m)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	img.Open = func() (io.ReadSeekCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return f, nil
		}
		return sliceFile{SectionReader: io.NewSectionReader(f, offset, size), f: f}, nil
	}
	return img, nil
}

func processor(cpu types.CPU) (detect.Processor, string, bool) {
	switch cpu {
	case types.CPUArm64:
		return detect.Processor{Name: "arm64", Bits: 64}, "aarch64", true
	case types.CPUAmd64:
		return detect.Processor{Name: "x86_64", Bits: 64}, "amd64", true
	case types.CPU386:
		return detect.Processor{Name: "i386", Bits: 32}, "i386", true
	}
	return detect.Processor{}, "", false
}

func symbolName(name string) string {
	return strings.TrimPrefix(name, "_")
}

func load(m *macho.File) (*program.Image, error) {
	proc, arch, ok := processor(m.CPU)
	if !ok {
		return nil, errors.Wrapf(detect.ErrUnsupportedArchitecture, "cpu %s", m.CPU)
	}

	img := &program.Image{
		Format:    detect.Format{Kind: detect.FormatMachO, Name: "Mach-O"},
		Processor: proc,
		Arch:      arch,
		Base:      m.GetBaseAddress(),
	}

	for _, seg := range m.Segments() {
		if seg.Memsz == 0 || seg.Name == "__PAGEZERO" || seg.Name == "__LINKEDIT" {
			continue
		}
		data, err := seg.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read segment %s", seg.Name)
		}
		img.Segments = append(img.Segments, program.Segment{
			Name: seg.Name,
			Addr: seg.Addr,
			Size: seg.Memsz,
			Data: data,
			Exec: seg.Prot&0x4 != 0,
		})
	}

	for _, sec := range m.Sections {
		if sec.Size == 0 {
			continue
		}
		pointers := sec.Flags.IsNonLazySymbolPointers() || sec.Flags.IsLazySymbolPointers()
		img.Sections = append(img.Sections, program.Section{
			Name:      sec.Name,
			Addr:      sec.Addr,
			Size:      sec.Size,
			Exec:      sec.Flags.IsPureInstructions() || sec.Flags.IsSomeInstructions(),
			Stubs:     sec.Flags.IsSymbolStubs(),
			NoStrings: pointers || strings.HasPrefix(sec.Name, "__objc_") || sec.Name == "__got",
		})
	}

	libs := m.ImportedLibraries()
	img.Libraries = libs

	if m.Symtab != nil {
		for _, sym := range m.Symtab.Syms {
			if sym.Name == "" || sym.Value == 0 || sym.Type.IsDebugSym() || !sym.Type.IsDefinedInSection() {
				continue
			}
			name := symbolName(sym.Name)
			img.Symbols = append(img.Symbols, program.Symbol{Name: symbols.Demangle(name), Addr: sym.Value})
			if name == "main" {
				img.Entry = sym.Value
			}
		}
	}

	for _, fn := range m.GetFunctions() {
		var size uint64
		if fn.EndAddr > fn.StartAddr {
			size = fn.EndAddr - fn.StartAddr
		}
		img.Functions = append(img.Functions, program.Symbol{Addr: fn.StartAddr, Size: size})
	}

	exports, err := m.GetExports()
	if err != nil && !errors.Is(err, macho.ErrMachODyldInfoNotFound) {
		return nil, errors.Wrap(err, "failed to get exports")
	}
	if len(exports) == 0 && m.DyldExportsTrie() != nil && m.DyldExportsTrie().Size > 0 {
		if exports, err = m.DyldExports(); err != nil {
			return nil, errors.Wrap(err, "failed to get exports trie")
		}
	}
	for _, exp := range exports {
		if exp.Address == 0 {
			continue
		}
		img.Exports = append(img.Exports, program.Symbol{Name: symbolName(exp.Name), Addr: exp.Address})
	}

	img.Imports = indirectImports(m, libs)

	log.WithFields(log.Fields{
		"arch":      arch,
		"segments":  len(img.Segments),
		"functions": len(img.Functions),
		"imports":   len(img.Imports),
	}).Debug("loaded Mach-O")

	return img, nil
}

// indirectImports resolves symbol stubs and symbol pointer sections through
// the indirect symbol table.
func indirectImports(m *macho.File, libs []string) []program.Import {
	if m.Symtab == nil || m.Dysymtab == nil {
		return nil
	}
	ptrSize := uint64(8)
	if m.CPU == types.CPU386 {
		ptrSize = 4
	}

	var imports []program.Import
	for _, sec := range m.Sections {
		var stride uint64
		stub := false
		switch {
		case sec.Flags.IsSymbolStubs():
			stride, stub = uint64(sec.Reserved2), true
		case sec.Flags.IsNonLazySymbolPointers(), sec.Flags.IsLazySymbolPointers():
			stride = ptrSize
		default:
			continue
		}
		if stride == 0 {
			continue
		}
		for i := uint64(0); i < sec.Size/stride; i++ {
			idx := uint64(sec.Reserved1) + i
			if idx >= uint64(len(m.Dysymtab.IndirectSyms)) {
				break
			}
			symIdx := m.Dysymtab.IndirectSyms[idx]
			if symIdx&(indirectSymbolLocal|indirectSymbolAbs) != 0 || int(symIdx) >= len(m.Symtab.Syms) {
				continue
			}
			sym := m.Symtab.Syms[symIdx]
			imports = append(imports, program.Import{
				Library: library(libs, int(sym.Desc>>8)&0xff),
				Name:    symbolName(sym.Name),
				Addr:    sec.Addr + i*stride,
				Stub:    stub,
			})
		}
	}
	return imports
}

func library(libs []string, ordinal int) string {
	switch ordinal {
	case selfLibraryOrdinal, dynamicLookupOrdinal, executableLibraryOrdinal:
		return ""
	}
	if ordinal-1 < len(libs) {
		return libs[ordinal-1]
	}
	return ""
}
