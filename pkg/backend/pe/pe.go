// Package pe loads Portable Executable images for feature extraction.
package pe

import (
	"bytes"
	"cmp"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/blacktop/featx/internal/program"
	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/extractor"
)

const (
	scnCntCode    = 0x00000020
	scnMemExecute = 0x20000000
	scnMemRead    = 0x40000000
	scnDiscard    = 0x02000000

	importDescriptorSize = 20
	exportDirectorySize  = 40
	runtimeFunctionSize  = 12
)

// Config tunes the analysis.
type Config struct {
	Options program.Options
}

// Open loads the PE at path and returns an extractor over it.
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

// Load parses the PE at path into a memory image.
func Load(path string) (*program.Image, error) {
	f, err := pe.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	img, err := load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}
	img.Open = func() (io.ReadSeekCloser, error) {
		return os.Open(path)
	}
	return img, nil
}

// NewImage parses a PE held in memory.
func NewImage(data []byte) (*program.Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse PE")
	}
	img, err := load(f)
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

type header struct {
	base    uint64
	entry   uint32
	ptrSize int
	dirs    []pe.DataDirectory
}

func optionalHeader(f *pe.File) (header, error) {
	switch oh := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		n := min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))
		return header{uint64(oh.ImageBase), oh.AddressOfEntryPoint, 4, oh.DataDirectory[:n]}, nil
	case *pe.OptionalHeader64:
		n := min(int(oh.NumberOfRvaAndSizes), len(oh.DataDirectory))
		return header{oh.ImageBase, oh.AddressOfEntryPoint, 8, oh.DataDirectory[:n]}, nil
	}
	return header{}, errors.New("missing optional header")
}

func processor(f *pe.File) (detect.Processor, string, bool) {
	switch f.Machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return detect.Processor{Name: "metapc", Bits: 64}, "amd64", true
	case pe.IMAGE_FILE_MACHINE_I386:
		return detect.Processor{Name: "metapc", Bits: 32}, "i386", true
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return detect.Processor{Name: "arm64", Bits: 64}, "aarch64", true
	}
	return detect.Processor{}, "", false
}

func load(f *pe.File) (*program.Image, error) {
	proc, arch, ok := processor(f)
	if !ok {
		return nil, errors.Wrapf(detect.ErrUnsupportedArchitecture, "machine %#x", f.Machine)
	}
	hdr, err := optionalHeader(f)
	if err != nil {
		return nil, err
	}

	img := &program.Image{
		Format:    detect.Format{Kind: detect.FormatPE, Name: fmt.Sprintf("Portable executable for %s (PE)", arch)},
		Processor: proc,
		Arch:      arch,
		Base:      hdr.base,
	}
	if hdr.entry != 0 {
		img.Entry = hdr.base + uint64(hdr.entry)
	}

	for _, sec := range f.Sections {
		if sec.Characteristics&scnDiscard != 0 {
			continue
		}
		size := uint64(max(sec.VirtualSize, sec.Size))
		if size == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read section %s", sec.Name)
		}
		if sec.VirtualSize != 0 && uint64(len(data)) > uint64(sec.VirtualSize) {
			data = data[:sec.VirtualSize]
		}
		addr := hdr.base + uint64(sec.VirtualAddress)
		exec := sec.Characteristics&(scnMemExecute|scnCntCode) != 0
		img.Segments = append(img.Segments, program.Segment{Name: sec.Name, Addr: addr, Size: size, Data: data, Exec: exec})
		img.Sections = append(img.Sections, program.Section{
			Name:      sec.Name,
			Addr:      addr,
			Size:      size,
			Exec:      exec,
			NoStrings: sec.Characteristics&scnMemRead == 0 || sec.Name == ".reloc" || sec.Name == ".pdata",
		})
	}
	if len(img.Segments) == 0 {
		return nil, errors.New("no sections")
	}

	slices.SortFunc(img.Segments, func(a, b program.Segment) int { return cmp.Compare(a.Addr, b.Addr) })

	r := rvaReader{img: img, base: hdr.base}
	if len(hdr.dirs) > pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
		if dir := hdr.dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]; dir.VirtualAddress != 0 {
			imports, libs, err := r.imports(dir.VirtualAddress, hdr.ptrSize)
			if err != nil {
				return nil, errors.Wrap(err, "failed to parse import directory")
			}
			img.Imports, img.Libraries = imports, libs
		}
	}
	if len(hdr.dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXPORT {
		if dir := hdr.dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]; dir.VirtualAddress != 0 {
			exports, err := r.exports(dir)
			if err != nil {
				return nil, errors.Wrap(err, "failed to parse export directory")
			}
			img.Exports = exports
		}
	}
	// arm64 uses packed 8 byte unwind entries
	if len(hdr.dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION && arch == "amd64" {
		if dir := hdr.dirs[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]; dir.VirtualAddress != 0 {
			img.Functions = r.runtimeFunctions(dir)
		}
	}
	for _, sym := range f.Symbols {
		// COFF function symbols: complex type 0x20, section numbers are 1 based
		if sym.Type&0xf0 != 0x20 || sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(f.Sections) {
			continue
		}
		sec := f.Sections[sym.SectionNumber-1]
		img.Functions = append(img.Functions, program.Symbol{
			Name: sym.Name,
			Addr: hdr.base + uint64(sec.VirtualAddress) + uint64(sym.Value),
		})
	}

	log.WithFields(log.Fields{
		"arch":      arch,
		"sections":  len(img.Sections),
		"functions": len(img.Functions),
		"imports":   len(img.Imports),
	}).Debug("loaded PE")

	return img, nil
}

// rvaReader reads the loaded image by relative virtual address.
type rvaReader struct {
	img  *program.Image
	base uint64
}

func (r rvaReader) read(rva uint32, n int) ([]byte, error) {
	data, err := r.img.Read(r.base+uint64(rva), n)
	if err != nil {
		return nil, err
	}
	if len(data) < n {
		return nil, errors.Errorf("short read at rva %#x", rva)
	}
	return data, nil
}

func (r rvaReader) u32(rva uint32) (uint32, error) {
	b, err := r.read(rva, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r rvaReader) cstring(rva uint32) (string, error) {
	data, err := r.img.Read(r.base+uint64(rva), 0x200)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

func (r rvaReader) imports(rva uint32, ptrSize int) ([]program.Import, []string, error) {
	var imports []program.Import
	var libs []string
	for desc := rva; ; desc += importDescriptorSize {
		raw, err := r.read(desc, importDescriptorSize)
		if err != nil {
			return nil, nil, err
		}
		lookup := binary.LittleEndian.Uint32(raw[0:])
		nameRVA := binary.LittleEndian.Uint32(raw[12:])
		iat := binary.LittleEndian.Uint32(raw[16:])
		if nameRVA == 0 && iat == 0 {
			break
		}
		lib, err := r.cstring(nameRVA)
		if err != nil {
			return nil, nil, err
		}
		libs = append(libs, lib)
		if lookup == 0 {
			lookup = iat
		}

		for i := uint32(0); ; i++ {
			entry, err := r.read(lookup+i*uint32(ptrSize), ptrSize)
			if err != nil {
				break
			}
			var thunk, ordinalFlag uint64
			if ptrSize == 8 {
				thunk, ordinalFlag = binary.LittleEndian.Uint64(entry), 1<<63
			} else {
				thunk, ordinalFlag = uint64(binary.LittleEndian.Uint32(entry)), 1<<31
			}
			if thunk == 0 {
				break
			}
			var name string
			if thunk&ordinalFlag != 0 {
				name = fmt.Sprintf("#%d", thunk&0xffff)
			} else if name, err = r.cstring(uint32(thunk) + 2); err != nil {
				log.WithError(err).WithField("library", lib).Debug("skipping import")
				continue
			}
			imports = append(imports, program.Import{
				Library: lib,
				Name:    name,
				Addr:    r.base + uint64(iat) + uint64(i)*uint64(ptrSize),
			})
		}
	}
	return imports, libs, nil
}

func (r rvaReader) exports(dir pe.DataDirectory) ([]program.Symbol, error) {
	raw, err := r.read(dir.VirtualAddress, exportDirectorySize)
	if err != nil {
		return nil, err
	}
	numNames := binary.LittleEndian.Uint32(raw[24:])
	funcs := binary.LittleEndian.Uint32(raw[28:])
	names := binary.LittleEndian.Uint32(raw[32:])
	ordinals := binary.LittleEndian.Uint32(raw[36:])

	var exports []program.Symbol
	for i := uint32(0); i < numNames; i++ {
		nameRVA, err := r.u32(names + i*4)
		if err != nil {
			return nil, err
		}
		ord, err := r.read(ordinals+i*2, 2)
		if err != nil {
			return nil, err
		}
		fn, err := r.u32(funcs + uint32(binary.LittleEndian.Uint16(ord))*4)
		if err != nil {
			return nil, err
		}
		// forwarded exports point back into the export directory
		if fn == 0 || (fn >= dir.VirtualAddress && fn < dir.VirtualAddress+dir.Size) {
			continue
		}
		name, err := r.cstring(nameRVA)
		if err != nil {
			return nil, err
		}
		exports = append(exports, program.Symbol{Name: name, Addr: r.base + uint64(fn)})
	}
	return exports, nil
}

// runtimeFunctions returns the function ranges of the .pdata exception table.
func (r rvaReader) runtimeFunctions(dir pe.DataDirectory) []program.Symbol {
	var funcs []program.Symbol
	for off := uint32(0); off+runtimeFunctionSize <= dir.Size; off += runtimeFunctionSize {
		raw, err := r.read(dir.VirtualAddress+off, runtimeFunctionSize)
		if err != nil {
			break
		}
		begin := binary.LittleEndian.Uint32(raw[0:])
		end := binary.LittleEndian.Uint32(raw[4:])
		if begin == 0 || end <= begin {
			continue
		}
		funcs = append(funcs, program.Symbol{Addr: r.base + uint64(begin), Size: uint64(end - begin)})
	}
	return funcs
}
