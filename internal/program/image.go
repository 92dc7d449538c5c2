// Package program is the analysis engine shared by the format backends. A
// backend describes a loaded image (segments, sections, symbols and import
// slots) and program recovers functions, basic blocks and features from it.
package program

import (
	"cmp"
	"fmt"
	"io"
	"slices"

	"github.com/blacktop/featx/pkg/detect"
)

// Segment is a mapped memory range.
type Segment struct {
	Name string
	Addr uint64
	Size uint64
	Data []byte // file backed bytes; shorter than Size for zero filled memory
	Exec bool
}

// Contains reports whether addr is mapped by the segment.
func (s Segment) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

// Section is a named range of a segment.
type Section struct {
	Name string
	Addr uint64
	Size uint64
	Exec bool
	// Stubs marks sections holding import trampolines (__stubs, .plt).
	Stubs bool
	// NoStrings excludes the section from string scanning.
	NoStrings bool
}

// Contains reports whether addr lies in the section.
func (s Section) Contains(addr uint64) bool {
	return s.Addr <= addr && addr < s.Addr+s.Size
}

// Symbol is a named address.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64 // zero when unknown
}

// Import is a resolved import slot or stub.
type Import struct {
	Library string
	Name    string
	Addr    uint64 // IAT/GOT slot or stub entry
	// Stub marks a trampoline; only slots produce file level import features.
	Stub bool
}

func (i Import) String() string {
	if i.Library == "" {
		return i.Name
	}
	return i.Library + "!" + i.Name
}

// Image is everything a backend knows about a loaded binary.
type Image struct {
	Format    detect.Format
	Processor detect.Processor
	Arch      string // amd64, i386 or aarch64
	Base      uint64
	Entry     uint64 // zero when the image has no entry point

	Segments []Segment
	Sections []Section
	// Functions are known function starts (symbol table, function starts).
	Functions []Symbol
	// Symbols name addresses that are not necessarily functions.
	Symbols []Symbol
	Exports []Symbol
	Imports []Import
	// Libraries are the image's linked libraries.
	Libraries []string

	// Open returns a stream over the raw file.
	Open func() (io.ReadSeekCloser, error)
}

func (img *Image) validate() error {
	if len(img.Segments) == 0 {
		return fmt.Errorf("image has no mapped segments")
	}
	if img.Open == nil {
		return fmt.Errorf("image has no byte stream")
	}
	slices.SortFunc(img.Segments, func(a, b Segment) int { return cmp.Compare(a.Addr, b.Addr) })
	slices.SortFunc(img.Sections, func(a, b Section) int { return cmp.Compare(a.Addr, b.Addr) })
	return nil
}

func (img *Image) segment(addr uint64) (*Segment, bool) {
	i, found := slices.BinarySearchFunc(img.Segments, addr, func(s Segment, a uint64) int {
		switch {
		case s.Addr > a:
			return 1
		case s.Addr+s.Size <= a:
			return -1
		}
		return 0
	})
	if !found {
		return nil, false
	}
	return &img.Segments[i], true
}

func (img *Image) section(addr uint64) (*Section, bool) {
	for i := range img.Sections {
		if img.Sections[i].Contains(addr) {
			return &img.Sections[i], true
		}
	}
	return nil, false
}

// Mapped reports whether addr lies in a segment.
func (img *Image) Mapped(addr uint64) bool {
	_, ok := img.segment(addr)
	return ok
}

// Executable reports whether addr lies in an executable segment or section.
func (img *Image) Executable(addr uint64) bool {
	if sec, ok := img.section(addr); ok && sec.Exec {
		return true
	}
	seg, ok := img.segment(addr)
	return ok && seg.Exec
}

// Read returns up to n bytes of file backed memory at addr.
func (img *Image) Read(addr uint64, n int) ([]byte, error) {
	seg, ok := img.segment(addr)
	if !ok {
		return nil, fmt.Errorf("address %#x is not mapped", addr)
	}
	off := addr - seg.Addr
	if off >= uint64(len(seg.Data)) {
		return nil, fmt.Errorf("address %#x is not file backed", addr)
	}
	end := min(off+uint64(n), uint64(len(seg.Data)))
	return seg.Data[off:end], nil
}

// Size is the span of the mapped image.
func (img *Image) Size() uint64 {
	if len(img.Segments) == 0 {
		return 0
	}
	var lo, hi uint64 = ^uint64(0), 0
	for _, s := range img.Segments {
		lo = min(lo, s.Addr)
		hi = max(hi, s.Addr+s.Size)
	}
	return hi - lo
}
