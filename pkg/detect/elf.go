package detect

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/featx/pkg/features"
)

// NT_GNU_ABI_TAG note type
const ntGNUABITag = 1

var osabiNames = map[elf.OSABI]string{
	elf.ELFOSABI_HPUX:     features.OSHPUX,
	elf.ELFOSABI_NETBSD:   features.OSNetBSD,
	elf.ELFOSABI_LINUX:    features.OSLinux,
	elf.ELFOSABI_HURD:     features.OSHurd,
	elf.ELFOSABI_SOLARIS:  features.OSSolaris,
	elf.ELFOSABI_AIX:      features.OSAIX,
	elf.ELFOSABI_IRIX:     features.OSIRIX,
	elf.ELFOSABI_FREEBSD:  features.OSFreeBSD,
	elf.ELFOSABI_TRU64:    features.OSTru64,
	elf.ELFOSABI_MODESTO:  features.OSModesto,
	elf.ELFOSABI_OPENBSD:  features.OSOpenBSD,
	elf.ELFOSABI_OPENVMS:  features.OSOpenVMS,
	elf.ELFOSABI_NSK:      features.OSNSK,
	elf.ELFOSABI_AROS:     features.OSAROS,
	elf.ELFOSABI_FENIXOS:  features.OSFenixOS,
	elf.ELFOSABI_CLOUDABI: features.OSCloudABI,
}

var noteOwners = map[string]string{
	"Linux":   features.OSLinux,
	"OpenBSD": features.OSOpenBSD,
	"NetBSD":  features.OSNetBSD,
	"FreeBSD": features.OSFreeBSD,
	"Android": features.OSAndroid,
}

// GNU ABI tag OS word
var gnuABITagOS = map[uint32]string{
	0: features.OSLinux,
	1: features.OSHurd,
	2: features.OSSolaris,
	3: features.OSFreeBSD,
	4: features.OSNetBSD,
}

// ELFOS guesses the OS an ELF image targets. The first heuristic that yields
// an answer wins: OSABI header byte, program header notes, section notes,
// the requested interpreter, needed symbol versions, needed libraries.
// It returns features.OSUnknown when nothing matches.
func ELFOS(r io.ReaderAt) (string, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse ELF: %w", err)
	}

	guesses := []func(*elf.File) string{
		guessFromOSABI,
		guessFromProgNotes,
		guessFromSectionNotes,
		guessFromInterp,
		guessFromVersionsNeeded,
		guessFromNeededLibraries,
	}
	for _, guess := range guesses {
		if os := guess(f); os != "" {
			return os, nil
		}
	}

	return features.OSUnknown, nil
}

func guessFromOSABI(f *elf.File) string {
	return osabiNames[f.OSABI]
}

func guessFromProgNotes(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			continue
		}
		if os := guessFromNotes(data, f.ByteOrder); os != "" {
			return os
		}
	}
	return ""
}

func guessFromSectionNotes(f *elf.File) string {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if os := guessFromNotes(data, f.ByteOrder); os != "" {
			return os
		}
	}
	return ""
}

func guessFromNotes(data []byte, bo binary.ByteOrder) string {
	for _, n := range parseNotes(data, bo) {
		if n.name == "GNU" && n.typ == ntGNUABITag && len(n.desc) >= 4 {
			if os, ok := gnuABITagOS[bo.Uint32(n.desc)]; ok {
				return os
			}
			continue
		}
		if os, ok := noteOwners[n.name]; ok {
			return os
		}
	}
	return ""
}

type note struct {
	name string
	typ  uint32
	desc []byte
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

// parseNotes decodes an ELF note segment; malformed trailing data is ignored.
func parseNotes(data []byte, bo binary.ByteOrder) []note {
	var notes []note
	for len(data) >= 12 {
		namesz := uint64(bo.Uint32(data[0:]))
		descsz := uint64(bo.Uint32(data[4:]))
		typ := bo.Uint32(data[8:])
		data = data[12:]

		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(len(data)) < nameEnd || uint64(len(data)) < nameEnd+descsz {
			break
		}
		name := string(bytes.TrimRight(data[:namesz], "\x00"))
		desc := data[nameEnd : nameEnd+descsz]
		notes = append(notes, note{name: name, typ: typ, desc: desc})
		if uint64(len(data)) < descEnd {
			break
		}
		data = data[descEnd:]
	}
	return notes
}

func guessFromInterp(f *elf.File) string {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_INTERP {
			continue
		}
		data, err := io.ReadAll(prog.Open())
		if err != nil {
			continue
		}
		interp := string(bytes.TrimRight(data, "\x00"))
		switch {
		case strings.Contains(interp, "ld-linux"):
			return features.OSLinux
		case strings.Contains(interp, "/system/bin/linker"):
			return features.OSAndroid
		}
	}
	return ""
}

func guessFromVersionsNeeded(f *elf.File) string {
	syms, err := f.ImportedSymbols()
	if err != nil {
		return ""
	}
	for _, sym := range syms {
		if strings.HasPrefix(sym.Version, "GLIBC") {
			return features.OSLinux
		}
	}
	return ""
}

func guessFromNeededLibraries(f *elf.File) string {
	libs, err := f.ImportedLibraries()
	if err != nil {
		return ""
	}
	for _, lib := range libs {
		switch {
		case strings.HasPrefix(lib, "libmachuser.so"), strings.HasPrefix(lib, "libhurduser.so"):
			return features.OSHurd
		case strings.HasPrefix(lib, "libandroid.so"), strings.HasPrefix(lib, "liblog.so"):
			return features.OSAndroid
		}
	}
	return ""
}
