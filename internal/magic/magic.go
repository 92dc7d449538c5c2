// Package magic identifies executable formats by their leading bytes.
package magic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

type Magic uint32

const (
	Magic32    Magic = 0xfeedface
	Magic64    Magic = 0xfeedfacf
	Cigam32    Magic = 0xcefaedfe
	Cigam64    Magic = 0xcffaedfe
	MagicFatBE Magic = 0xcafebabe
	MagicFatLE Magic = 0xbebafeca
	MagicELF   Magic = 0x464c457f
)

// Kind is a container format.
type Kind int

const (
	Unknown Kind = iota
	MachO
	Fat
	ELF
	PE
)

func (k Kind) String() string {
	switch k {
	case MachO:
		return "macho"
	case Fat:
		return "fat"
	case ELF:
		return "elf"
	case PE:
		return "pe"
	default:
		return "unknown"
	}
}

var ErrUnknown = errors.New("unknown file format")

// Detect reads the magic of r.
func Detect(r io.ReaderAt) (Kind, error) {
	var hdr [0x40]byte
	n, err := r.ReadAt(hdr[:], 0)
	if n < 4 {
		if err == nil || errors.Is(err, io.EOF) {
			return Unknown, ErrUnknown
		}
		return Unknown, fmt.Errorf("failed to read magic: %w", err)
	}

	switch Magic(binary.LittleEndian.Uint32(hdr[:])) {
	case Magic32, Magic64, Cigam32, Cigam64:
		return MachO, nil
	case MagicFatBE, MagicFatLE:
		return Fat, nil
	case MagicELF:
		return ELF, nil
	}

	if hdr[0] == 'M' && hdr[1] == 'Z' && n == len(hdr) {
		var sig [4]byte
		off := int64(binary.LittleEndian.Uint32(hdr[0x3c:]))
		if _, err := r.ReadAt(sig[:], off); err == nil && string(sig[:]) == "PE\x00\x00" {
			return PE, nil
		}
	}

	return Unknown, ErrUnknown
}

// DetectFile reads the magic of the file at filePath.
func DetectFile(filePath string) (Kind, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer f.Close()
	return Detect(f)
}
