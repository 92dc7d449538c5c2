package detect

import (
	"fmt"
	"strings"

	"github.com/blacktop/featx/pkg/features"
)

// Processor is the instruction set a backend reports for an image.
type Processor struct {
	Name string
	Bits int
}

func (p Processor) String() string {
	return fmt.Sprintf("%s (%d-bit)", p.Name, p.Bits)
}

// Arch returns the architecture feature of the image at address 0x0.
func Arch(proc Processor) ([]features.Record, error) {
	var arch string
	switch strings.ToLower(proc.Name) {
	case "metapc", "x86", "i386", "386", "amd64", "x86_64", "x86-64":
		switch proc.Bits {
		case 32:
			arch = features.ArchI386
		case 64:
			arch = features.ArchAMD64
		}
	case "arm64", "aarch64", "arm64e":
		if proc.Bits == 64 {
			arch = features.ArchAArch64
		}
	}
	if arch == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, proc)
	}
	return []features.Record{{Feature: features.Arch(arch), Address: features.NoAddress}}, nil
}
