// Package features contains the feature values produced by an extractor.
package features

import (
	"fmt"
	"strings"
)

// Kind is the type of a Feature.
type Kind string

const (
	KindOS             Kind = "os"
	KindArch           Kind = "arch"
	KindFormat         Kind = "format"
	KindImport         Kind = "import"
	KindExport         Kind = "export"
	KindSection        Kind = "section"
	KindString         Kind = "string"
	KindFunctionName   Kind = "function-name"
	KindCharacteristic Kind = "characteristic"
	KindBasicBlock     Kind = "basic-block"
	KindMnemonic       Kind = "mnemonic"
	KindNumber         Kind = "number"
	KindOffset         Kind = "offset"
	KindAPI            Kind = "api"
	KindBytes          Kind = "bytes"
)

// OS values
const (
	OSWindows  = "windows"
	OSLinux    = "linux"
	OSMacOS    = "macos"
	OSAndroid  = "android"
	OSHurd     = "hurd"
	OSHPUX     = "hpux"
	OSNetBSD   = "netbsd"
	OSFreeBSD  = "freebsd"
	OSOpenBSD  = "openbsd"
	OSSolaris  = "solaris"
	OSAIX      = "aix"
	OSIRIX     = "irix"
	OSTru64    = "tru64"
	OSModesto  = "modesto"
	OSOpenVMS  = "openvms"
	OSNSK      = "nsk"
	OSAROS     = "aros"
	OSFenixOS  = "fenixos"
	OSCloudABI = "cloudabi"
	OSUnknown  = "unknown"
)

// Arch values
const (
	ArchI386    = "i386"
	ArchAMD64   = "amd64"
	ArchAArch64 = "aarch64"
)

// Format values
const (
	FormatPE    = "pe"
	FormatELF   = "elf"
	FormatMachO = "macho"
)

// Characteristic values
const (
	CharCallsTo       = "calls to"
	CharCallsFrom     = "calls from"
	CharLoop          = "loop"
	CharRecursiveCall = "recursive call"
	CharTightLoop     = "tight loop"
	CharNzxor         = "nzxor"
	CharIndirectCall  = "indirect call"
	CharCallPlus5     = "call $+5"
)

// Feature is an observed property of a binary. It is comparable and may be
// used as a map key.
type Feature struct {
	Kind  Kind
	Value string
}

func (f Feature) String() string {
	if f.Value == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s(%s)", f.Kind, f.Value)
}

// MarshalText implements encoding.TextMarshaler so features can key JSON/YAML maps.
func (f Feature) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Feature) UnmarshalText(text []byte) error {
	s := string(text)
	open := strings.IndexByte(s, '(')
	if open < 0 {
		f.Kind, f.Value = Kind(s), ""
		return nil
	}
	if !strings.HasSuffix(s, ")") {
		return fmt.Errorf("invalid feature %q", s)
	}
	f.Kind, f.Value = Kind(s[:open]), s[open+1:len(s)-1]
	return nil
}

func OS(name string) Feature             { return Feature{Kind: KindOS, Value: name} }
func Arch(name string) Feature           { return Feature{Kind: KindArch, Value: name} }
func Format(name string) Feature         { return Feature{Kind: KindFormat, Value: name} }
func Import(name string) Feature         { return Feature{Kind: KindImport, Value: name} }
func Export(name string) Feature         { return Feature{Kind: KindExport, Value: name} }
func Section(name string) Feature        { return Feature{Kind: KindSection, Value: name} }
func String(s string) Feature            { return Feature{Kind: KindString, Value: s} }
func FunctionName(name string) Feature   { return Feature{Kind: KindFunctionName, Value: name} }
func Characteristic(name string) Feature { return Feature{Kind: KindCharacteristic, Value: name} }
func BasicBlock() Feature                { return Feature{Kind: KindBasicBlock} }
func Mnemonic(m string) Feature          { return Feature{Kind: KindMnemonic, Value: strings.ToLower(m)} }
func API(name string) Feature            { return Feature{Kind: KindAPI, Value: name} }

// Number is an immediate operand value.
func Number(n int64) Feature {
	return Feature{Kind: KindNumber, Value: hex(n)}
}

// Offset is a memory operand displacement.
func Offset(n int64) Feature {
	return Feature{Kind: KindOffset, Value: hex(n)}
}

// Bytes is a run of raw bytes referenced by an instruction.
func Bytes(b []byte) Feature {
	return Feature{Kind: KindBytes, Value: fmt.Sprintf("%x", b)}
}

func hex(n int64) string {
	if n < 0 {
		return fmt.Sprintf("-%#x", uint64(-n))
	}
	return fmt.Sprintf("%#x", n)
}
