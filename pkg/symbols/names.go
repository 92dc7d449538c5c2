package symbols

import (
	"path"
	"strings"
)

// NormalizeLibrary lowercases a library name and strips its directory and
// well known extensions ("KERNEL32.dll" -> "kernel32", "/usr/lib/libc.so.6" -> "libc").
func NormalizeLibrary(lib string) string {
	lib = strings.ToLower(path.Base(strings.ReplaceAll(lib, "\\", "/")))
	if lib == "." || lib == "/" {
		return ""
	}
	for _, ext := range []string{".dll", ".drv", ".sys", ".exe", ".dylib"} {
		if strings.HasSuffix(lib, ext) {
			return strings.TrimSuffix(lib, ext)
		}
	}
	if i := strings.Index(lib, ".so"); i > 0 {
		return lib[:i]
	}
	if i := strings.Index(lib, ".framework"); i > 0 {
		return lib[:i]
	}
	return lib
}

// IsAW reports whether name is the ANSI or wide variant of a Windows API
// (CreateFileA, CreateFileW).
func IsAW(name string) bool {
	if len(name) < 2 {
		return false
	}
	if last := name[len(name)-1]; last != 'A' && last != 'W' {
		return false
	}
	c := name[len(name)-2]
	return ('a' <= c && c <= 'z') || ('0' <= c && c <= '9')
}

// Generate returns every name an imported symbol may be matched by: the
// library qualified form, the bare form and, for ANSI/wide APIs, both forms
// without the A/W suffix. Ordinal imports ("#12") are only emitted qualified.
func Generate(lib, name string) []string {
	lib = NormalizeLibrary(lib)

	var out []string
	if lib != "" {
		out = append(out, lib+"."+name)
	}
	if strings.HasPrefix(name, "#") {
		return out
	}
	out = append(out, name)
	if IsAW(name) {
		base := name[:len(name)-1]
		if lib != "" {
			out = append(out, lib+"."+base)
		}
		out = append(out, base)
	}
	return out
}
