// Package symbols normalizes symbol names: demangling, import naming and
// the prefixes featx uses for thunks and stubs.
package symbols

import (
	"regexp"
	"strings"

	"github.com/blacktop/go-macho/pkg/swift"
	"github.com/ianlancetaylor/demangle"
)

var cxxTokenPattern = regexp.MustCompile(`_{0,2}Z[A-Za-z0-9_]+`)

func demangleCore(name string) string {
	out := name
	if strings.HasPrefix(name, "$s") || strings.HasPrefix(name, "_$s") || strings.HasPrefix(name, "$S") || strings.HasPrefix(name, "_$S") {
		out = swift.DemangleBlob(name)
	}

	return cxxTokenPattern.ReplaceAllStringFunc(out, func(token string) string {
		// Mach-O adds an extra leading underscore.
		mangled := "_" + strings.TrimLeft(token, "_")
		if demangled := demangle.Filter(mangled); demangled != mangled {
			return demangled
		}
		return token
	})
}

// Demangle expands Swift and C++ names inside name and keeps any featx prefixes.
func Demangle(name string) string {
	if name == "" {
		return name
	}
	core, prefixes := StripPrefixes(name)
	return ApplyPrefixes(prefixes, demangleCore(core))
}
