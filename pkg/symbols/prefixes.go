package symbols

import "strings"

// Prefixes featx prepends to a resolved symbol name to describe where it was found.
const (
	PrefixJump = "j_"     // thunk jumping to the symbol
	PrefixStub = "__stub_" // Mach-O stub or ELF PLT entry
	PrefixGot  = "__got."  // import slot
)

// Prefixes lists the prefixes in stripping order.
var Prefixes = []string{
	PrefixStub,
	PrefixGot,
	PrefixJump,
}

// StripPrefixes removes every known prefix from name, returning the bare
// symbol and the prefixes in the order they were removed.
func StripPrefixes(name string) (core string, prefixes []string) {
	core = name
trimLoop:
	for {
		for _, prefix := range Prefixes {
			if strings.HasPrefix(core, prefix) && len(core) > len(prefix) {
				prefixes = append(prefixes, prefix)
				core = strings.TrimPrefix(core, prefix)
				continue trimLoop
			}
		}
		break
	}
	return core, prefixes
}

// ApplyPrefixes re-applies prefixes returned by StripPrefixes to base.
func ApplyPrefixes(prefixes []string, base string) string {
	out := base
	for i := len(prefixes) - 1; i >= 0; i-- {
		out = prefixes[i] + out
	}
	return out
}
