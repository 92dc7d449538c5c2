package features

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Address is a virtual address in the loaded image.
type Address uint64

// NoAddress is the address of features that are not tied to a location (OS, arch).
const NoAddress Address = 0

func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Record is a feature observed at an address.
type Record struct {
	Feature Feature
	Address Address
}

func (r Record) String() string {
	return fmt.Sprintf("%s @ %s", r.Feature, r.Address)
}

// Set maps each feature to the addresses it was observed at.
type Set map[Feature]map[Address]struct{}

// NewSet builds a Set from records.
func NewSet(recs ...Record) Set {
	s := make(Set)
	s.Add(recs...)
	return s
}

// Add inserts records into the set.
func (s Set) Add(recs ...Record) {
	for _, r := range recs {
		addrs, ok := s[r.Feature]
		if !ok {
			addrs = make(map[Address]struct{})
			s[r.Feature] = addrs
		}
		addrs[r.Address] = struct{}{}
	}
}

// Merge adds every entry of o into s.
func (s Set) Merge(o Set) {
	for f, addrs := range o {
		dst, ok := s[f]
		if !ok {
			dst = make(map[Address]struct{}, len(addrs))
			s[f] = dst
		}
		maps.Copy(dst, addrs)
	}
}

// Has reports whether the feature was observed anywhere.
func (s Set) Has(f Feature) bool {
	_, ok := s[f]
	return ok
}

// Addresses returns the sorted addresses a feature was observed at.
func (s Set) Addresses(f Feature) []Address {
	return slices.Sorted(maps.Keys(s[f]))
}

// Records flattens the set into records sorted by feature then address.
func (s Set) Records() []Record {
	var out []Record
	for f, addrs := range s {
		for a := range addrs {
			out = append(out, Record{Feature: f, Address: a})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Feature.Kind != out[j].Feature.Kind {
			return out[i].Feature.Kind < out[j].Feature.Kind
		}
		if out[i].Feature.Value != out[j].Feature.Value {
			return out[i].Feature.Value < out[j].Feature.Value
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Count returns how many times each feature occurs in recs.
func Count(recs []Record, f Feature) int {
	n := 0
	for _, r := range recs {
		if r.Feature == f {
			n++
		}
	}
	return n
}
