package features

import (
	"reflect"
	"testing"
)

func TestFeatureString(t *testing.T) {
	tests := []struct {
		name string
		f    Feature
		want string
	}{
		{name: "os", f: OS(OSWindows), want: "os(windows)"},
		{name: "number", f: Number(0x10), want: "number(0x10)"},
		{name: "negative number", f: Number(-8), want: "number(-0x8)"},
		{name: "basic block", f: BasicBlock(), want: "basic-block"},
		{name: "mnemonic lowered", f: Mnemonic("XOR"), want: "mnemonic(xor)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			var back Feature
			if err := back.UnmarshalText([]byte(tt.f.String())); err != nil {
				t.Fatalf("UnmarshalText() error = %v", err)
			}
			if back != tt.f {
				t.Errorf("UnmarshalText() = %#v, want %#v", back, tt.f)
			}
		})
	}
}

func TestFeatureComparable(t *testing.T) {
	m := map[Feature]int{}
	m[API("kernel32.CreateFileA")]++
	m[API("kernel32.CreateFileA")]++
	if m[API("kernel32.CreateFileA")] != 2 {
		t.Fatalf("features with equal kind and value must be the same key")
	}
}

func TestSet(t *testing.T) {
	s := NewSet(
		Record{Feature: Mnemonic("mov"), Address: 0x1010},
		Record{Feature: Mnemonic("mov"), Address: 0x1000},
		Record{Feature: Mnemonic("mov"), Address: 0x1000},
	)
	if got, want := s.Addresses(Mnemonic("mov")), []Address{0x1000, 0x1010}; !reflect.DeepEqual(got, want) {
		t.Errorf("Addresses() = %v, want %v", got, want)
	}

	o := NewSet(Record{Feature: OS(OSLinux), Address: NoAddress})
	s.Merge(o)
	if !s.Has(OS(OSLinux)) {
		t.Errorf("Merge() did not copy os(linux)")
	}
	if got := len(s.Records()); got != 3 {
		t.Errorf("Records() returned %d records, want 3", got)
	}
}
