package program

import (
	"bytes"
	"io"
	"slices"
	"testing"

	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/extractor"
	"github.com/blacktop/featx/pkg/features"
)

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

func pad(b []byte, n int) []byte {
	for len(b) < n {
		b = append(b, 0xcc)
	}
	return b
}

// testImage is a small amd64 PE-like image:
//
//	0x1000 main:   xor eax, eax; xor eax, ebx; call $+5; call [CreateFileA];
//	               lea rax, [hello]; call helper; call j_ExitProcess; ret
//	0x1030 helper: mov eax, 0x539; loop: sub eax, 1; jne loop; call helper; ret
//	0x1050 thunk:  jmp [ExitProcess]
//	0x1060 __security_check_cookie: ret
func testImage() *Image {
	var text []byte
	text = append(text,
		0x31, 0xc0,
		0x31, 0xd8,
		0xe8, 0x00, 0x00, 0x00, 0x00,
		0xff, 0x15, 0x01, 0x10, 0x00, 0x00,
		0x48, 0x8d, 0x05, 0xea, 0x0f, 0x00, 0x00,
		0xe8, 0x15, 0x00, 0x00, 0x00,
		0xe8, 0x30, 0x00, 0x00, 0x00,
		0xc3,
	)
	text = pad(text, 0x30)
	text = append(text,
		0xb8, 0x39, 0x05, 0x00, 0x00,
		0x83, 0xe8, 0x01,
		0x75, 0xfb,
		0xe8, 0xf1, 0xff, 0xff, 0xff,
		0xc3,
	)
	text = pad(text, 0x50)
	text = append(text, 0xff, 0x25, 0xc2, 0x0f, 0x00, 0x00)
	text = pad(text, 0x60)
	text = append(text, 0xc3)
	text = pad(text, 0x100)

	data := make([]byte, 0x100)
	copy(data, "hello world\x00")
	copy(data[0x40:], []byte{'w', 0, 'i', 0, 'd', 0, 'e', 0, 0, 0})
	copy(data[0x60:], []byte{0xde, 0xad, 0xbe, 0xef})

	raw := append(slices.Clone(text), data...)

	return &Image{
		Format:    detect.Format{Kind: detect.FormatPE},
		Processor: detect.Processor{Name: "metapc", Bits: 64},
		Arch:      "amd64",
		Base:      0x1000,
		Entry:     0x1000,
		Segments: []Segment{
			{Name: ".data", Addr: 0x2000, Size: 0x100, Data: data},
			{Name: ".text", Addr: 0x1000, Size: 0x100, Data: text, Exec: true},
		},
		Sections: []Section{
			{Name: ".text", Addr: 0x1000, Size: 0x100, Exec: true},
			{Name: ".data", Addr: 0x2000, Size: 0x100},
		},
		Functions: []Symbol{
			{Name: "main", Addr: 0x1000},
			{Name: "__security_check_cookie", Addr: 0x1060},
		},
		Imports: []Import{
			{Library: "KERNEL32.dll", Name: "CreateFileA", Addr: 0x2010},
			{Library: "KERNEL32.dll", Name: "ExitProcess", Addr: 0x2018},
		},
		Open: func() (io.ReadSeekCloser, error) {
			return nopCloser{bytes.NewReader(raw)}, nil
		},
	}
}

func newTestProgram(t *testing.T) *Program {
	t.Helper()
	p, err := New(testImage(), DefaultOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func has(recs []features.Record, f features.Feature, addr features.Address) bool {
	return slices.Contains(recs, features.Record{Feature: f, Address: addr})
}

func TestDiscover(t *testing.T) {
	p := newTestProgram(t)

	want := []struct {
		entry   uint64
		name    string
		thunk   bool
		library bool
	}{
		{0x1000, "main", false, false},
		{0x1030, "", false, false},
		{0x1050, "j_ExitProcess", true, false},
		{0x1060, "__security_check_cookie", false, true},
	}
	funcs := p.Funcs()
	if len(funcs) != len(want) {
		t.Fatalf("got %d functions, want %d", len(funcs), len(want))
	}
	for i, w := range want {
		f := funcs[i]
		if f.Entry != w.entry || f.Name != w.name || f.Thunk != w.thunk || f.Library != w.library {
			t.Errorf("function %d: got {%#x %q thunk=%t lib=%t}, want {%#x %q thunk=%t lib=%t}",
				i, f.Entry, f.Name, f.Thunk, f.Library, w.entry, w.name, w.thunk, w.library)
		}
	}
	if f := funcs[2]; f.API == nil || f.API.Name != "ExitProcess" {
		t.Errorf("thunk API: got %+v, want ExitProcess", f.API)
	}
	if got := funcs[0].End; got != 0x1021 {
		t.Errorf("main end: got %#x, want %#x", got, 0x1021)
	}
}

func TestFileFeatures(t *testing.T) {
	p := newTestProgram(t)
	recs, err := p.FileFeatures()
	if err != nil {
		t.Fatalf("FileFeatures() error = %v", err)
	}

	tests := []struct {
		feature features.Feature
		addr    features.Address
	}{
		{features.Format(features.FormatPE), 0},
		{features.Import("kernel32.CreateFileA"), 0x2010},
		{features.Import("CreateFileA"), 0x2010},
		{features.Import("kernel32.CreateFile"), 0x2010},
		{features.Import("CreateFile"), 0x2010},
		{features.Import("ExitProcess"), 0x2018},
		{features.Section(".text"), 0x1000},
		{features.Section(".data"), 0x2000},
		{features.FunctionName("main"), 0x1000},
		{features.String("hello world"), 0x2000},
		{features.String("wide"), 0x2040},
	}
	for _, tt := range tests {
		if !has(recs, tt.feature, tt.addr) {
			t.Errorf("missing %s at %s", tt.feature, tt.addr)
		}
	}
	if features.Count(recs, features.FunctionName("j_ExitProcess")) != 0 {
		t.Error("thunks must not produce function-name features")
	}

	// memoized, but callers get their own slice
	recs[0] = features.Record{}
	again, _ := p.FileFeatures()
	if again[0].Feature != features.Format(features.FormatPE) {
		t.Errorf("file features were mutated through a returned slice")
	}
}

func TestStrings(t *testing.T) {
	tests := []struct {
		name  string
		data  []byte
		ascii []string
		wide  []string
	}{
		{"short", []byte("abc\x00"), nil, nil},
		{"terminated", []byte("abcd\x00xyz"), []string{"abcd"}, nil},
		{"trailing", []byte("\x00\x01abcdef"), []string{"abcdef"}, nil},
		{"wide", []byte{0, 't', 0, 'e', 0, 's', 0, 't', 0}, nil, []string{"test"}},
		{"wide at end", []byte{'t', 0, 'e', 0, 's', 0, 't', 0}, nil, []string{"test"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ascii, wide []string
			for _, s := range asciiStrings(tt.data, 0, 4) {
				ascii = append(ascii, s.value)
			}
			for _, s := range utf16Strings(tt.data, 0, 4) {
				wide = append(wide, s.value)
			}
			if !slices.Equal(ascii, tt.ascii) {
				t.Errorf("ascii: got %q, want %q", ascii, tt.ascii)
			}
			if !slices.Equal(wide, tt.wide) {
				t.Errorf("utf16: got %q, want %q", wide, tt.wide)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	fx, err := extractor.New(newTestProgram(t))
	if err != nil {
		t.Fatalf("extractor.New() error = %v", err)
	}

	var entries []features.Address
	for fc := range fx.Functions() {
		entries = append(entries, fc.Function.Address())
	}
	if want := []features.Address{0x1000, 0x1030}; !slices.Equal(entries, want) {
		t.Fatalf("got functions %v, want %v", entries, want)
	}

	main, err := fx.Function(0x1000)
	if err != nil {
		t.Fatalf("Function(0x1000) error = %v", err)
	}
	res, err := extract(fx, main)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		feature features.Feature
		addr    features.Address
	}{
		{features.OS(features.OSWindows), 0},
		{features.Arch(features.ArchAMD64), 0},
		{features.BasicBlock(), 0x1000},
		{features.Mnemonic("xor"), 0x1000},
		{features.Characteristic(features.CharNzxor), 0x1002},
		{features.Characteristic(features.CharCallPlus5), 0x1004},
		{features.API("kernel32.CreateFileA"), 0x1009},
		{features.API("CreateFile"), 0x1009},
		{features.String("hello world"), 0x100f},
		{features.API("kernel32.ExitProcess"), 0x101b},
		{features.Characteristic(features.CharCallsFrom), 0x1004},
		{features.Characteristic(features.CharCallsFrom), 0x1016},
	}
	for _, tt := range tests {
		if !has(res, tt.feature, tt.addr) {
			t.Errorf("main: missing %s at %s", tt.feature, tt.addr)
		}
	}
	for _, f := range []features.Feature{
		features.Characteristic(features.CharIndirectCall),
		features.Characteristic(features.CharLoop),
		features.Characteristic(features.CharCallsTo),
	} {
		if features.Count(res, f) != 0 {
			t.Errorf("main: unexpected %s", f)
		}
	}
	if has(res, features.Characteristic(features.CharNzxor), 0x1000) {
		t.Error("xor of a register with itself is not nzxor")
	}

	helper, err := fx.Function(0x1036)
	if err != nil {
		t.Fatalf("Function(0x1036) error = %v", err)
	}
	if helper.Function.Address() != 0x1030 {
		t.Fatalf("Function(0x1036): got %s, want 0x1030", helper.Function.Address())
	}
	res, err = extract(fx, helper)
	if err != nil {
		t.Fatal(err)
	}
	tests = []struct {
		feature features.Feature
		addr    features.Address
	}{
		{features.Number(0x539), 0x1030},
		{features.Number(1), 0x1035},
		{features.Characteristic(features.CharTightLoop), 0x1035},
		{features.Characteristic(features.CharLoop), 0x1030},
		{features.Characteristic(features.CharRecursiveCall), 0x1030},
		{features.Characteristic(features.CharCallsTo), 0x1016},
		{features.Characteristic(features.CharCallsTo), 0x103a},
		{features.Characteristic(features.CharCallsFrom), 0x103a},
	}
	for _, tt := range tests {
		if !has(res, tt.feature, tt.addr) {
			t.Errorf("helper: missing %s at %s", tt.feature, tt.addr)
		}
	}
}

func extract(fx *extractor.Extractor, fc extractor.FunctionContext) ([]features.Record, error) {
	recs, err := fx.ExtractFunctionFeatures(fc)
	if err != nil {
		return nil, err
	}
	for bb := range fx.BasicBlocks(fc) {
		r, err := fx.ExtractBasicBlockFeatures(fc, bb)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r...)
		for insn := range fx.Instructions(fc, bb) {
			r, err := fx.ExtractInsnFeatures(fc, bb, insn)
			if err != nil {
				return nil, err
			}
			recs = append(recs, r...)
		}
	}
	return recs, nil
}

func TestDataReference(t *testing.T) {
	img := testImage()
	// lea rax, [rip+0xfe9] -> 0x2060
	copy(img.Segments[1].Data[0x70:], []byte{0x48, 0x8d, 0x05, 0xe9, 0x0f, 0x00, 0x00, 0xc3})
	img.Functions = append(img.Functions, Symbol{Name: "bytes", Addr: 0x1070})
	p, err := New(img, DefaultOptions())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	fn, err := p.Recover(0x1070)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	f, ok := p.functionAt(0x1070)
	if !ok {
		t.Fatal("function 0x1070 was not discovered")
	}
	b := fn.Blocks[0]
	recs := p.instructionFeatures(f, b, b.Insns[0])
	var found bool
	for _, r := range recs {
		if r.Feature.Kind == features.KindBytes {
			found = true
			if r.Address != 0x1070 {
				t.Errorf("bytes feature at %s, want 0x1070", r.Address)
			}
		}
	}
	if !found {
		t.Errorf("expected a bytes feature, got %v", recs)
	}
}
