package pe

import (
	"debug/pe"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/blacktop/featx/internal/program"
)

const (
	testBase  = 0x140000000
	rdataRVA  = 0x2000
	exportRVA = 0x2100
	pdataRVA  = 0x21a0
)

func rdata() []byte {
	data := make([]byte, 0x200)
	le := binary.LittleEndian
	at := func(rva uint32) []byte { return data[rva-rdataRVA:] }

	// import descriptor, then a null descriptor
	le.PutUint32(at(0x2000), 0x2040)
	le.PutUint32(at(0x200c), 0x2080)
	le.PutUint32(at(0x2010), 0x2060)
	// lookup table: CreateFileA by name, ordinal 5
	le.PutUint64(at(0x2040), 0x2090)
	le.PutUint64(at(0x2048), 1<<63|5)
	le.PutUint64(at(0x2060), 0x2090)
	le.PutUint64(at(0x2068), 1<<63|5)
	copy(at(0x2080), "KERNEL32.dll\x00")
	copy(at(0x2092), "CreateFileA\x00")

	// export directory with one exported and one forwarded function
	le.PutUint32(at(exportRVA+24), 2)
	le.PutUint32(at(exportRVA+28), 0x2140)
	le.PutUint32(at(exportRVA+32), 0x2150)
	le.PutUint32(at(exportRVA+36), 0x2160)
	le.PutUint32(at(0x2140), 0x1000)
	le.PutUint32(at(0x2144), 0x2170)
	le.PutUint32(at(0x2150), 0x2180)
	le.PutUint32(at(0x2154), 0x2190)
	le.PutUint16(at(0x2160), 0)
	le.PutUint16(at(0x2162), 1)
	copy(at(0x2170), "NTDLL.Foo\x00")
	copy(at(0x2180), "DoThing\x00")
	copy(at(0x2190), "Forwarded\x00")

	// runtime functions
	le.PutUint32(at(pdataRVA), 0x1000)
	le.PutUint32(at(pdataRVA+4), 0x1010)
	le.PutUint32(at(pdataRVA+12), 0x1020)
	le.PutUint32(at(pdataRVA+16), 0x1020)
	return data
}

func testReader() rvaReader {
	img := &program.Image{
		Segments: []program.Segment{
			{Name: ".text", Addr: testBase + 0x1000, Size: 0x100, Data: make([]byte, 0x100), Exec: true},
			{Name: ".rdata", Addr: testBase + rdataRVA, Size: 0x200, Data: rdata()},
		},
	}
	return rvaReader{img: img, base: testBase}
}

func TestImports(t *testing.T) {
	imports, libs, err := testReader().imports(0x2000, 8)
	if err != nil {
		t.Fatalf("imports() error = %v", err)
	}
	want := []program.Import{
		{Library: "KERNEL32.dll", Name: "CreateFileA", Addr: testBase + 0x2060},
		{Library: "KERNEL32.dll", Name: "#5", Addr: testBase + 0x2068},
	}
	if !slices.Equal(imports, want) {
		t.Errorf("got imports %+v, want %+v", imports, want)
	}
	if !slices.Equal(libs, []string{"KERNEL32.dll"}) {
		t.Errorf("got libraries %v, want [KERNEL32.dll]", libs)
	}
}

func TestExports(t *testing.T) {
	exports, err := testReader().exports(pe.DataDirectory{VirtualAddress: exportRVA, Size: 0x80})
	if err != nil {
		t.Fatalf("exports() error = %v", err)
	}
	want := []program.Symbol{{Name: "DoThing", Addr: testBase + 0x1000}}
	if !slices.Equal(exports, want) {
		t.Errorf("got exports %+v, want %+v", exports, want)
	}
}

func TestRuntimeFunctions(t *testing.T) {
	funcs := testReader().runtimeFunctions(pe.DataDirectory{VirtualAddress: pdataRVA, Size: 24})
	want := []program.Symbol{{Addr: testBase + 0x1000, Size: 0x10}}
	if !slices.Equal(funcs, want) {
		t.Errorf("got functions %+v, want %+v", funcs, want)
	}
}

func TestShortRead(t *testing.T) {
	if _, err := testReader().read(0x21fe, 4); err == nil {
		t.Fatal("expected an error reading past the end of a section")
	}
	if _, err := testReader().read(0x5000, 4); err == nil {
		t.Fatal("expected an error reading unmapped memory")
	}
}
