package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/featx/pkg/detect"
	"github.com/blacktop/featx/pkg/features"
)

type nativeFunc struct {
	start, end uint64
	name       string
	flags      uint32
}

type nativeBlock struct {
	start, end uint64
	insns      []uint64
}

type fakeFunc struct {
	native nativeFunc
	thunk  bool
	lib    bool
	blocks []nativeBlock
	// extra instructions the backend (incorrectly) reports for every block
	stray []uint64
	fail  bool
}

type fakeBackend struct {
	format     detect.Format
	proc       detect.Processor
	image      []byte
	opened     int
	funcs      []*fakeFunc
	concurrent bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		format: detect.Format{Name: "Portable executable for AMD64 (PE)"},
		proc:   detect.Processor{Name: "metapc", Bits: 64},
		funcs: []*fakeFunc{
			{
				native: nativeFunc{start: 0x1000, end: 0x1010, name: "main", flags: 0x4000},
				blocks: []nativeBlock{
					{start: 0x1000, end: 0x1008, insns: []uint64{0x1000, 0x1004}},
					{start: 0x1008, end: 0x1010, insns: []uint64{0x1008, 0x100c}},
				},
			},
			{
				native: nativeFunc{start: 0x1010, end: 0x1016, name: "j_CreateFileA"},
				thunk:  true,
				blocks: []nativeBlock{{start: 0x1010, end: 0x1016, insns: []uint64{0x1010}}},
			},
			{
				native: nativeFunc{start: 0x1020, end: 0x1030, name: "__security_check_cookie"},
				lib:    true,
				blocks: []nativeBlock{{start: 0x1020, end: 0x1030, insns: []uint64{0x1020}}},
			},
			{
				native: nativeFunc{start: 0x1030, end: 0x1040},
				blocks: []nativeBlock{{start: 0x1030, end: 0x1038, insns: []uint64{0x1030, 0x1034}}},
				stray:  []uint64{0x1038, 0x1000},
			},
		},
	}
}

func (b *fakeBackend) Format() detect.Format       { return b.format }
func (b *fakeBackend) Processor() detect.Processor { return b.proc }
func (b *fakeBackend) BaseAddress() features.Address {
	return 0x1000
}
func (b *fakeBackend) Contains(addr features.Address) bool { return addr >= 0x1000 && addr < 0x2000 }
func (b *fakeBackend) ConcurrentSafe() bool                { return b.concurrent }

type closer struct {
	*bytes.Reader
	closed *int
}

func (c closer) Close() error {
	*c.closed++
	return nil
}

func (b *fakeBackend) OpenImage() (io.ReadSeekCloser, error) {
	b.opened++
	return closer{Reader: bytes.NewReader(b.image), closed: new(int)}, nil
}

func (b *fakeBackend) FileFeatures() ([]features.Record, error) {
	return []features.Record{
		{Feature: features.Format(features.FormatPE), Address: 0},
		{Feature: features.Import("kernel32.CreateFileA"), Address: 0x3000},
	}, nil
}

func (b *fakeBackend) handle(f *fakeFunc) *Function {
	fn := NewFunction(&f.native, features.Address(f.native.start), features.Address(f.native.end))
	fn.Name = f.native.name
	fn.Thunk = f.thunk
	fn.Library = f.lib
	return fn
}

func (b *fakeBackend) Functions() iter.Seq[*Function] {
	return func(yield func(*Function) bool) {
		for _, f := range b.funcs {
			if !yield(b.handle(f)) {
				return
			}
		}
	}
}

func (b *fakeBackend) lookup(addr features.Address) *fakeFunc {
	for _, f := range b.funcs {
		if uint64(addr) >= f.native.start && uint64(addr) < f.native.end {
			return f
		}
	}
	return nil
}

func (b *fakeBackend) FunctionAt(addr features.Address) (*Function, bool) {
	if f := b.lookup(addr); f != nil {
		return b.handle(f), true
	}
	return nil, false
}

func (b *fakeBackend) FunctionFeatures(fc FunctionContext) ([]features.Record, error) {
	f := b.lookup(fc.Function.Start)
	if f.fail {
		return nil, errors.New("backend exploded")
	}
	n, _ := Memo(fc.Cache, "calls", func() (int, error) { return 1, nil })
	recs := make([]features.Record, 0, n)
	for range n {
		recs = append(recs, features.Record{Feature: features.Characteristic(features.CharCallsFrom), Address: fc.Function.Start})
	}
	return recs, nil
}

func (b *fakeBackend) BasicBlocks(fc FunctionContext) iter.Seq[*BasicBlock] {
	return func(yield func(*BasicBlock) bool) {
		f := b.lookup(fc.Function.Start)
		for i := range f.blocks {
			nb := &f.blocks[i]
			if !yield(NewBasicBlock(nb, features.Address(nb.start), features.Address(nb.end))) {
				return
			}
		}
	}
}

func (b *fakeBackend) BasicBlockFeatures(fc FunctionContext, bb *BasicBlock) ([]features.Record, error) {
	return []features.Record{{Feature: features.BasicBlock(), Address: bb.Start}}, nil
}

func (b *fakeBackend) Instructions(fc FunctionContext, bb *BasicBlock) iter.Seq[*Instruction] {
	return func(yield func(*Instruction) bool) {
		nb, _ := bb.Inner().(*nativeBlock)
		f := b.lookup(fc.Function.Start)
		for _, a := range append(append([]uint64{}, nb.insns...), f.stray...) {
			if !yield(NewInstruction(a, features.Address(a), 4)) {
				return
			}
		}
	}
}

func (b *fakeBackend) InstructionFeatures(fc FunctionContext, bb *BasicBlock, insn *Instruction) ([]features.Record, error) {
	return []features.Record{{Feature: features.Mnemonic("NOP"), Address: insn.Addr}}, nil
}

func newTestExtractor(t *testing.T, b *fakeBackend) *Extractor {
	t.Helper()
	e, err := New(b)
	require.NoError(t, err)
	return e
}

var wantGlobals = []features.Record{
	{Feature: features.OS(features.OSWindows), Address: 0},
	{Feature: features.Arch(features.ArchAMD64), Address: 0},
}

func assertGlobalsOnce(t *testing.T, recs []features.Record) {
	t.Helper()
	for _, g := range wantGlobals {
		n := 0
		for _, r := range recs {
			if r == g {
				n++
			}
		}
		assert.Equalf(t, 1, n, "global %v appeared %d times in %v", g, n, recs)
	}
}

func TestGlobalsInEveryScope(t *testing.T) {
	b := newFakeBackend()
	e := newTestExtractor(t, b)
	assert.Equal(t, wantGlobals, e.GlobalFeatures())
	assert.Equal(t, 0, b.opened, "PE must not open the image stream")

	recs, err := e.ExtractFileFeatures()
	require.NoError(t, err)
	assertGlobalsOnce(t, recs)

	for fc := range e.Functions() {
		recs, err := e.ExtractFunctionFeatures(fc)
		require.NoError(t, err)
		assertGlobalsOnce(t, recs)
		for bb := range e.BasicBlocks(fc) {
			recs, err := e.ExtractBasicBlockFeatures(fc, bb)
			require.NoError(t, err)
			assertGlobalsOnce(t, recs)
			for insn := range e.Instructions(fc, bb) {
				recs, err := e.ExtractInsnFeatures(fc, bb, insn)
				require.NoError(t, err)
				assertGlobalsOnce(t, recs)
			}
		}
	}
}

func TestFunctionsSkipThunksAndLibraries(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())

	var got []features.Address
	for fc := range e.Functions() {
		assert.False(t, fc.Function.Thunk)
		assert.False(t, fc.Function.Library)
		got = append(got, fc.Function.Start)
	}
	assert.Equal(t, []features.Address{0x1000, 0x1030}, got)
}

func TestBasicBlocksDisjoint(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())

	seen := make(map[features.Address]features.Address)
	for fc := range e.Functions() {
		for bb := range e.BasicBlocks(fc) {
			for insn := range e.Instructions(fc, bb) {
				if prev, ok := seen[insn.Addr]; ok {
					t.Fatalf("instruction %s in blocks %s and %s", insn.Addr, prev, bb.Start)
				}
				seen[insn.Addr] = bb.Start
			}
		}
	}
	assert.Len(t, seen, 6)
}

func TestInstructionsStayInBlock(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())

	fc, err := e.Function(0x1034)
	require.NoError(t, err)
	require.Equal(t, features.Address(0x1030), fc.Function.Start)

	var got []features.Address
	for bb := range e.BasicBlocks(fc) {
		for insn := range e.Instructions(fc, bb) {
			assert.True(t, bb.Contains(insn.Addr), "%s outside [%s, %s)", insn.Addr, bb.Start, bb.End)
			got = append(got, insn.Addr)
		}
	}
	assert.Equal(t, []features.Address{0x1030, 0x1034}, got)
}

// A new enumeration hands out new caches: memoized analysis is not reused
// between passes over the same function.
func TestCacheNotSharedAcrossEnumerations(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())

	first := make(map[features.Address]*AnalysisCache)
	for fc := range e.Functions() {
		_, err := e.ExtractFunctionFeatures(fc)
		require.NoError(t, err)
		require.Equal(t, 1, fc.Cache.Len())
		first[fc.Function.Start] = fc.Cache
	}
	for fc := range e.Functions() {
		prev, ok := first[fc.Function.Start]
		require.True(t, ok)
		assert.NotSame(t, prev, fc.Cache)
		assert.Equal(t, 0, fc.Cache.Len())
	}

	a, err := e.Function(0x1000)
	require.NoError(t, err)
	b, err := e.Function(0x1000)
	require.NoError(t, err)
	assert.NotSame(t, a.Cache, b.Cache)
}

func TestCacheSharedWithinContext(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())
	fc, err := e.Function(0x1000)
	require.NoError(t, err)

	calls := 0
	for range 3 {
		v, err := Memo(fc.Cache, "cfg", func() (string, error) {
			calls++
			return "graph", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "graph", v)
	}
	assert.Equal(t, 1, calls)

	_, err = Memo(fc.Cache, "broken", func() (int, error) { return 0, errors.New("nope") })
	require.Error(t, err)
	_, ok := fc.Cache.Get("broken")
	assert.False(t, ok, "errors must not be cached")
}

func TestFormatGates(t *testing.T) {
	t.Run("ELF probes the stream", func(t *testing.T) {
		b := newFakeBackend()
		b.format = detect.Format{Name: "ELF64 for x86-64 (Shared object)"}
		b.image = []byte("definitely not an ELF")
		_, err := New(b)
		require.Error(t, err)
		assert.Equal(t, 1, b.opened)
	})

	t.Run("Mach-O is rejected by default", func(t *testing.T) {
		b := newFakeBackend()
		b.format = detect.Format{Kind: detect.FormatMachO}
		e, err := New(b)
		require.ErrorIs(t, err, ErrUnsupportedFormat)
		assert.Nil(t, e)
	})

	t.Run("Mach-O with a format rule", func(t *testing.T) {
		b := newFakeBackend()
		b.format = detect.Format{Kind: detect.FormatMachO}
		e, err := New(b, WithDetectOptions(detect.WithFormatRule(detect.FormatMachO, features.OSMacOS)))
		require.NoError(t, err)
		assert.Contains(t, e.GlobalFeatures(), features.Record{Feature: features.OS(features.OSMacOS)})
	})

	t.Run("unknown processor", func(t *testing.T) {
		b := newFakeBackend()
		b.proc = detect.Processor{Name: "ppc", Bits: 32}
		_, err := New(b)
		require.ErrorIs(t, err, ErrUnsupportedArchitecture)
	})
}

func TestHandleAddressAndAccessor(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())
	fc, err := e.Function(0x1004)
	require.NoError(t, err)

	native, err := As[*nativeFunc](fc.Function)
	require.NoError(t, err)
	assert.Equal(t, native.start, uint64(fc.Function.Address()))
	assert.Equal(t, "main", native.name)
	assert.Equal(t, uint32(0x4000), native.flags)

	_, err = As[*nativeBlock](fc.Function)
	require.ErrorIs(t, err, ErrAttributeNotFound)

	for bb := range e.BasicBlocks(fc) {
		nb, err := As[*nativeBlock](bb)
		require.NoError(t, err)
		assert.Equal(t, nb.start, uint64(bb.Address()))
		for insn := range e.Instructions(fc, bb) {
			a, err := As[uint64](insn)
			require.NoError(t, err)
			assert.Equal(t, a, uint64(insn.Address()))
		}
	}
}

func TestLookupErrors(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())

	_, err := e.Function(0x1018)
	require.ErrorIs(t, err, ErrFunctionNotFound)

	_, err = e.Function(0x9000)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestForeignHandles(t *testing.T) {
	e1 := newTestExtractor(t, newFakeBackend())
	e2 := newTestExtractor(t, newFakeBackend())

	fc, err := e1.Function(0x1000)
	require.NoError(t, err)
	_, err = e2.ExtractFunctionFeatures(fc)
	require.ErrorIs(t, err, ErrInvalidAddress)

	var bb *BasicBlock
	for b := range e1.BasicBlocks(fc) {
		bb = b
		break
	}
	require.NotNil(t, bb)

	other, err := e1.Function(0x1030)
	require.NoError(t, err)
	_, err = e1.ExtractBasicBlockFeatures(other, bb)
	require.ErrorIs(t, err, ErrInvalidAddress)

	raw := NewBasicBlock(nil, bb.Start, bb.End)
	_, err = e1.ExtractBasicBlockFeatures(fc, raw)
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = e1.ExtractInsnFeatures(fc, bb, NewInstruction(nil, bb.Start, 4))
	require.ErrorIs(t, err, ErrInvalidAddress)

	n := 0
	for range e2.BasicBlocks(fc) {
		n++
	}
	for range e1.Instructions(fc, raw) {
		n++
	}
	for range e1.BasicBlocks(FunctionContext{}) {
		n++
	}
	assert.Zero(t, n, "foreign handles must not be enumerated")
}

func TestWalk(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			b := newFakeBackend()
			b.concurrent = workers > 1
			b.funcs[3].fail = true
			e := newTestExtractor(t, b)

			res, err := Walk(context.Background(), e, WithConcurrency(workers))
			require.NoError(t, err)

			assert.True(t, res.File.Has(features.Import("kernel32.CreateFileA")))
			assert.True(t, res.File.Has(features.OS(features.OSWindows)))

			require.Len(t, res.Functions, 1)
			main := res.Functions[0x1000]
			require.NotNil(t, main)
			assert.Equal(t, "main", main.Name)
			assert.Len(t, main.BasicBlocks, 2)
			assert.Equal(t, []features.Address{0x1000, 0x1004, 0x1008, 0x100c}, main.Features.Addresses(features.Mnemonic("nop")))
			assert.Equal(t, []features.Address{0x1008}, main.BasicBlocks[0x1008].Addresses(features.BasicBlock()))

			require.Len(t, res.Errors, 1)
			assert.Error(t, res.Errors[0x1030])
		})
	}
}

func TestWalkCanceled(t *testing.T) {
	e := newTestExtractor(t, newFakeBackend())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Walk(ctx, e)
	require.ErrorIs(t, err, context.Canceled)
}
