package program

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"sync"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/blacktop/featx/internal/cfg"
	"github.com/blacktop/featx/internal/isa"
	"github.com/blacktop/featx/pkg/features"
	"github.com/blacktop/featx/pkg/symbols"
)

// DefaultLibraryPatterns match statically linked compiler and C runtime helpers.
var DefaultLibraryPatterns = []string{
	`^_?__security_check_cookie$`,
	`^_?__security_init_cookie$`,
	`^_?__stack_chk_fail$`,
	`^_?__libc_csu_(init|fini)$`,
	`^_?__x86\.get_pc_thunk\.`,
	`^_?_?__(do_global_dtors_aux|do_global_ctors_aux)$`,
	`^_?(deregister_tm_clones|register_tm_clones|frame_dummy)$`,
	`^_?__scrt_`,
	`^_?_?__chkstk(_darwin)?$`,
	`^_?__GSHandlerCheck`,
}

// Options tune the analysis.
type Options struct {
	// LibraryPatterns are regular expressions matched against function names
	// to flag statically linked library code.
	LibraryPatterns []string
	// DecodeCacheSize is the number of decoded instructions kept in memory.
	DecodeCacheSize int
	// MinStringLength is the shortest string reported.
	MinStringLength int
	// MaxFunctionInsns caps the instructions explored per function.
	MaxFunctionInsns int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		LibraryPatterns:  DefaultLibraryPatterns,
		DecodeCacheSize:  1 << 16,
		MinStringLength:  4,
		MaxFunctionInsns: 1 << 16,
	}
}

// Func is a recovered function.
type Func struct {
	Entry   uint64
	End     uint64 // end of the highest basic block
	Name    string
	Thunk   bool
	Library bool
	// API is the import a thunk forwards to.
	API *Import

	jump    uint64
	hasJump bool
	calls   []cfg.Call
}

func (f *Func) contains(addr uint64) bool {
	return f.Entry <= addr && addr < f.End
}

// Program is a loaded image with its recovered functions.
type Program struct {
	img       *Image
	dec       isa.Decoder
	cache     *lru.Cache[uint64, isa.Insn]
	opts      Options
	libraryRe []*regexp.Regexp

	starts  []uint64 // known function starts, sorted
	funcs   []*Func
	byEntry map[uint64]*Func
	calls   *cfg.CallGraph
	imports map[uint64]*Import
	names   map[uint64]string

	fileFeatures func() ([]features.Record, error)
}

// New analyzes img: it discovers functions from the image's symbols, entry
// point and exports, follows direct calls, and classifies thunks and library
// functions.
func New(img *Image, opts Options) (*Program, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.DecodeCacheSize <= 0 {
		opts.DecodeCacheSize = def.DecodeCacheSize
	}
	if opts.MinStringLength <= 0 {
		opts.MinStringLength = def.MinStringLength
	}
	if opts.MaxFunctionInsns <= 0 {
		opts.MaxFunctionInsns = def.MaxFunctionInsns
	}
	if opts.LibraryPatterns == nil {
		opts.LibraryPatterns = def.LibraryPatterns
	}

	dec, err := isa.New(img.Arch)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[uint64, isa.Insn](opts.DecodeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create decode cache: %w", err)
	}

	p := &Program{
		img:     img,
		dec:     dec,
		cache:   cache,
		opts:    opts,
		byEntry: make(map[uint64]*Func),
		imports: make(map[uint64]*Import),
		names:   make(map[uint64]string),
	}
	for _, pat := range opts.LibraryPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid library pattern %q: %w", pat, err)
		}
		p.libraryRe = append(p.libraryRe, re)
	}
	for i := range img.Imports {
		p.imports[img.Imports[i].Addr] = &img.Imports[i]
	}
	for _, syms := range [][]Symbol{img.Symbols, img.Exports, img.Functions} {
		for _, s := range syms {
			if s.Name != "" {
				p.names[s.Addr] = s.Name
			}
		}
	}

	p.discover()
	p.fileFeatures = sync.OnceValues(p.extractFileFeatures)

	log.WithFields(log.Fields{
		"functions": len(p.funcs),
		"imports":   len(p.imports),
	}).Debug("analyzed image")

	return p, nil
}

// Image returns the analyzed image.
func (p *Program) Image() *Image {
	return p.img
}

func (p *Program) seeds() []uint64 {
	var seeds []uint64
	for _, s := range p.img.Functions {
		if p.img.Executable(s.Addr) {
			seeds = append(seeds, s.Addr)
		}
	}
	if p.img.Entry != 0 && p.img.Executable(p.img.Entry) {
		seeds = append(seeds, p.img.Entry)
	}
	for _, s := range p.img.Exports {
		if p.img.Executable(s.Addr) {
			seeds = append(seeds, s.Addr)
		}
	}
	slices.Sort(seeds)
	return slices.Compact(seeds)
}

// bound returns the first address past entry that cannot belong to the
// function starting at entry.
func (p *Program) bound(entry uint64) uint64 {
	limit := ^uint64(0)
	i, found := slices.BinarySearch(p.starts, entry)
	if found {
		i++
	}
	if i < len(p.starts) {
		limit = p.starts[i]
	}
	for _, s := range p.img.Functions {
		if s.Addr == entry && s.Size > 0 {
			limit = min(limit, entry+s.Size)
		}
	}
	if sec, ok := p.img.section(entry); ok {
		limit = min(limit, sec.Addr+sec.Size)
	} else if seg, ok := p.img.segment(entry); ok {
		limit = min(limit, seg.Addr+seg.Size)
	}
	return limit
}

func (p *Program) recoverOptions(entry uint64) cfg.Options {
	limit := p.bound(entry)
	return cfg.Options{
		Within: func(addr uint64) bool {
			return entry <= addr && addr < limit && p.img.Executable(addr)
		},
		MaxInsns: p.opts.MaxFunctionInsns,
	}
}

// Recover rebuilds the control flow graph of the function at entry.
func (p *Program) Recover(entry uint64) (*cfg.Function, error) {
	return cfg.Recover(entry, p.Fetch, p.recoverOptions(entry))
}

// Fetch decodes the instruction at addr through the decode cache.
func (p *Program) Fetch(addr uint64) (isa.Insn, error) {
	if insn, ok := p.cache.Get(addr); ok {
		return insn, nil
	}
	if align := uint64(p.dec.Align()); addr%align != 0 {
		return isa.Insn{}, fmt.Errorf("%w: %#x is misaligned", isa.ErrUndecodable, addr)
	}
	if !p.img.Executable(addr) {
		return isa.Insn{}, fmt.Errorf("%w: %#x is not executable", isa.ErrUndecodable, addr)
	}
	code, err := p.img.Read(addr, 16)
	if err != nil {
		return isa.Insn{}, err
	}
	insn, err := p.dec.Decode(code, addr)
	if err != nil {
		return isa.Insn{}, err
	}
	p.cache.Add(addr, insn)
	return insn, nil
}

func (p *Program) discover() {
	p.starts = p.seeds()

	funcs, calls := cfg.Discover(p.starts, p.Recover, p.img.Executable)
	p.calls = calls

	for entry, fn := range funcs {
		f := &Func{
			Entry: entry,
			End:   entry,
			Name:  p.names[entry],
			calls: fn.Calls,
		}
		for _, b := range fn.Blocks {
			f.End = max(f.End, b.End)
		}
		p.classify(f, fn)
		p.funcs = append(p.funcs, f)
		p.byEntry[entry] = f
	}
	slices.SortFunc(p.funcs, func(a, b *Func) int { return cmp.Compare(a.Entry, b.Entry) })

	// thunks forwarding to thunks
	for range 4 {
		for _, f := range p.funcs {
			if f.Thunk && f.API == nil && f.hasJump {
				if next, ok := p.byEntry[f.jump]; ok && next.Thunk && next.API != nil {
					f.API = next.API
				}
			}
		}
	}
	for _, f := range p.funcs {
		if f.Thunk && f.Name == "" && f.API != nil {
			f.Name = symbols.PrefixJump + f.API.Name
		}
		if !f.Library && f.Name != "" {
			f.Library = p.isLibrary(f.Name)
		}
	}
}

func (p *Program) classify(f *Func, fn *cfg.Function) {
	if imp, ok := p.imports[f.Entry]; ok {
		f.Thunk = true
		f.API = imp
	}
	if sec, ok := p.img.section(f.Entry); ok && sec.Stubs {
		f.Thunk = true
	}
	if len(fn.Blocks) == 1 && len(fn.Blocks[0].Insns) == 1 && fn.Blocks[0].Last().Flow == isa.FlowJump {
		f.Thunk = true
	}
	if !f.Thunk {
		return
	}
	for _, b := range fn.Blocks {
		for _, insn := range b.Insns {
			// arm64 stubs load the slot with adrp+ldr and branch through a register
			if ref, ok := dataRef(b, insn); ok && f.API == nil {
				f.API = p.imports[ref]
			}
			if insn.Flow != isa.FlowJump {
				continue
			}
			if f.API == nil {
				f.API = p.resolveImport(insn)
			}
			if insn.HasTarget {
				f.jump, f.hasJump = insn.Target, true
			}
			return
		}
	}
}

func (p *Program) isLibrary(name string) bool {
	core, _ := symbols.StripPrefixes(name)
	for _, re := range p.libraryRe {
		if re.MatchString(core) {
			return true
		}
	}
	return false
}

// resolveImport returns the import reached by a call or jump, directly
// through its slot or stub, or through a thunk.
func (p *Program) resolveImport(insn isa.Insn) *Import {
	if insn.HasSlot {
		if imp, ok := p.imports[insn.Slot]; ok {
			return imp
		}
	}
	if insn.HasTarget {
		if imp, ok := p.imports[insn.Target]; ok {
			return imp
		}
		if f, ok := p.byEntry[insn.Target]; ok && f.Thunk && f.API != nil {
			return f.API
		}
	}
	return nil
}

func (p *Program) functionAt(addr uint64) (*Func, bool) {
	if f, ok := p.byEntry[addr]; ok {
		return f, true
	}
	i, _ := slices.BinarySearchFunc(p.funcs, addr, func(f *Func, a uint64) int { return cmp.Compare(f.Entry, a) })
	// innermost function starting at or before addr
	for j := i - 1; j >= 0; j-- {
		if p.funcs[j].contains(addr) {
			return p.funcs[j], true
		}
	}
	return nil, false
}
