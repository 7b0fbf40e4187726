package analysis

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	macho "github.com/appsworld/machalyzer"
	"github.com/appsworld/machalyzer/types/objc"
)

// An Analyzer is a lazily populated derived view of one parsed ARM64
// slice. It caches the symbol-resolution maps, the Objective-C runtime
// model and per-function analyses. It never mutates the parsed binary
// and may be discarded and rebuilt at any time. A single Analyzer is
// owned by one goroutine at a time.
type Analyzer struct {
	f *macho.File

	symbolsBuilt bool
	stubNames    map[uint64]string // stub address → imported symbol name
	ptrNames     map[uint64]string // bound pointer address → imported symbol name
	namePtrs     map[string]uint64 // imported symbol name → bound pointer address

	exportedBuilt bool
	exportedPtrs  map[string]uint64

	objcBuilt      bool
	classes        []*objc.Class
	classByPtr     map[uint64]*objc.Class
	selrefs        map[uint64]objc.Selector
	classrefs      map[uint64]uint64 // classref slot → class pointer (0 when dyld-bound)
	classrefNames  map[uint64]string // classref slot → class name
	classrefByName map[string]uint64

	funcsBuilt bool
	funcs      map[uint64]*FunctionAnalyzer
	funcList   []uint64
	invalid    map[uint64]error

	warnings []macho.Warning
}

// NewAnalyzer attaches an analyzer to a parsed slice. Only ARM64
// slices can be analyzed; other architectures parse for metadata but
// have no analyzer.
func NewAnalyzer(f *macho.File) (*Analyzer, error) {
	if !f.CPU.IsArm64() {
		return nil, fmt.Errorf("analysis supports ARM64 slices only, got %s", f.CPU)
	}
	return &Analyzer{
		f:       f,
		funcs:   make(map[uint64]*FunctionAnalyzer),
		invalid: make(map[uint64]error),
	}, nil
}

// File returns the parsed slice the analyzer was built from.
func (a *Analyzer) File() *macho.File { return a.f }

// Warnings returns the non-fatal defects recorded during analysis.
func (a *Analyzer) Warnings() []macho.Warning { return a.warnings }

func (a *Analyzer) warnf(kind macho.WarningKind, addr uint64, format string, args ...interface{}) {
	a.warnings = append(a.warnings, macho.Warning{Kind: kind, Addr: addr, Detail: fmt.Sprintf(format, args...)})
}

// buildSymbolMaps runs the stub/pointer/indirect-table join and
// reconciles it with the dyld bind stream. The table join is
// authoritative; a bind entry that disagrees records a warning.
func (a *Analyzer) buildSymbolMaps() {
	if a.symbolsBuilt {
		return
	}
	a.symbolsBuilt = true
	a.stubNames = make(map[uint64]string)
	a.ptrNames = a.f.BoundSymbolPointers()
	a.namePtrs = make(map[string]uint64)

	stubs := a.f.SymbolStubs()

	if binds, err := a.f.DyldBinds(); err == nil {
		for _, b := range binds {
			if existing, ok := a.ptrNames[b.Address]; ok {
				if existing != b.Name {
					a.warnf(macho.WarnBindMismatch, b.Address,
						"indirect table says %s, bind stream says %s", existing, b.Name)
				}
				continue
			}
			a.ptrNames[b.Address] = b.Name
		}
	}

	for addr, name := range a.ptrNames {
		if _, ok := a.namePtrs[name]; !ok {
			a.namePtrs[name] = addr
		}
	}

	for _, stub := range stubs {
		name := stub.Name
		if name == "" && stub.Target != 0 {
			// The table join produced a sentinel; fall back to the
			// bind stream's name for the bound pointer.
			name = a.ptrNames[stub.Target]
		}
		if name == "" {
			continue
		}
		a.stubNames[stub.Address] = name
	}
}

// ImportedSymbolNamesToPointers maps each imported symbol name to the
// bound pointer dyld rewrites at load time.
func (a *Analyzer) ImportedSymbolNamesToPointers() map[string]uint64 {
	a.buildSymbolMaps()
	return a.namePtrs
}

// ImportedSymbolsToSymbolNames maps each bound pointer address to the
// imported symbol name bound there.
func (a *Analyzer) ImportedSymbolsToSymbolNames() map[uint64]string {
	a.buildSymbolMaps()
	return a.ptrNames
}

// StubsToSymbolNames maps each __stubs trampoline address to the
// imported symbol it calls.
func (a *Analyzer) StubsToSymbolNames() map[uint64]string {
	a.buildSymbolMaps()
	return a.stubNames
}

// SymbolNameForStub resolves a branch destination inside a stubs
// section to the imported symbol name.
func (a *Analyzer) SymbolNameForStub(addr uint64) (string, bool) {
	a.buildSymbolMaps()
	name, ok := a.stubNames[addr]
	return name, ok
}

// ExportedSymbolNamesToPointers maps each exported symbol name to its
// address.
func (a *Analyzer) ExportedSymbolNamesToPointers() (map[string]uint64, error) {
	if !a.exportedBuilt {
		syms, err := a.f.ExportedSymbols()
		if err != nil {
			return nil, err
		}
		a.exportedPtrs = make(map[string]uint64, len(syms))
		for _, sym := range syms {
			a.exportedPtrs[sym.Name] = sym.Value
		}
		a.exportedBuilt = true
	}
	return a.exportedPtrs, nil
}

// buildObjC parses the Objective-C runtime model once.
func (a *Analyzer) buildObjC() error {
	if a.objcBuilt {
		return nil
	}

	a.classByPtr = make(map[uint64]*objc.Class)
	a.classrefNames = make(map[uint64]string)
	a.classrefByName = make(map[string]uint64)
	a.selrefs = make(map[uint64]objc.Selector)
	a.classrefs = make(map[uint64]uint64)

	if !a.f.HasObjC() {
		a.objcBuilt = true
		return nil
	}

	classes, err := a.f.GetObjCClasses()
	if err != nil {
		return fmt.Errorf("failed to parse objc classes: %v", err)
	}
	a.classes = classes
	for _, c := range classes {
		a.classByPtr[c.ClassPtr] = c
	}

	selrefs, err := a.f.GetObjCSelectorReferences()
	if err != nil {
		return fmt.Errorf("failed to parse selrefs: %v", err)
	}
	a.selrefs = selrefs

	classrefs, err := a.f.GetObjCClassReferences()
	if err != nil {
		return fmt.Errorf("failed to parse classrefs: %v", err)
	}
	a.classrefs = classrefs

	a.buildSymbolMaps()
	for slot, ptr := range classrefs {
		var name string
		if c, ok := a.classByPtr[ptr]; ok {
			name = c.Name
		} else if bound, ok := a.ptrNames[slot]; ok {
			// Externally defined class: dyld binds the classref slot.
			name = strings.TrimPrefix(bound, "_OBJC_CLASS_$_")
		}
		if name == "" {
			continue
		}
		a.classrefNames[slot] = name
		// The classref section entry, never a same-named dyld-bound
		// pointer elsewhere.
		if _, ok := a.classrefByName[name]; !ok {
			a.classrefByName[name] = slot
		}
	}

	a.objcBuilt = true
	return nil
}

// ObjCClasses returns the parsed Objective-C classes.
func (a *Analyzer) ObjCClasses() ([]*objc.Class, error) {
	if err := a.buildObjC(); err != nil {
		return nil, err
	}
	return a.classes, nil
}

// ClassNameForClassPointer resolves a class object address to its name.
func (a *Analyzer) ClassNameForClassPointer(ptr uint64) (string, bool) {
	if err := a.buildObjC(); err != nil {
		return "", false
	}
	c, ok := a.classByPtr[ptr]
	if !ok {
		return "", false
	}
	return c.Name, true
}

// ClassrefForClassName returns the __objc_classrefs entry for the
// named class.
func (a *Analyzer) ClassrefForClassName(name string) (uint64, bool) {
	if err := a.buildObjC(); err != nil {
		return 0, false
	}
	slot, ok := a.classrefByName[name]
	return slot, ok
}

// SelectorForSelref resolves a selref slot address to its selector.
func (a *Analyzer) SelectorForSelref(addr uint64) (*objc.Selector, bool) {
	if err := a.buildObjC(); err != nil {
		return nil, false
	}
	sel, ok := a.selrefs[addr]
	if !ok {
		return nil, false
	}
	return &sel, true
}

// ImpsForSelector returns the implementation addresses of every method
// with the given selector name, across all classes and categories.
func (a *Analyzer) ImpsForSelector(selector string) []uint64 {
	if err := a.buildObjC(); err != nil {
		return nil
	}
	var imps []uint64
	for _, c := range a.classes {
		for _, m := range c.InstanceMethods {
			if m.Name == selector {
				imps = append(imps, m.ImpVMAddr)
			}
		}
		for _, m := range c.ClassMethods {
			if m.Name == selector {
				imps = append(imps, m.ImpVMAddr)
			}
		}
	}
	if cats, err := a.f.GetObjCCategories(); err == nil {
		for _, cat := range cats {
			for _, m := range cat.InstanceMethods {
				if m.Name == selector {
					imps = append(imps, m.ImpVMAddr)
				}
			}
			for _, m := range cat.ClassMethods {
				if m.Name == selector {
					imps = append(imps, m.ImpVMAddr)
				}
			}
		}
	}
	sort.Slice(imps, func(i, j int) bool { return imps[i] < imps[j] })
	return imps
}

// Functions discovers function entry points and returns them sorted.
// Candidates come from Objective-C method implementations, exported
// symbols inside executable sections, the LC_MAIN entry point, and
// call destinations found while analyzing other functions. Functions
// whose bytes fail to decode are excluded; their errors are available
// from InvalidFunctions.
func (a *Analyzer) Functions() ([]uint64, error) {
	if err := a.discoverFunctions(); err != nil {
		return nil, err
	}
	return a.funcList, nil
}

// InvalidFunctions maps abandoned entry points to the decode error
// that disqualified them.
func (a *Analyzer) InvalidFunctions() map[uint64]error {
	a.discoverFunctions()
	return a.invalid
}

func (a *Analyzer) discoverFunctions() error {
	if a.funcsBuilt {
		return nil
	}
	a.funcsBuilt = true

	seen := make(map[uint64]bool)
	var queue []uint64
	push := func(addr uint64) {
		if addr == 0 || seen[addr] || !a.inExecutableSection(addr) {
			return
		}
		seen[addr] = true
		queue = append(queue, addr)
	}

	if err := a.buildObjC(); err != nil {
		return err
	}
	for _, c := range a.classes {
		for _, m := range c.InstanceMethods {
			push(m.ImpVMAddr)
		}
		for _, m := range c.ClassMethods {
			push(m.ImpVMAddr)
		}
	}
	if cats, err := a.f.GetObjCCategories(); err == nil {
		for _, cat := range cats {
			for _, m := range cat.InstanceMethods {
				push(m.ImpVMAddr)
			}
			for _, m := range cat.ClassMethods {
				push(m.ImpVMAddr)
			}
		}
	}

	if exported, err := a.ExportedSymbolNamesToPointers(); err == nil {
		for _, addr := range exported {
			push(addr)
		}
	}
	push(a.f.EntryPoint())

	for len(queue) > 0 {
		entry := queue[0]
		queue = queue[1:]

		fa, err := a.functionAt(entry)
		if err != nil {
			a.invalid[entry] = err
			continue
		}
		// Call destinations feed further discovery.
		for _, instr := range fa.instructions {
			if instr.Inst.Op == arm64asm.BL {
				if t, ok := instr.BranchTarget(); ok {
					push(t)
				}
			}
		}
	}

	a.funcList = a.funcList[:0]
	for entry := range a.funcs {
		a.funcList = append(a.funcList, entry)
	}
	sort.Slice(a.funcList, func(i, j int) bool { return a.funcList[i] < a.funcList[j] })
	return nil
}

// FunctionAnalyzer returns the per-function analysis for the function
// at the given entry point, building it on first use.
func (a *Analyzer) FunctionAnalyzer(entry uint64) (*FunctionAnalyzer, error) {
	return a.functionAt(entry)
}

func (a *Analyzer) inExecutableSection(addr uint64) bool {
	sec := a.f.FindSectionForVMAddr(addr)
	if sec == nil {
		return false
	}
	return sec.Flags.HasInstructions()
}
