package analysis

import (
	"sort"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// A CallSite is one resolved call instruction. ClassName and Selector
// are filled for Objective-C dispatch when the dataflow recovered them.
type CallSite struct {
	Address   uint64 // the bl/blr instruction
	Target    uint64 // branch destination (0 for register calls)
	Symbol    string // resolved callee name, if any
	ClassName string
	Selector  string
}

// A StringXref is one recognized string-literal load: the source is
// the instruction that began materializing the address (the adrp of an
// adrp+add pair).
type StringXref struct {
	Source      uint64
	LiteralAddr uint64
	Literal     string
}

// An XRefIndex is the richer handle produced by Analyzer.ComputeXRefs.
// Queries that need the cross-reference pass live here, so they cannot
// be called before the pass has run.
type XRefIndex struct {
	a *Analyzer

	callers       map[uint64][]uint64
	objcCalls     []CallSite
	stringsByText map[string][]StringXref
	stringsByFunc map[uint64][]StringXref
}

// Fast-path objc entry points dispatch a fixed selector without
// loading a selref.
var objcFastPathSelectors = map[string]string{
	"_objc_alloc":                  "alloc",
	"_objc_alloc_init":             "init",
	"_objc_opt_alloc":              "alloc",
	"_objc_opt_new":                "new",
	"_objc_opt_class":              "class",
	"_objc_opt_self":               "self",
	"_objc_opt_isKindOfClass":      "isKindOfClass:",
	"_objc_opt_respondsToSelector": "respondsToSelector:",
}

func isObjcDispatch(symbol string) bool {
	switch symbol {
	case "_objc_msgSend", "_objc_msgSendSuper2":
		return true
	}
	_, fastPath := objcFastPathSelectors[symbol]
	return fastPath
}

// ComputeXRefs runs the cross-reference pass over every discovered
// function and returns the index. A function whose bytes fail to
// decode contributes nothing, including partial results; the rest of
// the binary is indexed normally.
func (a *Analyzer) ComputeXRefs() (*XRefIndex, error) {
	funcs, err := a.Functions()
	if err != nil {
		return nil, err
	}

	idx := &XRefIndex{
		a:             a,
		callers:       make(map[uint64][]uint64),
		stringsByText: make(map[string][]StringXref),
		stringsByFunc: make(map[uint64][]StringXref),
	}

	for _, entry := range funcs {
		fa, err := a.functionAt(entry)
		if err != nil {
			continue
		}
		idx.indexFunction(fa)
	}

	return idx, nil
}

// indexFunction walks each basic block once, maintaining a register
// file, and records branch targets, Objective-C call sites and string
// loads as they appear.
func (idx *XRefIndex) indexFunction(fa *FunctionAnalyzer) {
	a := idx.a
	entry := fa.entry

	for _, block := range fa.blocks {
		var regs regFile
		if block.Start == entry {
			regs = entryRegFile()
		}

		for _, instr := range fa.instructions {
			if instr.Address < block.Start || instr.Address >= block.End {
				continue
			}

			if t, ok := instr.BranchTarget(); ok {
				idx.callers[t] = append(idx.callers[t], instr.Address)
			}

			if instr.IsCall() {
				idx.recordCall(fa, instr, &regs)
			}

			before := regs
			a.apply(instr, &regs)
			idx.recordStringLoads(entry, instr, &before, &regs)
		}
	}

	for t := range idx.callers {
		sort.Slice(idx.callers[t], func(i, j int) bool { return idx.callers[t][i] < idx.callers[t][j] })
	}
}

// recordCall resolves a bl/blr callee and, for Objective-C dispatch,
// the class and selector registers.
func (idx *XRefIndex) recordCall(fa *FunctionAnalyzer, instr Instruction, regs *regFile) {
	a := idx.a

	site := CallSite{Address: instr.Address}
	switch instr.Inst.Op {
	case arm64asm.BL:
		t, ok := instr.BranchTarget()
		if !ok {
			return
		}
		site.Target = t
		site.Symbol, _ = a.SymbolNameForStub(t)
	case arm64asm.BLR:
		n, ok := xreg(instr.Inst.Args[0])
		if !ok {
			return
		}
		st := regs[n]
		if st.Type != MemoryAddress || st.Symbol == "" {
			return
		}
		site.Symbol = st.Symbol
	default:
		return
	}

	if !isObjcDispatch(site.Symbol) {
		return
	}

	// The receiver class comes from x0 through a classref; the
	// selector from x1 through a selref, except for fast paths which
	// imply their selector.
	x0 := regs[0]
	if x0.Type == MemoryAddress {
		if name, ok := a.classrefNames[x0.derefFrom]; ok {
			site.ClassName = name
		} else if name, ok := a.ClassNameForClassPointer(x0.Value); ok {
			site.ClassName = name
		}
	}

	if sel, ok := objcFastPathSelectors[site.Symbol]; ok {
		site.Selector = sel
	} else {
		x1 := regs[1]
		if x1.Type == MemoryAddress {
			if sel, ok := a.SelectorForSelref(x1.derefFrom); ok {
				site.Selector = sel.Name
			} else if x1.Literal != "" {
				site.Selector = x1.Literal
			}
		}
	}

	idx.objcCalls = append(idx.objcCalls, site)
}

// recordStringLoads records a string xref for every register newly
// holding a literal-bearing address.
func (idx *XRefIndex) recordStringLoads(entry uint64, instr Instruction, before, after *regFile) {
	for r := 0; r <= 30; r++ {
		st := after[r]
		if st.Type != MemoryAddress || st.Literal == "" {
			continue
		}
		prev := before[r]
		if prev.Type == st.Type && prev.Value == st.Value && prev.Literal == st.Literal {
			continue // unchanged
		}
		source := st.src
		if source == 0 {
			source = instr.Address
		}
		xref := StringXref{Source: source, LiteralAddr: st.Value, Literal: st.Literal}
		idx.stringsByText[st.Literal] = append(idx.stringsByText[st.Literal], xref)
		idx.stringsByFunc[entry] = append(idx.stringsByFunc[entry], xref)
	}
}

// CallersOf returns the call and branch sites targeting addr, sorted.
func (idx *XRefIndex) CallersOf(addr uint64) []uint64 {
	return idx.callers[addr]
}

// ObjcCalls returns every recognized Objective-C dispatch site.
func (idx *XRefIndex) ObjcCalls() []CallSite {
	return idx.objcCalls
}

// ObjcCallsTo returns the Objective-C dispatch sites matching any of
// the given class names and selector names. With requireBothFound a
// site must match one entry of each list; otherwise either match
// suffices.
func (idx *XRefIndex) ObjcCallsTo(classNames, selectorNames []string, requireBothFound bool) []CallSite {
	classSet := make(map[string]bool, len(classNames))
	for _, n := range classNames {
		classSet[n] = true
	}
	selSet := make(map[string]bool, len(selectorNames))
	for _, n := range selectorNames {
		selSet[n] = true
	}

	var out []CallSite
	for _, site := range idx.objcCalls {
		classHit := len(classSet) > 0 && classSet[site.ClassName]
		selHit := len(selSet) > 0 && selSet[site.Selector]
		if requireBothFound {
			if classHit && selHit {
				out = append(out, site)
			}
		} else if classHit || selHit {
			out = append(out, site)
		}
	}
	return out
}

// StringXrefsTo returns every load site of the exact literal.
func (idx *XRefIndex) StringXrefsTo(literal string) []StringXref {
	return idx.stringsByText[literal]
}

// StringsInFunc returns every string literal loaded inside the
// function at entry.
func (idx *XRefIndex) StringsInFunc(entry uint64) []StringXref {
	return idx.stringsByFunc[entry]
}

// A CStringLiteral is one NUL-terminated string in a string section.
type CStringLiteral struct {
	Address uint64
	Value   string
}

// CStrings returns every string literal in the slice's cstring
// sections, in address order.
func (a *Analyzer) CStrings() ([]CStringLiteral, error) {
	var out []CStringLiteral
	for _, sec := range a.f.Sections {
		if !sec.Flags.IsCstringLiterals() && !isStringSection(sec.Name) {
			continue
		}
		dat, err := sec.Data()
		if err != nil {
			return nil, err
		}
		start := 0
		for i, b := range dat {
			if b != 0 {
				continue
			}
			if i > start {
				out = append(out, CStringLiteral{
					Address: sec.Addr + uint64(start),
					Value:   strings.ToValidUTF8(string(dat[start:i]), "�"),
				})
			}
			start = i + 1
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
