package macho

import (
	"github.com/appsworld/machalyzer/types"
)

// A Stub is one trampoline in a symbol-stubs section, the bound
// pointer it jumps through, and the imported symbol it stands for.
// Name is empty when the indirect table entry is a LOCAL/ABS sentinel
// or could not be resolved.
type Stub struct {
	Address uint64 // address of the stub in __stubs
	Target  uint64 // bound pointer address in __la_symbol_ptr / __got, 0 if unknown
	Name    string
}

// arm64 stubs are historically 12 bytes; used when a malformed stub
// section reports an entry size of zero.
const defaultStubSize = 12

// SymbolStubs joins every S_SYMBOL_STUBS section with the indirect
// symbol table and the external symbol table, producing one Stub per
// trampoline. A stub that cannot be resolved is reported with an empty
// name and a warning; it never aborts resolution of the others.
func (f *File) SymbolStubs() []Stub {
	if f.Dysymtab == nil || f.Symtab == nil {
		return nil
	}

	// The k-th stub targets the k-th lazy bound pointer.
	var ptrSecs []*Section
	for _, sec := range f.Sections {
		if sec.Flags.IsLazySymbolPointers() {
			ptrSecs = append(ptrSecs, sec)
		}
	}
	for _, sec := range f.Sections {
		if sec.Flags.IsNonLazySymbolPointers() {
			ptrSecs = append(ptrSecs, sec)
		}
	}

	var stubs []Stub
	for _, sec := range f.Sections {
		if !sec.Flags.IsSymbolStubs() {
			continue
		}
		stride := uint64(sec.Reserved2)
		if stride == 0 {
			f.warnf(WarnZeroStubSize, sec.Addr, "section %s.%s; assuming %d-byte stubs", sec.Seg, sec.Name, defaultStubSize)
			stride = defaultStubSize
		}
		count := sec.Size / stride
		for k := uint64(0); k < count; k++ {
			stub := Stub{Address: sec.Addr + k*stride}
			if len(ptrSecs) > 0 {
				ptrSec := ptrSecs[0]
				if k < ptrSec.Size/f.pointerSize() {
					stub.Target = ptrSec.Addr + k*f.pointerSize()
				}
			}
			if name, ok := f.indirectSymbolName(sec, k, stub.Address); ok {
				stub.Name = name
			}
			stubs = append(stubs, stub)
		}
	}
	return stubs
}

// BoundSymbolPointers maps every lazy and non-lazy bound pointer
// address to the imported symbol name dyld will bind there, using the
// pointer sections' own indirect table runs.
func (f *File) BoundSymbolPointers() map[uint64]string {
	out := make(map[uint64]string)
	if f.Dysymtab == nil || f.Symtab == nil {
		return out
	}
	for _, sec := range f.Sections {
		if !sec.Flags.IsLazySymbolPointers() && !sec.Flags.IsNonLazySymbolPointers() {
			continue
		}
		count := sec.Size / f.pointerSize()
		for k := uint64(0); k < count; k++ {
			addr := sec.Addr + k*f.pointerSize()
			if name, ok := f.indirectSymbolName(sec, k, addr); ok {
				out[addr] = name
			}
		}
	}
	return out
}

// indirectSymbolName resolves entry k of sec's indirect-table run to
// an external symbol name. The bool result is false for sentinel
// entries and for out-of-range indexes (which also record a warning).
func (f *File) indirectSymbolName(sec *Section, k, entryAddr uint64) (string, bool) {
	idx := uint64(sec.Reserved1) + k
	if idx >= uint64(len(f.Dysymtab.IndirectSyms)) {
		f.warnf(WarnInconsistentSymbolTable, entryAddr,
			"indirect table index %d out of range for %s.%s entry %d", idx, sec.Seg, sec.Name, k)
		return "", false
	}
	symIdx := f.Dysymtab.IndirectSyms[idx]
	if symIdx&types.INDIRECT_SYMBOL_LOCAL != 0 || symIdx&types.INDIRECT_SYMBOL_ABS != 0 {
		return "", false
	}
	if uint64(symIdx) >= uint64(len(f.Symtab.Syms)) {
		f.warnf(WarnInconsistentSymbolTable, entryAddr,
			"symbol index %d out of range for %s.%s entry %d", symIdx, sec.Seg, sec.Name, k)
		return "", false
	}
	return f.Symtab.Syms[symIdx].Name, true
}
