package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/appsworld/machalyzer/pkg/trie"
	"github.com/appsworld/machalyzer/types"
)

// A Symbol is a decoded Mach-O symbol table entry.
type Symbol struct {
	Name  string
	Type  types.NType
	Sect  uint8
	Desc  uint16
	Value uint64
}

func (s Symbol) String() string {
	return fmt.Sprintf("%#016x %s", s.Value, s.Name)
}

func (f *File) parseSymtab(hdr *types.SymtabCmd, cmddat []byte, offset int64) (*Symtab, error) {
	bo := f.ByteOrder

	strtab := make([]byte, hdr.Strsize)
	if err := f.ReadAtOffset(strtab, int64(hdr.Stroff)); err != nil {
		return nil, fmt.Errorf("failed to read string table: %w", err)
	}

	var symsz int
	if f.Is64bit() {
		symsz = 16
	} else {
		symsz = 12
	}
	symdat := make([]byte, int(hdr.Nsyms)*symsz)
	if err := f.ReadAtOffset(symdat, int64(hdr.Symoff)); err != nil {
		return nil, fmt.Errorf("failed to read symbol table: %w", err)
	}

	symtab := make([]Symbol, hdr.Nsyms)
	b := bytes.NewReader(symdat)
	for i := range symtab {
		var n types.Nlist64
		if f.Is64bit() {
			if err := binary.Read(b, bo, &n); err != nil {
				return nil, fmt.Errorf("failed to read nlist_64: %v", err)
			}
		} else {
			var n32 types.Nlist32
			if err := binary.Read(b, bo, &n32); err != nil {
				return nil, fmt.Errorf("failed to read nlist: %v", err)
			}
			n.Name = n32.Name
			n.Type = n32.Type
			n.Sect = n32.Sect
			n.Desc = n32.Desc
			n.Value = uint64(n32.Value)
		}
		if n.Name >= uint32(len(strtab)) {
			return nil, &FormatError{offset, "invalid name index in symbol table", n.Name}
		}
		sym := &symtab[i]
		sym.Name = f.internString(cstring(strtab[n.Name:]))
		sym.Type = n.Type
		sym.Sect = n.Sect
		sym.Desc = n.Desc
		sym.Value = n.Value
	}

	st := new(Symtab)
	st.LoadBytes = LoadBytes(cmddat)
	st.SymtabCmd = *hdr
	st.Syms = symtab
	return st, nil
}

// Symbols returns every symbol table entry.
func (f *File) Symbols() []Symbol {
	if f.Symtab == nil {
		return nil
	}
	return f.Symtab.Syms
}

// ImportedSymbols returns the symbols the binary expects other
// libraries to satisfy at dynamic load time.
func (f *File) ImportedSymbols() ([]Symbol, error) {
	if f.Dysymtab == nil || f.Symtab == nil {
		return nil, &FormatError{0, "missing symbol table", nil}
	}
	st := f.Symtab
	dt := f.Dysymtab
	if uint64(dt.Iundefsym)+uint64(dt.Nundefsym) > uint64(len(st.Syms)) {
		return nil, &FormatError{0, "undefined symbol range out of bounds", dt.Iundefsym}
	}
	var all []Symbol
	all = append(all, st.Syms[dt.Iundefsym:dt.Iundefsym+dt.Nundefsym]...)
	return all, nil
}

// ImportedSymbolNames returns the names of all imported symbols.
func (f *File) ImportedSymbolNames() ([]string, error) {
	syms, err := f.ImportedSymbols()
	if err != nil {
		return nil, fmt.Errorf("failed to get imported symbols: %v", err)
	}
	var all []string
	for _, s := range syms {
		all = append(all, s.Name)
	}
	return all, nil
}

// ExportedSymbols returns the symbols the binary defines and makes
// visible to the dynamic linker: defined external symtab entries,
// merged with the dyld export trie when one is present.
func (f *File) ExportedSymbols() ([]Symbol, error) {
	var out []Symbol
	seen := make(map[string]bool)

	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Type.IsDebugSym() || !sym.Type.IsExternalSym() || sym.Type.IsUndefinedSym() {
				continue
			}
			out = append(out, sym)
			seen[sym.Name] = true
		}
	}

	entries, err := f.dyldExports()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if seen[e.Name] {
			continue
		}
		out = append(out, Symbol{
			Name:  f.internString(e.Name),
			Type:  types.N_SECT | types.N_EXT,
			Value: e.Address,
		})
	}

	return out, nil
}

func (f *File) dyldExports() ([]trie.Entry, error) {
	var off, size uint32
	if f.exportsTrie != nil && f.exportsTrie.Size > 0 {
		off, size = f.exportsTrie.Offset, f.exportsTrie.Size
	} else if f.dyldInfo != nil && f.dyldInfo.ExportSize > 0 {
		off, size = f.dyldInfo.ExportOff, f.dyldInfo.ExportSize
	} else {
		return nil, nil
	}

	dat := make([]byte, size)
	if err := f.ReadAtOffset(dat, int64(off)); err != nil {
		return nil, fmt.Errorf("failed to read export trie: %w", err)
	}

	var base uint64
	if text := f.Segment("__TEXT"); text != nil {
		base = text.Addr
	}
	return trie.Parse(dat, base)
}

// FindSymbolAddress returns the value of the named symbol.
func (f *File) FindSymbolAddress(symbol string) (uint64, error) {
	if f.Symtab == nil {
		return 0, &FormatError{0, "missing symbol table", nil}
	}
	for _, sym := range f.Symtab.Syms {
		if sym.Name == symbol {
			return sym.Value, nil
		}
	}
	return 0, fmt.Errorf("symbol %s not found in symtab", symbol)
}

// FindAddressSymbols returns every symbol whose value is the given
// address.
func (f *File) FindAddressSymbols(addr uint64) ([]Symbol, error) {
	if f.Symtab == nil {
		return nil, &FormatError{0, "missing symbol table", nil}
	}
	var syms []Symbol
	for _, sym := range f.Symtab.Syms {
		if sym.Value == addr && !sym.Type.IsDebugSym() {
			syms = append(syms, sym)
		}
	}
	if len(syms) == 0 {
		return nil, fmt.Errorf("no symbol found for address %#016x", addr)
	}
	return syms, nil
}
