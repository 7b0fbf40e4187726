package macho_test

import (
	"testing"

	macho "github.com/appsworld/machalyzer"
	"github.com/appsworld/machalyzer/internal/testbin"
	"github.com/appsworld/machalyzer/types"
)

const (
	stubsAddr = 0x100001100
	laPtrAddr = 0x100004000
)

// arm64Stub is the classic three-instruction lazy stub:
// adrp x16 / ldr x16 / br x16.
var arm64Stub = testbin.Word(0x90000010, 0xf9400210, 0xd61f0200)

// buildStubFixture produces a slice with one __stubs entry whose
// indirect table entry points at external symbol 3, "_objc_msgSend".
func buildStubFixture(t *testing.T, mutate func(*testbin.Builder)) *macho.File {
	t.Helper()
	b := testbin.New()
	b.AddSegment("__TEXT", textBase, 0x4000, 5)
	// bl 0x100001100 from 0x100001000: imm26 = 0x40.
	b.AddSection("__text", textAddr, types.S_REGULAR|types.S_ATTR_PURE_INSTRUCTIONS|types.S_ATTR_SOME_INSTRUCTIONS, 0, 0,
		testbin.Word(0x94000040, 0xd65f03c0))
	b.AddSection("__stubs", stubsAddr, types.S_SYMBOL_STUBS|types.S_ATTR_SOME_INSTRUCTIONS, 0, 12, arm64Stub)
	b.AddSegment("__DATA", dataBase, 0x1000, 3)
	b.AddSection("__la_symbol_ptr", laPtrAddr, types.S_LAZY_SYMBOL_POINTERS, 0, 0, make([]byte, 8))

	b.AddLocalSymbol("_local_a", 1, textAddr)
	b.AddLocalSymbol("_local_b", 1, textAddr+4)
	b.AddExternalSymbol("_main", 1, textAddr)
	b.AddUndefinedSymbol("_objc_msgSend", 1)
	b.SetIndirect(3)

	if mutate != nil {
		mutate(b)
	}
	img, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	return parseThin(t, img)
}

func TestSymbolStubs(t *testing.T) {
	f := buildStubFixture(t, nil)

	stubs := f.SymbolStubs()
	if len(stubs) != 1 {
		t.Fatalf("got %d stubs, want 1", len(stubs))
	}
	stub := stubs[0]
	if stub.Address != stubsAddr {
		t.Errorf("stub address = %#x, want %#x", stub.Address, uint64(stubsAddr))
	}
	if stub.Target != laPtrAddr {
		t.Errorf("stub target = %#x, want %#x", stub.Target, uint64(laPtrAddr))
	}
	if stub.Name != "_objc_msgSend" {
		t.Errorf("stub name = %q, want _objc_msgSend", stub.Name)
	}
}

func TestBoundSymbolPointers(t *testing.T) {
	f := buildStubFixture(t, nil)

	ptrs := f.BoundSymbolPointers()
	if name := ptrs[laPtrAddr]; name != "_objc_msgSend" {
		t.Errorf("pointer %#x resolves to %q, want _objc_msgSend", uint64(laPtrAddr), name)
	}
}

func TestStubSentinelSkipped(t *testing.T) {
	f := buildStubFixture(t, func(b *testbin.Builder) {
		b.SetIndirect(types.INDIRECT_SYMBOL_LOCAL)
	})

	stubs := f.SymbolStubs()
	if len(stubs) != 1 {
		t.Fatalf("got %d stubs, want 1", len(stubs))
	}
	if stubs[0].Name != "" {
		t.Errorf("sentinel stub resolved to %q, want empty", stubs[0].Name)
	}
}

func TestStubIndirectOutOfRange(t *testing.T) {
	f := buildStubFixture(t, func(b *testbin.Builder) {
		b.SetIndirect() // empty indirect table
	})

	stubs := f.SymbolStubs()
	if len(stubs) != 1 {
		t.Fatalf("got %d stubs, want 1", len(stubs))
	}
	if stubs[0].Name != "" {
		t.Errorf("unresolvable stub resolved to %q", stubs[0].Name)
	}

	var found bool
	for _, w := range f.Warnings() {
		if w.Kind == macho.WarnInconsistentSymbolTable {
			found = true
		}
	}
	if !found {
		t.Error("no InconsistentSymbolTable warning recorded")
	}
}

func TestZeroStubSizeFallback(t *testing.T) {
	b := testbin.New()
	b.AddSegment("__TEXT", textBase, 0x4000, 5)
	b.AddSection("__text", textAddr, types.S_REGULAR|types.S_ATTR_PURE_INSTRUCTIONS, 0, 0, retOnly)
	// reserved2 = 0: malformed; the resolver assumes 12-byte stubs.
	b.AddSection("__stubs", stubsAddr, types.S_SYMBOL_STUBS, 0, 0, arm64Stub)
	b.AddSegment("__DATA", dataBase, 0x1000, 3)
	b.AddSection("__la_symbol_ptr", laPtrAddr, types.S_LAZY_SYMBOL_POINTERS, 0, 0, make([]byte, 8))
	b.AddUndefinedSymbol("_objc_msgSend", 1)
	b.SetIndirect(0)
	img, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	f := parseThin(t, img)

	stubs := f.SymbolStubs()
	if len(stubs) != 1 {
		t.Fatalf("got %d stubs with zero reserved2, want 1", len(stubs))
	}
	if stubs[0].Name != "_objc_msgSend" {
		t.Errorf("stub name = %q", stubs[0].Name)
	}

	var warned bool
	for _, w := range f.Warnings() {
		if w.Kind == macho.WarnZeroStubSize {
			warned = true
		}
	}
	if !warned {
		t.Error("no ZeroStubSize warning recorded")
	}
}
