package analysis_test

import (
	"bytes"
	"errors"
	"testing"

	macho "github.com/appsworld/machalyzer"
	"github.com/appsworld/machalyzer/analysis"
	"github.com/appsworld/machalyzer/internal/testbin"
	"github.com/appsworld/machalyzer/types"
	"github.com/appsworld/machalyzer/types/objc"
	"github.com/google/go-cmp/cmp"
)

const (
	textBase  = 0x100000000
	textAddr  = 0x100001000
	stubsAddr = 0x100001100
	dataBase  = 0x100004000

	methnameAddr  = 0x100002000
	methtypesAddr = 0x10000200c
	classnameAddr = 0x100002100
	cstringAddr   = 0x100002c00

	objcConstAddr = dataBase
	roClsAddr     = objcConstAddr
	roMetaAddr    = objcConstAddr + 0x48
	clsAddr       = objcConstAddr + 0x90
	metaAddr      = objcConstAddr + 0xb8
	mlAddr        = objcConstAddr + 0xe0

	selrefAddr    = 0x100004400
	classlistAddr = 0x100004500
	classrefAddr  = 0x100004600
	laPtrAddr     = 0x100004700
)

// Instruction words used by the fixtures.
const (
	insRet     = 0xd65f03c0
	insNop     = 0xd503201f
	insCmpX0X1 = 0xeb01001f
	insMovX0_3 = 0xd2800060 // mov x0, #3
	insMovX0_5 = 0xd28000a0 // mov x0, #5
)

var arm64Stub = testbin.Word(0x90000010, 0xf9400210, 0xd61f0200)

func objcConstData() []byte {
	roCls := objc.ClassRO64{
		InstanceStart:     8,
		InstanceSize:      8,
		NameVMAddr:        classnameAddr,
		BaseMethodsVMAddr: mlAddr,
	}
	roMeta := objc.ClassRO64{Flags: objc.RO_META, NameVMAddr: classnameAddr}
	cls := objc.ObjcClass64{IsaVMAddr: metaAddr, DataVMAddrAndFastFlags: roClsAddr}
	meta := objc.ObjcClass64{DataVMAddrAndFastFlags: roMetaAddr}
	ml := testbin.Cat(
		testbin.Struct(objc.MethodList{EntSizeAndFlags: 24, Count: 1}),
		testbin.Struct(objc.MethodT{
			NameVMAddr:  methnameAddr,
			TypesVMAddr: methtypesAddr,
			ImpVMAddr:   textAddr,
		}),
	)
	return testbin.Cat(
		testbin.Struct(roCls), testbin.Struct(roMeta),
		testbin.Struct(cls), testbin.Struct(meta), ml,
	)
}

// buildFixture assembles an analyzable slice: code, a stub for
// _objc_msgSend, and a one-class Objective-C model.
func buildFixture(t *testing.T, code []uint32, mutate func(*testbin.Builder)) *analysis.Analyzer {
	t.Helper()
	b := testbin.New()
	b.AddSegment("__TEXT", textBase, 0x4000, 5)
	b.AddSection("__text", textAddr, types.S_REGULAR|types.S_ATTR_PURE_INSTRUCTIONS|types.S_ATTR_SOME_INSTRUCTIONS, 0, 0, testbin.Word(code...))
	b.AddSection("__stubs", stubsAddr, types.S_SYMBOL_STUBS|types.S_ATTR_SOME_INSTRUCTIONS, 0, 12, arm64Stub)
	b.AddSection("__objc_methname", methnameAddr, types.S_CSTRING_LITERALS, 0, 0, []byte("viewDidLoad\x00v16@0:8\x00"))
	b.AddSection("__objc_classname", classnameAddr, types.S_CSTRING_LITERALS, 0, 0, []byte("MyController\x00"))
	b.AddSection("__cstring", cstringAddr, types.S_CSTRING_LITERALS, 0, 0, []byte("Reachable via WiFi\x00"))
	b.AddSegment("__DATA", dataBase, 0x1000, 3)
	b.AddSection("__objc_const", objcConstAddr, types.S_REGULAR, 0, 0, objcConstData())
	b.AddSection("__objc_selrefs", selrefAddr, types.S_LITERAL_POINTERS, 0, 0, testbin.Struct(uint64(methnameAddr)))
	b.AddSection("__objc_classlist", classlistAddr, types.S_REGULAR, 0, 0, testbin.Struct(uint64(clsAddr)))
	b.AddSection("__objc_classrefs", classrefAddr, types.S_REGULAR, 0, 0, testbin.Struct(uint64(clsAddr)))
	b.AddSection("__la_symbol_ptr", laPtrAddr, types.S_LAZY_SYMBOL_POINTERS, 0, 0, make([]byte, 8))

	b.AddExternalSymbol("_main", 1, textAddr)
	b.AddUndefinedSymbol("_objc_msgSend", 1)
	b.SetIndirect(1)

	if mutate != nil {
		mutate(b)
	}
	img, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	ff, err := macho.Parse(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a, err := analysis.NewAnalyzer(ff.Slices()[0])
	if err != nil {
		t.Fatalf("NewAnalyzer: %v", err)
	}
	return a
}

func TestAnalyzerRejectsNonArm64(t *testing.T) {
	b := testbin.New().SetCPU(types.CPUArm, types.CPUSubtypeArmV7)
	b.AddSegment("__TEXT", textBase, 0x4000, 5)
	b.AddSection("__text", textAddr, types.S_REGULAR|types.S_ATTR_PURE_INSTRUCTIONS, 0, 0, testbin.Word(insRet))
	img, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	ff, err := macho.Parse(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := analysis.NewAnalyzer(ff.Slices()[0]); err == nil {
		t.Error("NewAnalyzer accepted an ARMv7 slice")
	}
}

func TestStubResolution(t *testing.T) {
	// bl 0x100001100; ret
	a := buildFixture(t, []uint32{0x94000040, insRet}, nil)

	ptrs := a.ImportedSymbolNamesToPointers()
	if got := ptrs["_objc_msgSend"]; got != laPtrAddr {
		t.Errorf("names->pointers[_objc_msgSend] = %#x, want %#x", got, uint64(laPtrAddr))
	}

	names := a.ImportedSymbolsToSymbolNames()
	if got := names[laPtrAddr]; got != "_objc_msgSend" {
		t.Errorf("pointers->names[%#x] = %q, want _objc_msgSend", uint64(laPtrAddr), got)
	}

	if name, ok := a.SymbolNameForStub(stubsAddr); !ok || name != "_objc_msgSend" {
		t.Errorf("SymbolNameForStub(%#x) = %q, %t", uint64(stubsAddr), name, ok)
	}
}

func TestCachedAccessorsAreIdempotent(t *testing.T) {
	a := buildFixture(t, []uint32{0x94000040, insRet}, nil)

	first := a.ImportedSymbolNamesToPointers()
	second := a.ImportedSymbolNamesToPointers()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("ImportedSymbolNamesToPointers not stable:\n%s", diff)
	}

	f1, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions: %v", err)
	}
	f2, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions: %v", err)
	}
	if diff := cmp.Diff(f1, f2); diff != "" {
		t.Errorf("Functions not stable:\n%s", diff)
	}
}

func TestBasicBlockPartition(t *testing.T) {
	// cmp x0, x1 / b.eq +12 / mov x0, #3 / ret / mov x0, #5 / ret
	a := buildFixture(t, []uint32{
		insCmpX0X1,
		0x54000060, // b.eq 0x100001010
		insMovX0_3,
		insRet,
		insMovX0_5,
		insRet,
	}, nil)

	fa, err := a.FunctionAnalyzer(textAddr)
	if err != nil {
		t.Fatalf("FunctionAnalyzer: %v", err)
	}
	if fa.End() != textAddr+24 {
		t.Errorf("function end = %#x, want %#x", fa.End(), uint64(textAddr)+24)
	}

	want := []analysis.BasicBlock{
		{Start: textAddr, End: textAddr + 8},
		{Start: textAddr + 8, End: textAddr + 16},
		{Start: textAddr + 16, End: textAddr + 24},
	}
	if diff := cmp.Diff(want, fa.BasicBlocks()); diff != "" {
		t.Errorf("basic blocks mismatch (-want +got):\n%s", diff)
	}

	// The partition is total and disjoint.
	blocks := fa.BasicBlocks()
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Start != blocks[i-1].End {
			t.Errorf("gap or overlap between %v and %v", blocks[i-1], blocks[i])
		}
	}
	if blocks[0].Start != fa.Entry() || blocks[len(blocks)-1].End != fa.End() {
		t.Errorf("partition does not cover [%#x, %#x)", fa.Entry(), fa.End())
	}
}

func TestRegisterContents(t *testing.T) {
	a := buildFixture(t, []uint32{
		insCmpX0X1,
		0x54000060, // b.eq +12
		insMovX0_3,
		insRet,
		insMovX0_5,
		insRet,
	}, nil)

	fa, err := a.FunctionAnalyzer(textAddr)
	if err != nil {
		t.Fatalf("FunctionAnalyzer: %v", err)
	}

	// At the entry instruction, x0..x7 still hold the arguments.
	entry, _ := fa.InstructionAt(textAddr)
	rc := fa.GetRegisterContentsAtInstruction(0, entry)
	if rc.Type != analysis.FunctionArgument || rc.ArgIndex != 0 {
		t.Errorf("x0 at entry = %+v, want argument 0", rc)
	}
	rc = fa.GetRegisterContentsAtInstruction(5, entry)
	if rc.Type != analysis.FunctionArgument || rc.ArgIndex != 5 {
		t.Errorf("x5 at entry = %+v, want argument 5", rc)
	}

	// At the first ret, x0 was just set to 3.
	ret1, _ := fa.InstructionAt(textAddr + 12)
	rc = fa.GetRegisterContentsAtInstruction(0, ret1)
	if rc.Type != analysis.Immediate || rc.Value != 3 {
		t.Errorf("x0 at first ret = %+v, want immediate 3", rc)
	}

	// At the second ret, in a different block, x0 is 5.
	ret2, _ := fa.InstructionAt(textAddr + 20)
	rc = fa.GetRegisterContentsAtInstruction(0, ret2)
	if rc.Type != analysis.Immediate || rc.Value != 5 {
		t.Errorf("x0 at second ret = %+v, want immediate 5", rc)
	}

	// Non-entry blocks start unknown: x1 was never written there.
	rc = fa.GetRegisterContentsAtInstruction(1, ret2)
	if rc.Type != analysis.Unknown {
		t.Errorf("x1 at second ret = %+v, want unknown", rc)
	}

	// Determinism.
	again := fa.GetRegisterContentsAtInstruction(0, ret2)
	if diff := cmp.Diff(fa.GetRegisterContentsAtInstruction(0, ret2), again); diff != "" {
		t.Errorf("register contents not deterministic:\n%s", diff)
	}
}

func TestStringXref(t *testing.T) {
	// adrp x2, +0x1000 / add x2, x2, #0xc00 / ret
	a := buildFixture(t, []uint32{
		0xb0000002,
		0x91300042,
		insRet,
	}, nil)

	idx, err := a.ComputeXRefs()
	if err != nil {
		t.Fatalf("ComputeXRefs: %v", err)
	}

	xrefs := idx.StringXrefsTo("Reachable via WiFi")
	if len(xrefs) == 0 {
		t.Fatal("no xrefs for literal")
	}
	got := xrefs[0]
	if got.Source != textAddr {
		t.Errorf("xref source = %#x, want the adrp at %#x", got.Source, uint64(textAddr))
	}
	if got.LiteralAddr != cstringAddr {
		t.Errorf("xref literal addr = %#x, want %#x", got.LiteralAddr, uint64(cstringAddr))
	}

	inFunc := idx.StringsInFunc(textAddr)
	if len(inFunc) == 0 || inFunc[0].Literal != "Reachable via WiFi" {
		t.Errorf("StringsInFunc = %v", inFunc)
	}
}

func TestObjcCallSite(t *testing.T) {
	// adrp x0, +0x3000 / ldr x0, [x0, #0x600]  (classref)
	// adrp x1, +0x3000 / ldr x1, [x1, #0x400]  (selref)
	// bl 0x100001100 (_objc_msgSend stub) / ret
	a := buildFixture(t, []uint32{
		0xf0000000,
		0xf9430000,
		0xf0000001,
		0xf9420021,
		0x9400003c,
		insRet,
	}, nil)

	idx, err := a.ComputeXRefs()
	if err != nil {
		t.Fatalf("ComputeXRefs: %v", err)
	}

	sites := idx.ObjcCallsTo([]string{"MyController"}, []string{"viewDidLoad"}, true)
	if len(sites) != 1 {
		t.Fatalf("ObjcCallsTo found %d sites, want 1: %v", len(sites), idx.ObjcCalls())
	}
	site := sites[0]
	if site.Address != textAddr+16 {
		t.Errorf("call site = %#x, want %#x", site.Address, uint64(textAddr)+16)
	}
	if site.Symbol != "_objc_msgSend" {
		t.Errorf("call symbol = %q", site.Symbol)
	}

	// Either-match mode.
	either := idx.ObjcCallsTo([]string{"MyController"}, nil, false)
	if len(either) != 1 {
		t.Errorf("ObjcCallsTo(class only) found %d sites, want 1", len(either))
	}

	// The call site is indexed as a caller of the stub.
	callers := idx.CallersOf(stubsAddr)
	if len(callers) != 1 || callers[0] != textAddr+16 {
		t.Errorf("CallersOf(stub) = %v", callers)
	}
}

func TestClassrefLookupPrefersClassrefSection(t *testing.T) {
	a := buildFixture(t, []uint32{insRet}, nil)

	slot, ok := a.ClassrefForClassName("MyController")
	if !ok {
		t.Fatal("ClassrefForClassName(MyController) not found")
	}
	if slot != classrefAddr {
		t.Errorf("classref = %#x, want the __objc_classrefs entry %#x", slot, uint64(classrefAddr))
	}

	if name, ok := a.ClassNameForClassPointer(clsAddr); !ok || name != "MyController" {
		t.Errorf("ClassNameForClassPointer = %q, %t", name, ok)
	}

	sel, ok := a.SelectorForSelref(selrefAddr)
	if !ok || sel.Name != "viewDidLoad" {
		t.Errorf("SelectorForSelref = %v, %t", sel, ok)
	}

	imps := a.ImpsForSelector("viewDidLoad")
	if len(imps) != 1 || imps[0] != textAddr {
		t.Errorf("ImpsForSelector = %v", imps)
	}
}

func TestInvalidBytecodeDropsFunction(t *testing.T) {
	badAddr := uint64(textAddr)
	goodAddr := uint64(textAddr + 0x20)

	a := buildFixture(t, []uint32{
		insNop,
		insNop,
		0xffffffff, // undecodable
		insRet,
		insNop, insNop, insNop, insNop, // padding to 0x100001020
		insMovX0_3,
		insRet,
	}, func(b *testbin.Builder) {
		b.AddExternalSymbol("_good", 1, textAddr+0x20)
	})

	if _, err := a.FunctionAnalyzer(badAddr); !errors.Is(err, analysis.ErrInvalidBytecode) {
		t.Errorf("FunctionAnalyzer(bad) = %v, want ErrInvalidBytecode", err)
	}

	funcs, err := a.Functions()
	if err != nil {
		t.Fatalf("Functions: %v", err)
	}
	var hasBad, hasGood bool
	for _, f := range funcs {
		if f == badAddr {
			hasBad = true
		}
		if f == goodAddr {
			hasGood = true
		}
	}
	if hasBad {
		t.Error("invalid function still listed in Functions()")
	}
	if !hasGood {
		t.Error("valid function missing from Functions()")
	}
	if _, ok := a.InvalidFunctions()[badAddr]; !ok {
		t.Error("invalid function not recorded in InvalidFunctions()")
	}

	// The rest of the binary still indexes.
	idx, err := a.ComputeXRefs()
	if err != nil {
		t.Fatalf("ComputeXRefs: %v", err)
	}
	if callers := idx.CallersOf(badAddr); len(callers) != 0 {
		t.Errorf("CallersOf(bad) = %v, want none", callers)
	}

	fa, err := a.FunctionAnalyzer(goodAddr)
	if err != nil {
		t.Fatalf("FunctionAnalyzer(good): %v", err)
	}
	ret, _ := fa.InstructionAt(goodAddr + 4)
	rc := fa.GetRegisterContentsAtInstruction(0, ret)
	if rc.Type != analysis.Immediate || rc.Value != 3 {
		t.Errorf("x0 in good function = %+v, want immediate 3", rc)
	}
}

func TestCStrings(t *testing.T) {
	a := buildFixture(t, []uint32{insRet}, nil)

	strs, err := a.CStrings()
	if err != nil {
		t.Fatalf("CStrings: %v", err)
	}
	found := make(map[string]uint64)
	for _, s := range strs {
		found[s.Value] = s.Address
	}
	if addr, ok := found["Reachable via WiFi"]; !ok || addr != cstringAddr {
		t.Errorf("literal not found or wrong address: %#x, %t", addr, ok)
	}
	if addr, ok := found["viewDidLoad"]; !ok || addr != methnameAddr {
		t.Errorf("selector literal not found: %#x, %t", addr, ok)
	}
}
