package macho_test

import (
	"testing"

	macho "github.com/appsworld/machalyzer"
	"github.com/appsworld/machalyzer/internal/testbin"
	"github.com/appsworld/machalyzer/types"
	"github.com/appsworld/machalyzer/types/objc"
)

// Fixture addresses shared by the Objective-C tests.
const (
	methnameAddr  = 0x100002000
	methtypesAddr = 0x10000200c
	classnameAddr = 0x100002100
	impAddr       = textAddr

	objcConstAddr = 0x100004000
	roClsAddr     = objcConstAddr
	roMetaAddr    = objcConstAddr + 0x48
	clsAddr       = objcConstAddr + 0x90
	metaAddr      = objcConstAddr + 0xb8
	mlAddr        = objcConstAddr + 0xe0
	mlEntryAddr   = mlAddr + 8

	selrefAddr    = 0x100004400
	classlistAddr = 0x100004500
	classrefAddr  = 0x100004600
)

func objcConstData(relative bool) []byte {
	roCls := objc.ClassRO64{
		InstanceStart:     8,
		InstanceSize:      8,
		NameVMAddr:        classnameAddr,
		BaseMethodsVMAddr: mlAddr,
	}
	roMeta := objc.ClassRO64{
		Flags:      objc.RO_META,
		NameVMAddr: classnameAddr,
	}
	cls := objc.ObjcClass64{
		IsaVMAddr:              metaAddr,
		DataVMAddrAndFastFlags: roClsAddr,
	}
	meta := objc.ObjcClass64{
		DataVMAddrAndFastFlags: roMetaAddr,
	}

	var ml []byte
	if relative {
		ml = testbin.Cat(
			testbin.Struct(objc.MethodList{EntSizeAndFlags: 0x80000000 | 12, Count: 1}),
			testbin.Struct(objc.RelativeMethodT{
				NameOffset:  int32(int64(selrefAddr) - int64(mlEntryAddr)),
				TypesOffset: int32(int64(methtypesAddr) - int64(mlEntryAddr+4)),
				ImpOffset:   int32(int64(impAddr) - int64(mlEntryAddr+8)),
			}),
		)
	} else {
		ml = testbin.Cat(
			testbin.Struct(objc.MethodList{EntSizeAndFlags: 24, Count: 1}),
			testbin.Struct(objc.MethodT{
				NameVMAddr:  methnameAddr,
				TypesVMAddr: methtypesAddr,
				ImpVMAddr:   impAddr,
			}),
		)
	}

	return testbin.Cat(
		testbin.Struct(roCls),
		testbin.Struct(roMeta),
		testbin.Struct(cls),
		testbin.Struct(meta),
		ml,
	)
}

// buildObjCFixture assembles a slice with one class, one method, a
// selref and a classref. The relative flag picks the method list
// layout.
func buildObjCFixture(t *testing.T, relative bool, mutate func(*testbin.Builder)) *macho.File {
	t.Helper()
	b := testbin.New()
	b.AddSegment("__TEXT", textBase, 0x4000, 5)
	b.AddSection("__text", impAddr, types.S_REGULAR|types.S_ATTR_PURE_INSTRUCTIONS|types.S_ATTR_SOME_INSTRUCTIONS, 0, 0, retOnly)
	b.AddSection("__objc_methname", methnameAddr, types.S_CSTRING_LITERALS, 0, 0, []byte("viewDidLoad\x00v16@0:8\x00"))
	b.AddSection("__objc_classname", classnameAddr, types.S_CSTRING_LITERALS, 0, 0, []byte("MyController\x00"))
	b.AddSegment("__DATA", dataBase, 0x1000, 3)
	b.AddSection("__objc_const", objcConstAddr, types.S_REGULAR, 0, 0, objcConstData(relative))
	b.AddSection("__objc_selrefs", selrefAddr, types.S_LITERAL_POINTERS, 0, 0, testbin.Struct(uint64(methnameAddr)))
	b.AddSection("__objc_classlist", classlistAddr, types.S_REGULAR, 0, 0, testbin.Struct(uint64(clsAddr)))
	b.AddSection("__objc_classrefs", classrefAddr, types.S_REGULAR, 0, 0, testbin.Struct(uint64(clsAddr)))
	if relative {
		b.SetBuildVersion(types.PlatformIOS, 14<<16, 15<<16)
	}
	if mutate != nil {
		mutate(b)
	}
	img, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	return parseThin(t, img)
}

func checkFixtureClass(t *testing.T, f *macho.File) {
	t.Helper()
	classes, err := f.GetObjCClasses()
	if err != nil {
		t.Fatalf("GetObjCClasses: %v", err)
	}
	if len(classes) != 1 {
		t.Fatalf("got %d classes, want 1", len(classes))
	}
	c := classes[0]
	if c.Name != "MyController" {
		t.Errorf("class name = %q, want MyController", c.Name)
	}
	if c.ClassPtr != clsAddr {
		t.Errorf("class ptr = %#x, want %#x", c.ClassPtr, uint64(clsAddr))
	}
	if len(c.InstanceMethods) != 1 {
		t.Fatalf("got %d instance methods, want 1", len(c.InstanceMethods))
	}
	m := c.InstanceMethods[0]
	if m.Name != "viewDidLoad" {
		t.Errorf("method name = %q, want viewDidLoad", m.Name)
	}
	if m.Types != "v16@0:8" {
		t.Errorf("method types = %q, want v16@0:8", m.Types)
	}
	if m.ImpVMAddr != impAddr {
		t.Errorf("method imp = %#x, want %#x", m.ImpVMAddr, uint64(impAddr))
	}
}

func TestObjCAbsoluteMethodList(t *testing.T) {
	f := buildObjCFixture(t, false, nil)
	checkFixtureClass(t, f)
}

func TestObjCRelativeMethodList(t *testing.T) {
	// iOS 14 deployment target and the 0x80000000 entsize flag: every
	// method's implementation address is the absolute VA computed from
	// the relative field.
	f := buildObjCFixture(t, true, nil)
	checkFixtureClass(t, f)

	for _, w := range f.Warnings() {
		if w.Kind == macho.WarnAmbiguousLayout {
			t.Errorf("unexpected ambiguous layout warning: %v", w)
		}
	}
}

func TestObjCLayoutDisagreementWarns(t *testing.T) {
	// Relative flag set but deployment target pre-iOS 14: the flag
	// wins and a warning is recorded.
	f := buildObjCFixture(t, true, func(b *testbin.Builder) {
		b.SetBuildVersion(types.PlatformIOS, 13<<16, 14<<16)
	})
	checkFixtureClass(t, f)

	var warned bool
	for _, w := range f.Warnings() {
		if w.Kind == macho.WarnAmbiguousLayout {
			warned = true
		}
	}
	if !warned {
		t.Error("no AmbiguousLayout warning recorded")
	}
}

func TestObjCSelectorReferences(t *testing.T) {
	f := buildObjCFixture(t, false, nil)

	selrefs, err := f.GetObjCSelectorReferences()
	if err != nil {
		t.Fatalf("GetObjCSelectorReferences: %v", err)
	}
	sel, ok := selrefs[selrefAddr]
	if !ok {
		t.Fatalf("no selref at %#x; got %v", uint64(selrefAddr), selrefs)
	}
	if sel.Name != "viewDidLoad" || sel.VMAddr != methnameAddr {
		t.Errorf("selref = %+v", sel)
	}
}

func TestObjCClassReferences(t *testing.T) {
	f := buildObjCFixture(t, false, nil)

	classrefs, err := f.GetObjCClassReferences()
	if err != nil {
		t.Fatalf("GetObjCClassReferences: %v", err)
	}
	if ptr := classrefs[classrefAddr]; ptr != clsAddr {
		t.Errorf("classref slot -> %#x, want %#x", ptr, uint64(clsAddr))
	}
}

func TestHasObjC(t *testing.T) {
	withObjC := buildObjCFixture(t, false, nil)
	if !withObjC.HasObjC() {
		t.Error("HasObjC() = false for fixture with classlist")
	}
	plain := parseThin(t, buildThin(t, nil))
	if plain.HasObjC() {
		t.Error("HasObjC() = true for fixture without objc sections")
	}
}
