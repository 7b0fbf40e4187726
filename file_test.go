package macho_test

import (
	"bytes"
	"errors"
	"testing"

	macho "github.com/appsworld/machalyzer"
	"github.com/appsworld/machalyzer/internal/testbin"
	"github.com/appsworld/machalyzer/types"
	"github.com/google/go-cmp/cmp"
)

const (
	textBase = 0x100000000
	textAddr = 0x100001000
	dataBase = 0x100004000
)

// retOnly is a single `ret`.
var retOnly = testbin.Word(0xd65f03c0)

func buildThin(t *testing.T, mutate func(*testbin.Builder)) []byte {
	t.Helper()
	b := testbin.New()
	b.AddSegment("__TEXT", textBase, 0x4000, 5)
	b.AddSection("__text", textAddr, types.S_REGULAR|types.S_ATTR_PURE_INSTRUCTIONS|types.S_ATTR_SOME_INSTRUCTIONS, 0, 0, retOnly)
	b.AddSection("__cstring", 0x100002000, types.S_CSTRING_LITERALS, 0, 0, []byte("hello\x00world\x00"))
	b.AddSegment("__DATA", dataBase, 0x1000, 3)
	b.AddSection("__data", dataBase, types.S_REGULAR, 0, 0, make([]byte, 16))
	if mutate != nil {
		mutate(b)
	}
	img, err := b.Build()
	if err != nil {
		t.Fatalf("failed to build fixture: %v", err)
	}
	return img
}

func parseThin(t *testing.T, img []byte) *macho.File {
	t.Helper()
	ff, err := macho.Parse(bytes.NewReader(img))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	slices := ff.Slices()
	if len(slices) != 1 {
		t.Fatalf("got %d slices, want 1", len(slices))
	}
	return slices[0]
}

func TestParseThin(t *testing.T) {
	f := parseThin(t, buildThin(t, nil))

	if !f.Is64bit() {
		t.Error("Is64bit() = false, want true")
	}
	if f.CPU != types.CPUArm64 {
		t.Errorf("CPU = %v, want ARM64", f.CPU)
	}
	if f.FileOffsetWithinFat() != 0 {
		t.Errorf("FileOffsetWithinFat() = %#x, want 0", f.FileOffsetWithinFat())
	}

	segs := f.Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3 (incl. __LINKEDIT)", len(segs))
	}
	if segs[0].Name != "__TEXT" || segs[1].Name != "__DATA" {
		t.Errorf("segment names = %q, %q", segs[0].Name, segs[1].Name)
	}

	text := f.Section("__TEXT", "__text")
	if text == nil {
		t.Fatal("Section(__TEXT, __text) = nil")
	}
	if text.Addr != textAddr {
		t.Errorf("__text addr = %#x, want %#x", text.Addr, uint64(textAddr))
	}
	dat, err := text.Data()
	if err != nil {
		t.Fatalf("text.Data: %v", err)
	}
	if diff := cmp.Diff(retOnly, dat); diff != "" {
		t.Errorf("__text contents mismatch (-want +got):\n%s", diff)
	}

	if sec := f.FindSectionForVMAddr(textAddr + 2); sec == nil || sec.Name != "__text" {
		t.Errorf("FindSectionForVMAddr(%#x) = %v", uint64(textAddr)+2, sec)
	}
}

func TestAddressTranslationRoundTrip(t *testing.T) {
	f := parseThin(t, buildThin(t, nil))

	off, err := f.GetOffset(textAddr)
	if err != nil {
		t.Fatalf("GetOffset: %v", err)
	}
	back, err := f.GetVMAddress(off)
	if err != nil {
		t.Fatalf("GetVMAddress: %v", err)
	}
	if back != textAddr {
		t.Errorf("round trip %#x -> %#x -> %#x", uint64(textAddr), off, back)
	}

	if _, err := f.GetOffset(0xdead00000000); err == nil {
		t.Error("GetOffset of unmapped address succeeded")
	}
}

func TestGetCString(t *testing.T) {
	f := parseThin(t, buildThin(t, nil))

	s, err := f.GetCString(0x100002000)
	if err != nil {
		t.Fatalf("GetCString: %v", err)
	}
	if s != "hello" {
		t.Errorf("GetCString = %q, want %q", s, "hello")
	}
	s, err = f.GetCString(0x100002006)
	if err != nil {
		t.Fatalf("GetCString: %v", err)
	}
	if s != "world" {
		t.Errorf("GetCString = %q, want %q", s, "world")
	}
}

func TestNotAMachO(t *testing.T) {
	_, err := macho.Parse(bytes.NewReader([]byte("\x7fELF\x02\x01\x01\x00")))
	if !errors.Is(err, macho.ErrNotAMachO) {
		t.Errorf("Parse(ELF) = %v, want ErrNotAMachO", err)
	}
}

func TestTruncatedBinary(t *testing.T) {
	img := buildThin(t, nil)
	// Chop the file in the middle of the load commands.
	_, err := macho.Parse(bytes.NewReader(img[:64]))
	if !errors.Is(err, macho.ErrTruncatedBinary) {
		t.Errorf("Parse(truncated) = %v, want ErrTruncatedBinary", err)
	}
}

func TestBuildVersion(t *testing.T) {
	img := buildThin(t, func(b *testbin.Builder) {
		b.SetBuildVersion(types.PlatformIOS, 14<<16, 15<<16)
	})
	f := parseThin(t, img)

	if got := f.BuildPlatform(); got != types.PlatformIOS {
		t.Errorf("BuildPlatform() = %v, want iOS", got)
	}
	v := f.MinimumDeploymentTarget()
	if v == nil {
		t.Fatal("MinimumDeploymentTarget() = nil")
	}
	if v.Major() != 14 || v.Minor() != 0 {
		t.Errorf("MinimumDeploymentTarget() = %s, want 14.0", v)
	}
	if got := len(f.BuildToolVersions()); got != 0 {
		t.Errorf("BuildToolVersions() has %d entries, want 0", got)
	}
}

func TestImportedLibraries(t *testing.T) {
	img := buildThin(t, func(b *testbin.Builder) {
		b.AddDylib("/usr/lib/libobjc.A.dylib")
		b.AddDylib("/System/Library/Frameworks/Foundation.framework/Foundation")
	})
	f := parseThin(t, img)

	libs := f.ImportedLibraries()
	want := []string{
		"/usr/lib/libobjc.A.dylib",
		"/System/Library/Frameworks/Foundation.framework/Foundation",
	}
	if diff := cmp.Diff(want, libs); diff != "" {
		t.Errorf("ImportedLibraries mismatch (-want +got):\n%s", diff)
	}

	if got := f.LibraryOrdinalName(2); got != "Foundation" {
		t.Errorf("LibraryOrdinalName(2) = %q, want Foundation", got)
	}
	if got := f.LibraryOrdinalName(9); got != "ordinal-too-large" {
		t.Errorf("LibraryOrdinalName(9) = %q", got)
	}
}

func TestSectionInvariants(t *testing.T) {
	f := parseThin(t, buildThin(t, nil))

	for _, sec := range f.Sections {
		seg := f.FindSegmentForVMAddr(sec.Addr)
		if seg == nil {
			t.Errorf("section %s.%s at %#x not inside any segment", sec.Seg, sec.Name, sec.Addr)
			continue
		}
		if sec.Addr+sec.Size > seg.Addr+seg.Memsz {
			t.Errorf("section %s.%s spills out of segment %s", sec.Seg, sec.Name, seg.Name)
		}
	}
}

func TestSymbols(t *testing.T) {
	img := buildThin(t, func(b *testbin.Builder) {
		b.AddLocalSymbol("_helper", 1, textAddr)
		b.AddExternalSymbol("_main", 1, textAddr)
		b.AddUndefinedSymbol("_printf", 1)
	})
	f := parseThin(t, img)

	if _, err := f.FindSymbolAddress("_main"); err != nil {
		t.Errorf("FindSymbolAddress(_main): %v", err)
	}

	imported, err := f.ImportedSymbolNames()
	if err != nil {
		t.Fatalf("ImportedSymbolNames: %v", err)
	}
	if diff := cmp.Diff([]string{"_printf"}, imported); diff != "" {
		t.Errorf("imported symbols mismatch (-want +got):\n%s", diff)
	}

	exported, err := f.ExportedSymbols()
	if err != nil {
		t.Fatalf("ExportedSymbols: %v", err)
	}
	if len(exported) != 1 || exported[0].Name != "_main" {
		t.Errorf("ExportedSymbols = %v, want only _main", exported)
	}

	syms, err := f.FindAddressSymbols(textAddr)
	if err != nil {
		t.Fatalf("FindAddressSymbols: %v", err)
	}
	if len(syms) != 2 {
		t.Errorf("FindAddressSymbols found %d symbols, want 2", len(syms))
	}
}

func TestReparseIsDeterministic(t *testing.T) {
	img := buildThin(t, func(b *testbin.Builder) {
		b.AddExternalSymbol("_main", 1, textAddr)
	})
	f1 := parseThin(t, img)
	f2 := parseThin(t, img)

	if diff := cmp.Diff(f1.Symbols(), f2.Symbols()); diff != "" {
		t.Errorf("symbol tables differ between parses:\n%s", diff)
	}
	if diff := cmp.Diff(f1.Sections, f2.Sections, cmp.Comparer(func(a, b *macho.Section) bool {
		return a.SectionHeader == b.SectionHeader
	})); diff != "" {
		t.Errorf("section tables differ between parses:\n%s", diff)
	}
}
