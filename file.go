package macho

// High level access to low level data structures.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/appsworld/machalyzer/types"
	"github.com/appsworld/machalyzer/types/objc"
)

// A File represents one parsed Mach-O slice. It is immutable after
// NewFile returns; concurrent readers need no synchronisation.
type File struct {
	types.FileHeader
	ByteOrder binary.ByteOrder
	Loads     []Load
	Sections  []*Section

	Symtab   *Symtab
	Dysymtab *Dysymtab

	sr          *io.SectionReader
	sliceOffset uint64
	sliceSize   uint64

	dyldInfo       *DyldInfo
	buildVersion   *BuildVersion
	versionMin     *VersionMin
	codeSig        *CodeSignature
	exportsTrie    *DyldExportsTrie
	functionStarts *FunctionStarts
	encryption     *EncryptionInfo
	entryPoint     *EntryPoint

	strs        map[string]string
	objcCls     map[uint64]*objc.Class
	bindsByAddr map[uint64]string
	warnings    []Warning
}

// FileConfig locates a slice within the containing file. A zero value
// parses a thin file starting at offset 0.
type FileConfig struct {
	Offset int64
	Size   int64
}

// A SectionHeader holds one decoded section header; Type records
// whether it came from a 32- or 64-bit segment.
type SectionHeader struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     types.SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32 // only present in 64-bit section headers
	Type      uint8
}

// A Section represents a Mach-O section.
type Section struct {
	SectionHeader
	sr *io.SectionReader
}

// Data reads and returns the contents of the section. Zero-fill
// sections have no file contents and read as zeroes.
func (s *Section) Data() ([]byte, error) {
	if s.Flags.IsZerofill() {
		return make([]byte, s.Size), nil
	}
	dat := make([]byte, s.Size)
	n, err := s.sr.ReadAt(dat, 0)
	if err != nil && uint64(n) < s.Size {
		return dat[:n], fmt.Errorf("failed to read section %s.%s data: %w", s.Seg, s.Name, ErrTruncatedBinary)
	}
	return dat, nil
}

// Contains reports whether vmAddr falls inside the section.
func (s *Section) Contains(vmAddr uint64) bool {
	return s.Addr <= vmAddr && vmAddr < s.Addr+s.Size
}

func (s *Section) String() string {
	return fmt.Sprintf("%s.%s addr=%#x size=%#x off=%#x", s.Seg, s.Name, s.Addr, s.Size, s.Offset)
}

// NewFile creates a new File for accessing a Mach-O slice in an
// underlying reader. The slice is expected to start at the configured
// offset within r.
func NewFile(r io.ReaderAt, config ...FileConfig) (*File, error) {
	f := &File{
		strs:    make(map[string]string),
		objcCls: make(map[uint64]*objc.Class),
	}

	var cfg FileConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Size <= 0 {
		cfg.Size = 1<<63 - 1
	}
	f.sliceOffset = uint64(cfg.Offset)
	f.sliceSize = uint64(cfg.Size)
	f.sr = io.NewSectionReader(r, cfg.Offset, cfg.Size)

	// Read and decode Mach magic to determine byte order, size.
	// Magic32 and Magic64 differ only in the bottom bit.
	var ident [4]byte
	if _, err := f.sr.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", ErrTruncatedBinary)
	}
	be := binary.BigEndian.Uint32(ident[:])
	le := binary.LittleEndian.Uint32(ident[:])
	switch types.Magic32.Int() &^ 1 {
	case be &^ 1:
		f.ByteOrder = binary.BigEndian
		f.Magic = types.Magic(be)
	case le &^ 1:
		f.ByteOrder = binary.LittleEndian
		f.Magic = types.Magic(le)
	default:
		return nil, ErrNotAMachO
	}

	if _, err := f.sr.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := binary.Read(f.sr, f.ByteOrder, &f.FileHeader); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", ErrTruncatedBinary)
	}

	offset := int64(types.FileHeaderSize32)
	if f.Magic == types.Magic64 {
		offset = types.FileHeaderSize64
	} else {
		// The 32-bit header has no reserved field; the struct read
		// above consumed 4 bytes of the first load command.
		f.Reserved = 0
	}

	dat := make([]byte, f.SizeCommands)
	if _, err := f.sr.ReadAt(dat, offset); err != nil {
		return nil, fmt.Errorf("failed to read load commands: %w", ErrTruncatedBinary)
	}

	f.Loads = make([]Load, 0, f.NCommands)
	bo := f.ByteOrder
	for i := uint32(0); i < f.NCommands; i++ {
		// Each load command begins with uint32 command and length.
		if len(dat) < 8 {
			return nil, &FormatError{offset, "command block too small", nil}
		}
		cmd, siz := types.LoadCmd(bo.Uint32(dat[0:4])), bo.Uint32(dat[4:8])
		if siz < 8 || siz > uint32(len(dat)) {
			return nil, &FormatError{offset, "invalid command block size", nil}
		}

		var cmddat []byte
		cmddat, dat = dat[0:siz], dat[siz:]
		offset += int64(siz)

		switch cmd {
		default:
			f.warnf(WarnUnknownLoadCommand, 0, "cmd %#x (%d bytes)", uint32(cmd), siz)
			f.Loads = append(f.Loads, LoadCmdBytes{cmd, LoadBytes(cmddat)})

		case types.LC_SEGMENT:
			var seg32 types.Segment32
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &seg32); err != nil {
				return nil, fmt.Errorf("failed to read LC_SEGMENT: %v", err)
			}
			s := new(Segment)
			s.LoadBytes = cmddat
			s.LoadCmd = cmd
			s.Len = siz
			s.Name = cstring(seg32.Name[:])
			s.Addr = uint64(seg32.Addr)
			s.Memsz = uint64(seg32.Memsz)
			s.Offset = uint64(seg32.Offset)
			s.Filesz = uint64(seg32.Filesz)
			s.Maxprot = seg32.Maxprot
			s.Prot = seg32.Prot
			s.Nsect = seg32.Nsect
			s.Flag = seg32.Flag
			s.Firstsect = uint32(len(f.Sections))
			f.Loads = append(f.Loads, s)
			for j := 0; j < int(s.Nsect); j++ {
				var sh32 types.Section32
				if err := binary.Read(b, bo, &sh32); err != nil {
					return nil, fmt.Errorf("failed to read Section32: %v", err)
				}
				sh := new(Section)
				sh.Type = 32
				sh.Name = cstring(sh32.Name[:])
				sh.Seg = cstring(sh32.Seg[:])
				sh.Addr = uint64(sh32.Addr)
				sh.Size = uint64(sh32.Size)
				sh.Offset = sh32.Offset
				sh.Align = sh32.Align
				sh.Reloff = sh32.Reloff
				sh.Nreloc = sh32.Nreloc
				sh.Flags = sh32.Flags
				sh.Reserved1 = sh32.Reserve1
				sh.Reserved2 = sh32.Reserve2
				if err := f.pushSection(sh, s); err != nil {
					return nil, err
				}
			}

		case types.LC_SEGMENT_64:
			var seg64 types.Segment64
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &seg64); err != nil {
				return nil, fmt.Errorf("failed to read LC_SEGMENT_64: %v", err)
			}
			s := new(Segment)
			s.LoadBytes = cmddat
			s.LoadCmd = cmd
			s.Len = siz
			s.Name = cstring(seg64.Name[:])
			s.Addr = seg64.Addr
			s.Memsz = seg64.Memsz
			s.Offset = seg64.Offset
			s.Filesz = seg64.Filesz
			s.Maxprot = seg64.Maxprot
			s.Prot = seg64.Prot
			s.Nsect = seg64.Nsect
			s.Flag = seg64.Flag
			s.Firstsect = uint32(len(f.Sections))
			f.Loads = append(f.Loads, s)
			for j := 0; j < int(s.Nsect); j++ {
				var sh64 types.Section64
				if err := binary.Read(b, bo, &sh64); err != nil {
					return nil, fmt.Errorf("failed to read Section64: %v", err)
				}
				sh := new(Section)
				sh.Type = 64
				sh.Name = cstring(sh64.Name[:])
				sh.Seg = cstring(sh64.Seg[:])
				sh.Addr = sh64.Addr
				sh.Size = sh64.Size
				sh.Offset = sh64.Offset
				sh.Align = sh64.Align
				sh.Reloff = sh64.Reloff
				sh.Nreloc = sh64.Nreloc
				sh.Flags = sh64.Flags
				sh.Reserved1 = sh64.Reserve1
				sh.Reserved2 = sh64.Reserve2
				sh.Reserved3 = sh64.Reserve3
				if err := f.pushSection(sh, s); err != nil {
					return nil, err
				}
			}

		case types.LC_SYMTAB:
			var hdr types.SymtabCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_SYMTAB: %v", err)
			}
			st, err := f.parseSymtab(&hdr, cmddat, offset)
			if err != nil {
				return nil, err
			}
			f.Loads = append(f.Loads, st)
			f.Symtab = st

		case types.LC_DYSYMTAB:
			var hdr types.DysymtabCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_DYSYMTAB: %v", err)
			}
			var x []uint32
			if hdr.Nindirectsyms > 0 {
				dat := make([]byte, uint64(hdr.Nindirectsyms)*4)
				if _, err := f.sr.ReadAt(dat, int64(hdr.Indirectsymoff)); err != nil {
					return nil, fmt.Errorf("failed to read indirect symbol table at %#x: %w", hdr.Indirectsymoff, ErrTruncatedBinary)
				}
				x = make([]uint32, hdr.Nindirectsyms)
				if err := binary.Read(bytes.NewReader(dat), bo, x); err != nil {
					return nil, fmt.Errorf("failed to decode indirect symbol table: %v", err)
				}
			}
			st := new(Dysymtab)
			st.LoadBytes = cmddat
			st.DysymtabCmd = hdr
			st.IndirectSyms = x
			f.Loads = append(f.Loads, st)
			f.Dysymtab = st

		case types.LC_DYLD_INFO, types.LC_DYLD_INFO_ONLY:
			var hdr types.DyldInfoCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read %s: %v", cmd, err)
			}
			l := &DyldInfo{LoadBytes: cmddat, DyldInfoCmd: hdr}
			f.Loads = append(f.Loads, l)
			f.dyldInfo = l

		case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB, types.LC_LOAD_UPWARD_DYLIB, types.LC_ID_DYLIB:
			var hdr types.DylibCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read %s: %v", cmd, err)
			}
			if hdr.Name >= uint32(len(cmddat)) {
				return nil, &FormatError{offset, "invalid name in dynamic library command", hdr.Name}
			}
			d := Dylib{
				LoadBytes:      cmddat,
				LoadCmd:        cmd,
				Len:            siz,
				Name:           cstring(cmddat[hdr.Name:]),
				Time:           hdr.Time,
				CurrentVersion: hdr.CurrentVersion.String(),
				CompatVersion:  hdr.CompatVersion.String(),
			}
			switch cmd {
			case types.LC_LOAD_WEAK_DYLIB:
				w := WeakDylib(d)
				f.Loads = append(f.Loads, &w)
			case types.LC_REEXPORT_DYLIB:
				re := ReExportDylib(d)
				f.Loads = append(f.Loads, &re)
			case types.LC_LOAD_UPWARD_DYLIB:
				up := UpwardDylib(d)
				f.Loads = append(f.Loads, &up)
			case types.LC_ID_DYLIB:
				id := DylibID(d)
				f.Loads = append(f.Loads, &id)
			default:
				f.Loads = append(f.Loads, &d)
			}

		case types.LC_LOAD_DYLINKER:
			var hdr types.DylinkerCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_LOAD_DYLINKER: %v", err)
			}
			if hdr.Name >= uint32(len(cmddat)) {
				return nil, &FormatError{offset, "invalid name in load dylinker command", hdr.Name}
			}
			f.Loads = append(f.Loads, &LoadDylinker{LoadBytes: cmddat, LoadCmd: cmd, Len: siz, Name: cstring(cmddat[hdr.Name:])})

		case types.LC_UUID:
			var hdr types.UUIDCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_UUID: %v", err)
			}
			f.Loads = append(f.Loads, &UUID{LoadBytes: cmddat, UUIDCmd: hdr})

		case types.LC_RPATH:
			var hdr types.RpathCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_RPATH: %v", err)
			}
			if hdr.Path >= uint32(len(cmddat)) {
				return nil, &FormatError{offset, "invalid path in rpath command", hdr.Path}
			}
			f.Loads = append(f.Loads, &Rpath{LoadBytes: cmddat, LoadCmd: cmd, Len: siz, Path: cstring(cmddat[hdr.Path:])})

		case types.LC_CODE_SIGNATURE:
			l, err := readLinkEditData(cmddat, bo)
			if err != nil {
				return nil, err
			}
			cs := CodeSignature(*l)
			f.Loads = append(f.Loads, &cs)
			f.codeSig = &cs

		case types.LC_FUNCTION_STARTS:
			l, err := readLinkEditData(cmddat, bo)
			if err != nil {
				return nil, err
			}
			fs := FunctionStarts(*l)
			f.Loads = append(f.Loads, &fs)
			f.functionStarts = &fs

		case types.LC_DYLD_EXPORTS_TRIE:
			l, err := readLinkEditData(cmddat, bo)
			if err != nil {
				return nil, err
			}
			t := DyldExportsTrie(*l)
			f.Loads = append(f.Loads, &t)
			f.exportsTrie = &t

		case types.LC_ENCRYPTION_INFO:
			var hdr types.EncryptionInfoCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_ENCRYPTION_INFO: %v", err)
			}
			e := &EncryptionInfo{LoadBytes: cmddat, EncryptionInfo64Cmd: types.EncryptionInfo64Cmd{
				LoadCmd: hdr.LoadCmd, Len: hdr.Len, Offset: hdr.Offset, Size: hdr.Size, CryptID: hdr.CryptID,
			}}
			f.Loads = append(f.Loads, e)
			f.encryption = e

		case types.LC_ENCRYPTION_INFO_64:
			var hdr types.EncryptionInfo64Cmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_ENCRYPTION_INFO_64: %v", err)
			}
			e := &EncryptionInfo{LoadBytes: cmddat, EncryptionInfo64Cmd: hdr}
			f.Loads = append(f.Loads, e)
			f.encryption = e

		case types.LC_VERSION_MIN_MACOSX, types.LC_VERSION_MIN_IPHONEOS, types.LC_VERSION_MIN_TVOS, types.LC_VERSION_MIN_WATCHOS:
			var hdr types.VersionMinCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read %s: %v", cmd, err)
			}
			v := &VersionMin{LoadBytes: cmddat, VersionMinCmd: hdr, Platform: platformForVersionMin(cmd)}
			f.Loads = append(f.Loads, v)
			f.versionMin = v

		case types.LC_BUILD_VERSION:
			var hdr types.BuildVersionCmd
			b := bytes.NewReader(cmddat)
			if err := binary.Read(b, bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_BUILD_VERSION: %v", err)
			}
			bv := &BuildVersion{LoadBytes: cmddat, BuildVersionCmd: hdr}
			for t := uint32(0); t < hdr.NumTools; t++ {
				var tool types.BuildToolVersion
				if err := binary.Read(b, bo, &tool); err != nil {
					return nil, fmt.Errorf("failed to read build_tool_version %d: %v", t, err)
				}
				bv.Tools = append(bv.Tools, tool)
			}
			f.Loads = append(f.Loads, bv)
			f.buildVersion = bv

		case types.LC_SOURCE_VERSION:
			var hdr types.SourceVersionCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_SOURCE_VERSION: %v", err)
			}
			f.Loads = append(f.Loads, &SourceVersion{LoadBytes: cmddat, SourceVersionCmd: hdr})

		case types.LC_MAIN:
			var hdr types.EntryPointCmd
			if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
				return nil, fmt.Errorf("failed to read LC_MAIN: %v", err)
			}
			ep := &EntryPoint{LoadBytes: cmddat, EntryPointCmd: hdr}
			f.Loads = append(f.Loads, ep)
			f.entryPoint = ep
		}
	}

	if err := f.checkSectionExtents(); err != nil {
		return nil, err
	}

	return f, nil
}

func readLinkEditData(cmddat []byte, bo binary.ByteOrder) (*LinkEditData, error) {
	var hdr types.LinkEditDataCmd
	if err := binary.Read(bytes.NewReader(cmddat), bo, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", hdr.LoadCmd, err)
	}
	return &LinkEditData{LoadBytes: cmddat, LinkEditDataCmd: hdr}, nil
}

func platformForVersionMin(cmd types.LoadCmd) types.Platform {
	switch cmd {
	case types.LC_VERSION_MIN_MACOSX:
		return types.PlatformMacOS
	case types.LC_VERSION_MIN_IPHONEOS:
		return types.PlatformIOS
	case types.LC_VERSION_MIN_TVOS:
		return types.PlatformTvOS
	case types.LC_VERSION_MIN_WATCHOS:
		return types.PlatformWatchOS
	}
	return types.PlatformUnknown
}

func (f *File) pushSection(sh *Section, seg *Segment) error {
	if !sh.Flags.IsZerofill() {
		if sh.Addr < seg.Addr || sh.Addr+sh.Size > seg.Addr+seg.Memsz {
			return &FormatError{int64(sh.Offset), fmt.Sprintf("section %s.%s outside segment VM range", sh.Seg, sh.Name), nil}
		}
		if uint64(sh.Offset)+sh.Size > f.sliceSize {
			return fmt.Errorf("section %s.%s data extends past slice end: %w", sh.Seg, sh.Name, ErrTruncatedBinary)
		}
		sh.sr = io.NewSectionReader(f.sr, int64(sh.Offset), int64(sh.Size))
	}
	f.Sections = append(f.Sections, sh)
	return nil
}

func (f *File) checkSectionExtents() error {
	for _, sh := range f.Sections {
		seg := f.FindSegmentForVMAddr(sh.Addr)
		if seg == nil && !sh.Flags.IsZerofill() && sh.Size > 0 {
			return &FormatError{int64(sh.Offset), fmt.Sprintf("section %s.%s outside any segment", sh.Seg, sh.Name), nil}
		}
	}
	return nil
}

func (f *File) warnf(kind WarningKind, addr uint64, format string, args ...interface{}) {
	f.warnings = append(f.warnings, Warning{Kind: kind, Addr: addr, Detail: fmt.Sprintf(format, args...)})
}

// Warnings returns the non-fatal defects recorded while parsing.
func (f *File) Warnings() []Warning { return f.warnings }

// UnknownLoadCommands returns the raw bytes of load commands this
// library does not interpret.
func (f *File) UnknownLoadCommands() []LoadCmdBytes {
	var out []LoadCmdBytes
	for _, l := range f.Loads {
		if lc, ok := l.(LoadCmdBytes); ok {
			out = append(out, lc)
		}
	}
	return out
}

// Is64bit reports whether the slice uses the 64-bit Mach-O layout.
func (f *File) Is64bit() bool { return f.Magic == types.Magic64 }

func (f *File) pointerSize() uint64 {
	if f.Is64bit() {
		return 8
	}
	return 4
}

// FileOffsetWithinFat returns the slice's byte offset inside the
// containing file (zero for a thin binary).
func (f *File) FileOffsetWithinFat() uint64 { return f.sliceOffset }

// Segments returns all segments in load-command order. The dyld bind
// stream indexes segments in this order.
func (f *File) Segments() []*Segment {
	var segs []*Segment
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok {
			segs = append(segs, s)
		}
	}
	return segs
}

// Segment returns the first Segment with the given name, or nil if no
// such segment exists.
func (f *File) Segment(name string) *Segment {
	for _, l := range f.Loads {
		if s, ok := l.(*Segment); ok && s.Name == name {
			return s
		}
	}
	return nil
}

// Section returns the section with the given name in the given
// segment, or nil if no such section exists.
func (f *File) Section(segment, section string) *Section {
	for _, sec := range f.Sections {
		if sec.Seg == segment && sec.Name == section {
			return sec
		}
	}
	return nil
}

// SectionsForSegment returns the sections belonging to the named segment.
func (f *File) SectionsForSegment(name string) []*Section {
	var secs []*Section
	if seg := f.Segment(name); seg != nil {
		for i := uint32(0); i < seg.Nsect; i++ {
			if int(i+seg.Firstsect) < len(f.Sections) {
				secs = append(secs, f.Sections[i+seg.Firstsect])
			}
		}
	}
	return secs
}

// FindSegmentForVMAddr returns the segment containing the given
// virtual address.
func (f *File) FindSegmentForVMAddr(vmAddr uint64) *Segment {
	for _, seg := range f.Segments() {
		if seg.Contains(vmAddr) {
			return seg
		}
	}
	return nil
}

// FindSectionForVMAddr returns the section containing the given
// virtual address.
func (f *File) FindSectionForVMAddr(vmAddr uint64) *Section {
	for _, sec := range f.Sections {
		if sec.Contains(vmAddr) {
			return sec
		}
	}
	return nil
}

// ImportedLibraries returns the install names of all libraries the
// binary links against, in load-command order. Dyld bind library
// ordinals are 1-based indexes into this list.
func (f *File) ImportedLibraries() []string {
	var all []string
	for _, l := range f.Loads {
		switch lib := l.(type) {
		case *Dylib:
			all = append(all, lib.Name)
		case *WeakDylib:
			all = append(all, lib.Name)
		case *ReExportDylib:
			all = append(all, lib.Name)
		case *UpwardDylib:
			all = append(all, lib.Name)
		}
	}
	return all
}

// LibraryOrdinalName resolves a dyld library ordinal to a short
// library name.
func (f *File) LibraryOrdinalName(libraryOrdinal int) string {
	dylibs := f.ImportedLibraries()
	if libraryOrdinal > 0 {
		if libraryOrdinal > len(dylibs) {
			return "ordinal-too-large"
		}
		path := dylibs[libraryOrdinal-1]
		parts := strings.Split(path, "/")
		return parts[len(parts)-1]
	}
	switch libraryOrdinal {
	case types.BIND_SPECIAL_DYLIB_SELF:
		return "this-image"
	case types.BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE:
		return "main-executable"
	case types.BIND_SPECIAL_DYLIB_FLAT_LOOKUP:
		return "flat-namespace"
	case types.BIND_SPECIAL_DYLIB_WEAK_LOOKUP:
		return "weak-coalesce"
	default:
		return "unknown-ordinal"
	}
}

// BuildVersion returns the LC_BUILD_VERSION command, or nil.
func (f *File) BuildVersion() *BuildVersion { return f.buildVersion }

// BuildPlatform returns the platform the binary was built for, from
// LC_BUILD_VERSION or a legacy LC_VERSION_MIN_* command.
func (f *File) BuildPlatform() types.Platform {
	if f.buildVersion != nil {
		return f.buildVersion.Platform
	}
	if f.versionMin != nil {
		return f.versionMin.Platform
	}
	return types.PlatformUnknown
}

// MinimumDeploymentTarget returns the minimum OS version the binary
// declares, or nil when neither LC_BUILD_VERSION nor LC_VERSION_MIN_*
// is present.
func (f *File) MinimumDeploymentTarget() *types.Version {
	if f.buildVersion != nil {
		v := f.buildVersion.Minos
		return &v
	}
	if f.versionMin != nil {
		v := f.versionMin.Version
		return &v
	}
	return nil
}

// BuildToolVersions returns the build tool records trailing
// LC_BUILD_VERSION.
func (f *File) BuildToolVersions() []types.BuildToolVersion {
	if f.buildVersion == nil {
		return nil
	}
	return f.buildVersion.Tools
}

// UUID returns the LC_UUID command, or nil.
func (f *File) UUID() *UUID {
	for _, l := range f.Loads {
		if u, ok := l.(*UUID); ok {
			return u
		}
	}
	return nil
}

// SourceVersion returns the LC_SOURCE_VERSION command, or nil.
func (f *File) SourceVersion() *SourceVersion {
	for _, l := range f.Loads {
		if sv, ok := l.(*SourceVersion); ok {
			return sv
		}
	}
	return nil
}

// DyldInfo returns the LC_DYLD_INFO[_ONLY] command, or nil.
func (f *File) DyldInfo() *DyldInfo { return f.dyldInfo }

// CodeSignature returns the LC_CODE_SIGNATURE extent, or nil.
func (f *File) CodeSignature() *CodeSignature { return f.codeSig }

// FunctionStarts returns the LC_FUNCTION_STARTS extent, or nil.
func (f *File) FunctionStarts() *FunctionStarts { return f.functionStarts }

// EncryptionInfo returns the LC_ENCRYPTION_INFO[_64] command, or nil.
func (f *File) EncryptionInfo() *EncryptionInfo { return f.encryption }

// EntryPoint returns the program entry virtual address from LC_MAIN,
// or zero when the command is absent.
func (f *File) EntryPoint() uint64 {
	if f.entryPoint == nil {
		return 0
	}
	if text := f.Segment("__TEXT"); text != nil {
		return text.Addr + f.entryPoint.EntryOffset
	}
	return f.entryPoint.EntryOffset
}

// relativeMethodListsByDefault reports whether the deployment target
// implies the relative Objective-C method list layout even without the
// per-list flag.
func (f *File) relativeMethodListsByDefault() bool {
	v := f.MinimumDeploymentTarget()
	if v == nil {
		return false
	}
	switch f.BuildPlatform() {
	case types.PlatformIOS, types.PlatformTvOS, types.PlatformMacCatalyst, types.PlatformIOSSimulator, types.PlatformTvOSSimulator:
		return v.Major() >= 14
	case types.PlatformMacOS:
		return v.Major() >= 11
	case types.PlatformWatchOS, types.PlatformWatchOSSimulator:
		return v.Major() >= 7
	}
	return false
}
