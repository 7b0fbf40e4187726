package macho

import (
	"fmt"
	"strings"

	"github.com/appsworld/machalyzer/types"
)

// A Load represents any Mach-O load command.
type Load interface {
	Command() types.LoadCmd
	String() string
}

// A LoadBytes is the uninterpreted bytes of a Mach-O load command.
type LoadBytes []byte

func (b LoadBytes) Raw() []byte { return b }

func (b LoadBytes) String() string {
	s := "["
	for i, a := range b {
		if i > 0 {
			s += " "
			if len(b) > 48 && i >= 16 {
				s += fmt.Sprintf("... (%d bytes)", len(b))
				break
			}
		}
		s += fmt.Sprintf("%x", a)
	}
	s += "]"
	return s
}

// LoadCmdBytes is a command-tagged sequence of bytes, used for load
// commands this library does not interpret.
type LoadCmdBytes struct {
	types.LoadCmd
	LoadBytes
}

func (s LoadCmdBytes) Command() types.LoadCmd { return s.LoadCmd }
func (s LoadCmdBytes) String() string {
	return s.LoadCmd.String() + ": " + s.LoadBytes.String()
}

// A SegmentHeader is the header for a Mach-O 32-bit or 64-bit load
// segment command.
type SegmentHeader struct {
	types.LoadCmd
	Len       uint32
	Name      string
	Addr      uint64
	Memsz     uint64
	Offset    uint64
	Filesz    uint64
	Maxprot   types.VmProtection
	Prot      types.VmProtection
	Nsect     uint32
	Flag      types.SegFlag
	Firstsect uint32
}

// A Segment represents a Mach-O segment load command.
type Segment struct {
	LoadBytes
	SegmentHeader
}

func (s *Segment) Command() types.LoadCmd { return s.LoadCmd }

// Contains reports whether vmAddr falls inside the segment's VM range.
func (s *Segment) Contains(vmAddr uint64) bool {
	return s.Addr <= vmAddr && vmAddr < s.Addr+s.Memsz
}

func (s *Segment) String() string {
	return fmt.Sprintf("%s sz=0x%08x off=0x%08x-0x%08x addr=0x%09x-0x%09x %s/%s %s",
		s.LoadCmd, s.Filesz, s.Offset, s.Offset+s.Filesz, s.Addr, s.Addr+s.Memsz, s.Prot, s.Maxprot, s.Name)
}

// A Dylib represents a Mach-O load dynamic library command.
type Dylib struct {
	LoadBytes
	types.LoadCmd
	Len            uint32
	Name           string
	Time           uint32
	CurrentVersion string
	CompatVersion  string
}

func (d *Dylib) Command() types.LoadCmd { return d.LoadCmd }
func (d *Dylib) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.CurrentVersion)
}

// A WeakDylib is a dylib allowed to be missing at load time.
type WeakDylib Dylib

func (d *WeakDylib) Command() types.LoadCmd { return d.LoadCmd }
func (d *WeakDylib) String() string         { return fmt.Sprintf("%s (weak)", d.Name) }

// A ReExportDylib is a dylib re-exported by this image.
type ReExportDylib Dylib

func (d *ReExportDylib) Command() types.LoadCmd { return d.LoadCmd }
func (d *ReExportDylib) String() string         { return fmt.Sprintf("%s (re-export)", d.Name) }

// An UpwardDylib is an upward dependency.
type UpwardDylib Dylib

func (d *UpwardDylib) Command() types.LoadCmd { return d.LoadCmd }
func (d *UpwardDylib) String() string         { return fmt.Sprintf("%s (upward)", d.Name) }

// A DylibID is the install name of this dylib.
type DylibID Dylib

func (d *DylibID) Command() types.LoadCmd { return d.LoadCmd }
func (d *DylibID) String() string         { return d.Name }

// A LoadDylinker is the dynamic linker path command.
type LoadDylinker struct {
	LoadBytes
	types.LoadCmd
	Len  uint32
	Name string
}

func (d *LoadDylinker) Command() types.LoadCmd { return d.LoadCmd }
func (d *LoadDylinker) String() string         { return d.Name }

// A Symtab represents a Mach-O symbol table command and the decoded symbols.
type Symtab struct {
	LoadBytes
	types.SymtabCmd
	Syms []Symbol
}

func (s *Symtab) Command() types.LoadCmd { return s.LoadCmd }
func (s *Symtab) String() string {
	return fmt.Sprintf("symoff=%#x nsyms=%d stroff=%#x strsize=%#x", s.Symoff, s.Nsyms, s.Stroff, s.Strsize)
}

// A Dysymtab represents a Mach-O dynamic symbol table command and the
// decoded indirect symbol table.
type Dysymtab struct {
	LoadBytes
	types.DysymtabCmd
	IndirectSyms []uint32
}

func (d *Dysymtab) Command() types.LoadCmd { return d.LoadCmd }
func (d *Dysymtab) String() string {
	return fmt.Sprintf("nlocal=%d nextdef=%d nundef=%d nindirect=%d",
		d.Nlocalsym, d.Nextdefsym, d.Nundefsym, d.Nindirectsyms)
}

// A DyldInfo represents the LC_DYLD_INFO[_ONLY] command: file extents
// of the rebase, bind and export streams.
type DyldInfo struct {
	LoadBytes
	types.DyldInfoCmd
}

func (d *DyldInfo) Command() types.LoadCmd { return d.LoadCmd }
func (d *DyldInfo) String() string {
	return fmt.Sprintf("bind=%#x/%d lazy_bind=%#x/%d export=%#x/%d",
		d.BindOff, d.BindSize, d.LazyBindOff, d.LazyBindSize, d.ExportOff, d.ExportSize)
}

// A UUID represents the LC_UUID command.
type UUID struct {
	LoadBytes
	types.UUIDCmd
}

func (u *UUID) Command() types.LoadCmd { return u.LoadCmd }
func (u *UUID) String() string         { return u.UUID.String() }

// A Rpath represents an LC_RPATH command.
type Rpath struct {
	LoadBytes
	types.LoadCmd
	Len  uint32
	Path string
}

func (r *Rpath) Command() types.LoadCmd { return r.LoadCmd }
func (r *Rpath) String() string         { return r.Path }

// A LinkEditData records a linkedit blob's file extent
// (LC_CODE_SIGNATURE, LC_FUNCTION_STARTS, LC_DYLD_EXPORTS_TRIE, ...).
type LinkEditData struct {
	LoadBytes
	types.LinkEditDataCmd
}

func (l *LinkEditData) Command() types.LoadCmd { return l.LoadCmd }
func (l *LinkEditData) String() string {
	return fmt.Sprintf("off=%#x size=%#x", l.Offset, l.Size)
}

// A CodeSignature records the code signature blob extent.
type CodeSignature LinkEditData

func (c *CodeSignature) Command() types.LoadCmd { return c.LoadCmd }
func (c *CodeSignature) String() string {
	return fmt.Sprintf("off=%#x size=%#x", c.Offset, c.Size)
}

// A FunctionStarts records the function starts stream extent.
type FunctionStarts LinkEditData

func (fs *FunctionStarts) Command() types.LoadCmd { return fs.LoadCmd }
func (fs *FunctionStarts) String() string {
	return fmt.Sprintf("off=%#x size=%#x", fs.Offset, fs.Size)
}

// A DyldExportsTrie records the export trie extent.
type DyldExportsTrie LinkEditData

func (t *DyldExportsTrie) Command() types.LoadCmd { return t.LoadCmd }
func (t *DyldExportsTrie) String() string {
	return fmt.Sprintf("off=%#x size=%#x", t.Offset, t.Size)
}

// An EncryptionInfo records an encrypted segment extent.
type EncryptionInfo struct {
	LoadBytes
	types.EncryptionInfo64Cmd
}

func (e *EncryptionInfo) Command() types.LoadCmd { return e.LoadCmd }
func (e *EncryptionInfo) String() string {
	return fmt.Sprintf("off=%#x size=%#x cryptid=%d", e.Offset, e.Size, e.CryptID)
}

// A VersionMin represents a legacy LC_VERSION_MIN_* command; the
// platform is implied by the command itself.
type VersionMin struct {
	LoadBytes
	types.VersionMinCmd
	Platform types.Platform
}

func (v *VersionMin) Command() types.LoadCmd { return v.LoadCmd }
func (v *VersionMin) String() string {
	return fmt.Sprintf("%s %s (sdk %s)", v.Platform, v.Version, v.Sdk)
}

// A BuildVersion represents an LC_BUILD_VERSION command with its
// trailing build tool records.
type BuildVersion struct {
	LoadBytes
	types.BuildVersionCmd
	Tools []types.BuildToolVersion
}

func (b *BuildVersion) Command() types.LoadCmd { return b.LoadCmd }
func (b *BuildVersion) String() string {
	var tools []string
	for _, t := range b.Tools {
		tools = append(tools, fmt.Sprintf("%s %s", t.Tool, t.Version))
	}
	s := fmt.Sprintf("%s minos=%s sdk=%s", b.Platform, b.Minos, b.Sdk)
	if len(tools) > 0 {
		s += " (" + strings.Join(tools, ", ") + ")"
	}
	return s
}

// A SourceVersion represents an LC_SOURCE_VERSION command.
type SourceVersion struct {
	LoadBytes
	types.SourceVersionCmd
}

func (s *SourceVersion) Command() types.LoadCmd { return s.LoadCmd }
func (s *SourceVersion) String() string         { return s.Version.String() }

// An EntryPoint represents an LC_MAIN command.
type EntryPoint struct {
	LoadBytes
	types.EntryPointCmd
}

func (e *EntryPoint) Command() types.LoadCmd { return e.LoadCmd }
func (e *EntryPoint) String() string {
	return fmt.Sprintf("entryoff=%#x stacksize=%#x", e.EntryOffset, e.StackSize)
}
