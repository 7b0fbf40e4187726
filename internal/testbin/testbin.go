// Package testbin assembles minimal Mach-O images in memory for tests.
// The layout mirrors the VM layout: each segment's file region is laid
// out contiguously and a section's file offset is its VM offset within
// the owning segment, so segment-level address translation holds.
package testbin

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/appsworld/machalyzer/types"
)

const (
	hdrSize      = 32 // mach_header_64
	segCmdSize   = 72
	sectHdrSize  = 80
	symtabSize   = 24
	dysymtabSize = 80
	nlistSize    = 16
)

type section struct {
	name      string
	addr      uint64
	flags     types.SectionFlag
	reserved1 uint32
	reserved2 uint32
	data      []byte
}

type segment struct {
	name     string
	addr     uint64
	size     uint64
	prot     int32
	sections []*section
}

type symbol struct {
	name  string
	typ   uint8
	sect  uint8
	desc  uint16
	value uint64
}

type dylib struct {
	name string
	cmd  types.LoadCmd
}

// A Builder accumulates segments, sections and symbol tables, then
// serializes a thin ARM64 Mach-O.
type Builder struct {
	cpu      types.CPU
	subCPU   types.CPUSubtype
	fileType types.HeaderFileType

	segments []*segment
	symbols  []symbol
	indirect []uint32
	dylibs   []dylib

	nlocal, nextdef int

	buildPlatform types.Platform
	buildMinos    uint32
	buildSdk      uint32
	hasBuildVer   bool
}

// New returns a builder for a 64-bit ARM64 executable image.
func New() *Builder {
	return &Builder{
		cpu:      types.CPUArm64,
		subCPU:   types.CPUSubtypeArm64All,
		fileType: types.MH_EXECUTE,
	}
}

// SetCPU overrides the header cpu type (for non-ARM64 slices).
func (b *Builder) SetCPU(cpu types.CPU, sub types.CPUSubtype) *Builder {
	b.cpu, b.subCPU = cpu, sub
	return b
}

// AddSegment starts a new segment covering [addr, addr+size).
func (b *Builder) AddSegment(name string, addr, size uint64, prot int32) *Builder {
	b.segments = append(b.segments, &segment{name: name, addr: addr, size: size, prot: prot})
	return b
}

// AddSection appends a section to the most recently added segment.
func (b *Builder) AddSection(name string, addr uint64, flags types.SectionFlag, res1, res2 uint32, data []byte) *Builder {
	seg := b.segments[len(b.segments)-1]
	seg.sections = append(seg.sections, &section{
		name: name, addr: addr, flags: flags, reserved1: res1, reserved2: res2, data: data,
	})
	return b
}

// AddLocalSymbol appends a local (non-external) defined symbol. Local
// symbols must be added before external ones.
func (b *Builder) AddLocalSymbol(name string, sect uint8, value uint64) *Builder {
	b.symbols = append(b.symbols, symbol{name: name, typ: uint8(types.N_SECT), sect: sect, value: value})
	b.nlocal++
	return b
}

// AddExternalSymbol appends a defined external symbol.
func (b *Builder) AddExternalSymbol(name string, sect uint8, value uint64) *Builder {
	b.symbols = append(b.symbols, symbol{name: name, typ: uint8(types.N_SECT | types.N_EXT), sect: sect, value: value})
	b.nextdef++
	return b
}

// AddUndefinedSymbol appends an undefined external (imported) symbol.
func (b *Builder) AddUndefinedSymbol(name string, libOrdinal int) *Builder {
	b.symbols = append(b.symbols, symbol{name: name, typ: uint8(types.N_UNDF | types.N_EXT), desc: uint16(libOrdinal << 8)})
	return b
}

// SetIndirect sets the indirect symbol table.
func (b *Builder) SetIndirect(entries ...uint32) *Builder {
	b.indirect = entries
	return b
}

// AddDylib appends an LC_LOAD_DYLIB command.
func (b *Builder) AddDylib(name string) *Builder {
	b.dylibs = append(b.dylibs, dylib{name: name, cmd: types.LC_LOAD_DYLIB})
	return b
}

// SetBuildVersion adds an LC_BUILD_VERSION command. minos is encoded
// as xxxx.yy.zz nibbles, e.g. 14<<16 for 14.0.
func (b *Builder) SetBuildVersion(platform types.Platform, minos, sdk uint32) *Builder {
	b.buildPlatform, b.buildMinos, b.buildSdk = platform, minos, sdk
	b.hasBuildVer = true
	return b
}

func dylibCmdSize(name string) uint32 {
	n := uint32(24 + len(name) + 1)
	return (n + 7) &^ 7
}

// Build serializes the image.
func (b *Builder) Build() ([]byte, error) {
	le := binary.LittleEndian

	// Symbol, string and indirect tables go in an appended __LINKEDIT
	// segment.
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	var symdat bytes.Buffer
	for _, sym := range b.symbols {
		strx := uint32(strtab.Len())
		strtab.WriteString(sym.name)
		strtab.WriteByte(0)
		binary.Write(&symdat, le, types.Nlist64{
			Name:  strx,
			Type:  types.NType(sym.typ),
			Sect:  sym.sect,
			Desc:  sym.desc,
			Value: sym.value,
		})
	}
	var inddat bytes.Buffer
	binary.Write(&inddat, le, b.indirect)

	// Assign file regions: segment k occupies [fileOff, fileOff+size).
	type segLayout struct {
		seg     *segment
		fileOff uint64
	}
	var layouts []segLayout
	var fileOff uint64
	for _, seg := range b.segments {
		layouts = append(layouts, segLayout{seg: seg, fileOff: fileOff})
		fileOff += seg.size
	}
	linkeditOff := fileOff
	symOff := linkeditOff
	strOff := symOff + uint64(symdat.Len())
	indOff := strOff + uint64(strtab.Len())
	total := indOff + uint64(inddat.Len())

	ncmds := uint32(len(b.segments)) + 1 /*linkedit*/ + 2 /*symtab+dysymtab*/ + uint32(len(b.dylibs))
	sizeofcmds := uint32(0)
	for _, seg := range b.segments {
		sizeofcmds += segCmdSize + sectHdrSize*uint32(len(seg.sections))
	}
	sizeofcmds += segCmdSize // __LINKEDIT
	sizeofcmds += symtabSize + dysymtabSize
	for _, d := range b.dylibs {
		sizeofcmds += dylibCmdSize(d.name)
	}
	if b.hasBuildVer {
		ncmds++
		sizeofcmds += 24
	}

	if len(b.segments) == 0 || b.segments[0].size < uint64(hdrSize+sizeofcmds) {
		return nil, fmt.Errorf("first segment too small for header and %d bytes of load commands", sizeofcmds)
	}

	out := make([]byte, total)
	w := bytes.NewBuffer(out[:0])

	// mach_header_64
	binary.Write(w, le, uint32(types.Magic64))
	binary.Write(w, le, uint32(b.cpu))
	binary.Write(w, le, uint32(b.subCPU))
	binary.Write(w, le, uint32(b.fileType))
	binary.Write(w, le, ncmds)
	binary.Write(w, le, sizeofcmds)
	binary.Write(w, le, uint32(types.DyldLink|types.PIE))
	binary.Write(w, le, uint32(0))

	var name16 [16]byte
	putName := func(s string) [16]byte {
		name16 = [16]byte{}
		copy(name16[:], s)
		return name16
	}

	for _, l := range layouts {
		seg := l.seg
		binary.Write(w, le, uint32(types.LC_SEGMENT_64))
		binary.Write(w, le, segCmdSize+sectHdrSize*uint32(len(seg.sections)))
		binary.Write(w, le, putName(seg.name))
		binary.Write(w, le, seg.addr)
		binary.Write(w, le, seg.size)
		binary.Write(w, le, l.fileOff)
		binary.Write(w, le, seg.size)
		binary.Write(w, le, seg.prot) // maxprot
		binary.Write(w, le, seg.prot) // initprot
		binary.Write(w, le, uint32(len(seg.sections)))
		binary.Write(w, le, uint32(0)) // flags
		for _, sec := range seg.sections {
			if sec.addr < seg.addr || sec.addr+uint64(len(sec.data)) > seg.addr+seg.size {
				return nil, fmt.Errorf("section %s.%s outside its segment", seg.name, sec.name)
			}
			binary.Write(w, le, putName(sec.name))
			binary.Write(w, le, putName(seg.name))
			binary.Write(w, le, sec.addr)
			binary.Write(w, le, uint64(len(sec.data)))
			binary.Write(w, le, uint32(l.fileOff+(sec.addr-seg.addr)))
			binary.Write(w, le, uint32(2))  // align 2^2
			binary.Write(w, le, uint32(0))  // reloff
			binary.Write(w, le, uint32(0))  // nreloc
			binary.Write(w, le, uint32(sec.flags))
			binary.Write(w, le, sec.reserved1)
			binary.Write(w, le, sec.reserved2)
			binary.Write(w, le, uint32(0)) // reserved3
		}
	}

	// __LINKEDIT
	linkeditSize := total - linkeditOff
	binary.Write(w, le, uint32(types.LC_SEGMENT_64))
	binary.Write(w, le, uint32(segCmdSize))
	binary.Write(w, le, putName("__LINKEDIT"))
	binary.Write(w, le, uint64(0x200000000))
	binary.Write(w, le, linkeditSize)
	binary.Write(w, le, linkeditOff)
	binary.Write(w, le, linkeditSize)
	binary.Write(w, le, int32(1))
	binary.Write(w, le, int32(1))
	binary.Write(w, le, uint32(0))
	binary.Write(w, le, uint32(0))

	// LC_SYMTAB
	binary.Write(w, le, uint32(types.LC_SYMTAB))
	binary.Write(w, le, uint32(symtabSize))
	binary.Write(w, le, uint32(symOff))
	binary.Write(w, le, uint32(len(b.symbols)))
	binary.Write(w, le, uint32(strOff))
	binary.Write(w, le, uint32(strtab.Len()))

	// LC_DYSYMTAB
	nundef := len(b.symbols) - b.nlocal - b.nextdef
	binary.Write(w, le, uint32(types.LC_DYSYMTAB))
	binary.Write(w, le, uint32(dysymtabSize))
	binary.Write(w, le, uint32(0))                   // ilocalsym
	binary.Write(w, le, uint32(b.nlocal))            // nlocalsym
	binary.Write(w, le, uint32(b.nlocal))            // iextdefsym
	binary.Write(w, le, uint32(b.nextdef))           // nextdefsym
	binary.Write(w, le, uint32(b.nlocal+b.nextdef))  // iundefsym
	binary.Write(w, le, uint32(nundef))              // nundefsym
	for i := 0; i < 6; i++ {
		binary.Write(w, le, uint32(0)) // toc..nextrefsyms
	}
	binary.Write(w, le, uint32(indOff))
	binary.Write(w, le, uint32(len(b.indirect)))
	binary.Write(w, le, uint64(0)) // extrel
	binary.Write(w, le, uint64(0)) // locrel

	for _, d := range b.dylibs {
		sz := dylibCmdSize(d.name)
		binary.Write(w, le, uint32(d.cmd))
		binary.Write(w, le, sz)
		binary.Write(w, le, uint32(24)) // name offset
		binary.Write(w, le, uint32(2))  // timestamp
		binary.Write(w, le, uint32(0x10000))
		binary.Write(w, le, uint32(0x10000))
		pad := make([]byte, sz-24)
		copy(pad, d.name)
		w.Write(pad)
	}

	if b.hasBuildVer {
		binary.Write(w, le, uint32(types.LC_BUILD_VERSION))
		binary.Write(w, le, uint32(24))
		binary.Write(w, le, uint32(b.buildPlatform))
		binary.Write(w, le, b.buildMinos)
		binary.Write(w, le, b.buildSdk)
		binary.Write(w, le, uint32(0)) // ntools
	}

	hdr := w.Bytes()
	if len(hdr) != int(hdrSize+sizeofcmds) {
		return nil, fmt.Errorf("load command layout drifted: wrote %d, declared %d", len(hdr), hdrSize+sizeofcmds)
	}
	copy(out, hdr)

	// Section contents.
	for _, l := range layouts {
		for _, sec := range l.seg.sections {
			off := l.fileOff + (sec.addr - l.seg.addr)
			// Sections in the first segment must leave room for the
			// header; callers pick addresses accordingly.
			if l.fileOff == 0 && off < uint64(len(hdr)) {
				return nil, fmt.Errorf("section %s.%s overlaps load commands", l.seg.name, sec.name)
			}
			copy(out[off:], sec.data)
		}
	}

	copy(out[symOff:], symdat.Bytes())
	copy(out[strOff:], strtab.Bytes())
	copy(out[indOff:], inddat.Bytes())

	return out, nil
}

// FatPair wraps two thin images in a 32-bit fat archive.
func FatPair(cpus []types.CPU, subs []types.CPUSubtype, images [][]byte) []byte {
	bo := binary.BigEndian
	var out bytes.Buffer
	binary.Write(&out, bo, uint32(types.MagicFat))
	binary.Write(&out, bo, uint32(len(images)))

	align := uint32(14) // 16k pages
	offset := uint32(1) << align
	var offsets []uint32
	for _, img := range images {
		offsets = append(offsets, offset)
		offset += uint32(len(img))
		offset = (offset + (1 << align) - 1) &^ (1<<align - 1)
	}

	for i := range images {
		binary.Write(&out, bo, uint32(cpus[i]))
		binary.Write(&out, bo, uint32(subs[i]))
		binary.Write(&out, bo, offsets[i])
		binary.Write(&out, bo, uint32(len(images[i])))
		binary.Write(&out, bo, align)
	}

	buf := make([]byte, int(offsets[len(offsets)-1])+len(images[len(images)-1]))
	copy(buf, out.Bytes())
	for i, img := range images {
		copy(buf[offsets[i]:], img)
	}
	return buf
}

// Word encodes a little-endian 32-bit instruction stream.
func Word(words ...uint32) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, words)
	return buf.Bytes()
}

// Struct serializes v little-endian.
func Struct(v interface{}) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// Cat concatenates byte slices.
func Cat(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		buf.Write(p)
	}
	return buf.Bytes()
}
