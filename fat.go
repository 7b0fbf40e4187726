package macho

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/appsworld/machalyzer/types"
)

// A FatArch is one slice descriptor of a fat archive, together with the
// parsed slice itself.
type FatArch struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint64
	Size   uint64
	Align  uint32

	*File
}

func (fa FatArch) String() string {
	return fmt.Sprintf("%s (%s) off=%#x size=%#x align=2^%d",
		fa.CPU, fa.SubCPU.String(fa.CPU), fa.Offset, fa.Size, fa.Align)
}

// A FatFile is a Mach-O universal archive. A thin Mach-O is modeled as
// a one-slice archive with offset 0 spanning the whole file.
type FatFile struct {
	Magic  types.Magic
	Arches []FatArch

	closer io.Closer
}

// Open opens the named file and parses it as a fat archive or thin Mach-O.
func Open(name string) (*FatFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	ff, err := Parse(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	ff.closer = f
	return ff, nil
}

// Parse reads r as a fat archive or a thin Mach-O. The magic decides:
// FAT magics dispatch to the fat layout, thin magics produce a
// single-slice archive at offset 0, anything else is ErrNotAMachO.
func Parse(r io.ReaderAt) (*FatFile, error) {
	var ident [4]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", ErrTruncatedBinary)
	}

	// Fat headers are always big-endian on disk.
	switch m := types.Magic(binary.BigEndian.Uint32(ident[:])); m {
	case types.MagicFat, types.MagicFat64:
		return newFatFile(r, m)
	}

	be := types.Magic(binary.BigEndian.Uint32(ident[:]))
	le := types.Magic(binary.LittleEndian.Uint32(ident[:]))
	if be&^1 != types.Magic32&^1 && le&^1 != types.Magic32&^1 {
		return nil, ErrNotAMachO
	}

	// Thin Mach-O: one slice spanning the whole file.
	size := readerSize(r)
	f, err := NewFile(r, FileConfig{Offset: 0, Size: size})
	if err != nil {
		return nil, err
	}
	return &FatFile{
		Magic: f.Magic,
		Arches: []FatArch{{
			CPU:    f.CPU,
			SubCPU: f.SubCPU,
			Offset: 0,
			Size:   uint64(size),
			File:   f,
		}},
	}, nil
}

func newFatFile(r io.ReaderAt, magic types.Magic) (*FatFile, error) {
	ff := &FatFile{Magic: magic}

	var hdr types.FatHeader
	sr := io.NewSectionReader(r, 0, 1<<63-1)
	if err := binary.Read(sr, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read fat header: %w", ErrTruncatedBinary)
	}
	if hdr.Count == 0 {
		return nil, &FormatError{0, "fat archive has no slices", nil}
	}

	fileSize := readerSize(r)

	for i := uint32(0); i < hdr.Count; i++ {
		var fa FatArch
		if magic == types.MagicFat64 {
			var rec types.FatArch64Header
			if err := binary.Read(sr, binary.BigEndian, &rec); err != nil {
				return nil, fmt.Errorf("failed to read fat_arch_64 %d: %w", i, ErrTruncatedBinary)
			}
			fa = FatArch{CPU: rec.CPU, SubCPU: rec.SubCPU, Offset: rec.Offset, Size: rec.Size, Align: rec.Align}
		} else {
			var rec types.FatArchHeader
			if err := binary.Read(sr, binary.BigEndian, &rec); err != nil {
				return nil, fmt.Errorf("failed to read fat_arch %d: %w", i, ErrTruncatedBinary)
			}
			fa = FatArch{CPU: rec.CPU, SubCPU: rec.SubCPU, Offset: uint64(rec.Offset), Size: uint64(rec.Size), Align: rec.Align}
		}
		if fileSize > 0 && fa.Offset+fa.Size > uint64(fileSize) {
			return nil, &FormatError{int64(fa.Offset), "fat slice extends past end of file", fa.CPU}
		}
		ff.Arches = append(ff.Arches, fa)
	}

	// Slice extents must not overlap.
	sorted := make([]FatArch, len(ff.Arches))
	copy(sorted, ff.Arches)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].Offset+sorted[i-1].Size > sorted[i].Offset {
			return nil, &FormatError{int64(sorted[i].Offset), "overlapping fat slices", nil}
		}
	}

	for i := range ff.Arches {
		fa := &ff.Arches[i]
		f, err := NewFile(r, FileConfig{Offset: int64(fa.Offset), Size: int64(fa.Size)})
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s slice: %v", fa.CPU, err)
		}
		fa.File = f
	}

	return ff, nil
}

// Slices returns the parsed slices in archive order.
func (ff *FatFile) Slices() []*File {
	var out []*File
	for i := range ff.Arches {
		out = append(out, ff.Arches[i].File)
	}
	return out
}

// Arm64Slice returns the first ARM64 slice, or nil if the archive has none.
func (ff *FatFile) Arm64Slice() *File {
	for i := range ff.Arches {
		if ff.Arches[i].CPU.IsArm64() {
			return ff.Arches[i].File
		}
	}
	return nil
}

func (ff *FatFile) Close() error {
	var err error
	if ff.closer != nil {
		err = ff.closer.Close()
		ff.closer = nil
	}
	return err
}

// readerSize reports the total size of r when it is discoverable
// (os.File, bytes.Reader, io.SectionReader), otherwise a very large bound.
func readerSize(r io.ReaderAt) int64 {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size()
	case interface{ Stat() (os.FileInfo, error) }:
		if fi, err := v.Stat(); err == nil {
			return fi.Size()
		}
	}
	return 1<<63 - 1
}
