package macho

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Address translation and bounds-checked reads over one slice's extent.
// A read past the slice's extent reports ErrTruncatedBinary; a virtual
// address outside every segment reports GetOffset's error instead. The
// caller decides whether either is fatal.

// GetOffset returns the file offset (within the slice) for a given
// virtual address.
func (f *File) GetOffset(address uint64) (uint64, error) {
	for _, seg := range f.Segments() {
		if seg.Addr <= address && address < seg.Addr+seg.Memsz {
			return (address - seg.Addr) + seg.Offset, nil
		}
	}
	return 0, fmt.Errorf("address %#x not within any segment's address range", address)
}

// GetVMAddress returns the virtual address for a given file offset.
func (f *File) GetVMAddress(offset uint64) (uint64, error) {
	for _, seg := range f.Segments() {
		if seg.Offset <= offset && offset < seg.Offset+seg.Filesz {
			return (offset - seg.Offset) + seg.Addr, nil
		}
	}
	return 0, fmt.Errorf("offset %#x not within any segment's file offset range", offset)
}

// ReadAtOffset fills buf from the given file offset within the slice.
func (f *File) ReadAtOffset(buf []byte, offset int64) error {
	if offset < 0 || uint64(offset)+uint64(len(buf)) > f.sliceSize {
		return fmt.Errorf("read of %d bytes at offset %#x: %w", len(buf), offset, ErrTruncatedBinary)
	}
	if _, err := f.sr.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("read of %d bytes at offset %#x: %w", len(buf), offset, ErrTruncatedBinary)
	}
	return nil
}

// ReadAtAddr fills buf from the given virtual address.
func (f *File) ReadAtAddr(buf []byte, vmAddr uint64) error {
	off, err := f.GetOffset(vmAddr)
	if err != nil {
		return err
	}
	return f.ReadAtOffset(buf, int64(off))
}

// ReadU32 reads a 32-bit word at the given virtual address.
func (f *File) ReadU32(vmAddr uint64) (uint32, error) {
	var buf [4]byte
	if err := f.ReadAtAddr(buf[:], vmAddr); err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint32(buf[:]), nil
}

// ReadU64 reads a 64-bit word at the given virtual address.
func (f *File) ReadU64(vmAddr uint64) (uint64, error) {
	var buf [8]byte
	if err := f.ReadAtAddr(buf[:], vmAddr); err != nil {
		return 0, err
	}
	return f.ByteOrder.Uint64(buf[:]), nil
}

// ReadPointer reads a pointer-sized word at the given virtual address.
func (f *File) ReadPointer(vmAddr uint64) (uint64, error) {
	if f.Is64bit() {
		return f.ReadU64(vmAddr)
	}
	v, err := f.ReadU32(vmAddr)
	return uint64(v), err
}

// GetCString returns the NUL-terminated string at a given virtual
// address in the slice.
func (f *File) GetCString(strVMAddr uint64) (string, error) {
	strOffset, err := f.GetOffset(strVMAddr)
	if err != nil {
		return "", fmt.Errorf("failed to get offset for cstring at %#x: %w", strVMAddr, err)
	}
	return f.GetCStringAtOffset(int64(strOffset))
}

// GetCStringAtOffset returns the NUL-terminated string at a given file
// offset within the slice.
func (f *File) GetCStringAtOffset(strOffset int64) (string, error) {
	if strOffset < 0 || uint64(strOffset) >= f.sliceSize {
		return "", fmt.Errorf("cstring offset %#x: %w", strOffset, ErrTruncatedBinary)
	}
	r := io.NewSectionReader(f.sr, strOffset, int64(f.sliceSize)-strOffset)
	s, err := bufio.NewReader(r).ReadString('\x00')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read string at offset %#x: %v", strOffset, err)
	}
	return f.internString(strings.TrimRight(s, "\x00")), nil
}

// internString returns a canonical copy of s. Symbol and selector
// names recur constantly; interning keeps one copy per slice.
func (f *File) internString(s string) string {
	if canon, ok := f.strs[s]; ok {
		return canon
	}
	s = strings.ToValidUTF8(s, "�")
	f.strs[s] = s
	return s
}
