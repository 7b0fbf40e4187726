// Package trie decodes the dyld export trie emitted behind
// LC_DYLD_EXPORTS_TRIE or the LC_DYLD_INFO export stream.
package trie

import (
	"bytes"
	"fmt"
	"io"

	"github.com/appsworld/machalyzer/types"
)

// An Entry is one exported symbol recovered from the trie.
type Entry struct {
	Name     string
	Flags    types.ExportFlag
	Address  uint64
	Other    uint64 // resolver stub address, or re-export ordinal
	ReExport string // name in the source dylib when re-exported
}

func (e Entry) String() string {
	if e.Flags.ReExport() {
		return fmt.Sprintf("%#016x: %s (re-exported as %s)", e.Address, e.Name, e.ReExport)
	}
	if e.Flags.StubAndResolver() {
		return fmt.Sprintf("%#016x: %s (stub, resolver %#x)", e.Address, e.Name, e.Other)
	}
	return fmt.Sprintf("%#016x: %s", e.Address, e.Name)
}

// ReadUleb128 decodes one unsigned LEB128 value from r.
func ReadUleb128(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint64
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil {
			return 0, fmt.Errorf("could not parse ULEB128 value: %v", err)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("ULEB128 value overflows uint64")
		}
	}
	return result, nil
}

// ReadSleb128 decodes one signed LEB128 value from r.
func ReadSleb128(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil {
			return 0, fmt.Errorf("could not parse SLEB128 value: %v", err)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// Parse walks the whole trie and returns every terminal entry.
// Regular export addresses are image-relative; loadAddress rebases them.
func Parse(data []byte, loadAddress uint64) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := walk(data, 0, "", loadAddress, &entries, 0); err != nil {
		return nil, err
	}
	return entries, nil
}

const maxDepth = 512 // cycle guard; real tries are a few levels deep

func walk(data []byte, offset uint64, prefix string, loadAddress uint64, entries *[]Entry, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("export trie is cyclic or deeper than %d levels", maxDepth)
	}
	if offset >= uint64(len(data)) {
		return fmt.Errorf("export trie node offset %#x out of range", offset)
	}
	r := bytes.NewReader(data[offset:])

	terminalSize, err := ReadUleb128(r)
	if err != nil {
		return err
	}

	if terminalSize != 0 {
		e := Entry{Name: prefix}
		flags, err := ReadUleb128(r)
		if err != nil {
			return err
		}
		e.Flags = types.ExportFlag(flags)
		switch {
		case e.Flags.ReExport():
			ordinal, err := ReadUleb128(r)
			if err != nil {
				return err
			}
			e.Other = ordinal
			name, err := readCstring(r)
			if err != nil {
				return err
			}
			e.ReExport = name
		case e.Flags.StubAndResolver():
			stub, err := ReadUleb128(r)
			if err != nil {
				return err
			}
			resolver, err := ReadUleb128(r)
			if err != nil {
				return err
			}
			e.Address = stub + loadAddress
			e.Other = resolver + loadAddress
		default:
			addr, err := ReadUleb128(r)
			if err != nil {
				return err
			}
			e.Address = addr
			if !e.Flags.Absolute() {
				e.Address += loadAddress
			}
		}
		*entries = append(*entries, e)
	}

	// Children follow the terminal payload; re-seek past it since the
	// payload length is authoritative, not our parse of it.
	r = bytes.NewReader(data[offset:])
	skip, err := ReadUleb128(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(int64(skip), io.SeekCurrent); err != nil {
		return err
	}

	childCount, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read child count: %v", err)
	}
	for i := 0; i < int(childCount); i++ {
		edge, err := readCstring(r)
		if err != nil {
			return err
		}
		childOffset, err := ReadUleb128(r)
		if err != nil {
			return err
		}
		if err := walk(data, childOffset, prefix+edge, loadAddress, entries, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func readCstring(r *bytes.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("unterminated string in export trie: %v", err)
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}
