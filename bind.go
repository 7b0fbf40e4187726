package macho

import (
	"bytes"
	"fmt"

	"github.com/appsworld/machalyzer/pkg/trie"
	"github.com/appsworld/machalyzer/types"
)

// A Bind is one location dyld will overwrite at load time, recovered
// from the LC_DYLD_INFO bind or lazy-bind opcode stream.
type Bind struct {
	Name           string
	Kind           uint8
	LibraryOrdinal int
	Addend         int64
	SegmentIndex   int
	SegmentOffset  uint64
	Address        uint64
	Lazy           bool
}

func (b Bind) String() string {
	return fmt.Sprintf("%#016x %s (ordinal %d)", b.Address, b.Name, b.LibraryOrdinal)
}

// DyldBinds walks the bind and lazy-bind opcode streams and returns
// every bind record. Binaries without LC_DYLD_INFO return no binds and
// no error.
func (f *File) DyldBinds() ([]Bind, error) {
	if f.dyldInfo == nil {
		return nil, nil
	}

	var binds []Bind
	if f.dyldInfo.BindSize > 0 {
		dat := make([]byte, f.dyldInfo.BindSize)
		if err := f.ReadAtOffset(dat, int64(f.dyldInfo.BindOff)); err != nil {
			return nil, fmt.Errorf("failed to read bind stream: %w", err)
		}
		bs, err := f.parseBindStream(dat, false)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bind stream: %v", err)
		}
		binds = append(binds, bs...)
	}
	if f.dyldInfo.LazyBindSize > 0 {
		dat := make([]byte, f.dyldInfo.LazyBindSize)
		if err := f.ReadAtOffset(dat, int64(f.dyldInfo.LazyBindOff)); err != nil {
			return nil, fmt.Errorf("failed to read lazy bind stream: %w", err)
		}
		bs, err := f.parseBindStream(dat, true)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lazy bind stream: %v", err)
		}
		binds = append(binds, bs...)
	}
	return binds, nil
}

// parseBindStream runs the bind opcode stack machine. The stream sets
// up a (dylib ordinal, symbol name, segment, offset) state and applies
// it with DO_BIND opcodes; lazy streams restart state at each DONE.
func (f *File) parseBindStream(dat []byte, lazy bool) ([]Bind, error) {
	segs := f.Segments()
	ptr := f.pointerSize()

	var binds []Bind
	var cur Bind
	cur.Lazy = lazy

	bindAt := func() error {
		if cur.SegmentIndex < 0 || cur.SegmentIndex >= len(segs) {
			return fmt.Errorf("bind segment index %d out of range", cur.SegmentIndex)
		}
		b := cur
		b.Address = segs[cur.SegmentIndex].Addr + cur.SegmentOffset
		b.Name = f.internString(b.Name)
		binds = append(binds, b)
		cur.SegmentOffset += ptr
		return nil
	}

	r := bytes.NewReader(dat)
	for {
		op, err := r.ReadByte()
		if err != nil {
			break // end of stream
		}
		imm := op & types.BIND_IMMEDIATE_MASK
		switch op & types.BIND_OPCODE_MASK {
		case types.BIND_OPCODE_DONE:
			if !lazy {
				return binds, nil
			}
			// Lazy streams contain one helper record per symbol,
			// each terminated by DONE.
			cur = Bind{Lazy: lazy}
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			cur.LibraryOrdinal = int(imm)
		case types.BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			v, err := trie.ReadUleb128(r)
			if err != nil {
				return nil, err
			}
			cur.LibraryOrdinal = int(v)
		case types.BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				cur.LibraryOrdinal = 0
			} else {
				// Sign-extend the 4-bit immediate.
				cur.LibraryOrdinal = int(int8(types.BIND_OPCODE_MASK | imm))
			}
		case types.BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			name, err := readBindString(r)
			if err != nil {
				return nil, err
			}
			cur.Name = name
		case types.BIND_OPCODE_SET_TYPE_IMM:
			cur.Kind = imm
		case types.BIND_OPCODE_SET_ADDEND_SLEB:
			v, err := trie.ReadSleb128(r)
			if err != nil {
				return nil, err
			}
			cur.Addend = v
		case types.BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			v, err := trie.ReadUleb128(r)
			if err != nil {
				return nil, err
			}
			cur.SegmentIndex = int(imm)
			cur.SegmentOffset = v
		case types.BIND_OPCODE_ADD_ADDR_ULEB:
			v, err := trie.ReadUleb128(r)
			if err != nil {
				return nil, err
			}
			cur.SegmentOffset += v
		case types.BIND_OPCODE_DO_BIND:
			if err := bindAt(); err != nil {
				return nil, err
			}
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			if err := bindAt(); err != nil {
				return nil, err
			}
			v, err := trie.ReadUleb128(r)
			if err != nil {
				return nil, err
			}
			cur.SegmentOffset += v
		case types.BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			if err := bindAt(); err != nil {
				return nil, err
			}
			cur.SegmentOffset += uint64(imm) * ptr
		case types.BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			count, err := trie.ReadUleb128(r)
			if err != nil {
				return nil, err
			}
			skip, err := trie.ReadUleb128(r)
			if err != nil {
				return nil, err
			}
			for i := uint64(0); i < count; i++ {
				if err := bindAt(); err != nil {
					return nil, err
				}
				cur.SegmentOffset += skip
			}
		default:
			return nil, fmt.Errorf("unknown bind opcode %#x", op)
		}
	}
	return binds, nil
}

func readBindString(r *bytes.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", fmt.Errorf("unterminated symbol name in bind stream: %v", err)
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}
