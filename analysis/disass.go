// Package analysis answers cross-reference and dataflow queries about
// the ARM64 code of a parsed Mach-O slice: function boundaries, basic
// blocks, per-instruction register contents, Objective-C call sites
// and string-literal references.
package analysis

import (
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// ErrInvalidBytecode reports a decode failure inside a function. The
// whole containing function is abandoned for cross-reference purposes;
// the rest of the binary proceeds.
var ErrInvalidBytecode = errors.New("invalid bytecode")

// An Instruction is one decoded ARM64 instruction. The raw word is
// kept alongside the decoded form because the decoder does not expose
// every immediate operand value; those are extracted from the encoding.
type Instruction struct {
	Address uint64
	Raw     uint32
	Inst    arm64asm.Inst
}

func (i Instruction) String() string {
	return fmt.Sprintf("%#x: %s", i.Address, arm64asm.GoSyntax(i.Inst, i.Address, nil, nil))
}

// decodeInstruction decodes the four bytes of one instruction word.
func decodeInstruction(code []byte, addr uint64) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, fmt.Errorf("%w: %d trailing bytes at %#x", ErrInvalidBytecode, len(code), addr)
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return Instruction{}, fmt.Errorf("%w at %#x: %v", ErrInvalidBytecode, addr, err)
	}
	// The instruction stream is always little-endian.
	raw := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
	return Instruction{Address: addr, Raw: raw, Inst: inst}, nil
}

// IsRet reports a return instruction.
func (i Instruction) IsRet() bool { return i.Inst.Op == arm64asm.RET }

// IsCall reports bl or blr.
func (i Instruction) IsCall() bool {
	return i.Inst.Op == arm64asm.BL || i.Inst.Op == arm64asm.BLR
}

// IsConditionalBranch reports b.cond, cbz/cbnz and tbz/tbnz.
func (i Instruction) IsConditionalBranch() bool {
	switch i.Inst.Op {
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	case arm64asm.B:
		_, cond := i.Inst.Args[0].(arm64asm.Cond)
		return cond
	}
	return false
}

// IsUnconditionalBranch reports plain b and the indirect br.
func (i Instruction) IsUnconditionalBranch() bool {
	switch i.Inst.Op {
	case arm64asm.BR:
		return true
	case arm64asm.B:
		_, cond := i.Inst.Args[0].(arm64asm.Cond)
		return !cond
	}
	return false
}

// IsBranch reports any control-flow instruction: b, b.cond, cbz/cbnz,
// tbz/tbnz, bl, blr, br, ret. The instruction after any of these
// starts a basic block.
func (i Instruction) IsBranch() bool {
	switch i.Inst.Op {
	case arm64asm.B, arm64asm.BL, arm64asm.BLR, arm64asm.BR, arm64asm.RET,
		arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	}
	return false
}

// IsDirectBranch reports a branch with an immediate destination that
// stays inside the function's control flow (calls excluded).
func (i Instruction) IsDirectBranch() bool {
	switch i.Inst.Op {
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		return true
	case arm64asm.B:
		return true
	}
	return false
}

// BranchTarget returns the destination of a direct branch or call.
func (i Instruction) BranchTarget() (uint64, bool) {
	switch i.Inst.Op {
	case arm64asm.B, arm64asm.BL, arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
	default:
		return 0, false
	}
	for _, arg := range i.Inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return uint64(int64(i.Address) + int64(rel)), true
		}
	}
	return 0, false
}

// xreg maps a decoded register argument to its general-purpose
// register index (x0..x30 / w0..w30). The zero register and sp do not
// map.
func xreg(a arm64asm.Arg) (int, bool) {
	switch r := a.(type) {
	case arm64asm.Reg:
		if r >= arm64asm.X0 && r <= arm64asm.X30 {
			return int(r - arm64asm.X0), true
		}
		if r >= arm64asm.W0 && r <= arm64asm.W30 {
			return int(r - arm64asm.W0), true
		}
	case arm64asm.RegSP:
		return xreg(arm64asm.Reg(r))
	}
	return 0, false
}

func isZeroReg(a arm64asm.Arg) bool {
	if r, ok := a.(arm64asm.Reg); ok {
		return r == arm64asm.XZR || r == arm64asm.WZR
	}
	return false
}

// Encoding field helpers. Several of the decoder's immediate argument
// types keep their values unexported, so the handful of fields the dataflow rules
// need are pulled straight out of the instruction word.

func (i Instruction) rd() int { return int(i.Raw & 0x1f) }
func (i Instruction) rn() int { return int((i.Raw >> 5) & 0x1f) }

// movImm16 extracts the imm16/hw pair of movz/movk/movn.
func (i Instruction) movImm16() (value uint64, shift uint) {
	imm16 := uint64((i.Raw >> 5) & 0xffff)
	hw := uint((i.Raw >> 21) & 0x3)
	return imm16, hw * 16
}

// adrImm extracts the signed 21-bit immediate shared by adr and adrp.
func (i Instruction) adrImm() int64 {
	immhi := uint64((i.Raw >> 5) & 0x7ffff)
	immlo := uint64((i.Raw >> 29) & 0x3)
	imm := immhi<<2 | immlo
	// Sign-extend 21 bits.
	if imm&(1<<20) != 0 {
		var allOnes uint64 = ^uint64(0)
		imm |= allOnes << 21
	}
	return int64(imm)
}

// adrpTarget computes the page address produced by adrp.
func (i Instruction) adrpTarget() uint64 {
	return (i.Address &^ 0xfff) + uint64(i.adrImm()<<12)
}

// adrTarget computes the address produced by adr.
func (i Instruction) adrTarget() uint64 {
	return i.Address + uint64(i.adrImm())
}

// addImm extracts the shifted imm12 of an add-immediate; ok is false
// for the register forms.
func (i Instruction) addImm() (uint64, bool) {
	if _, isImm := i.Inst.Args[2].(arm64asm.ImmShift); !isImm {
		return 0, false
	}
	imm12 := uint64((i.Raw >> 10) & 0xfff)
	if (i.Raw>>22)&0x1 == 1 {
		imm12 <<= 12
	}
	return imm12, true
}

// ldrImmOffset extracts the scaled unsigned offset of an
// ldr-immediate with base-register addressing. ok is false for
// literal, pre/post-indexed and unscaled forms.
func (i Instruction) ldrImmOffset() (base int, offset uint64, ok bool) {
	mem, isMem := i.Inst.Args[1].(arm64asm.MemImmediate)
	if !isMem || mem.Mode != arm64asm.AddrOffset {
		return 0, 0, false
	}
	base, ok = xreg(mem.Base)
	if !ok {
		return 0, 0, false
	}
	imm12 := uint64((i.Raw >> 10) & 0xfff)
	switch i.Raw & 0xffc00000 {
	case 0xf9400000: // ldr Xt, [Xn, #imm]
		return base, imm12 << 3, true
	case 0xb9400000: // ldr Wt, [Xn, #imm]
		return base, imm12 << 2, true
	}
	return 0, 0, false
}
