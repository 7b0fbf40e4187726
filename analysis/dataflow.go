package analysis

import (
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// RegisterContentsType tags what has been proved about a register.
type RegisterContentsType int

const (
	// Unknown means nothing could be proved.
	Unknown RegisterContentsType = iota
	// Immediate means the register holds a known constant.
	Immediate
	// MemoryAddress means the register holds a known address.
	MemoryAddress
	// FunctionArgument means the register still holds the caller's
	// n-th argument.
	FunctionArgument
)

func (t RegisterContentsType) String() string {
	switch t {
	case Immediate:
		return "immediate"
	case MemoryAddress:
		return "memory-address"
	case FunctionArgument:
		return "function-argument"
	}
	return "unknown"
}

// RegisterContents is what the dataflow analysis proved about one
// register at one instruction.
type RegisterContents struct {
	Type     RegisterContentsType
	Value    uint64 // immediate value or address
	ArgIndex int    // argument number for FunctionArgument

	// Symbol is the imported symbol bound at Value, when Value is a
	// lazy or non-lazy bound pointer.
	Symbol string
	// Literal is the string at Value, when Value lands in a string
	// literal section.
	Literal string
}

// regState augments the public contents with provenance used by the
// cross-reference pass: src is the instruction that began producing
// the value (the adrp of an adrp+add pair), derefFrom the slot a load
// went through.
type regState struct {
	RegisterContents
	src       uint64
	derefFrom uint64
}

type regFile [31]regState

// entryRegFile is the register state at a function entry point: x0..x7
// hold the caller's arguments, everything else is unknown.
func entryRegFile() regFile {
	var regs regFile
	for i := 0; i < 8; i++ {
		regs[i] = regState{RegisterContents: RegisterContents{Type: FunctionArgument, ArgIndex: i}}
	}
	return regs
}

// GetRegisterContentsAtInstruction reports the contents of register
// x<register> immediately before the given instruction executes. The
// analysis is deliberately block-local: state enters a non-entry basic
// block fully unknown, so no fixpoint is required, and the result
// depends only on the block's instructions and the parsed binary.
func (fa *FunctionAnalyzer) GetRegisterContentsAtInstruction(register int, instr Instruction) RegisterContents {
	if register < 0 || register > 30 {
		return RegisterContents{}
	}
	block, ok := fa.blockContaining(instr.Address)
	if !ok {
		return RegisterContents{}
	}

	var regs regFile
	if block.Start == fa.entry {
		regs = entryRegFile()
	}
	for _, in := range fa.instructions {
		if in.Address < block.Start || in.Address >= instr.Address {
			continue
		}
		fa.a.apply(in, &regs)
	}
	return regs[register].RegisterContents
}

// apply executes the dataflow transfer function of one instruction
// over the register file.
func (a *Analyzer) apply(instr Instruction, regs *regFile) {
	op := instr.Inst.Op
	args := instr.Inst.Args

	set := func(d int, st regState) {
		if d >= 0 && d <= 30 {
			regs[d] = st
		}
	}
	clobber := func() {
		if d, ok := xreg(args[0]); ok && writesFirstArg(op) {
			set(d, regState{})
		}
	}

	switch op {
	case arm64asm.MOV:
		d, ok := xreg(args[0])
		if !ok {
			return
		}
		switch src := args[1].(type) {
		case arm64asm.Imm64:
			set(d, regState{RegisterContents: RegisterContents{Type: Immediate, Value: src.Imm}, src: instr.Address})
		case arm64asm.Imm:
			set(d, regState{RegisterContents: RegisterContents{Type: Immediate, Value: uint64(src.Imm)}, src: instr.Address})
		case arm64asm.Reg, arm64asm.RegSP:
			if isZeroReg(args[1]) {
				set(d, regState{RegisterContents: RegisterContents{Type: Immediate, Value: 0}, src: instr.Address})
				return
			}
			if s, ok := xreg(args[1]); ok {
				set(d, regs[s])
			} else {
				set(d, regState{})
			}
		default:
			// Wide-immediate alias whose argument form varies across
			// decoder versions: fall back to the encoding.
			if instr.Raw&0x7f800000 == 0x52800000 {
				imm, shift := instr.movImm16()
				set(d, regState{RegisterContents: RegisterContents{Type: Immediate, Value: imm << shift}, src: instr.Address})
				return
			}
			set(d, regState{})
		}

	case arm64asm.ORR:
		// mov-register spelled as orr Xd, xzr, Xm.
		d, ok := xreg(args[0])
		if !ok {
			return
		}
		if isZeroReg(args[1]) {
			if s, ok := xreg(args[2]); ok {
				set(d, regs[s])
				return
			}
		}
		set(d, regState{})

	case arm64asm.MOVZ:
		imm, shift := instr.movImm16()
		set(instr.rd(), regState{RegisterContents: RegisterContents{Type: Immediate, Value: imm << shift}, src: instr.Address})

	case arm64asm.MOVK:
		imm, shift := instr.movImm16()
		d := instr.rd()
		st := regs[d]
		if st.Type == Immediate {
			st.Value = st.Value&^(0xffff<<shift) | imm<<shift
			st.Symbol, st.Literal = "", ""
			regs[d] = st
		} else {
			set(d, regState{RegisterContents: RegisterContents{Type: Immediate, Value: imm << shift}, src: instr.Address})
		}

	case arm64asm.MOVN:
		imm, shift := instr.movImm16()
		set(instr.rd(), regState{RegisterContents: RegisterContents{Type: Immediate, Value: ^(imm << shift)}, src: instr.Address})

	case arm64asm.ADRP:
		set(instr.rd(), regState{RegisterContents: RegisterContents{Type: MemoryAddress, Value: instr.adrpTarget()}, src: instr.Address})

	case arm64asm.ADR:
		target := instr.adrTarget()
		st := regState{RegisterContents: RegisterContents{Type: MemoryAddress, Value: target}, src: instr.Address}
		st.Literal, _ = a.literalAt(target)
		set(instr.rd(), st)

	case arm64asm.ADD:
		imm, ok := instr.addImm()
		if !ok {
			clobber()
			return
		}
		base := regs[instr.rn()]
		switch base.Type {
		case MemoryAddress:
			addr := base.Value + imm
			st := regState{RegisterContents: RegisterContents{Type: MemoryAddress, Value: addr}, src: base.src}
			st.Symbol = a.boundSymbolAt(addr)
			st.Literal, _ = a.literalAt(addr)
			set(instr.rd(), st)
		case Immediate:
			set(instr.rd(), regState{RegisterContents: RegisterContents{Type: Immediate, Value: base.Value + imm}, src: base.src})
		default:
			set(instr.rd(), regState{})
		}

	case arm64asm.LDR:
		base, offset, ok := instr.ldrImmOffset()
		if !ok {
			clobber()
			return
		}
		st := regs[base]
		if st.Type != MemoryAddress {
			clobber()
			return
		}
		set(instr.rd(), a.dereference(st.Value+offset, st.src))

	default:
		clobber()
	}
}

// dereference models a load through a known address, per the tracked
// pattern set: bound pointers keep the pointer address with the
// imported symbol attached, string sections attach the literal,
// anything else readable loads the pointed-to word.
func (a *Analyzer) dereference(addr uint64, src uint64) regState {
	if sym := a.boundSymbolAt(addr); sym != "" {
		return regState{
			RegisterContents: RegisterContents{Type: MemoryAddress, Value: addr, Symbol: sym},
			src:              src,
			derefFrom:        addr,
		}
	}
	if lit, ok := a.literalAt(addr); ok {
		return regState{
			RegisterContents: RegisterContents{Type: MemoryAddress, Value: addr, Literal: lit},
			src:              src,
			derefFrom:        addr,
		}
	}

	sec := a.f.FindSectionForVMAddr(addr)
	if sec == nil || sec.Flags.IsZerofill() {
		return regState{}
	}
	value, err := a.f.ReadPointer(addr)
	if err != nil {
		return regState{}
	}
	st := regState{
		RegisterContents: RegisterContents{Type: MemoryAddress, Value: value},
		src:              src,
		derefFrom:        addr,
	}
	st.Literal, _ = a.literalAt(value)
	return st
}

// boundSymbolAt reports the imported symbol bound at addr when addr is
// a lazy/non-lazy pointer slot.
func (a *Analyzer) boundSymbolAt(addr uint64) string {
	a.buildSymbolMaps()
	return a.ptrNames[addr]
}

// literalAt reports the string literal at addr when addr falls inside
// a string literal section (__cstring, __objc_methname and friends) or
// a __cfstring record.
func (a *Analyzer) literalAt(addr uint64) (string, bool) {
	sec := a.f.FindSectionForVMAddr(addr)
	if sec == nil {
		return "", false
	}
	if sec.Name == "__cfstring" {
		// Align down to the record and chase the backing string.
		rec := sec.Addr + (addr-sec.Addr)&^uint64(31)
		ptr, err := a.f.ReadU64(rec + 16)
		if err != nil {
			return "", false
		}
		return a.literalAt(ptr)
	}
	if !isStringSection(sec.Name) && !sec.Flags.IsCstringLiterals() {
		return "", false
	}
	s, err := a.f.GetCString(addr)
	if err != nil {
		return "", false
	}
	return s, true
}

func isStringSection(name string) bool {
	switch name {
	case "__cstring", "__objc_methname", "__objc_methtype", "__objc_classname", "__oslogstring":
		return true
	}
	return strings.HasPrefix(name, "__cstring")
}

// writesFirstArg reports whether an instruction's first operand is a
// destination register. Stores, compares and control flow do not write.
func writesFirstArg(op arm64asm.Op) bool {
	switch op {
	case arm64asm.STR, arm64asm.STRB, arm64asm.STRH, arm64asm.STP, arm64asm.STUR,
		arm64asm.STURB, arm64asm.STURH,
		arm64asm.CMP, arm64asm.CMN, arm64asm.TST, arm64asm.CCMP, arm64asm.CCMN,
		arm64asm.B, arm64asm.BL, arm64asm.BLR, arm64asm.BR, arm64asm.RET,
		arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ,
		arm64asm.NOP, arm64asm.HINT, arm64asm.PRFM:
		return false
	}
	return true
}
