package analysis

import (
	"fmt"
	"sort"
)

// A BasicBlock is a half-open address range [Start, End) of straight-
// line code. A function's blocks are sorted, pairwise disjoint, and
// cover its whole extent with no gaps.
type BasicBlock struct {
	Start uint64
	End   uint64
}

func (b BasicBlock) String() string { return fmt.Sprintf("[%#x, %#x)", b.Start, b.End) }

// A FunctionAnalyzer holds the decoded instructions, basic-block
// partition and dataflow queries for one function.
type FunctionAnalyzer struct {
	a            *Analyzer
	entry        uint64
	end          uint64 // exclusive
	instructions []Instruction
	blocks       []BasicBlock
}

// Entry returns the function's entry point.
func (fa *FunctionAnalyzer) Entry() uint64 { return fa.entry }

// End returns the function's exclusive end address.
func (fa *FunctionAnalyzer) End() uint64 { return fa.end }

// Instructions returns the function's decoded instructions in address
// order.
func (fa *FunctionAnalyzer) Instructions() []Instruction { return fa.instructions }

// BasicBlocks returns the function's basic-block partition.
func (fa *FunctionAnalyzer) BasicBlocks() []BasicBlock { return fa.blocks }

// InstructionAt returns the instruction at the given address.
func (fa *FunctionAnalyzer) InstructionAt(addr uint64) (Instruction, bool) {
	if addr < fa.entry || addr >= fa.end || (addr-fa.entry)%4 != 0 {
		return Instruction{}, false
	}
	return fa.instructions[(addr-fa.entry)/4], true
}

// functionAt builds (or returns the cached) analysis of the function
// starting at entry.
func (a *Analyzer) functionAt(entry uint64) (*FunctionAnalyzer, error) {
	if fa, ok := a.funcs[entry]; ok {
		return fa, nil
	}
	if err, ok := a.invalid[entry]; ok {
		return nil, err
	}

	sec := a.f.FindSectionForVMAddr(entry)
	if sec == nil || !sec.Flags.HasInstructions() {
		return nil, fmt.Errorf("entry point %#x is not in an executable section", entry)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, err
	}
	code := data[entry-sec.Addr:]
	secEnd := sec.Addr + sec.Size

	fa := &FunctionAnalyzer{a: a, entry: entry}

	// Linear sweep: the function ends at the first ret or
	// unconditional branch that leaves no pending forward branch
	// destinations, or at the end of the section.
	maxForward := entry
	addr := entry
	for addr < secEnd {
		instr, err := decodeInstruction(code[addr-entry:], addr)
		if err != nil {
			return nil, err
		}
		fa.instructions = append(fa.instructions, instr)

		if instr.IsDirectBranch() {
			if t, ok := instr.BranchTarget(); ok && t > maxForward && t >= entry && t < secEnd {
				maxForward = t
			}
		}
		if (instr.IsRet() || instr.IsUnconditionalBranch()) && addr >= maxForward {
			addr += 4
			break
		}
		addr += 4
	}
	fa.end = addr

	if err := fa.partition(); err != nil {
		return nil, err
	}

	a.funcs[entry] = fa
	return fa, nil
}

// partition splits the function into basic blocks: leaders are the
// entry point, every instruction following a branch, and every
// in-function destination of a direct branch (calls excluded).
func (fa *FunctionAnalyzer) partition() error {
	leaders := map[uint64]bool{fa.entry: true}

	for _, instr := range fa.instructions {
		if instr.IsBranch() && instr.Address+4 < fa.end {
			leaders[instr.Address+4] = true
		}
		if instr.IsDirectBranch() {
			if t, ok := instr.BranchTarget(); ok && t >= fa.entry && t < fa.end {
				leaders[t] = true
			}
		}
	}

	starts := make([]uint64, 0, len(leaders))
	for addr := range leaders {
		starts = append(starts, addr)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	fa.blocks = fa.blocks[:0]
	for i, start := range starts {
		end := fa.end
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		fa.blocks = append(fa.blocks, BasicBlock{Start: start, End: end})
	}
	return nil
}

// blockContaining returns the basic block holding the given address.
func (fa *FunctionAnalyzer) blockContaining(addr uint64) (BasicBlock, bool) {
	for _, b := range fa.blocks {
		if b.Start <= addr && addr < b.End {
			return b, true
		}
	}
	return BasicBlock{}, false
}
