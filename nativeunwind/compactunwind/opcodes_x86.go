// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"

// x86 and x86-64 share the opcode layout, only the pointer size differs.
// See compact_unwind_encoding.h of libunwind.
const (
	x86ModeMask      uint32 = 0x0F000000
	x86ModeRBPFrame  uint32 = 0x01000000
	x86ModeStackImmd uint32 = 0x02000000
	x86ModeStackInd  uint32 = 0x03000000
	x86ModeDwarf     uint32 = 0x04000000

	x86DwarfOffsetMask uint32 = 0x00FFFFFF
)

func decodeX86(opcode uint32, ptrSize int32) Op {
	switch opcode & x86ModeMask {
	case x86ModeRBPFrame:
		ops := []CfiOp{
			{Kind: RegisterIs, Dest: RegCFA, Src: RegFramePointer, Offset: 2 * ptrSize},
			{Kind: RegisterAt, Dest: RegFramePointer, Src: RegCFA, Offset: -2 * ptrSize},
			{Kind: RegisterAt, Dest: RegInstructionPointer, Src: RegCFA, Offset: -ptrSize},
		}
		// The saved registers start at FP - offset*ptrSize and grow upwards.
		// Rebase them on the CFA. Empty slots still occupy stack space.
		offset := int32(opcode&0xFF) + 2
		for i, reg := range x86RBPRegisters(opcode) {
			if reg == 0 {
				continue
			}
			ops = append(ops, CfiOp{
				Kind:   RegisterAt,
				Dest:   reg,
				Src:    RegCFA,
				Offset: -(offset - int32(i)) * ptrSize,
			})
		}
		return Op{Kind: RuleList, Rules: ops}
	case x86ModeStackImmd:
		stackSize := int32((opcode >> 16) & 0xFF)
		ops := []CfiOp{
			{Kind: RegisterIs, Dest: RegCFA, Src: RegStackPointer, Offset: stackSize * ptrSize},
			{Kind: RegisterAt, Dest: RegInstructionPointer, Src: RegCFA, Offset: -ptrSize},
		}
		// Registers are pushed right below the return address, in reverse
		// table order. Only present registers take a slot.
		regs := x86FramelessRegisters(opcode)
		offset := int32(2)
		for i := len(regs) - 1; i >= 0; i-- {
			if regs[i] == 0 {
				continue
			}
			ops = append(ops, CfiOp{
				Kind:   RegisterAt,
				Dest:   regs[i],
				Src:    RegCFA,
				Offset: -offset * ptrSize,
			})
			offset++
		}
		return Op{Kind: RuleList, Rules: ops}
	case x86ModeStackInd:
		// The stack size would have to be read from a sub instruction in
		// the function body.
		return Op{Kind: NoInfo}
	case x86ModeDwarf:
		return Op{Kind: DelegateToDwarf, EhFrameOffset: opcode & x86DwarfOffsetMask}
	default:
		return Op{Kind: NoInfo}
	}
}

// x86RegisterFromCode maps a 3-bit register code. Code 0 and 7 are "no register".
func x86RegisterFromCode(code uint32) Register {
	if code >= 1 && code <= 6 {
		return Register(code)
	}
	return 0
}

// x86RBPRegisters returns the five 3-bit register slots of an RBP frame opcode.
func x86RBPRegisters(opcode uint32) [5]Register {
	var regs [5]Register
	for i := range regs {
		regs[i] = x86RegisterFromCode((opcode >> (21 - 3*i)) & 0x7)
	}
	return regs
}

func x86FramelessRegisterCount(opcode uint32) int {
	return min(int((opcode>>10)&0x7), 6)
}

// lehmerFactors are the divisors used to unpack a permutation of count
// registers out of 10 bits, indexed by count.
var lehmerFactors = [7][5]uint32{
	1: {1},
	2: {5, 1},
	3: {20, 4, 1},
	4: {60, 12, 3, 1},
	5: {120, 24, 6, 2, 1},
	6: {120, 24, 6, 2, 1},
}

// x86FramelessRegisters decodes the permutation encoded saved registers of a
// frameless opcode. Unused slots are 0.
func x86FramelessRegisters(opcode uint32) [6]Register {
	count := x86FramelessRegisterCount(opcode)
	permutation := opcode & 0x3FF

	var digits [6]uint32
	for i, f := range lehmerFactors[count] {
		if f == 0 {
			break
		}
		digits[i] = permutation / f
		permutation -= digits[i] * f
	}

	var regs [6]Register
	var used [7]bool
	for i := range count {
		renum := uint32(0)
		for j := uint32(1); j < 7; j++ {
			if used[j] {
				continue
			}
			if renum == digits[i] {
				regs[i] = Register(j)
				used[j] = true
				break
			}
			renum++
		}
	}
	return regs
}
