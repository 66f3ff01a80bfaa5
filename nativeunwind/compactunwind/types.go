// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"

import (
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// Register is a register referenced by a compact unwind opcode. Values below
// RegCFA are numbered registers: the 3-bit register codes of the x86
// encodings, or DWARF register numbers on ARM64.
type Register uint16

const (
	RegCFA Register = 0x100 + iota
	RegFramePointer
	RegStackPointer
	RegInstructionPointer
	RegLinkRegister
)

// x86 and x86-64 register codes 1..6 as used by the frame and frameless modes.
var (
	x86RegisterCodes   = [...]string{1: "ebx", "ecx", "edx", "edi", "esi", "ebp"}
	amd64RegisterCodes = [...]string{1: "rbx", "r12", "r13", "r14", "r15", "rbp"}
)

// Name resolves r to the architecture specific register name, without any
// prefix. RegCFA has no name of its own and reports false.
func (r Register) Name(arch cfitypes.Arch) (string, bool) {
	switch arch {
	case cfitypes.ArchX86:
		switch r {
		case RegFramePointer:
			return "ebp", true
		case RegStackPointer:
			return "esp", true
		case RegInstructionPointer:
			return "eip", true
		}
		if int(r) < len(x86RegisterCodes) && x86RegisterCodes[r] != "" {
			return x86RegisterCodes[r], true
		}
	case cfitypes.ArchAMD64:
		switch r {
		case RegFramePointer:
			return "rbp", true
		case RegStackPointer:
			return "rsp", true
		case RegInstructionPointer:
			return "rip", true
		}
		if int(r) < len(amd64RegisterCodes) && amd64RegisterCodes[r] != "" {
			return amd64RegisterCodes[r], true
		}
	case cfitypes.ArchARM64:
		switch r {
		case RegFramePointer:
			return "x29", true
		case RegStackPointer:
			return "sp", true
		case RegInstructionPointer:
			return "pc", true
		case RegLinkRegister:
			return "x30", true
		}
		if r < RegCFA {
			return arch.RegisterName(cfitypes.Register(r))
		}
	}
	return "", false
}

func (r Register) String() string {
	switch r {
	case RegCFA:
		return "cfa"
	case RegFramePointer:
		return "fp"
	case RegStackPointer:
		return "sp"
	case RegInstructionPointer:
		return "ip"
	case RegLinkRegister:
		return "lr"
	default:
		return fmt.Sprintf("reg%d", uint16(r))
	}
}

// CfiOpKind distinguishes loads from plain arithmetic.
type CfiOpKind uint8

const (
	// RegisterAt means Dest = *(Src + Offset).
	RegisterAt CfiOpKind = iota
	// RegisterIs means Dest = Src + Offset.
	RegisterIs
)

// CfiOp is one register recovery step of a compact unwind opcode.
type CfiOp struct {
	Kind   CfiOpKind
	Dest   Register
	Src    Register
	Offset int32
}

func (op CfiOp) String() string {
	if op.Kind == RegisterAt {
		return fmt.Sprintf("%v = *(%v%+d)", op.Dest, op.Src, op.Offset)
	}
	return fmt.Sprintf("%v = %v%+d", op.Dest, op.Src, op.Offset)
}

// OpKind is the shape of a decoded opcode.
type OpKind uint8

const (
	// NoInfo means the opcode carries no usable unwind information.
	NoInfo OpKind = iota
	// DelegateToDwarf refers to an FDE in the eh_frame section.
	DelegateToDwarf
	// RuleList is a list of CfiOp.
	RuleList
)

// Op is a decoded compact unwind opcode.
type Op struct {
	Kind OpKind
	// EhFrameOffset is the FDE offset for DelegateToDwarf.
	EhFrameOffset uint32
	// Rules are set for RuleList.
	Rules []CfiOp
}

// Entry is one address range of the compact unwind table.
type Entry struct {
	InstructionAddress uint32
	Length             uint32
	Opcode             uint32
}

// End returns the first address after the entry.
func (e Entry) End() uint32 {
	return e.InstructionAddress + e.Length
}

// Decode interprets the entry opcode for arch. Opcodes of unknown kinds and
// architectures without a compact encoding yield NoInfo.
func (e Entry) Decode(arch cfitypes.Arch) Op {
	switch arch {
	case cfitypes.ArchX86:
		return decodeX86(e.Opcode, 4)
	case cfitypes.ArchAMD64:
		return decodeX86(e.Opcode, 8)
	case cfitypes.ArchARM64:
		return decodeARM64(e.Opcode)
	default:
		return Op{Kind: NoInfo}
	}
}
