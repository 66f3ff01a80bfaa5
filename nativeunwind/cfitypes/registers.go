// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfitypes // import "go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"

// Register is a DWARF register number scoped by an Arch.
type Register uint16

// Well known DWARF register numbers.
const (
	X86RegESP Register = 4
	X86RegEBP Register = 5
	X86RegEIP Register = 8

	AMD64RegRAX Register = 0
	AMD64RegRDX Register = 1
	AMD64RegRCX Register = 2
	AMD64RegRBX Register = 3
	AMD64RegRSI Register = 4
	AMD64RegRDI Register = 5
	AMD64RegRBP Register = 6
	AMD64RegRSP Register = 7
	AMD64RegR8  Register = 8
	AMD64RegRIP Register = 16

	ARM64RegX19 Register = 19
	ARM64RegFP  Register = 29
	ARM64RegLR  Register = 30
	ARM64RegSP  Register = 31
	ARM64RegV0  Register = 64

	MIPSRegRA Register = 31
)

// The tables below follow the register naming of the Breakpad processor.
// Empty strings are reserved slots.

var x86Registers = [...]string{
	"$eax", "$ecx", "$edx", "$ebx", "$esp", "$ebp", "$esi", "$edi", "$eip", "$eflags",
	"$unused1", "$st0", "$st1", "$st2", "$st3", "$st4", "$st5", "$st6", "$st7",
	"$unused2", "$unused3", "$xmm0", "$xmm1", "$xmm2", "$xmm3", "$xmm4", "$xmm5",
	"$xmm6", "$xmm7", "$mm0", "$mm1", "$mm2", "$mm3", "$mm4", "$mm5", "$mm6", "$mm7",
	"$fcw", "$fsw", "$mxcsr", "$es", "$cs", "$ss", "$ds", "$fs", "$gs", "$unused4",
	"$unused5", "$tr", "$ldtr",
}

var amd64Registers = [...]string{
	"$rax", "$rdx", "$rcx", "$rbx", "$rsi", "$rdi", "$rbp", "$rsp", "$r8", "$r9",
	"$r10", "$r11", "$r12", "$r13", "$r14", "$r15", "$rip", "$xmm0", "$xmm1",
	"$xmm2", "$xmm3", "$xmm4", "$xmm5", "$xmm6", "$xmm7", "$xmm8", "$xmm9",
	"$xmm10", "$xmm11", "$xmm12", "$xmm13", "$xmm14", "$xmm15", "$st0", "$st1",
	"$st2", "$st3", "$st4", "$st5", "$st6", "$st7", "$mm0", "$mm1", "$mm2", "$mm3",
	"$mm4", "$mm5", "$mm6", "$mm7", "$rflags", "$es", "$cs", "$ss", "$ds", "$fs",
	"$gs", "$unused1", "$unused2", "$fs.base", "$gs.base", "$unused3", "$unused4",
	"$tr", "$ldtr", "$mxcsr", "$fcw", "$fsw",
}

var armRegisters = [...]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7", "r8", "r9", "r10", "r11", "r12",
	"sp", "lr", "pc", "f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7", "fps", "cpsr",
	63: "",
	"s0", "s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11", "s12",
	"s13", "s14", "s15", "s16", "s17", "s18", "s19", "s20", "s21", "s22", "s23",
	"s24", "s25", "s26", "s27", "s28", "s29", "s30", "s31",
	"f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7",
}

var arm64Registers = [...]string{
	"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7", "x8", "x9", "x10", "x11", "x12",
	"x13", "x14", "x15", "x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
	"x24", "x25", "x26", "x27", "x28", "x29", "x30", "sp",
	63: "",
	"v0", "v1", "v2", "v3", "v4", "v5", "v6", "v7", "v8", "v9", "v10", "v11", "v12",
	"v13", "v14", "v15", "v16", "v17", "v18", "v19", "v20", "v21", "v22", "v23",
	"v24", "v25", "v26", "v27", "v28", "v29", "v30", "v31",
}

var mipsRegisters = [...]string{
	"$zero", "$at", "$v0", "$v1", "$a0", "$a1", "$a2", "$a3", "$t0", "$t1", "$t2",
	"$t3", "$t4", "$t5", "$t6", "$t7", "$s0", "$s1", "$s2", "$s3", "$s4", "$s5",
	"$s6", "$s7", "$t8", "$t9", "$k0", "$k1", "$gp", "$sp", "$fp", "$ra", "$lo",
	"$hi", "$pc", "$f0", "$f2", "$f3", "$f4", "$f5", "$f6", "$f7", "$f8", "$f9",
	"$f10", "$f11", "$f12", "$f13", "$f14", "$f15", "$f16", "$f17", "$f18", "$f19",
	"$f20", "$f21", "$f22", "$f23", "$f24", "$f25", "$f26", "$f27", "$f28", "$f29",
	"$f30", "$f31", "$fcsr", "$fir",
}

func registerTable(a Arch) []string {
	switch a {
	case ArchX86:
		return x86Registers[:]
	case ArchAMD64:
		return amd64Registers[:]
	case ArchARM:
		return armRegisters[:]
	case ArchARM64:
		return arm64Registers[:]
	case ArchMIPS, ArchMIPS64:
		return mipsRegisters[:]
	default:
		return nil
	}
}

// RegisterName returns the name of reg on architecture a as used in CFI
// records. The second result is false for reserved and out of range numbers,
// and for architectures without a register table.
func (a Arch) RegisterName(reg Register) (string, bool) {
	table := registerTable(a)
	if int(reg) >= len(table) || table[reg] == "" {
		return "", false
	}
	return table[reg], true
}
