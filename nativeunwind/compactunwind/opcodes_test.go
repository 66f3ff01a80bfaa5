// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

func at(dest, src Register, off int32) CfiOp {
	return CfiOp{Kind: RegisterAt, Dest: dest, Src: src, Offset: off}
}

func is(dest, src Register, off int32) CfiOp {
	return CfiOp{Kind: RegisterIs, Dest: dest, Src: src, Offset: off}
}

func TestStackImmediateExample(t *testing.T) {
	entry := Entry{Opcode: x86ModeStackImmd | 0xA1<<16}
	op := entry.Decode(cfitypes.ArchAMD64)
	require.Equal(t, RuleList, op.Kind)
	assert.Equal(t, []CfiOp{
		is(RegCFA, RegStackPointer, 0xA1*8),
		at(RegInstructionPointer, RegCFA, -8),
	}, op.Rules)
}

func TestX86Opcodes(t *testing.T) {
	tests := map[string]struct {
		arch   cfitypes.Arch
		opcode uint32
		want   Op
	}{
		"null opcode": {
			arch: cfitypes.ArchAMD64,
			want: Op{Kind: NoInfo},
		},
		"dwarf": {
			arch:   cfitypes.ArchAMD64,
			opcode: x86ModeDwarf | 0x00123456,
			want:   Op{Kind: DelegateToDwarf, EhFrameOffset: 0x123456},
		},
		"stack indirect": {
			arch:   cfitypes.ArchAMD64,
			opcode: x86ModeStackInd | 0x00ff0000,
			want:   Op{Kind: NoInfo},
		},
		"unknown mode": {
			arch:   cfitypes.ArchX86,
			opcode: 0x0a000000,
			want:   Op{Kind: NoInfo},
		},
		"rbp frame without registers": {
			arch:   cfitypes.ArchAMD64,
			opcode: x86ModeRBPFrame | 0xa1,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegFramePointer, 16),
				at(RegFramePointer, RegCFA, -16),
				at(RegInstructionPointer, RegCFA, -8),
			}},
		},
		"rbp frame with holes": {
			arch:   cfitypes.ArchAMD64,
			opcode: x86ModeRBPFrame | packRBPRegisters([5]uint32{2, 0, 4, 0, 6}) | 0x5,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegFramePointer, 16),
				at(RegFramePointer, RegCFA, -16),
				at(RegInstructionPointer, RegCFA, -8),
				at(2, RegCFA, -7*8),
				at(4, RegCFA, -5*8),
				at(6, RegCFA, -3*8),
			}},
		},
		// push rbp; mov rbp, rsp; push rbx
		"rbp frame saved below frame record": {
			arch:   cfitypes.ArchAMD64,
			opcode: x86ModeRBPFrame | packRBPRegisters([5]uint32{1, 0, 0, 0, 0}) | 0x1,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegFramePointer, 16),
				at(RegFramePointer, RegCFA, -16),
				at(RegInstructionPointer, RegCFA, -8),
				at(1, RegCFA, -24),
			}},
		},
		"rbp frame x86": {
			arch:   cfitypes.ArchX86,
			opcode: x86ModeRBPFrame | packRBPRegisters([5]uint32{1, 0, 0, 0, 0}) | 0x13,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegFramePointer, 8),
				at(RegFramePointer, RegCFA, -8),
				at(RegInstructionPointer, RegCFA, -4),
				at(1, RegCFA, -(0x13+2)*4),
			}},
		},
		"frameless with registers": {
			arch:   cfitypes.ArchAMD64,
			opcode: x86ModeStackImmd | 0x04<<16 | packFramelessRegisters([]uint32{6, 1, 3}),
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegStackPointer, 4*8),
				at(RegInstructionPointer, RegCFA, -8),
				at(3, RegCFA, -16),
				at(1, RegCFA, -24),
				at(6, RegCFA, -32),
			}},
		},
		"frameless x86": {
			arch:   cfitypes.ArchX86,
			opcode: x86ModeStackImmd | 0x10<<16 | packFramelessRegisters([]uint32{4}),
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegStackPointer, 0x10*4),
				at(RegInstructionPointer, RegCFA, -4),
				at(4, RegCFA, -8),
			}},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := Entry{Opcode: tc.opcode}.Decode(tc.arch)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFramelessRegisterCountClamp(t *testing.T) {
	// A count of 7 is clamped to 6 registers.
	regs := x86FramelessRegisters(7 << 10)
	assert.Equal(t, [6]Register{1, 2, 3, 4, 5, 6}, regs)
}

// permutations returns all ordered selections of n distinct values of 1..6.
func permutations(n int) [][]uint32 {
	if n == 0 {
		return [][]uint32{{}}
	}
	var out [][]uint32
	for _, prefix := range permutations(n - 1) {
		for v := uint32(1); v <= 6; v++ {
			used := false
			for _, p := range prefix {
				used = used || p == v
			}
			if !used {
				out = append(out, append(append([]uint32{}, prefix...), v))
			}
		}
	}
	return out
}

func TestPermutationRoundTrip(t *testing.T) {
	for count := 1; count <= 6; count++ {
		for _, regs := range permutations(count) {
			packed := packFramelessRegisters(regs)
			decoded := x86FramelessRegisters(packed)

			var want [6]Register
			for i, r := range regs {
				want[i] = Register(r)
			}
			require.Equal(t, want, decoded, "count %d, registers %v", count, regs)

			again := make([]uint32, 0, count)
			for _, r := range decoded[:count] {
				again = append(again, uint32(r))
			}
			require.Equal(t, packed, packFramelessRegisters(again))
		}
	}
}

func TestARM64Opcodes(t *testing.T) {
	tests := map[string]struct {
		opcode uint32
		want   Op
	}{
		"frameless": {
			opcode: arm64ModeFrameless | 0x3<<12,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegStackPointer, 48),
				is(RegInstructionPointer, RegLinkRegister, 0),
			}},
		},
		"dwarf": {
			opcode: arm64ModeDwarf | 0x4242,
			want:   Op{Kind: DelegateToDwarf, EhFrameOffset: 0x4242},
		},
		"frame only": {
			opcode: arm64ModeFrame,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegFramePointer, 16),
				at(RegFramePointer, RegCFA, -16),
				at(RegInstructionPointer, RegCFA, -8),
			}},
		},
		"frame with pairs": {
			opcode: arm64ModeFrame | 0x001 | 0x004 | 0x100,
			want: Op{Kind: RuleList, Rules: []CfiOp{
				is(RegCFA, RegFramePointer, 16),
				at(RegFramePointer, RegCFA, -16),
				at(RegInstructionPointer, RegCFA, -8),
				at(19, RegCFA, -24),
				at(20, RegCFA, -32),
				at(23, RegCFA, -40),
				at(24, RegCFA, -48),
				at(72, RegCFA, -56),
				at(73, RegCFA, -64),
			}},
		},
		"unknown": {
			opcode: 0x01000000,
			want:   Op{Kind: NoInfo},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := Entry{Opcode: tc.opcode}.Decode(cfitypes.ArchARM64)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOtherArchIsNoInfo(t *testing.T) {
	op := Entry{Opcode: x86ModeRBPFrame}.Decode(cfitypes.ArchMIPS)
	assert.Equal(t, Op{Kind: NoInfo}, op)
}

func TestRegisterNames(t *testing.T) {
	tests := map[string]struct {
		arch cfitypes.Arch
		reg  Register
		name string
		ok   bool
	}{
		"x64 rbx":    {cfitypes.ArchAMD64, 1, "rbx", true},
		"x64 r15":    {cfitypes.ArchAMD64, 5, "r15", true},
		"x64 code 7": {cfitypes.ArchAMD64, 7, "", false},
		"x64 fp":     {cfitypes.ArchAMD64, RegFramePointer, "rbp", true},
		"x64 ip":     {cfitypes.ArchAMD64, RegInstructionPointer, "rip", true},
		"x86 sp":     {cfitypes.ArchX86, RegStackPointer, "esp", true},
		"x86 edi":    {cfitypes.ArchX86, 4, "edi", true},
		"x86 cfa":    {cfitypes.ArchX86, RegCFA, "", false},
		"arm64 lr":   {cfitypes.ArchARM64, RegLinkRegister, "x30", true},
		"arm64 x19":  {cfitypes.ArchARM64, 19, "x19", true},
		"arm64 d8":   {cfitypes.ArchARM64, 72, "v8", true},
		"mips":       {cfitypes.ArchMIPS, 1, "", false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, ok := tc.reg.Name(tc.arch)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.name, got)
		})
	}
}
