// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"

import "go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"

const (
	arm64ModeMask      uint32 = 0x0F000000
	arm64ModeFrameless uint32 = 0x02000000
	arm64ModeDwarf     uint32 = 0x03000000
	arm64ModeFrame     uint32 = 0x04000000

	arm64FramelessStackSizeMask uint32 = 0x00FFF000
	arm64DwarfOffsetMask        uint32 = 0x00FFFFFF
)

// arm64RegisterPairs lists the callee saved pairs of a frame based opcode in
// the order they are stored below the frame record.
var arm64RegisterPairs = [...]struct {
	bit           uint32
	first, second cfitypes.Register
}{
	{0x001, 19, 20},
	{0x002, 21, 22},
	{0x004, 23, 24},
	{0x008, 25, 26},
	{0x010, 27, 28},
	{0x100, cfitypes.ARM64RegV0 + 8, cfitypes.ARM64RegV0 + 9},
	{0x200, cfitypes.ARM64RegV0 + 10, cfitypes.ARM64RegV0 + 11},
	{0x400, cfitypes.ARM64RegV0 + 12, cfitypes.ARM64RegV0 + 13},
	{0x800, cfitypes.ARM64RegV0 + 14, cfitypes.ARM64RegV0 + 15},
}

func decodeARM64(opcode uint32) Op {
	switch opcode & arm64ModeMask {
	case arm64ModeFrameless:
		stackSize := int32((opcode&arm64FramelessStackSizeMask)>>12) * 16
		return Op{Kind: RuleList, Rules: []CfiOp{
			{Kind: RegisterIs, Dest: RegCFA, Src: RegStackPointer, Offset: stackSize},
			{Kind: RegisterIs, Dest: RegInstructionPointer, Src: RegLinkRegister, Offset: 0},
		}}
	case arm64ModeDwarf:
		return Op{Kind: DelegateToDwarf, EhFrameOffset: opcode & arm64DwarfOffsetMask}
	case arm64ModeFrame:
		ops := []CfiOp{
			{Kind: RegisterIs, Dest: RegCFA, Src: RegFramePointer, Offset: 16},
			{Kind: RegisterAt, Dest: RegFramePointer, Src: RegCFA, Offset: -16},
			{Kind: RegisterAt, Dest: RegInstructionPointer, Src: RegCFA, Offset: -8},
		}
		offset := int32(-24)
		for _, pair := range arm64RegisterPairs {
			if opcode&pair.bit == 0 {
				continue
			}
			ops = append(ops,
				CfiOp{Kind: RegisterAt, Dest: Register(pair.first), Src: RegCFA, Offset: offset},
				CfiOp{Kind: RegisterAt, Dest: Register(pair.second), Src: RegCFA, Offset: offset - 8})
			offset -= 16
		}
		return Op{Kind: RuleList, Rules: ops}
	default:
		return Op{Kind: NoInfo}
	}
}
