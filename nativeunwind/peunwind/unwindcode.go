// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package peunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/peunwind"

import (
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	npsr "go.opentelemetry.io/cfiextract/nopanicslicereader"
)

// x64 unwind operation codes
// https://learn.microsoft.com/en-us/cpp/build/exception-handling-x64
type opcode uint8

const (
	opPushNonVol    opcode = 0
	opAllocLarge    opcode = 1
	opAllocSmall    opcode = 2
	opSetFPReg      opcode = 3
	opSaveNonVol    opcode = 4
	opSaveNonVolFar opcode = 5
	opEpilog        opcode = 6
	opSpareCode     opcode = 7
	opSaveXMM128    opcode = 8
	opSaveXMM128Far opcode = 9
	opPushMachFrame opcode = 10
	opSetFPRegLarge opcode = 11
)

// UNWIND_INFO flags
const (
	flagExceptionHandler = 0x1
	flagTerminateHandler = 0x2
	flagChainInfo        = 0x4
)

const (
	unwindInfoHeaderSize = 4
	runtimeFunctionSize  = 12
)

// unwindCode is one decoded operation. Size holds the allocation size for
// alloc codes and the scaled offset for save codes.
type unwindCode struct {
	prologOffset uint8
	op           opcode
	reg          cfitypes.Register
	size         uint32
	isError      bool
}

// runtimeFunction is one RUNTIME_FUNCTION record of the exception directory.
type runtimeFunction struct {
	begin, end, unwindInfo uint32
}

func parseRuntimeFunction(b []byte) runtimeFunction {
	return runtimeFunction{
		begin:      npsr.Uint32(b, 0),
		end:        npsr.Uint32(b, 4),
		unwindInfo: npsr.Uint32(b, 8),
	}
}

// unwindInfo is the decoded UNWIND_INFO block.
type unwindInfo struct {
	version       uint8
	flags         uint8
	prologSize    uint8
	frameRegister cfitypes.Register
	// usesFrameRegister is set when the frame register field is non-zero.
	usesFrameRegister bool
	// frameOffset is the scaled frame register offset in bytes.
	frameOffset uint32
	codes       []unwindCode
	chained     *runtimeFunction
}

// nonVolatileRegs maps x64 register numbers of unwind codes to DWARF numbers.
var nonVolatileRegs = [16]cfitypes.Register{
	cfitypes.AMD64RegRAX, cfitypes.AMD64RegRCX, cfitypes.AMD64RegRDX, cfitypes.AMD64RegRBX,
	cfitypes.AMD64RegRSP, cfitypes.AMD64RegRBP, cfitypes.AMD64RegRSI, cfitypes.AMD64RegRDI,
	8, 9, 10, 11, 12, 13, 14, 15,
}

func dwarfRegister(info uint8) cfitypes.Register {
	return nonVolatileRegs[info&0xf]
}

// slotCount returns the number of 16-bit slots used by a code.
func slotCount(op opcode, info uint8) (int, error) {
	switch op {
	case opPushNonVol, opAllocSmall, opSetFPReg, opPushMachFrame:
		return 1, nil
	case opSaveNonVol, opEpilog, opSaveXMM128:
		return 2, nil
	case opSaveNonVolFar, opSpareCode, opSaveXMM128Far:
		return 3, nil
	case opAllocLarge:
		switch info {
		case 0:
			return 2, nil
		case 1:
			return 3, nil
		}
		return 0, fmt.Errorf("invalid large allocation info %d", info)
	default:
		return 0, fmt.Errorf("unknown unwind operation %d", op)
	}
}

// decodeCodes decodes count slots of unwind codes.
func decodeCodes(b []byte, count int) ([]unwindCode, error) {
	codes := make([]unwindCode, 0, count)
	slot := func(i int) uint32 {
		return uint32(npsr.Uint16(b, uint(2*i)))
	}
	for i := 0; i < count; {
		prolog := npsr.Uint8(b, uint(2*i))
		opInfo := npsr.Uint8(b, uint(2*i+1))
		op := opcode(opInfo & 0xf)
		info := opInfo >> 4

		n, err := slotCount(op, info)
		if err != nil {
			return nil, err
		}
		if i+n > count || !npsr.InBounds(b, uint(2*i), uint(2*n)) {
			return nil, fmt.Errorf("unwind operation %d at slot %d exceeds %d slots",
				op, i, count)
		}

		code := unwindCode{prologOffset: prolog, op: op, reg: dwarfRegister(info)}
		switch op {
		case opAllocSmall:
			code.size = uint32(info)*8 + 8
		case opAllocLarge:
			if info == 0 {
				code.size = slot(i+1) * 8
			} else {
				code.size = slot(i+1) | slot(i+2)<<16
			}
		case opSaveNonVol:
			code.size = slot(i+1) * 8
		case opSaveNonVolFar:
			code.size = slot(i+1) | slot(i+2)<<16
		case opSaveXMM128:
			code.size = slot(i+1) * 16
		case opSaveXMM128Far:
			code.size = slot(i+1) | slot(i+2)<<16
		case opPushMachFrame:
			if info > 1 {
				return nil, fmt.Errorf("invalid machine frame info %d", info)
			}
			code.isError = info == 1
		}
		codes = append(codes, code)
		i += n
	}
	return codes, nil
}

// parseUnwindInfo decodes the UNWIND_INFO block at rva.
func parseUnwindInfo(img Image, rva uint32) (*unwindInfo, error) {
	hdr, err := img.Bytes(rva, unwindInfoHeaderSize)
	if err != nil {
		return nil, err
	}
	ui := &unwindInfo{
		version:       hdr[0] & 0x7,
		flags:         hdr[0] >> 3,
		prologSize:    hdr[1],
		frameRegister: dwarfRegister(hdr[3] & 0xf),
		frameOffset:   uint32(hdr[3]>>4) * 16,
	}
	ui.usesFrameRegister = hdr[3]&0xf != 0
	if ui.version != 1 && ui.version != 2 {
		return nil, fmt.Errorf("unsupported unwind info version %d", ui.version)
	}

	count := int(hdr[2])
	// Codes are padded to an even number of slots.
	padded := (count + 1) &^ 1
	size := uint32(unwindInfoHeaderSize + 2*padded)
	if ui.flags&flagChainInfo != 0 {
		size += runtimeFunctionSize
	}
	b, err := img.Bytes(rva, size)
	if err != nil {
		return nil, err
	}

	ui.codes, err = decodeCodes(b[unwindInfoHeaderSize:unwindInfoHeaderSize+2*count], count)
	if err != nil {
		return nil, err
	}
	if ui.flags&flagChainInfo != 0 {
		rf := parseRuntimeFunction(b[unwindInfoHeaderSize+2*padded:])
		ui.chained = &rf
	}
	return ui, nil
}
