// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdbframe converts the x86 frame tables of PDB files, the classic
// FPO_DATA stream and the newer FrameData stream, into STACK WIN records.
package pdbframe // import "go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"

import (
	"cmp"
	"fmt"
	"slices"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	npsr "go.opentelemetry.io/cfiextract/nopanicslicereader"
)

// FrameType is the frame kind as written to STACK WIN records.
type FrameType uint8

const (
	FrameTypeFPO       FrameType = 0
	FrameTypeTrap      FrameType = 1
	FrameTypeTSS       FrameType = 2
	FrameTypeStandard  FrameType = 3
	FrameTypeFrameData FrameType = 4
)

var frameTypeNames = [...]string{"fpo", "trap", "tss", "standard", "framedata"}

func (t FrameType) String() string {
	if int(t) < len(frameTypeNames) {
		return frameTypeNames[t]
	}
	return fmt.Sprintf("frametype(%d)", uint8(t))
}

const (
	fpoRecordSize       = 16
	frameDataRecordSize = 32
)

// Frame is one entry of the PDB frame table. Addresses are in the PDB
// internal address space and need an AddressMap to become RVAs.
type Frame struct {
	Type          FrameType
	CodeStart     uint32
	CodeSize      uint32
	PrologSize    uint16
	LocalsSize    uint32
	ParamsSize    uint32
	SavedRegsSize uint32
	MaxStackSize  uint32
	// ProgramRef is the string table offset of the unwind program. It is
	// only valid with HasProgram set.
	ProgramRef      uint32
	HasProgram      bool
	UsesBasePointer bool
}

// ParseFPO decodes an FPO_DATA stream. Sizes are stored in double words and
// are converted to bytes.
func ParseFPO(b []byte) ([]Frame, error) {
	if len(b)%fpoRecordSize != 0 {
		return nil, fmt.Errorf("%w: FPO stream size %d is not a multiple of %d",
			cfitypes.ErrBadDebugInfo, len(b), fpoRecordSize)
	}
	frames := make([]Frame, 0, len(b)/fpoRecordSize)
	for off := uint(0); off < uint(len(b)); off += fpoRecordSize {
		attrs := npsr.Uint16(b, off+14)
		frames = append(frames, Frame{
			Type:            FrameType(attrs >> 14),
			CodeStart:       npsr.Uint32(b, off),
			CodeSize:        npsr.Uint32(b, off+4),
			LocalsSize:      npsr.Uint32(b, off+8) * 4,
			ParamsSize:      uint32(npsr.Uint16(b, off+12)) * 4,
			PrologSize:      attrs & 0xff,
			SavedRegsSize:   uint32(attrs>>8&0x7) * 4,
			UsesBasePointer: attrs&(1<<12) != 0,
		})
	}
	return frames, nil
}

// ParseFrameData decodes a FrameData stream.
func ParseFrameData(b []byte) ([]Frame, error) {
	if len(b)%frameDataRecordSize != 0 {
		return nil, fmt.Errorf("%w: FrameData stream size %d is not a multiple of %d",
			cfitypes.ErrBadDebugInfo, len(b), frameDataRecordSize)
	}
	frames := make([]Frame, 0, len(b)/frameDataRecordSize)
	for off := uint(0); off < uint(len(b)); off += frameDataRecordSize {
		frames = append(frames, Frame{
			Type:          FrameTypeFrameData,
			CodeStart:     npsr.Uint32(b, off),
			CodeSize:      npsr.Uint32(b, off+4),
			LocalsSize:    npsr.Uint32(b, off+8),
			ParamsSize:    npsr.Uint32(b, off+12),
			MaxStackSize:  npsr.Uint32(b, off+16),
			ProgramRef:    npsr.Uint32(b, off+20),
			PrologSize:    npsr.Uint16(b, off+24),
			SavedRegsSize: uint32(npsr.Uint16(b, off+26)),
			HasProgram:    true,
		})
	}
	return frames, nil
}

// MergeFrames returns the union of both tables ordered by code start. FPO
// records come first among records with the same start.
func MergeFrames(fpo, frameData []Frame) []Frame {
	frames := make([]Frame, 0, len(fpo)+len(frameData))
	frames = append(frames, fpo...)
	frames = append(frames, frameData...)
	slices.SortStableFunc(frames, func(a, b Frame) int {
		return cmp.Compare(a.CodeStart, b.CodeStart)
	})
	return frames
}
