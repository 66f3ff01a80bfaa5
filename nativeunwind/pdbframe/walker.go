// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdbframe // import "go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// StringTable resolves unwind program references of FrameData records.
type StringTable interface {
	String(offset uint32) (string, error)
}

// Record is one STACK WIN record in RVA space.
type Record struct {
	Type          FrameType
	Start         uint32
	Size          uint32
	PrologSize    uint32
	EpilogSize    uint32
	ParamsSize    uint32
	SavedRegsSize uint32
	LocalsSize    uint32
	MaxStackSize  uint32
	// Program is the trimmed unwind program, valid with HasProgram.
	Program    string
	HasProgram bool
	// ProgramUnresolved is set for records referencing a program without
	// a string table to resolve it. Neither a program nor the base pointer
	// flag is written for them.
	ProgramUnresolved bool
	UsesBasePointer   bool
}

// sameFrame reports whether b repeats the frame data of a.
func sameFrame(a, b *Frame) bool {
	return a.Type == b.Type &&
		a.CodeStart == b.CodeStart &&
		a.CodeSize == b.CodeSize &&
		a.PrologSize == b.PrologSize
}

// Walk calls fn with the records of frames in output order. Repeated frames
// and frames with implausible code sizes are skipped. strs may be nil.
func Walk(frames []Frame, amap AddressMap, strs StringTable, fn func(*Record) error) error {
	if amap == nil {
		amap = IdentityMap{}
	}
	var last *Frame
	for i := range frames {
		frame := &frames[i]
		// Such sizes are seen near the end of functions and do not describe
		// real code ranges.
		if frame.CodeSize > math.MaxInt32 {
			continue
		}
		if last != nil && sameFrame(last, frame) {
			continue
		}

		rec, err := newRecord(frame, strs)
		if err != nil {
			return err
		}

		prologEnd := frame.CodeStart + uint32(frame.PrologSize)
		codeEnd := frame.CodeStart + frame.CodeSize
		prologRanges := amap.RvaRanges(frame.CodeStart, prologEnd)
		codeRanges := amap.RvaRanges(prologEnd, codeEnd)

		if len(prologRanges) == 1 && len(codeRanges) == 1 &&
			prologRanges[0].End == codeRanges[0].Start {
			if err = emit(rec, prologRanges[0].Start, codeRanges[0].End,
				prologRanges[0].Len(), fn); err != nil {
				return err
			}
		} else {
			byStart := func(a, b Range) int { return cmp.Compare(a.Start, b.Start) }
			slices.SortFunc(prologRanges, byStart)
			slices.SortFunc(codeRanges, byStart)
			for _, r := range prologRanges {
				if err = emit(rec, r.Start, r.End, r.Len(), fn); err != nil {
					return err
				}
			}
			for _, r := range codeRanges {
				if err = emit(rec, r.Start, r.End, 0, fn); err != nil {
					return err
				}
			}
		}
		last = frame
	}
	return nil
}

func emit(tmpl Record, start, end, prologSize uint32, fn func(*Record) error) error {
	tmpl.Start = start
	tmpl.Size = end - start
	tmpl.PrologSize = prologSize
	return fn(&tmpl)
}

// newRecord fills the address independent fields of a record.
func newRecord(frame *Frame, strs StringTable) (Record, error) {
	rec := Record{
		Type:            frame.Type,
		ParamsSize:      frame.ParamsSize,
		SavedRegsSize:   frame.SavedRegsSize,
		LocalsSize:      frame.LocalsSize,
		MaxStackSize:    frame.MaxStackSize,
		UsesBasePointer: frame.UsesBasePointer,
	}
	if !frame.HasProgram {
		return rec, nil
	}
	if strs == nil {
		rec.ProgramUnresolved = true
		return rec, nil
	}
	prog, err := strs.String(frame.ProgramRef)
	if err != nil {
		return rec, fmt.Errorf("%w: frame %#x program %#x: %w",
			cfitypes.ErrBadDebugInfo, frame.CodeStart, frame.ProgramRef, err)
	}
	rec.Program = strings.TrimSpace(prog)
	rec.HasProgram = true
	return rec, nil
}

// Records collects the output of Walk.
func Records(frames []Frame, amap AddressMap, strs StringTable) ([]Record, error) {
	var recs []Record
	err := Walk(frames, amap, strs, func(r *Record) error {
		recs = append(recs, *r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// MapStringTable is a StringTable backed by a map.
type MapStringTable map[uint32]string

func (m MapStringTable) String(offset uint32) (string, error) {
	s, ok := m[offset]
	if !ok {
		return "", fmt.Errorf("no string at offset %#x", offset)
	}
	return s, nil
}
