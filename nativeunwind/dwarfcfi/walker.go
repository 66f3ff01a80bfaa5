// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfcfi decodes DWARF call frame information from .eh_frame and
// .debug_frame sections into cfitypes unwind entries.
package dwarfcfi // import "go.opentelemetry.io/cfiextract/nativeunwind/dwarfcfi"

import (
	"encoding/binary"
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	npsr "go.opentelemetry.io/cfiextract/nopanicslicereader"
)

// SectionKind tells the two call frame section flavors apart.
type SectionKind uint8

const (
	// EhFrame is the .eh_frame (or Mach-O __eh_frame) section.
	EhFrame SectionKind = iota
	// DebugFrame is the .debug_frame section.
	DebugFrame
)

func (k SectionKind) String() string {
	if k == DebugFrame {
		return "debug_frame"
	}
	return "eh_frame"
}

// Section describes one call frame section of an object.
type Section struct {
	Kind SectionKind
	Data []byte
	// Address is the virtual address the section is mapped at. It is the
	// base for pc-relative and data-relative pointers.
	Address uint64
	Order   binary.ByteOrder
	Arch    cfitypes.Arch
	// LoadAddress is subtracted from all emitted addresses.
	LoadAddress uint64
}

// Walker iterates the FDEs of one call frame section.
type Walker struct {
	sec    Section
	frames reader
	cies   *lru.LRU[uint64, *cieInfo]
}

// NewWalker prepares sec for walking.
func NewWalker(sec Section) (*Walker, error) {
	ptrSize := sec.Arch.PointerSize()
	if ptrSize == 0 {
		return nil, fmt.Errorf("%w: %v", cfitypes.ErrUnsupportedArch, sec.Arch)
	}
	order := sec.Order
	if order == nil {
		order = binary.LittleEndian
	}
	cies, err := newCIECache()
	if err != nil {
		return nil, err
	}
	data := sec.Data
	if data == nil {
		data = []byte{}
	}
	return &Walker{
		sec: sec,
		frames: reader{
			debugFrame: sec.Kind == DebugFrame,
			ptrSize:    ptrSize,
			data:       data,
			rd:         npsr.Ordered{Order: order},
			end:        int64(len(data)),
			vaddr:      sec.Address,
		},
		cies: cies,
	}, nil
}

// Walk calls fn for every FDE in the section, in section order. FDEs that
// fail to decode are logged and skipped. An error from fn stops the walk and
// is returned as is. Corrupt entry headers which make the rest of the section
// unreadable end the walk with an ErrBadDebugInfo error.
func (w *Walker) Walk(fn func(*cfitypes.UnwindEntry) error) error {
	frames := w.frames
	for frames.hasData() {
		pos := frames.pos
		entry, err := w.parseFDE(&frames)
		switch {
		case err == nil:
		case errors.Is(err, errUnexpectedType):
			continue
		case errors.Is(err, errEmptyEntry):
			if !frames.debugFrame {
				// A zero terminator ends .eh_frame.
				return nil
			}
			continue
		case errors.Is(err, errSyncLost):
			return cfitypes.Wrap(cfitypes.ErrBadDebugInfo,
				fmt.Errorf("%v entry %#x: %w", w.sec.Kind, pos, err))
		default:
			log.Debugf("Skipping %v FDE %#x: %v", w.sec.Kind, pos, err)
			continue
		}
		if entry == nil {
			continue
		}
		if err = fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// EntryAt decodes the single FDE at offset within the section. A nil entry
// with nil error is returned when the FDE lies below the load address.
func (w *Walker) EntryAt(offset uint64) (*cfitypes.UnwindEntry, error) {
	if offset >= uint64(w.frames.end) {
		return nil, fmt.Errorf("%w: FDE offset %#x beyond %v",
			cfitypes.ErrBadDebugInfo, offset, w.sec.Kind)
	}
	frames := w.frames.offset(int64(offset))
	entry, err := w.parseFDE(&frames)
	if err != nil {
		return nil, cfitypes.Wrap(cfitypes.ErrBadDebugInfo,
			fmt.Errorf("FDE %#x: %w", offset, err))
	}
	return entry, nil
}

// parseFDE decodes the FDE at the reader position and advances past it.
func (w *Walker) parseFDE(frames *reader) (*cfitypes.UnwindEntry, error) {
	r, fde, cie, err := parseFDEHeader(frames, w.cies)
	if err != nil {
		return nil, err
	}
	if fde.ipStart < w.sec.LoadAddress {
		log.Debugf("FDE at %#x: %v", fde.ipStart,
			fmt.Errorf("%w: below load address %#x",
				cfitypes.ErrInvalidAddress, w.sec.LoadAddress))
		return nil, nil
	}

	st := state{
		cie:     cie,
		initial: &cie.initialState,
		loc:     fde.ipStart,
		cur:     cie.initialState.Clone(),
	}
	end := fde.ipStart + fde.ipLen
	var rows []cfitypes.UnwindRow
	emit := func(start, stop uint64) {
		if stop > end {
			stop = end
		}
		if start >= stop && len(rows) > 0 {
			return
		}
		row := st.cur.Clone()
		row.Start = start - w.sec.LoadAddress
		row.End = stop - w.sec.LoadAddress
		rows = append(rows, row)
	}

	rowStart := st.loc
	for r.hasData() {
		advanced, err := st.step(&r)
		if err != nil {
			return nil, err
		}
		if !advanced {
			break
		}
		if st.loc > rowStart && rowStart < end {
			emit(rowStart, st.loc)
		}
		rowStart = st.loc
	}
	if !r.isValid() {
		return nil, fmt.Errorf("FDE %#x instructions extend beyond entry", fde.ipStart)
	}
	if rowStart < end || len(rows) == 0 {
		emit(min(rowStart, end), end)
	}

	entry := &cfitypes.UnwindEntry{
		Start:         fde.ipStart - w.sec.LoadAddress,
		Length:        fde.ipLen,
		ReturnAddress: cfitypes.Register(cie.regRA),
		Rows:          rows,
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return entry, nil
}
