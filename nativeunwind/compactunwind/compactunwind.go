// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package compactunwind decodes the two level page table of the Mach-O
// __unwind_info section ("compact unwinding").
//
// The section starts with a header pointing at a palette of common opcodes,
// a palette of personality functions and an array of first level entries
// sorted by function address. The last first level entry is a sentinel with
// a zero page offset whose address marks the end of the covered range. Each
// other first level entry points to a regular second level page, holding
// (address, opcode) pairs, or a compressed page, holding 24-bit relative
// addresses with an 8-bit palette index into either the common palette or a
// page local palette.
package compactunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"

import (
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	npsr "go.opentelemetry.io/cfiextract/nopanicslicereader"
)

const (
	sectionVersion = 1

	headerSize          = 7 * 4
	firstLevelEntrySize = 3 * 4

	pageKindRegular    = 2
	pageKindCompressed = 3
)

// header is the root of the __unwind_info section.
type header struct {
	version             uint32
	globalOpcodesOffset uint32
	globalOpcodesLen    uint32
	personalitiesOffset uint32
	personalitiesLen    uint32
	pagesOffset         uint32
	// pagesLen includes the sentinel.
	pagesLen uint32
}

type firstLevelEntry struct {
	firstAddress      uint32
	secondLevelOffset uint32
	lsdaIndexOffset   uint32
}

type secondLevelPage struct {
	first      firstLevelEntry
	compressed bool

	// Offsets are relative to the page start.
	entriesOffset      uint16
	entriesLen         uint16
	localOpcodesOffset uint16
	localOpcodesLen    uint16
}

// rawEntry is a minimally decoded entry. The opcode of compressed entries is
// resolved once the entry is yielded.
type rawEntry struct {
	address  uint32
	opcode   uint32
	index    uint32
	sentinel bool
	page     secondLevelPage
}

// Iterator walks all entries of one __unwind_info section in address order.
//
// The length of an entry is only known once the following entry has been
// read. The iterator therefore keeps the current page and a peeked entry.
// Any error is terminal.
type Iterator struct {
	data []byte
	rd   npsr.Ordered
	arch cfitypes.Arch
	hdr  header

	// firstIdx is the next first level entry to load.
	firstIdx uint32
	// page is the page being read, nil when the next raw read needs a new page.
	page      *secondLevelPage
	secondIdx uint16

	peeked  rawEntry
	hasPeek bool
	done    bool
	err     error
}

// NewIterator checks the section header and returns an iterator over its
// entries. arch only affects the interpretation of opcodes.
func NewIterator(data []byte, order binary.ByteOrder, arch cfitypes.Arch) (*Iterator, error) {
	it := &Iterator{
		data: data,
		rd:   npsr.Ordered{Order: order},
		arch: arch,
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: unwind info header truncated (%d bytes)",
			cfitypes.ErrBadDebugInfo, len(data))
	}
	it.hdr = header{
		version:             it.rd.Uint32(data, 0),
		globalOpcodesOffset: it.rd.Uint32(data, 4),
		globalOpcodesLen:    it.rd.Uint32(data, 8),
		personalitiesOffset: it.rd.Uint32(data, 12),
		personalitiesLen:    it.rd.Uint32(data, 16),
		pagesOffset:         it.rd.Uint32(data, 20),
		pagesLen:            it.rd.Uint32(data, 24),
	}
	if it.hdr.version != sectionVersion {
		return nil, fmt.Errorf("%w: unknown compact unwind version %d",
			cfitypes.ErrBadDebugInfo, it.hdr.version)
	}
	return it, nil
}

// Arch returns the architecture the opcodes are decoded for.
func (it *Iterator) Arch() cfitypes.Arch {
	return it.arch
}

func (it *Iterator) u32(offs uint64) (uint32, error) {
	if offs > uint64(len(it.data)) || !npsr.InBounds(it.data, uint(offs), 4) {
		return 0, fmt.Errorf("%w: read at %#x beyond section end %#x",
			cfitypes.ErrBadDebugInfo, offs, len(it.data))
	}
	return it.rd.Uint32(it.data, uint(offs)), nil
}

func (it *Iterator) u16(offs uint64) (uint16, error) {
	if offs > uint64(len(it.data)) || !npsr.InBounds(it.data, uint(offs), 2) {
		return 0, fmt.Errorf("%w: read at %#x beyond section end %#x",
			cfitypes.ErrBadDebugInfo, offs, len(it.data))
	}
	return it.rd.Uint16(it.data, uint(offs)), nil
}

func (it *Iterator) firstLevel(idx uint32) (firstLevelEntry, error) {
	offs := uint64(it.hdr.pagesOffset) + uint64(idx)*firstLevelEntrySize
	var e firstLevelEntry
	var err error
	if e.firstAddress, err = it.u32(offs); err != nil {
		return e, err
	}
	if e.secondLevelOffset, err = it.u32(offs + 4); err != nil {
		return e, err
	}
	e.lsdaIndexOffset, err = it.u32(offs + 8)
	return e, err
}

func (it *Iterator) secondLevel(first firstLevelEntry) (secondLevelPage, error) {
	offs := uint64(first.secondLevelOffset)
	page := secondLevelPage{first: first}
	kind, err := it.u32(offs)
	if err != nil {
		return page, err
	}
	switch kind {
	case pageKindRegular:
	case pageKindCompressed:
		page.compressed = true
	default:
		return page, fmt.Errorf("%w: unknown second level page kind %d at %#x",
			cfitypes.ErrBadDebugInfo, kind, offs)
	}
	fields := []*uint16{&page.entriesOffset, &page.entriesLen}
	if page.compressed {
		fields = append(fields, &page.localOpcodesOffset, &page.localOpcodesLen)
	}
	for i, f := range fields {
		if *f, err = it.u16(offs + 4 + uint64(i)*2); err != nil {
			return page, err
		}
	}
	return page, nil
}

func (it *Iterator) secondLevelEntry(page *secondLevelPage, idx uint16) (rawEntry, error) {
	base := uint64(page.first.secondLevelOffset) + uint64(page.entriesOffset)
	if page.compressed {
		v, err := it.u32(base + uint64(idx)*4)
		if err != nil {
			return rawEntry{}, err
		}
		return rawEntry{
			address: (v & 0x00FFFFFF) + page.first.firstAddress,
			index:   v >> 24,
			page:    *page,
		}, nil
	}
	addr, err := it.u32(base + uint64(idx)*8)
	if err != nil {
		return rawEntry{}, err
	}
	opcode, err := it.u32(base + uint64(idx)*8 + 4)
	if err != nil {
		return rawEntry{}, err
	}
	return rawEntry{address: addr, opcode: opcode, page: *page}, nil
}

// nextRaw reads the next entry, loading pages as needed. The sentinel first
// level entry is returned as a raw entry with sentinel set.
func (it *Iterator) nextRaw() (rawEntry, bool, error) {
	for it.page == nil {
		if it.firstIdx >= it.hdr.pagesLen {
			return rawEntry{}, false, nil
		}
		first, err := it.firstLevel(it.firstIdx)
		if err != nil {
			return rawEntry{}, false, err
		}
		it.firstIdx++
		if first.secondLevelOffset == 0 {
			return rawEntry{address: first.firstAddress, sentinel: true}, true, nil
		}
		page, err := it.secondLevel(first)
		if err != nil {
			return rawEntry{}, false, err
		}
		if page.entriesLen == 0 {
			continue
		}
		it.page = &page
		it.secondIdx = 0
	}

	entry, err := it.secondLevelEntry(it.page, it.secondIdx)
	if err != nil {
		return rawEntry{}, false, err
	}
	it.secondIdx++
	if it.secondIdx == it.page.entriesLen {
		it.page = nil
	}
	return entry, true, nil
}

func (it *Iterator) globalOpcode(idx uint32) (uint32, error) {
	if idx >= it.hdr.globalOpcodesLen {
		return 0, fmt.Errorf("%w: global opcode index too large (%d >= %d)",
			cfitypes.ErrBadDebugInfo, idx, it.hdr.globalOpcodesLen)
	}
	return it.u32(uint64(it.hdr.globalOpcodesOffset) + uint64(idx)*4)
}

// opcode resolves the opcode of a raw entry.
func (it *Iterator) opcode(e *rawEntry) (uint32, error) {
	if !e.page.compressed {
		return e.opcode, nil
	}
	if e.index < it.hdr.globalOpcodesLen {
		return it.globalOpcode(e.index)
	}
	local := e.index - it.hdr.globalOpcodesLen
	if local >= uint32(e.page.localOpcodesLen) {
		return 0, fmt.Errorf("%w: local opcode index too large (%d >= %d)",
			cfitypes.ErrBadDebugInfo, local, e.page.localOpcodesLen)
	}
	return it.u32(uint64(e.page.first.secondLevelOffset) +
		uint64(e.page.localOpcodesOffset) + uint64(local)*4)
}

func (it *Iterator) fail(err error) (Entry, bool, error) {
	it.err = err
	return Entry{}, false, err
}

// Next returns the next entry. It returns false once all entries up to the
// sentinel have been returned. Entries of zero length are skipped.
func (it *Iterator) Next() (Entry, bool, error) {
	if it.err != nil {
		return Entry{}, false, it.err
	}
	for !it.done {
		if !it.hasPeek {
			e, ok, err := it.nextRaw()
			if err != nil {
				return it.fail(err)
			}
			if !ok {
				break
			}
			it.peeked, it.hasPeek = e, true
		}

		cur := it.peeked
		if cur.sentinel {
			break
		}
		next, ok, err := it.nextRaw()
		if err != nil {
			return it.fail(err)
		}
		if !ok {
			// Without a sentinel the extent of the last entry is unknown.
			break
		}
		it.peeked = next

		if cur.address > next.address {
			return it.fail(fmt.Errorf("%w: entry addresses are not monotonic (%#x > %#x)",
				cfitypes.ErrBadDebugInfo, cur.address, next.address))
		}
		if cur.address == next.address {
			continue
		}
		opcode, err := it.opcode(&cur)
		if err != nil {
			return it.fail(err)
		}
		return Entry{
			InstructionAddress: cur.address,
			Length:             next.address - cur.address,
			Opcode:             opcode,
		}, true, nil
	}
	it.done = true
	it.hasPeek = false
	return Entry{}, false, nil
}

// Entries decodes the whole section. On error no entries are returned.
func Entries(data []byte, order binary.ByteOrder, arch cfitypes.Arch) ([]Entry, error) {
	it, err := NewIterator(data, order, arch)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for {
		e, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, e)
	}
}
