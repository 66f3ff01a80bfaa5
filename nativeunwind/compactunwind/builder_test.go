// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"encoding/binary"
	"slices"
)

type testEntry struct {
	addr, opcode uint32
}

type testPage struct {
	compressed bool
	base       uint32
	entries    []testEntry
	// kind overrides the page kind when non-zero.
	kind uint32
}

// buildSection lays out an __unwind_info section: header, common opcodes,
// personalities, first level index with sentinel, then the pages.
func buildSection(order binary.ByteOrder, globals []uint32, pages []testPage,
	sentinel uint32) []byte {
	var buf []byte
	u32 := func(v uint32) {
		var b [4]byte
		order.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	u16 := func(v uint16) {
		var b [2]byte
		order.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	globalsOffset := uint32(headerSize)
	personalitiesOffset := globalsOffset + uint32(len(globals))*4
	pagesOffset := personalitiesOffset
	pagesLen := uint32(len(pages) + 1)

	u32(sectionVersion)
	u32(globalsOffset)
	u32(uint32(len(globals)))
	u32(personalitiesOffset)
	u32(0)
	u32(pagesOffset)
	u32(pagesLen)
	for _, g := range globals {
		u32(g)
	}

	// Reserve the first level index, patch it once page offsets are known.
	indexPos := len(buf)
	buf = append(buf, make([]byte, pagesLen*firstLevelEntrySize)...)

	for i, page := range pages {
		pageOffset := uint32(len(buf))
		entryPos := indexPos + i*firstLevelEntrySize
		order.PutUint32(buf[entryPos:], page.base)
		order.PutUint32(buf[entryPos+4:], pageOffset)

		kind := page.kind
		if kind == 0 {
			kind = pageKindRegular
			if page.compressed {
				kind = pageKindCompressed
			}
		}
		u32(kind)
		if !page.compressed {
			u16(8)
			u16(uint16(len(page.entries)))
			for _, e := range page.entries {
				u32(e.addr)
				u32(e.opcode)
			}
			continue
		}

		var locals []uint32
		var packed []uint32
		for _, e := range page.entries {
			idx := slices.Index(globals, e.opcode)
			if idx < 0 {
				idx = slices.Index(locals, e.opcode)
				if idx < 0 {
					idx = len(locals)
					locals = append(locals, e.opcode)
				}
				idx += len(globals)
			}
			packed = append(packed, uint32(idx)<<24|(e.addr-page.base))
		}
		u16(12)
		u16(uint16(len(packed)))
		u16(uint16(12 + 4*len(packed)))
		u16(uint16(len(locals)))
		for _, v := range packed {
			u32(v)
		}
		for _, v := range locals {
			u32(v)
		}
	}

	sentinelPos := indexPos + len(pages)*firstLevelEntrySize
	order.PutUint32(buf[sentinelPos:], sentinel)
	return buf
}

// packRBPRegisters places up to five 3-bit register codes into an RBP frame opcode.
func packRBPRegisters(regs [5]uint32) uint32 {
	var result uint32
	for i, reg := range regs {
		result |= (reg & 0x7) << (21 - 3*i)
	}
	return result
}

// packFramelessRegisters encodes regs, each in 1..6, as the permutation of a
// frameless opcode including the register count.
func packFramelessRegisters(regs []uint32) uint32 {
	n := len(regs)
	var slots [6]uint32
	copy(slots[6-n:], regs)

	var renum [6]uint32
	for i := 6 - n; i < 6; i++ {
		countless := uint32(0)
		for j := 6 - n; j < i; j++ {
			if slots[j] < slots[i] {
				countless++
			}
		}
		renum[i] = slots[i] - countless - 1
	}

	var p uint32
	switch n {
	case 6:
		p = 120*renum[0] + 24*renum[1] + 6*renum[2] + 2*renum[3] + renum[4]
	case 5:
		p = 120*renum[1] + 24*renum[2] + 6*renum[3] + 2*renum[4] + renum[5]
	case 4:
		p = 60*renum[2] + 12*renum[3] + 3*renum[4] + renum[5]
	case 3:
		p = 20*renum[3] + 4*renum[4] + renum[5]
	case 2:
		p = 5*renum[4] + renum[5]
	case 1:
		p = renum[5]
	}
	return uint32(n)<<10 | p
}
