// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

func TestUnknownVersion(t *testing.T) {
	section := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(section, 2)
	_, err := NewIterator(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)

	_, err = NewIterator(section[:10], binary.LittleEndian, cfitypes.ArchAMD64)
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)
}

func TestEmptySection(t *testing.T) {
	section := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(section, sectionVersion)
	entries, err := Entries(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Only the sentinel
	section = buildSection(binary.LittleEndian, nil, nil, 0x1000)
	entries, err = Entries(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStructure(t *testing.T) {
	globals := []uint32{0x01000000, 0x02010000}
	pages := []testPage{
		{
			base: 0x1000,
			entries: []testEntry{
				{0x1000, 0x01000000},
				{0x1010, 0x04000123},
				{0x1030, 0x02020000},
			},
		},
		{
			compressed: true,
			base:       0x2000,
			entries: []testEntry{
				{0x2000, 0x02010000},
				{0x2004, 0x03000000},
				{0x2100, 0x01000000},
				{0x2180, 0x03000000},
			},
		},
	}

	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			section := buildSection(order, globals, pages, 0x3000)
			entries, err := Entries(section, order, cfitypes.ArchAMD64)
			require.NoError(t, err)

			expected := []Entry{
				{InstructionAddress: 0x1000, Length: 0x10, Opcode: 0x01000000},
				{InstructionAddress: 0x1010, Length: 0x20, Opcode: 0x04000123},
				{InstructionAddress: 0x1030, Length: 0x2000 - 0x1030, Opcode: 0x02020000},
				{InstructionAddress: 0x2000, Length: 0x4, Opcode: 0x02010000},
				{InstructionAddress: 0x2004, Length: 0xfc, Opcode: 0x03000000},
				{InstructionAddress: 0x2100, Length: 0x80, Opcode: 0x01000000},
				{InstructionAddress: 0x2180, Length: 0x3000 - 0x2180, Opcode: 0x03000000},
			}
			assert.Equal(t, expected, entries)

			// Entries cover the whole range without gaps or overlaps.
			for i := 1; i < len(entries); i++ {
				assert.Equal(t, entries[i].InstructionAddress, entries[i-1].End())
			}
		})
	}
}

func TestIteratorDeterministic(t *testing.T) {
	pages := []testPage{{
		compressed: true,
		base:       0x100,
		entries:    []testEntry{{0x100, 0x01000000}, {0x140, 0x02030000}},
	}}
	section := buildSection(binary.LittleEndian, nil, pages, 0x200)
	first, err := Entries(section, binary.LittleEndian, cfitypes.ArchX86)
	require.NoError(t, err)
	second, err := Entries(section, binary.LittleEndian, cfitypes.ArchX86)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)
}

func TestZeroLengthEntries(t *testing.T) {
	pages := []testPage{{
		base: 0x1000,
		entries: []testEntry{
			{0x1000, 0x01000000},
			{0x1000, 0x02000000},
			{0x1000, 0x03000000},
			{0x1020, 0x04000000},
		},
	}}
	section := buildSection(binary.LittleEndian, nil, pages, 0x1020)
	entries, err := Entries(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{InstructionAddress: 0x1000, Length: 0x20, Opcode: 0x03000000},
	}, entries)
}

func TestMalformed(t *testing.T) {
	tests := map[string]struct {
		globals  []uint32
		pages    []testPage
		sentinel uint32
		mangle   func([]byte) []byte
	}{
		"not monotonic": {
			pages: []testPage{{
				base:    0x1000,
				entries: []testEntry{{0x1100, 1}, {0x1000, 2}},
			}},
			sentinel: 0x2000,
		},
		"sentinel before last entry": {
			pages: []testPage{{
				base:    0x1000,
				entries: []testEntry{{0x1000, 1}, {0x1100, 2}},
			}},
			sentinel: 0x1050,
		},
		"unknown page kind": {
			pages: []testPage{{
				kind:    7,
				base:    0x1000,
				entries: []testEntry{{0x1000, 1}},
			}},
			sentinel: 0x2000,
		},
		"truncated page": {
			pages: []testPage{{
				base:    0x1000,
				entries: []testEntry{{0x1000, 1}, {0x1010, 1}},
			}},
			sentinel: 0x2000,
			mangle:   func(b []byte) []byte { return b[:len(b)-6] },
		},
		"local opcode index too large": {
			pages: []testPage{{
				compressed: true,
				base:       0x1000,
				entries:    []testEntry{{0x1000, 7}, {0x1010, 8}},
			}},
			sentinel: 0x2000,
			mangle: func(b []byte) []byte {
				// Drop the local palette size to zero. The compressed page
				// header follows at a known offset: header plus 2 index entries.
				page := headerSize + 2*firstLevelEntrySize
				binary.LittleEndian.PutUint16(b[page+10:], 0)
				return b
			},
		},
		"index beyond section": {
			sentinel: 0x1000,
			mangle: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[20:], 1000)
				return b
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			section := buildSection(binary.LittleEndian, tc.globals, tc.pages, tc.sentinel)
			if tc.mangle != nil {
				section = tc.mangle(section)
			}
			entries, err := Entries(section, binary.LittleEndian, cfitypes.ArchAMD64)
			require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)
			assert.Nil(t, entries)
		})
	}
}

func TestErrorIsTerminal(t *testing.T) {
	pages := []testPage{{
		base:    0x1000,
		entries: []testEntry{{0x1100, 1}, {0x1000, 2}, {0x1200, 3}},
	}}
	section := buildSection(binary.LittleEndian, nil, pages, 0x2000)
	it, err := NewIterator(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.NoError(t, err)
	_, ok, err := it.Next()
	require.Error(t, err)
	assert.False(t, ok)
	_, ok, err2 := it.Next()
	assert.False(t, ok)
	assert.Equal(t, err, err2)
}

func TestDump(t *testing.T) {
	globals := []uint32{0x01000000}
	pages := []testPage{
		{base: 0x1000, entries: []testEntry{{0x1000, 0x01000000}}},
		{compressed: true, base: 0x2000, entries: []testEntry{
			{0x2000, 0x01000000}, {0x2010, 0x02010000},
		}},
	}
	section := buildSection(binary.LittleEndian, globals, pages, 0x3000)
	it, err := NewIterator(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, it.Dump(&out))
	text := out.String()
	assert.Contains(t, text, "Number of indices in array:                0x3")
	assert.Contains(t, text, "    encoding[0]: 0x01000000")
	assert.Contains(t, text, "      [0]: function offset=0x00001000, encoding=0x01000000")
	assert.Contains(t, text, "      [1]: function offset=0x00002010, encoding[1]=0x02010000")

	// Dumping does not consume entries.
	entries, err := Entries(section, binary.LittleEndian, cfitypes.ArchAMD64)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	_, ok, err := it.Next()
	require.NoError(t, err)
	assert.True(t, ok)
}
