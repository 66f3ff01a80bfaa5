// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdbframe

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

func TestParseFPO(t *testing.T) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, 0x1000)
	b = binary.LittleEndian.AppendUint32(b, 0x40)
	b = binary.LittleEndian.AppendUint32(b, 3)
	b = binary.LittleEndian.AppendUint16(b, 2)
	// prolog 5, two saved registers, base pointer, frame type standard
	b = binary.LittleEndian.AppendUint16(b, 5|2<<8|1<<12|3<<14)

	frames, err := ParseFPO(b)
	require.NoError(t, err)
	assert.Equal(t, []Frame{{
		Type:            FrameTypeStandard,
		CodeStart:       0x1000,
		CodeSize:        0x40,
		PrologSize:      5,
		LocalsSize:      12,
		ParamsSize:      8,
		SavedRegsSize:   8,
		UsesBasePointer: true,
	}}, frames)

	_, err = ParseFPO(b[:15])
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)
}

func TestParseFrameData(t *testing.T) {
	var b []byte
	for _, v := range []uint32{0x2000, 0x80, 0x10, 0x8, 0x20, 0x44} {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	b = binary.LittleEndian.AppendUint16(b, 6)
	b = binary.LittleEndian.AppendUint16(b, 4)
	b = binary.LittleEndian.AppendUint32(b, 0)

	frames, err := ParseFrameData(b)
	require.NoError(t, err)
	assert.Equal(t, []Frame{{
		Type:          FrameTypeFrameData,
		CodeStart:     0x2000,
		CodeSize:      0x80,
		PrologSize:    6,
		LocalsSize:    0x10,
		ParamsSize:    0x8,
		SavedRegsSize: 4,
		MaxStackSize:  0x20,
		ProgramRef:    0x44,
		HasProgram:    true,
	}}, frames)

	_, err = ParseFrameData(b[:31])
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)
}

func TestMergeFrames(t *testing.T) {
	fpo := []Frame{{CodeStart: 0x10}, {CodeStart: 0x30}}
	fd := []Frame{{CodeStart: 0x20, HasProgram: true}, {CodeStart: 0x30, HasProgram: true}}
	merged := MergeFrames(fpo, fd)
	require.Len(t, merged, 4)
	var starts []uint32
	for _, f := range merged {
		starts = append(starts, f.CodeStart)
	}
	assert.Equal(t, []uint32{0x10, 0x20, 0x30, 0x30}, starts)
	assert.False(t, merged[2].HasProgram)
	assert.True(t, merged[3].HasProgram)
}

func TestOMAP(t *testing.T) {
	m := OMAP{
		{Source: 0x1000, Target: 0x5000},
		{Source: 0x1010, Target: 0},
		{Source: 0x1020, Target: 0x3000},
		{Source: 0x1030, Target: 0x3010},
	}
	tests := map[string]struct {
		start, end uint32
		want       []Range
	}{
		"inside one record":   {0x1004, 0x100c, []Range{{0x5004, 0x500c}}},
		"eliminated code":     {0x1008, 0x1028, []Range{{0x5008, 0x5010}, {0x3000, 0x3008}}},
		"joined pieces":       {0x1020, 0x1040, []Range{{0x3000, 0x3020}}},
		"before first record": {0x0ff0, 0x1004, []Range{{0x5000, 0x5004}}},
		"empty":               {0x1004, 0x1004, nil},
		"fully eliminated":    {0x1010, 0x1020, nil},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, m.RvaRanges(tc.start, tc.end))
		})
	}

	assert.Equal(t, []Range{{7, 7}}, IdentityMap{}.RvaRanges(7, 7))
	assert.Equal(t, []Range{{1, 2}}, OMAP(nil).RvaRanges(1, 2))
}

func TestParseOMAP(t *testing.T) {
	var b []byte
	for _, v := range []uint32{0x2000, 0x10, 0x1000, 0x20} {
		b = binary.LittleEndian.AppendUint32(b, v)
	}
	m, err := ParseOMAP(b)
	require.NoError(t, err)
	assert.Equal(t, OMAP{{0x1000, 0x20}, {0x2000, 0x10}}, m)

	_, err = ParseOMAP(b[:5])
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)
}

func TestWalk(t *testing.T) {
	fpo := Frame{
		Type:            FrameTypeFPO,
		CodeStart:       0x1000,
		CodeSize:        0x20,
		PrologSize:      4,
		LocalsSize:      8,
		UsesBasePointer: true,
	}
	fd := Frame{
		Type:       FrameTypeFrameData,
		CodeStart:  0x1020,
		CodeSize:   0x10,
		PrologSize: 2,
		ProgramRef: 1,
		HasProgram: true,
	}
	strs := MapStringTable{1: "  $T0 .raSearch = $eip $T0 ^ = $esp $T0 4 + = \n"}

	tests := map[string]struct {
		frames []Frame
		amap   AddressMap
		strs   StringTable
		want   []Record
	}{
		"identity": {
			frames: []Frame{fpo, fpo, fd},
			strs:   strs,
			want: []Record{
				{Type: FrameTypeFPO, Start: 0x1000, Size: 0x20, PrologSize: 4,
					LocalsSize: 8, UsesBasePointer: true},
				{Type: FrameTypeFrameData, Start: 0x1020, Size: 0x10, PrologSize: 2,
					Program: "$T0 .raSearch = $eip $T0 ^ = $esp $T0 4 + =", HasProgram: true},
			},
		},
		"no string table": {
			frames: []Frame{fd},
			want: []Record{
				{Type: FrameTypeFrameData, Start: 0x1020, Size: 0x10, PrologSize: 2,
					ProgramUnresolved: true},
			},
		},
		"implausible size": {
			frames: []Frame{{CodeStart: 0x10, CodeSize: 0xffffff6e}},
		},
		"split by address map": {
			frames: []Frame{fpo},
			amap: OMAP{
				{Source: 0x1000, Target: 0x8000},
				{Source: 0x1002, Target: 0x4000},
				{Source: 0x1004, Target: 0x9000},
				{Source: 0x1010, Target: 0x2000},
			},
			want: []Record{
				{Type: FrameTypeFPO, Start: 0x4000, Size: 2, PrologSize: 2,
					LocalsSize: 8, UsesBasePointer: true},
				{Type: FrameTypeFPO, Start: 0x8000, Size: 2, PrologSize: 2,
					LocalsSize: 8, UsesBasePointer: true},
				{Type: FrameTypeFPO, Start: 0x2000, Size: 0x10,
					LocalsSize: 8, UsesBasePointer: true},
				{Type: FrameTypeFPO, Start: 0x9000, Size: 0xc,
					LocalsSize: 8, UsesBasePointer: true},
			},
		},
		"moved but contiguous": {
			frames: []Frame{fpo},
			amap:   OMAP{{Source: 0x1000, Target: 0x7000}},
			want: []Record{
				{Type: FrameTypeFPO, Start: 0x7000, Size: 0x20, PrologSize: 4,
					LocalsSize: 8, UsesBasePointer: true},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			recs, err := Records(tc.frames, tc.amap, tc.strs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, recs)
		})
	}
}

func TestWalkMissingString(t *testing.T) {
	_, err := Records([]Frame{{CodeStart: 1, CodeSize: 1, HasProgram: true, ProgramRef: 9}},
		nil, MapStringTable{})
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)

	stop := errors.New("stop")
	err = Walk([]Frame{{CodeStart: 1, CodeSize: 1}}, nil, nil, func(*Record) error {
		return stop
	})
	require.ErrorIs(t, err, stop)
}
