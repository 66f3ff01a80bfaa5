// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfiextract

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"
	"go.opentelemetry.io/cfiextract/object"
	ts "go.opentelemetry.io/cfiextract/testsupport"
)

const prologueCFI = "STACK CFI INIT 1000 10 .cfa: $rsp 8 + .ra: .cfa -8 + ^\n" +
	"STACK CFI 1001 .cfa: $rsp 16 + $rbp: .cfa -16 + ^\n" +
	"STACK CFI 1004 .cfa: $rbp 16 +\n"

// Sync is lost on the reserved initial length.
var corruptFrames = []byte{0xf0, 0xff, 0xff, 0xff, 0, 0, 0, 0}

func parse(t *testing.T, data []byte) object.Object {
	t.Helper()
	obj, err := object.Parse(data)
	require.NoError(t, err)
	return obj
}

func TestExtractELF(t *testing.T) {
	ehFrame, _ := ts.AMD64Prologue(0x401000, 0x10)

	tests := map[string]struct {
		sections []ts.Section
		want     string
		wantErr  error
	}{
		"eh_frame": {
			sections: []ts.Section{
				{Name: ".eh_frame", Addr: 0x402000, Data: ehFrame},
			},
			want: prologueCFI,
		},
		"no unwind sections": {
			sections: []ts.Section{
				{Name: ".text", Addr: 0x401000, Data: make([]byte, 16)},
			},
		},
		"corrupt debug_frame": {
			sections: []ts.Section{
				{Name: ".debug_frame", Data: corruptFrames},
				{Name: ".eh_frame", Addr: 0x402000, Data: ehFrame},
			},
			want:    prologueCFI,
			wantErr: cfitypes.ErrBadDebugInfo,
		},
		"corrupt eh_frame": {
			sections: []ts.Section{
				{Name: ".eh_frame", Addr: 0x402000, Data: corruptFrames},
			},
			wantErr: cfitypes.ErrBadDebugInfo,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			obj := parse(t, ts.ELF(elf.EM_X86_64, 0x400000, tc.sections, nil))
			var buf bytes.Buffer
			err := Process(obj, &buf)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.want, buf.String())
		})
	}
}

func TestExtractBelowLoadAddress(t *testing.T) {
	ehFrame, _ := ts.AMD64Prologue(0x1000, 0x10)
	obj := parse(t, ts.ELF(elf.EM_X86_64, 0x400000,
		[]ts.Section{{Name: ".eh_frame", Addr: 0x402000, Data: ehFrame}}, nil))
	out, err := Extract(obj)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// machOFixture lays out a dylib with four compact entries: a frame based
// function, a function delegating to an FDE, the signal trampoline and a
// stackless leaf function.
func machOFixture(t *testing.T, withUnwindInfo bool) object.Object {
	t.Helper()
	var f ts.EhFrame
	cie := f.CIE(16,
		ts.CFADefCfa, 7, 8,
		ts.CFAOffset|16, 1)
	prologue := f.FDE(cie, 0x1100, 0x10,
		ts.CFAAdvanceLoc|1,
		ts.CFADefCfaOffset, 16,
		ts.CFAOffset|6, 2,
		ts.CFAAdvanceLoc|3,
		ts.CFADefCfaRegister, 6)
	sigtramp := f.FDE(cie, 0x1200, 0x2c)

	const dwarfMode = 0x04000000
	unwindInfo := ts.UnwindInfo([]ts.CompactEntry{
		{Address: 0x1000, Opcode: 0x01000000},
		{Address: 0x1100, Opcode: dwarfMode | prologue},
		{Address: 0x1200, Opcode: dwarfMode | sigtramp},
		{Address: 0x122c, Opcode: 0},
	}, 0x1240)

	sections := []ts.Section{
		{Name: "__text", Addr: 0x1000, Data: make([]byte, 0x240)},
		{Name: "__eh_frame", Addr: 0x3000, Data: f.Bytes()},
	}
	if withUnwindInfo {
		sections = append(sections, ts.Section{Name: "__unwind_info", Addr: 0x2000, Data: unwindInfo})
	}
	return parse(t, ts.MachO(macho.CpuAmd64, 0, sections, []ts.Symbol{
		{Name: "_frame", Addr: 0x1000},
		{Name: "_prologue", Addr: 0x1100},
		{Name: "__sigtramp", Addr: 0x1200},
		{Name: "_leaf", Addr: 0x122c},
	}))
}

func TestExtractMachO(t *testing.T) {
	out, err := Extract(machOFixture(t, true))
	require.NoError(t, err)
	want := "STACK CFI INIT 1000 100 .cfa: $rbp 16 + $rbp: .cfa -16 + ^ .ra: .cfa -8 + ^\n" +
		"STACK CFI INIT 1100 10 .cfa: $rsp 8 + .ra: .cfa -8 + ^\n" +
		"STACK CFI 1101 .cfa: $rsp 16 + $rbp: .cfa -16 + ^\n" +
		"STACK CFI 1104 .cfa: $rbp 16 +\n" +
		"STACK CFI INIT 1200 2c $rbp: $rbx 48 + ^ 64 + ^ " +
		".cfa: $rbx 48 + ^ 72 + ^ .ra: $rbx 48 + ^ 144 + ^\n" +
		"STACK CFI INIT 122c 14 .cfa: $rsp 8 + .ra: .cfa -8 + ^\n"
	assert.Equal(t, want, string(out))
}

func TestExtractMachOWithoutCompactUnwind(t *testing.T) {
	out, err := Extract(machOFixture(t, false))
	require.NoError(t, err)
	assert.Equal(t, "STACK CFI INIT 1100 10 .cfa: $rsp 8 + .ra: .cfa -8 + ^\n"+
		"STACK CFI 1101 .cfa: $rsp 16 + $rbp: .cfa -16 + ^\n"+
		"STACK CFI 1104 .cfa: $rbp 16 +\n"+
		"STACK CFI INIT 1200 2c .cfa: $rsp 8 + .ra: .cfa -8 + ^\n", string(out))
}

func TestExtractMachOBadDelegation(t *testing.T) {
	unwindInfo := ts.UnwindInfo([]ts.CompactEntry{
		// FDE offset beyond the section
		{Address: 0x1000, Opcode: 0x04000100},
		{Address: 0x1010, Opcode: 0},
	}, 0x1020)
	obj := parse(t, ts.MachO(macho.CpuAmd64, 0, []ts.Section{
		{Name: "__unwind_info", Addr: 0x2000, Data: unwindInfo},
		{Name: "__eh_frame", Addr: 0x3000, Data: []byte{0, 0, 0, 0}},
	}, nil))
	out, err := Extract(obj)
	require.NoError(t, err)
	assert.Equal(t, "STACK CFI INIT 1010 10 .cfa: $rsp 8 + .ra: .cfa -8 + ^\n", string(out))
}

func TestExtractMachOCorruptCompactUnwind(t *testing.T) {
	obj := parse(t, ts.MachO(macho.CpuArm64, 0, []ts.Section{
		{Name: "__unwind_info", Addr: 0x2000, Data: []byte{2, 0, 0, 0}},
	}, nil))
	_, err := Extract(obj)
	require.ErrorIs(t, err, cfitypes.ErrBadDebugInfo)
}

type fakeImage map[uint32][]byte

func (img fakeImage) Bytes(rva, size uint32) ([]byte, error) {
	for base, data := range img {
		if rva >= base && uint64(rva-base)+uint64(size) <= uint64(len(data)) {
			return data[rva-base : rva-base+size], nil
		}
	}
	return nil, cfitypes.ErrBadDebugInfo
}

func TestExtractPE(t *testing.T) {
	// push rbx; sub rsp, 0x20
	unwindInfo := []byte{0x01, 6, 2, 0, 6, 0x32, 1, 0x30}
	var pdata []byte
	for _, v := range []uint32{0x1000, 0x1040, 0x3000, 0, 0, 0} {
		pdata = binary.LittleEndian.AppendUint32(pdata, v)
	}
	const want = "STACK CFI INIT 1000 40 .cfa: $rsp 48 + $rbx: .cfa 16 - ^ .ra: .cfa 8 - ^\n"

	tests := map[string]struct {
		machine uint16
		want    string
	}{
		"amd64": {machine: pe.IMAGE_FILE_MACHINE_AMD64, want: want},
		"arm64": {machine: pe.IMAGE_FILE_MACHINE_ARM64},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			obj := parse(t, ts.PE(tc.machine, 0x140000000, []ts.PESection{
				{Name: ".text", RVA: 0x1000, Data: make([]byte, 0x40)},
				{Name: ".pdata", RVA: 0x2000, Data: pdata},
				{Name: ".xdata", RVA: 0x3000, Data: unwindInfo},
			}, 0x2000, uint32(len(pdata))))
			out, err := Extract(obj)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}
}

func TestExtractPENeedsExceptionData(t *testing.T) {
	obj := parse(t, ts.ELF(elf.EM_X86_64, 0, nil, nil))
	_, err := Extract(kindOverride{Object: obj, kind: object.KindPe})
	require.ErrorIs(t, err, cfitypes.ErrUnsupportedDebugFormat)
}

type kindOverride struct {
	object.Object
	kind object.Kind
}

func (k kindOverride) Kind() object.Kind { return k.kind }

func TestExtractPDB(t *testing.T) {
	var frameData []byte
	for range 3 {
		for _, v := range []uint32{0x1000, 0x20, 0x10, 8, 0, 5} {
			frameData = binary.LittleEndian.AppendUint32(frameData, v)
		}
		frameData = binary.LittleEndian.AppendUint16(frameData, 3)
		frameData = binary.LittleEndian.AppendUint16(frameData, 4)
		frameData = binary.LittleEndian.AppendUint32(frameData, 0)
	}

	tests := map[string]struct {
		strings pdbframe.StringTable
		want    string
	}{
		"program": {
			strings: pdbframe.MapStringTable{5: " $T0 .raSearch = $eip $T0 ^ = "},
			want:    "STACK WIN 4 1000 20 3 0 8 4 10 0 1 $T0 .raSearch = $eip $T0 ^ =\n",
		},
		"no string table": {
			want: "STACK WIN 4 1000 20 3 0 8 4 10 0 0 \n",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			obj, err := object.NewPDB(cfitypes.ArchX86, object.PDBStreams{
				FrameData: frameData,
				Strings:   tc.strings,
			})
			require.NoError(t, err)
			out, err := Extract(obj)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(out))
		})
	}
}

func TestExtractBreakpad(t *testing.T) {
	records := "STACK CFI INIT 1000 10 .cfa: $rsp 8 + .ra: .cfa -8 + ^\n" +
		"STACK CFI 1001 .cfa: $rsp 16 +\n" +
		"STACK WIN 4 2000 10 0 0 0 0 0 0 1 $T0 $ebp =\n"
	data := "MODULE Linux x86_64 0123456789ABCDEF0 libfoo.so\n" +
		"FILE 0 foo.c\n" +
		"FUNC 1000 10 0 foo\n" +
		records

	out, err := Extract(parse(t, []byte(data)))
	require.NoError(t, err)
	assert.Equal(t, records, string(out))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, assert.AnError
}

func TestProcessWriteFailure(t *testing.T) {
	ehFrame, _ := ts.AMD64Prologue(0x401000, 0x10)
	obj := parse(t, ts.ELF(elf.EM_X86_64, 0x400000,
		[]ts.Section{{Name: ".eh_frame", Addr: 0x402000, Data: ehFrame}}, nil))
	err := Process(obj, failingWriter{})
	require.ErrorIs(t, err, cfitypes.ErrWriteFailed)
	require.ErrorIs(t, err, assert.AnError)
}
