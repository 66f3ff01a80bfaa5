// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport synthesizes object files and unwind sections for tests.
package testsupport // import "go.opentelemetry.io/cfiextract/testsupport"

import "encoding/binary"

// DWARF call frame instructions used by the frame builders.
const (
	CFAAdvanceLoc       = 0x40
	CFAOffset           = 0x80
	CFADefCfa           = 0x0c
	CFADefCfaRegister   = 0x0d
	CFADefCfaOffset     = 0x0e
	CFARememberState    = 0x0a
	CFARestoreState     = 0x0b
	CFADefCfaExpression = 0x0f
)

// AppendULEB appends v as unsigned LEB128.
func AppendULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// EhFrame assembles a little endian .eh_frame section. CIEs use the "zR"
// augmentation with absolute udata4 pointers, code alignment 1 and data
// alignment -8.
type EhFrame struct {
	buf []byte
}

func (f *EhFrame) entry(body []byte) uint32 {
	pos := uint32(len(f.buf))
	f.buf = binary.LittleEndian.AppendUint32(f.buf, uint32(len(body)))
	f.buf = append(f.buf, body...)
	return pos
}

// CIE appends a CIE and returns its offset.
func (f *EhFrame) CIE(ra uint8, insns ...byte) uint32 {
	body := binary.LittleEndian.AppendUint32(nil, 0)
	body = append(body, 1, 'z', 'R', 0)
	body = append(body, 1, 0x78, ra)
	// augmentation data: DW_EH_PE_udata4
	body = append(body, 1, 0x03)
	body = append(body, insns...)
	return f.entry(body)
}

// FDE appends an FDE for [start, start+length) and returns its offset.
func (f *EhFrame) FDE(ciePos uint32, start, length uint32, insns ...byte) uint32 {
	idPos := uint32(len(f.buf)) + 4
	body := binary.LittleEndian.AppendUint32(nil, idPos-ciePos)
	body = binary.LittleEndian.AppendUint32(body, start)
	body = binary.LittleEndian.AppendUint32(body, length)
	body = append(body, 0)
	body = append(body, insns...)
	return f.entry(body)
}

// Bytes returns the section followed by a zero terminator.
func (f *EhFrame) Bytes() []byte {
	return binary.LittleEndian.AppendUint32(append([]byte(nil), f.buf...), 0)
}

// AMD64Prologue returns an .eh_frame with one FDE describing
// "push %rbp; mov %rsp,%rbp" at start and the offset of that FDE.
func AMD64Prologue(start, length uint32) ([]byte, uint32) {
	var f EhFrame
	cie := f.CIE(16,
		CFADefCfa, 7, 8,
		CFAOffset|16, 1)
	fde := f.FDE(cie, start, length,
		CFAAdvanceLoc|1,
		CFADefCfaOffset, 16,
		CFAOffset|6, 2,
		CFAAdvanceLoc|3,
		CFADefCfaRegister, 6)
	return f.Bytes(), fde
}

// CompactEntry is a function start of an __unwind_info section.
type CompactEntry struct {
	Address uint32
	Opcode  uint32
}

// UnwindInfo assembles a little endian version 1 __unwind_info section with
// a single regular second level page. end is the address of the sentinel.
func UnwindInfo(entries []CompactEntry, end uint32) []byte {
	const (
		headerSize = 28
		indexSize  = 2 * 12
	)
	le := binary.LittleEndian
	pageOffset := uint32(headerSize + indexSize)
	var first uint32
	if len(entries) > 0 {
		first = entries[0].Address
	}

	buf := le.AppendUint32(nil, 1)
	buf = le.AppendUint32(buf, headerSize) // common opcodes
	buf = le.AppendUint32(buf, 0)
	buf = le.AppendUint32(buf, headerSize) // personalities
	buf = le.AppendUint32(buf, 0)
	buf = le.AppendUint32(buf, headerSize) // first level index
	buf = le.AppendUint32(buf, 2)

	buf = le.AppendUint32(buf, first)
	buf = le.AppendUint32(buf, pageOffset)
	buf = le.AppendUint32(buf, 0)
	buf = le.AppendUint32(buf, end)
	buf = le.AppendUint32(buf, 0)
	buf = le.AppendUint32(buf, 0)

	// regular page
	buf = le.AppendUint32(buf, 2)
	buf = le.AppendUint16(buf, 8)
	buf = le.AppendUint16(buf, uint16(len(entries)))
	for _, e := range entries {
		buf = le.AppendUint32(buf, e.Address)
		buf = le.AppendUint32(buf, e.Opcode)
	}
	return buf
}
