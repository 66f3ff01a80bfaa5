// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi

import (
	"encoding/binary"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// frameBuilder assembles little endian call frame sections. The .eh_frame
// flavor uses a "zR" augmentation with udata4 absolute pointers. The
// .debug_frame flavor uses 8 byte native pointers.
type frameBuilder struct {
	buf        []byte
	debugFrame bool
}

func appendULEB(b []byte, v uint64) []byte {
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

func appendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

// entry appends one length prefixed entry whose body starts with the id field.
func (fb *frameBuilder) entry(body []byte) uint32 {
	pos := uint32(len(fb.buf))
	fb.buf = binary.LittleEndian.AppendUint32(fb.buf, uint32(len(body)))
	fb.buf = append(fb.buf, body...)
	return pos
}

// cie appends a CIE with code alignment 1, data alignment -8 and the given
// return address register.
func (fb *frameBuilder) cie(ra uint8, insns ...byte) uint32 {
	var body []byte
	if fb.debugFrame {
		body = binary.LittleEndian.AppendUint32(body, 0xffffffff)
		body = append(body, 1, 0)
	} else {
		body = binary.LittleEndian.AppendUint32(body, 0)
		body = append(body, 1, 'z', 'R', 0)
	}
	body = appendULEB(body, 1)
	body = appendSLEB(body, -8)
	body = append(body, ra)
	if !fb.debugFrame {
		// augmentation length and the udata4 pointer encoding
		body = append(body, 1, byte(encFormatData4))
	}
	body = append(body, insns...)
	return fb.entry(body)
}

// fde appends an FDE referring to the CIE at ciePos.
func (fb *frameBuilder) fde(ciePos uint32, start, length uint64, insns ...byte) uint32 {
	var body []byte
	if fb.debugFrame {
		body = binary.LittleEndian.AppendUint32(body, ciePos)
		body = binary.LittleEndian.AppendUint64(body, start)
		body = binary.LittleEndian.AppendUint64(body, length)
	} else {
		// The CIE pointer is relative to the id field itself.
		idPos := uint32(len(fb.buf)) + 4
		body = binary.LittleEndian.AppendUint32(body, idPos-ciePos)
		body = binary.LittleEndian.AppendUint32(body, uint32(start))
		body = binary.LittleEndian.AppendUint32(body, uint32(length))
		body = append(body, 0)
	}
	body = append(body, insns...)
	return fb.entry(body)
}

func (fb *frameBuilder) section(arch cfitypes.Arch, loadAddress uint64) Section {
	kind := EhFrame
	if fb.debugFrame {
		kind = DebugFrame
	}
	return Section{
		Kind:        kind,
		Data:        fb.buf,
		Address:     0x10000,
		Order:       binary.LittleEndian,
		Arch:        arch,
		LoadAddress: loadAddress,
	}
}
