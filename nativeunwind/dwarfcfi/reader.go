// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/cfiextract/nativeunwind/dwarfcfi"

import (
	"bytes"
	"fmt"

	npsr "go.opentelemetry.io/cfiextract/nopanicslicereader"
)

// uleb128 is the data type for unsigned little endian base-128 encoded number
type uleb128 uint64

// sleb128 is the data type for signed little endian base-128 encoded number
type sleb128 int64

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustFuncRel encoding = 0x40
	encAdjustAligned encoding = 0x50
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// reader provides read access to a call frame section and its virtual address.
// Reads past end yield zero values; isValid reports whether that happened.
type reader struct {
	debugFrame bool
	ptrSize    int

	data  []byte
	rd    npsr.Ordered
	base  int64
	pos   int64
	end   int64
	vaddr uint64
}

// offset creates a "sub"-reader for the data starting from offset relative to base
func (r *reader) offset(offs int64) reader {
	sub := *r
	sub.pos = r.base + offs
	return sub
}

// hasData checks if there is unread data left
func (r *reader) hasData() bool {
	return r.pos < r.end
}

// isValid checks if the reader is still in valid state
func (r *reader) isValid() bool {
	return r.data != nil && r.pos <= r.end
}

func (r *reader) skip(num int64) {
	r.pos += num
}

func (r *reader) at(size int64) (uint, bool) {
	if r.pos < 0 || r.pos+size > r.end || r.pos+size > int64(len(r.data)) {
		return 0, false
	}
	return uint(r.pos), true
}

// u8 reads one unsigned byte.
func (r *reader) u8() uint8 {
	var v uint8
	if p, ok := r.at(1); ok {
		v = r.data[p]
	}
	r.pos++
	return v
}

// u16 reads one unsigned half word.
func (r *reader) u16() uint16 {
	var v uint16
	if p, ok := r.at(2); ok {
		v = r.rd.Uint16(r.data, p)
	}
	r.pos += 2
	return v
}

// u32 reads one unsigned word.
func (r *reader) u32() uint32 {
	var v uint32
	if p, ok := r.at(4); ok {
		v = r.rd.Uint32(r.data, p)
	}
	r.pos += 4
	return v
}

// u64 reads one unsigned double word.
func (r *reader) u64() uint64 {
	var v uint64
	if p, ok := r.at(8); ok {
		v = r.rd.Uint64(r.data, p)
	}
	r.pos += 8
	return v
}

// native reads one target pointer sized value.
func (r *reader) native() uint64 {
	if r.ptrSize == 4 {
		return uint64(r.u32())
	}
	return r.u64()
}

// uleb reads one unsigned little endian base-128 encoded value
func (r *reader) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= uleb128(b&0x7f) << shift
		}
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value
func (r *reader) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0 && r.hasData(); shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= sleb128(b&0x7f) << shift
		}
	}
	if b&0x40 != 0 && shift < 64 {
		// Sign extend
		val |= sleb128(-1) << shift
	}
	return val
}

// str reads one zero-terminated string value. This is used for the
// augmentation string only.
func (r *reader) str() string {
	p, ok := r.at(0)
	if !ok {
		return ""
	}
	n := bytes.IndexByte(r.data[p:r.end], 0)
	if n < 0 {
		r.pos = r.end + 1
		return ""
	}
	r.skip(int64(n + 1))
	return string(r.data[p : int(p)+n])
}

// bytes reads one n-length byte array value
func (r *reader) bytes(num uint64) reader {
	pos := r.pos
	if pos > r.end || num > uint64(r.end-pos) {
		r.pos = r.end + 1
		return reader{}
	}
	r.pos = pos + int64(num)
	sub := *r
	sub.pos = pos
	sub.end = r.pos
	return sub
}

// ptr reads one pointer value encoded with enc encoding
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatNative, encFormatNative | encSignedMask:
		val = r.native()
		if r.ptrSize == 4 && enc&encSignedMask != 0 {
			val = uint64(int64(int32(val)))
		}
	case encFormatLeb128:
		val = uint64(r.uleb())
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos + r.vaddr
	case encAdjustDataRel:
		val += r.vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}
	if r.ptrSize == 4 {
		val &= 0xffffffff
	}
	return val, nil
}
