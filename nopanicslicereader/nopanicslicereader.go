// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// nopanicslicereader provides little convenience utilities to read fixed size
// values from a slice at given offset. Zeroes are returned on out of bounds access
// instead of panic.
package nopanicslicereader // import "go.opentelemetry.io/cfiextract/nopanicslicereader"

import (
	"encoding/binary"
)

// Uint8 reads one 8-bit unsigned integer from given byte slice offset
func Uint8(b []byte, offs uint) uint8 {
	if offs+1 > uint(len(b)) {
		return 0
	}
	return b[offs]
}

// Uint16 reads one little endian 16-bit unsigned integer from given byte slice offset
func Uint16(b []byte, offs uint) uint16 {
	return LittleEndian.Uint16(b, offs)
}

// Uint32 reads one little endian 32-bit unsigned integer from given byte slice offset
func Uint32(b []byte, offs uint) uint32 {
	return LittleEndian.Uint32(b, offs)
}

// Int32 reads one little endian 32-bit signed integer from given byte slice offset
func Int32(b []byte, offs uint) int32 {
	return int32(LittleEndian.Uint32(b, offs))
}

// Uint64 reads one little endian 64-bit unsigned integer from given byte slice offset
func Uint64(b []byte, offs uint) uint64 {
	return LittleEndian.Uint64(b, offs)
}

// Ordered reads values using a byte order chosen at runtime. Object files
// carry their own endianness, so decoders shared by several formats use this.
type Ordered struct {
	Order binary.ByteOrder
}

var (
	LittleEndian = Ordered{Order: binary.LittleEndian}
	BigEndian    = Ordered{Order: binary.BigEndian}
)

// Uint16 reads one 16-bit unsigned integer from given byte slice offset
func (o Ordered) Uint16(b []byte, offs uint) uint16 {
	if offs+2 > uint(len(b)) || offs+2 < offs {
		return 0
	}
	return o.Order.Uint16(b[offs:])
}

// Uint32 reads one 32-bit unsigned integer from given byte slice offset
func (o Ordered) Uint32(b []byte, offs uint) uint32 {
	if offs+4 > uint(len(b)) || offs+4 < offs {
		return 0
	}
	return o.Order.Uint32(b[offs:])
}

// Uint64 reads one 64-bit unsigned integer from given byte slice offset
func (o Ordered) Uint64(b []byte, offs uint) uint64 {
	if offs+8 > uint(len(b)) || offs+8 < offs {
		return 0
	}
	return o.Order.Uint64(b[offs:])
}

// InBounds reports whether size bytes starting at offs are inside b.
func InBounds(b []byte, offs, size uint) bool {
	end := offs + size
	return end >= offs && end <= uint(len(b))
}
