// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package nopanicslicereader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceReader(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	assert.Equal(t, uint8(0x08), Uint8(data, 7))
	assert.Equal(t, uint8(0), Uint8(data, 8))
	assert.Equal(t, uint16(0x0403), Uint16(data, 2))
	assert.Equal(t, uint16(0), Uint16(data, 7))
	assert.Equal(t, uint32(0x04030201), Uint32(data, 0))
	assert.Equal(t, uint32(0), Uint32(data, 100))
	assert.Equal(t, int32(0x08070605), Int32(data, 4))
	assert.Equal(t, uint64(0x0807060504030201), Uint64(data, 0))
	assert.Equal(t, uint64(0), Uint64(data, 1))
}

func TestOrdered(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	assert.Equal(t, uint16(0x0102), BigEndian.Uint16(data, 0))
	assert.Equal(t, uint32(0x05060708), BigEndian.Uint32(data, 4))
	assert.Equal(t, uint64(0x0102030405060708), BigEndian.Uint64(data, 0))
	assert.Equal(t, uint32(0), BigEndian.Uint32(data, ^uint(0)-1))

	assert.True(t, InBounds(data, 4, 4))
	assert.False(t, InBounds(data, 5, 4))
	assert.False(t, InBounds(data, ^uint(0), 2))
}
