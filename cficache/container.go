// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cficache wraps extracted CFI text in a small versioned container
// and persists containers in an on-disk store.
//
// # Container format
//
// >>> magic: u32 native endian   # "CFIC" read as a big endian u32
// >>> version: u32 native endian
// >>> <STACK CFI / STACK WIN text>
//
// Both fields use the byte order of the writing host, so a container
// written on a host of the other endianness fails with ErrBadFileMagic.
// Buffers without preamble that start with "STACK", and empty buffers, are
// version 1 containers.
package cficache // import "go.opentelemetry.io/cfiextract/cficache"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"go.opentelemetry.io/cfiextract/cfiextract"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/object"
)

const (
	// Magic identifies versioned containers.
	Magic uint32 = 'C'<<24 | 'F'<<16 | 'I'<<8 | 'C'
	// LatestVersion is the version written by FromObject.
	LatestVersion uint32 = 2

	preambleSize = 8
)

var legacyPrefix = []byte("STACK")

// Container holds the CFI text of one object. It is immutable.
type Container struct {
	version uint32
	// raw includes the preamble of versioned containers.
	raw       []byte
	versioned bool
}

func appendPreamble(b []byte, version uint32) []byte {
	b = binary.NativeEndian.AppendUint32(b, Magic)
	return binary.NativeEndian.AppendUint32(b, version)
}

// FromObject extracts the CFI of obj into a container of the latest version.
func FromObject(obj object.Object) (*Container, error) {
	buf := bytes.NewBuffer(appendPreamble(nil, LatestVersion))
	if err := cfiextract.Process(obj, buf); err != nil {
		return nil, err
	}
	return &Container{version: LatestVersion, raw: buf.Bytes(), versioned: true}, nil
}

// FromBytes interprets b as a container. b is retained.
func FromBytes(b []byte) (*Container, error) {
	if len(b) == 0 || bytes.HasPrefix(b, legacyPrefix) {
		return &Container{version: 1, raw: b}, nil
	}
	if len(b) >= preambleSize && binary.NativeEndian.Uint32(b) == Magic {
		return &Container{
			version:   binary.NativeEndian.Uint32(b[4:]),
			raw:       b,
			versioned: true,
		}, nil
	}
	return nil, fmt.Errorf("%w: no CFI cache preamble", cfitypes.ErrBadFileMagic)
}

// Version returns the container format version.
func (c *Container) Version() uint32 {
	return c.version
}

// IsLatest reports whether the container was written in the current format.
func (c *Container) IsLatest() bool {
	return c.version == LatestVersion
}

// Bytes returns the CFI text without preamble.
func (c *Container) Bytes() []byte {
	if c.versioned {
		return c.raw[preambleSize:]
	}
	return c.raw
}

// Raw returns the serialized container.
func (c *Container) Raw() []byte {
	return c.raw
}

// WriteTo writes the serialized container to w. Unversioned containers are
// written without preamble.
func (c *Container) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.raw)
	if err != nil {
		return int64(n), fmt.Errorf("%w: %w", cfitypes.ErrWriteFailed, err)
	}
	return int64(n), nil
}
