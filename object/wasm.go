// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

const (
	wasmVersion       = 1
	wasmCustomSection = 0
)

// WasmFile is a WebAssembly module. DWARF data is stored in custom sections
// named like the ELF sections; addresses are code section offsets.
type WasmFile struct {
	base
}

var wasmSections = map[string]string{
	".debug_frame": SectionDebugFrame,
}

// wasmReader decodes the LEB128 framing of a module.
type wasmReader struct {
	data []byte
	pos  int
}

func (r *wasmReader) uleb() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad LEB128 at %#x", cfitypes.ErrBadDebugInfo, r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *wasmReader) bytes(n uint64) ([]byte, error) {
	if n > uint64(len(r.data)-r.pos) {
		return nil, fmt.Errorf("%w: %d bytes at %#x exceed module size",
			cfitypes.ErrBadDebugInfo, n, r.pos)
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// ParseWasm opens a WebAssembly module held in memory.
func ParseWasm(data []byte) (*WasmFile, error) {
	if len(data) < 8 || !bytes.HasPrefix(data, wasmMagic) {
		return nil, fmt.Errorf("%w: not a wasm module", cfitypes.ErrUnsupportedDebugFormat)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != wasmVersion {
		return nil, fmt.Errorf("%w: wasm version %d", cfitypes.ErrUnsupportedDebugFormat, v)
	}

	o := &WasmFile{base: base{
		kind:  KindWasm,
		arch:  cfitypes.ArchWasm32,
		order: binary.LittleEndian,
	}}
	r := wasmReader{data: data, pos: 8}
	for r.pos < len(data) {
		id := data[r.pos]
		r.pos++
		size, err := r.uleb()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(size)
		if err != nil {
			return nil, err
		}
		if id != wasmCustomSection {
			continue
		}
		pr := wasmReader{data: payload}
		nameLen, err := pr.uleb()
		if err != nil {
			return nil, err
		}
		name, err := pr.bytes(nameLen)
		if err != nil {
			return nil, err
		}
		if norm, ok := wasmSections[string(name)]; ok {
			o.addSection(norm, 0, payload[pr.pos:])
		}
	}
	return o, nil
}
