// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/breakpad"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/stringutil"
)

// BreakpadFile is a Breakpad text symbol file. Its stack records are
// already normalized and are passed through.
type BreakpadFile struct {
	base
	data []byte
}

// ParseBreakpad opens a symbol file held in memory. The architecture is
// taken from the MODULE record and is unknown for unrecognized names.
func ParseBreakpad(data []byte) (*BreakpadFile, error) {
	if !breakpad.IsSymbolFile(data) {
		return nil, fmt.Errorf("%w: missing MODULE record", cfitypes.ErrUnsupportedDebugFormat)
	}
	o := &BreakpadFile{
		base: base{
			kind:  KindBreakpad,
			order: binary.LittleEndian,
		},
		data: data,
	}

	line, _, _ := bytes.Cut(data, []byte("\n"))
	var fields [5]string
	// MODULE <os> <arch> <id> <name>
	if stringutil.FieldsN(string(bytes.TrimRight(line, "\r")), fields[:]) >= 3 {
		if arch, err := cfitypes.ParseArch(fields[2]); err == nil {
			o.arch = arch
		}
	}
	return o, nil
}

// Data returns the raw symbol file.
func (o *BreakpadFile) Data() []byte {
	return o.data
}

// StackRecords walks the STACK records of the file.
func (o *BreakpadFile) StackRecords(fn func(*breakpad.StackRecord) error) error {
	return breakpad.Walk(bytes.NewReader(o.data), fn)
}
