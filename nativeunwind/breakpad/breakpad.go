// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package breakpad reads the STACK CFI and STACK WIN records of Breakpad
// symbol files. All other record types are skipped.
package breakpad // import "go.opentelemetry.io/cfiextract/nativeunwind/breakpad"

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/stringutil"
)

// maxLineSize bounds the length of a single record line.
const maxLineSize = 1 << 20

// CfiDelta is one "STACK CFI <address> <rules>" line.
type CfiDelta struct {
	Address uint64
	Rules   string
}

// CfiRecord is a "STACK CFI INIT" line and the delta lines following it.
type CfiRecord struct {
	Start     uint64
	Size      uint64
	InitRules string
	Deltas    []CfiDelta
}

// WinRecord is one "STACK WIN" line.
type WinRecord struct {
	Type          uint8
	CodeStart     uint32
	CodeSize      uint32
	PrologSize    uint32
	EpilogSize    uint32
	ParamsSize    uint32
	SavedRegsSize uint32
	LocalsSize    uint32
	MaxStackSize  uint32
	// ProgramString is valid with HasProgram, UsesBasePointer otherwise.
	HasProgram      bool
	ProgramString   string
	UsesBasePointer bool
}

// StackRecord holds exactly one of Cfi and Win.
type StackRecord struct {
	Cfi *CfiRecord
	Win *WinRecord
}

// IsSymbolFile reports whether data starts like a Breakpad symbol file.
func IsSymbolFile(data []byte) bool {
	return bytes.HasPrefix(data, []byte("MODULE "))
}

// Walk parses the stack records of r and calls fn for each of them in file
// order. A CFI record is passed to fn once all of its deltas are read.
func Walk(r io.Reader, fn func(*StackRecord) error) error {
	var pending *CfiRecord
	flush := func() error {
		if pending == nil {
			return nil
		}
		rec := pending
		pending = nil
		return fn(&StackRecord{Cfi: rec})
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "STACK CFI INIT "):
			if err := flush(); err != nil {
				return err
			}
			rec, err := parseCfiInit(line)
			if err != nil {
				return badLine(lineNo, err)
			}
			pending = rec
		case strings.HasPrefix(line, "STACK CFI "):
			delta, err := parseCfiDelta(line)
			if err != nil {
				return badLine(lineNo, err)
			}
			if pending != nil {
				pending.Deltas = append(pending.Deltas, delta)
			}
		case strings.HasPrefix(line, "STACK WIN "):
			if err := flush(); err != nil {
				return err
			}
			rec, err := parseWin(line)
			if err != nil {
				return badLine(lineNo, err)
			}
			if err = fn(&StackRecord{Win: rec}); err != nil {
				return err
			}
		default:
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %w", cfitypes.ErrBadDebugInfo, err)
	}
	return flush()
}

// Records collects all stack records of data.
func Records(data []byte) ([]StackRecord, error) {
	var recs []StackRecord
	err := Walk(bytes.NewReader(data), func(r *StackRecord) error {
		recs = append(recs, *r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func badLine(lineNo int, err error) error {
	return fmt.Errorf("%w: line %d: %w", cfitypes.ErrBadDebugInfo, lineNo, err)
}

func parseHex(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 16, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid hex value '%s'", s)
	}
	return v, nil
}

func parseCfiInit(line string) (*CfiRecord, error) {
	// STACK CFI INIT <start> <size> <rules>
	var fields [6]string
	if n := stringutil.FieldsN(line, fields[:]); n < 5 {
		return nil, fmt.Errorf("truncated STACK CFI INIT record '%s'", line)
	}
	start, err := parseHex(fields[3], 64)
	if err != nil {
		return nil, err
	}
	size, err := parseHex(fields[4], 64)
	if err != nil {
		return nil, err
	}
	return &CfiRecord{Start: start, Size: size, InitRules: fields[5]}, nil
}

func parseCfiDelta(line string) (CfiDelta, error) {
	// STACK CFI <address> <rules>
	var fields [4]string
	if n := stringutil.FieldsN(line, fields[:]); n < 3 {
		return CfiDelta{}, fmt.Errorf("truncated STACK CFI record '%s'", line)
	}
	addr, err := parseHex(fields[2], 64)
	if err != nil {
		return CfiDelta{}, err
	}
	return CfiDelta{Address: addr, Rules: fields[3]}, nil
}

func parseWin(line string) (*WinRecord, error) {
	// STACK WIN <type> <start> <size> <prolog> <epilog> <params> <saved>
	// <locals> <maxstack> <has-program> <program-or-bp>
	var fields [13]string
	if n := stringutil.FieldsN(line, fields[:]); n < 12 {
		return nil, fmt.Errorf("truncated STACK WIN record '%s'", line)
	}
	var vals [9]uint32
	for i := range vals {
		v, err := parseHex(fields[2+i], 32)
		if err != nil {
			return nil, err
		}
		vals[i] = uint32(v)
	}
	if vals[0] > 0xff {
		return nil, fmt.Errorf("invalid frame type %d", vals[0])
	}
	rec := &WinRecord{
		Type:          uint8(vals[0]),
		CodeStart:     vals[1],
		CodeSize:      vals[2],
		PrologSize:    vals[3],
		EpilogSize:    vals[4],
		ParamsSize:    vals[5],
		SavedRegsSize: vals[6],
		LocalsSize:    vals[7],
		MaxStackSize:  vals[8],
	}
	switch fields[11] {
	case "1":
		rec.HasProgram = true
		rec.ProgramString = fields[12]
	case "0":
		rec.UsesBasePointer = fields[12] != "" && fields[12] != "0"
	default:
		return nil, fmt.Errorf("invalid program flag '%s'", fields[11])
	}
	return rec, nil
}
