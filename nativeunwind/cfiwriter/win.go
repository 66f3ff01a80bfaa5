// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfiwriter // import "go.opentelemetry.io/cfiextract/nativeunwind/cfiwriter"

import (
	"strings"

	"go.opentelemetry.io/cfiextract/nativeunwind/breakpad"
	"go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"
)

// winHeader starts a STACK WIN line up to and including the program flag.
func (w *Writer) winHeader(fields [9]uint32, hasProgram bool) {
	w.reset()
	w.str("STACK WIN")
	for _, f := range fields {
		w.str(" ")
		w.hex(uint64(f))
	}
	if hasProgram {
		w.str(" 1")
	} else {
		w.str(" 0")
	}
}

// WriteWin writes one PDB frame record.
func (w *Writer) WriteWin(r *pdbframe.Record) error {
	w.winHeader([9]uint32{
		uint32(r.Type), r.Start, r.Size, r.PrologSize, r.EpilogSize,
		r.ParamsSize, r.SavedRegsSize, r.LocalsSize, r.MaxStackSize,
	}, r.HasProgram)
	w.str(" ")
	switch {
	case r.HasProgram:
		w.str(strings.TrimSpace(r.Program))
	case r.ProgramUnresolved:
	case r.UsesBasePointer:
		w.str("1")
	default:
		w.str("0")
	}
	return w.flush()
}

// WriteBreakpad re-emits a stack record read from a Breakpad symbol file.
func (w *Writer) WriteBreakpad(rec *breakpad.StackRecord) error {
	switch {
	case rec.Cfi != nil:
		w.initHeader(rec.Cfi.Start, rec.Cfi.Size)
		w.str(" ")
		w.str(rec.Cfi.InitRules)
		if err := w.flush(); err != nil {
			return err
		}
		for _, d := range rec.Cfi.Deltas {
			w.reset()
			w.str("STACK CFI ")
			w.hex(d.Address)
			w.str(" ")
			w.str(d.Rules)
			if err := w.flush(); err != nil {
				return err
			}
		}
	case rec.Win != nil:
		r := rec.Win
		w.winHeader([9]uint32{
			uint32(r.Type), r.CodeStart, r.CodeSize, r.PrologSize, r.EpilogSize,
			r.ParamsSize, r.SavedRegsSize, r.LocalsSize, r.MaxStackSize,
		}, r.HasProgram)
		w.str(" ")
		switch {
		case r.HasProgram:
			w.str(r.ProgramString)
		case r.UsesBasePointer:
			w.str("1")
		default:
			w.str("0")
		}
		return w.flush()
	}
	return nil
}
