// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cfiwriter emits unwind information as Breakpad STACK CFI and
// STACK WIN text records.
package cfiwriter // import "go.opentelemetry.io/cfiextract/nativeunwind/cfiwriter"

import (
	"fmt"
	"io"
	"strconv"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// Writer formats records for one architecture. Each record is written with
// a single Write call on the underlying writer.
type Writer struct {
	w    io.Writer
	arch cfitypes.Arch
	line []byte

	// records counts the lines written so far.
	records uint64
}

// New returns a Writer emitting records for arch to w.
func New(w io.Writer, arch cfitypes.Arch) *Writer {
	return &Writer{w: w, arch: arch}
}

// Arch returns the architecture used for register names.
func (w *Writer) Arch() cfitypes.Arch {
	return w.arch
}

// Records returns the number of lines written.
func (w *Writer) Records() uint64 {
	return w.records
}

func (w *Writer) reset() {
	w.line = w.line[:0]
}

func (w *Writer) str(s string) {
	w.line = append(w.line, s...)
}

func (w *Writer) hex(v uint64) {
	w.line = strconv.AppendUint(w.line, v, 16)
}

func (w *Writer) dec(v int64) {
	w.line = strconv.AppendInt(w.line, v, 10)
}

func (w *Writer) udec(v uint64) {
	w.line = strconv.AppendUint(w.line, v, 10)
}

// initHeader starts a "STACK CFI INIT <start> <size>" line.
func (w *Writer) initHeader(start, size uint64) {
	w.reset()
	w.str("STACK CFI INIT ")
	w.hex(start)
	w.str(" ")
	w.hex(size)
}

// flush terminates and writes the current line.
func (w *Writer) flush() error {
	w.line = append(w.line, '\n')
	if _, err := w.w.Write(w.line); err != nil {
		return fmt.Errorf("%w: %w", cfitypes.ErrWriteFailed, err)
	}
	w.records++
	return nil
}
