// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package cfiextract converts the unwind information of an object into
// Breakpad STACK CFI and STACK WIN records. The object kind selects the
// decoder once; all decoders share the same record writer.
package cfiextract // import "go.opentelemetry.io/cfiextract/cfiextract"

import (
	"bytes"
	"fmt"
	"io"

	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/nativeunwind/breakpad"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfiwriter"
	"go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"
	"go.opentelemetry.io/cfiextract/nativeunwind/dwarfcfi"
	"go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"
	"go.opentelemetry.io/cfiextract/nativeunwind/peunwind"
	"go.opentelemetry.io/cfiextract/object"
)

// The x86-64 signal trampoline of libSystem. Its FDE restores registers
// through expressions on the machine context.
const sigtrampSymbol = "_sigtramp"

// BreakpadObject is an object carrying already normalized stack records.
type BreakpadObject interface {
	object.Object
	StackRecords(fn func(*breakpad.StackRecord) error) error
}

// PEObject is an image with an x64 exception directory.
type PEObject interface {
	object.Object
	peunwind.Image
	ExceptionData() []byte
}

// PDBObject is a PDB with FPO and FrameData records.
type PDBObject interface {
	object.Object
	WalkFrames(fn func(*pdbframe.Record) error) error
}

// Process writes the CFI of obj to out. Entries that fail to decode are
// skipped. Errors in the structure of a section abort processing and are
// returned.
func Process(obj object.Object, out io.Writer) error {
	w := cfiwriter.New(out, obj.Arch())
	var err error
	switch obj.Kind() {
	case object.KindBreakpad:
		bp, ok := obj.(BreakpadObject)
		if !ok {
			return unexpectedType(obj)
		}
		err = bp.StackRecords(w.WriteBreakpad)
	case object.KindElf, object.KindWasm:
		err = processDwarf(w, obj, false)
	case object.KindMachO:
		err = processMachO(w, obj)
	case object.KindPe:
		pe, ok := obj.(PEObject)
		if !ok {
			return unexpectedType(obj)
		}
		err = processPE(w, pe)
	case object.KindPdb:
		pdb, ok := obj.(PDBObject)
		if !ok {
			return unexpectedType(obj)
		}
		err = pdb.WalkFrames(w.WriteWin)
	default:
		return fmt.Errorf("%w: %v", cfitypes.ErrUnsupportedDebugFormat, obj.Kind())
	}
	if err != nil {
		return err
	}
	log.Debugf("Wrote %d %v records", w.Records(), obj.Kind())
	return nil
}

// Extract returns the CFI of obj as text.
func Extract(obj object.Object) ([]byte, error) {
	var buf bytes.Buffer
	if err := Process(obj, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unexpectedType(obj object.Object) error {
	return fmt.Errorf("%w: %T does not provide %v data",
		cfitypes.ErrUnsupportedDebugFormat, obj, obj.Kind())
}

// newWalker returns a walker for the named DWARF section, or nil if obj
// does not have it.
func newWalker(obj object.Object, name string, kind dwarfcfi.SectionKind) (*dwarfcfi.Walker, error) {
	sec, ok := obj.Section(name)
	if !ok {
		return nil, nil
	}
	return dwarfcfi.NewWalker(dwarfcfi.Section{
		Kind:        kind,
		Data:        sec.Data,
		Address:     sec.Address,
		Order:       obj.ByteOrder(),
		Arch:        obj.Arch(),
		LoadAddress: obj.LoadAddress(),
	})
}

func walkSection(w *cfiwriter.Writer, obj object.Object, name string,
	kind dwarfcfi.SectionKind) error {
	walker, err := newWalker(obj, name, kind)
	if err != nil || walker == nil {
		return err
	}
	return walker.Walk(w.WriteUnwindEntry)
}

// processDwarf walks debug_frame and then eh_frame. A failure in
// debug_frame does not prevent reading eh_frame; it is returned afterwards.
func processDwarf(w *cfiwriter.Writer, obj object.Object, skipEhFrame bool) error {
	debugFrameErr := walkSection(w, obj, object.SectionDebugFrame, dwarfcfi.DebugFrame)
	if !skipEhFrame {
		if err := walkSection(w, obj, object.SectionEhFrame, dwarfcfi.EhFrame); err != nil {
			return err
		}
	}
	return debugFrameErr
}

// processMachO handles objects with compact unwind information. The FDEs
// of eh_frame that matter are referenced from the compact table, so the
// section is not walked on its own in that case.
func processMachO(w *cfiwriter.Writer, obj object.Object) error {
	unwindInfo, hasCompact := obj.Section(object.SectionUnwindInfo)
	result := processDwarf(w, obj, hasCompact)
	if hasCompact {
		if err := processCompact(w, obj, unwindInfo); err != nil {
			return err
		}
	}
	return result
}

func processCompact(w *cfiwriter.Writer, obj object.Object, sec *object.Section) error {
	arch := obj.Arch()
	it, err := compactunwind.NewIterator(sec.Data, obj.ByteOrder(), arch)
	if err != nil {
		return err
	}
	ehFrame, err := newWalker(obj, object.SectionEhFrame, dwarfcfi.EhFrame)
	if err != nil {
		return err
	}
	symbols, err := obj.SymbolMap()
	if err != nil {
		log.Debugf("Failed to read symbols: %v", err)
		symbols = &object.SymbolMap{}
	}

	for {
		entry, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if entry.Length == 0 {
			continue
		}

		op := entry.Decode(arch)
		switch op.Kind {
		case compactunwind.NoInfo:
			// Mostly tiny stackless functions. A record stating that keeps
			// unwinders from skipping the caller.
			err = w.WriteCompactNoInfo(entry)
		case compactunwind.RuleList:
			err = w.WriteCompactRules(entry, op.Rules)
		case compactunwind.DelegateToDwarf:
			err = writeDelegated(w, ehFrame, symbols, arch, entry, op.EhFrameOffset)
		}
		if err != nil {
			return err
		}
	}
}

func writeDelegated(w *cfiwriter.Writer, ehFrame *dwarfcfi.Walker, symbols *object.SymbolMap,
	arch cfitypes.Arch, entry compactunwind.Entry, offset uint32) error {
	if ehFrame == nil {
		return nil
	}
	fde, err := ehFrame.EntryAt(uint64(offset))
	if err != nil {
		log.Debugf("Skipping compact entry %#x: %v", entry.InstructionAddress, err)
		return nil
	}
	if arch == cfitypes.ArchAMD64 {
		if sym, ok := symbols.Lookup(uint64(entry.InstructionAddress)); ok &&
			sym.Name == sigtrampSymbol {
			return w.WriteSigtramp(entry)
		}
	}
	if fde == nil {
		return nil
	}
	return w.WriteUnwindEntry(fde)
}

// processPE walks the x64 exception directory. Other architectures use
// different RUNTIME_FUNCTION layouts and produce no records.
func processPE(w *cfiwriter.Writer, pe PEObject) error {
	data := pe.ExceptionData()
	if len(data) == 0 {
		return nil
	}
	if pe.Arch() != cfitypes.ArchAMD64 {
		log.Debugf("Ignoring %v exception directory", pe.Arch())
		return nil
	}
	return peunwind.Walk(data, pe, w.WritePEFunction)
}
