// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package object gives uniform access to the parts of native object files
// that carry unwind information: architecture, sections, load address and
// the public symbol table.
//
// Section names are normalized across containers: "eh_frame",
// "debug_frame" and "unwind_info" name the same data in ELF, Mach-O and
// WebAssembly files.
package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"go.opentelemetry.io/cfiextract/nativeunwind/breakpad"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// Kind is the closed set of containers unwind information is read from.
type Kind uint8

const (
	KindBreakpad Kind = iota
	KindElf
	KindMachO
	KindPe
	KindPdb
	KindWasm
)

func (k Kind) String() string {
	switch k {
	case KindBreakpad:
		return "breakpad"
	case KindElf:
		return "elf"
	case KindMachO:
		return "macho"
	case KindPe:
		return "pe"
	case KindPdb:
		return "pdb"
	case KindWasm:
		return "wasm"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Normalized section names.
const (
	SectionEhFrame    = "eh_frame"
	SectionDebugFrame = "debug_frame"
	SectionUnwindInfo = "unwind_info"
)

// Section is the content of one section and the address it is mapped at.
type Section struct {
	Address uint64
	Data    []byte
}

// Object is the read-only view of an object file used for CFI extraction.
type Object interface {
	Kind() Kind
	Arch() cfitypes.Arch
	ByteOrder() binary.ByteOrder
	// LoadAddress is the preferred virtual address of the image. Emitted
	// addresses are relative to it.
	LoadAddress() uint64
	// Section returns the section with the normalized name.
	Section(name string) (*Section, bool)
	HasSection(name string) bool
	// SymbolMap returns the public symbols with load address relative
	// addresses.
	SymbolMap() (*SymbolMap, error)
}

// base implements Object for containers that are fully decoded when opened.
type base struct {
	kind     Kind
	arch     cfitypes.Arch
	order    binary.ByteOrder
	loadAddr uint64
	sections map[string]*Section
	symbols  func() (*SymbolMap, error)
}

func (b *base) Kind() Kind                  { return b.kind }
func (b *base) Arch() cfitypes.Arch         { return b.arch }
func (b *base) ByteOrder() binary.ByteOrder { return b.order }
func (b *base) LoadAddress() uint64         { return b.loadAddr }

func (b *base) Section(name string) (*Section, bool) {
	s, ok := b.sections[name]
	return s, ok
}

func (b *base) HasSection(name string) bool {
	_, ok := b.sections[name]
	return ok
}

func (b *base) SymbolMap() (*SymbolMap, error) {
	if b.symbols == nil {
		return &SymbolMap{}, nil
	}
	return b.symbols()
}

// addSection records data under name. Later duplicates are ignored.
func (b *base) addSection(name string, address uint64, data []byte) {
	if b.sections == nil {
		b.sections = make(map[string]*Section)
	}
	if _, ok := b.sections[name]; ok {
		return
	}
	b.sections[name] = &Section{Address: address, Data: data}
}

var (
	elfMagic      = []byte("\x7fELF")
	wasmMagic     = []byte("\x00asm")
	peMagic       = []byte("MZ")
	msfMagic      = []byte("Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00")
	machoMagics   = []uint32{0xfeedface, 0xfeedfacf, 0xcefaedfe, 0xcffaedfe}
	fatMachoMagic = uint32(0xcafebabe)
)

// Detect returns the container kind of data.
func Detect(data []byte) (Kind, error) {
	switch {
	case bytes.HasPrefix(data, elfMagic):
		return KindElf, nil
	case bytes.HasPrefix(data, wasmMagic):
		return KindWasm, nil
	case bytes.HasPrefix(data, msfMagic):
		return KindPdb, nil
	case bytes.HasPrefix(data, peMagic):
		return KindPe, nil
	case breakpad.IsSymbolFile(data):
		return KindBreakpad, nil
	}
	if len(data) >= 4 {
		magic := binary.BigEndian.Uint32(data)
		for _, m := range machoMagics {
			if magic == m {
				return KindMachO, nil
			}
		}
		if magic == fatMachoMagic {
			return 0, fmt.Errorf("%w: universal Mach-O binaries need to be split first",
				cfitypes.ErrUnsupportedDebugFormat)
		}
	}
	return 0, fmt.Errorf("%w: unknown object file magic", cfitypes.ErrUnsupportedDebugFormat)
}

// Parse opens the object contained in data. PDB files are detected but
// their stream container is not decoded; use NewPDB with the streams.
func Parse(data []byte) (Object, error) {
	kind, err := Detect(data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindElf:
		return ParseELF(data)
	case KindMachO:
		return ParseMachO(data)
	case KindPe:
		return ParsePE(data)
	case KindWasm:
		return ParseWasm(data)
	case KindBreakpad:
		return ParseBreakpad(data)
	default:
		return nil, fmt.Errorf("%w: %v files are not read directly",
			cfitypes.ErrUnsupportedDebugFormat, kind)
	}
}

// Open reads and parses the object file at path.
func Open(path string) (Object, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	obj, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return obj, nil
}
