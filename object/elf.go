// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// ELFFile is an opened ELF object.
type ELFFile struct {
	base
	file *elf.File
}

var elfSections = map[string]string{
	".eh_frame":    SectionEhFrame,
	".debug_frame": SectionDebugFrame,
}

func elfArch(f *elf.File) (cfitypes.Arch, error) {
	switch f.Machine {
	case elf.EM_386:
		return cfitypes.ArchX86, nil
	case elf.EM_X86_64:
		return cfitypes.ArchAMD64, nil
	case elf.EM_ARM:
		return cfitypes.ArchARM, nil
	case elf.EM_AARCH64:
		return cfitypes.ArchARM64, nil
	case elf.EM_MIPS:
		if f.Class == elf.ELFCLASS64 {
			return cfitypes.ArchMIPS64, nil
		}
		return cfitypes.ArchMIPS, nil
	default:
		return cfitypes.ArchUnknown, fmt.Errorf("%w: ELF machine %v",
			cfitypes.ErrUnsupportedArch, f.Machine)
	}
}

// ParseELF opens an ELF object held in memory.
func ParseELF(data []byte) (*ELFFile, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cfitypes.ErrBadDebugInfo, err)
	}
	arch, err := elfArch(f)
	if err != nil {
		return nil, err
	}

	o := &ELFFile{
		base: base{
			kind:  KindElf,
			arch:  arch,
			order: f.ByteOrder,
		},
		file: f,
	}

	// ELF requires PT_LOAD segments to be sorted by address.
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			o.loadAddr = prog.Vaddr
			break
		}
	}

	for _, sec := range f.Sections {
		name, ok := elfSections[sec.Name]
		if !ok || sec.Type == elf.SHT_NOBITS {
			continue
		}
		// Data decompresses SHF_COMPRESSED sections.
		data, err := sec.Data()
		if err != nil {
			log.Debugf("Failed to read ELF section %s: %v", sec.Name, err)
			continue
		}
		o.addSection(name, sec.Addr, data)
	}

	o.symbols = sync.OnceValues(o.loadSymbols)
	return o, nil
}

// loadSymbols merges the static and dynamic symbol tables. Only function
// symbols are kept.
func (o *ELFFile) loadSymbols() (*SymbolMap, error) {
	syms, err := o.file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}
	dynSyms, err := o.file.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	m := NewSymbolMap(len(syms) + len(dynSyms))
	for _, list := range [][]elf.Symbol{syms, dynSyms} {
		for _, s := range list {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" ||
				s.Value < o.loadAddr {
				continue
			}
			m.Add(Symbol{
				Name:    s.Name,
				Address: s.Value - o.loadAddr,
				Size:    s.Size,
			})
		}
	}
	m.Finalize()
	return m, nil
}
