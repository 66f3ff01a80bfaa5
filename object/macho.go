// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"bytes"
	"debug/macho"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

const (
	machoStab  = 0xe0
	machoType  = 0x0e
	machoNSect = 0x0e

	// Names with this prefix keep their leading underscore.
	swiftHiddenPrefix = "__hidden#"
)

// MachOFile is an opened single architecture Mach-O object.
type MachOFile struct {
	base
	file *macho.File
}

var machoSections = map[string]string{
	"__eh_frame":    SectionEhFrame,
	"__debug_frame": SectionDebugFrame,
	"__unwind_info": SectionUnwindInfo,
}

func machoArch(cpu macho.Cpu) (cfitypes.Arch, error) {
	switch cpu {
	case macho.Cpu386:
		return cfitypes.ArchX86, nil
	case macho.CpuAmd64:
		return cfitypes.ArchAMD64, nil
	case macho.CpuArm:
		return cfitypes.ArchARM, nil
	case macho.CpuArm64:
		return cfitypes.ArchARM64, nil
	default:
		return cfitypes.ArchUnknown, fmt.Errorf("%w: Mach-O cpu %v",
			cfitypes.ErrUnsupportedArch, cpu)
	}
}

// ParseMachO opens a Mach-O object held in memory.
func ParseMachO(data []byte) (*MachOFile, error) {
	f, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cfitypes.ErrBadDebugInfo, err)
	}
	arch, err := machoArch(f.Cpu)
	if err != nil {
		return nil, err
	}

	o := &MachOFile{
		base: base{
			kind:  KindMachO,
			arch:  arch,
			order: f.ByteOrder,
		},
		file: f,
	}
	if seg := f.Segment("__TEXT"); seg != nil {
		o.loadAddr = seg.Addr
	}

	for _, sec := range f.Sections {
		name, ok := machoSections[sec.Name]
		if !ok {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			log.Debugf("Failed to read Mach-O section %s,%s: %v", sec.Seg, sec.Name, err)
			continue
		}
		o.addSection(name, sec.Addr, data)
	}

	o.symbols = sync.OnceValues(o.loadSymbols)
	return o, nil
}

// loadSymbols collects the symbols defined in __TEXT sections. One leading
// underscore is removed from each name.
func (o *MachOFile) loadSymbols() (*SymbolMap, error) {
	if o.file.Symtab == nil {
		return &SymbolMap{}, nil
	}
	textSections := make(map[uint8]bool)
	for i, sec := range o.file.Sections {
		// Section ordinals start at 1.
		if sec.Seg == "__TEXT" && i < 255 {
			textSections[uint8(i+1)] = true
		}
	}

	m := NewSymbolMap(len(o.file.Symtab.Syms))
	for _, s := range o.file.Symtab.Syms {
		if s.Type&machoStab != 0 || s.Type&machoType != machoNSect ||
			!textSections[s.Sect] || s.Value < o.loadAddr {
			continue
		}
		name := s.Name
		if !strings.HasPrefix(name, swiftHiddenPrefix) {
			name = strings.TrimPrefix(name, "_")
		}
		m.Add(Symbol{Name: name, Address: s.Value - o.loadAddr})
	}
	m.Finalize()
	return m, nil
}
