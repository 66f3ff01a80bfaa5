// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// PEFile is an opened PE image. Its unwind data lives in the exception
// directory rather than in a named section.
type PEFile struct {
	base
	file     *pe.File
	sections []peSection
	// exception is the content of the exception directory, nil if absent.
	exception []byte
}

type peSection struct {
	rva  uint32
	size uint32
	data []byte
}

func peArch(machine uint16) (cfitypes.Arch, error) {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		return cfitypes.ArchX86, nil
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return cfitypes.ArchAMD64, nil
	case pe.IMAGE_FILE_MACHINE_ARMNT:
		return cfitypes.ArchARM, nil
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return cfitypes.ArchARM64, nil
	default:
		return cfitypes.ArchUnknown, fmt.Errorf("%w: PE machine %#x",
			cfitypes.ErrUnsupportedArch, machine)
	}
}

// ParsePE opens a PE image held in memory.
func ParsePE(data []byte) (*PEFile, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cfitypes.ErrBadDebugInfo, err)
	}
	arch, err := peArch(f.Machine)
	if err != nil {
		return nil, err
	}

	o := &PEFile{
		base: base{
			kind:  KindPe,
			arch:  arch,
			order: binary.LittleEndian,
		},
		file: f,
	}

	var dirs []pe.DataDirectory
	switch hdr := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		o.loadAddr = uint64(hdr.ImageBase)
		dirs = hdr.DataDirectory[:min(hdr.NumberOfRvaAndSizes, uint32(len(hdr.DataDirectory)))]
	case *pe.OptionalHeader64:
		o.loadAddr = hdr.ImageBase
		dirs = hdr.DataDirectory[:min(hdr.NumberOfRvaAndSizes, uint32(len(hdr.DataDirectory)))]
	}

	for _, sec := range f.Sections {
		// Uninitialized data has no bytes in the file.
		var data []byte
		if sec.Size > 0 {
			if data, err = sec.Data(); err != nil {
				return nil, fmt.Errorf("%w: section %s: %w", cfitypes.ErrBadDebugInfo, sec.Name, err)
			}
		}
		o.sections = append(o.sections, peSection{
			rva:  sec.VirtualAddress,
			size: max(sec.VirtualSize, sec.Size),
			data: data,
		})
	}

	if len(dirs) > pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION {
		dir := dirs[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION]
		if dir.VirtualAddress != 0 && dir.Size != 0 {
			if o.exception, err = o.Bytes(dir.VirtualAddress, dir.Size); err != nil {
				return nil, fmt.Errorf("exception directory: %w", err)
			}
		}
	}
	return o, nil
}

// ExceptionData returns the RUNTIME_FUNCTION table, nil if the image has none.
func (o *PEFile) ExceptionData() []byte {
	return o.exception
}

// Bytes returns size bytes of the image at rva. Bytes past the raw data of
// a section read as zero.
func (o *PEFile) Bytes(rva, size uint32) ([]byte, error) {
	for _, sec := range o.sections {
		if rva < sec.rva || rva-sec.rva >= sec.size {
			continue
		}
		off := rva - sec.rva
		if uint64(off)+uint64(size) > uint64(sec.size) {
			break
		}
		end := off + size
		if end <= uint32(len(sec.data)) {
			return sec.data[off:end], nil
		}
		buf := make([]byte, size)
		if off < uint32(len(sec.data)) {
			copy(buf, sec.data[off:])
		}
		return buf, nil
	}
	return nil, fmt.Errorf("%w: rva range %#x+%#x is not mapped",
		cfitypes.ErrBadDebugInfo, rva, size)
}
