// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package testsupport // import "go.opentelemetry.io/cfiextract/testsupport"

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
)

// Section is a named blob mapped at Addr.
type Section struct {
	Name string
	Addr uint64
	Data []byte
}

// Symbol is a function symbol. Objects place all symbols in their first
// section.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

func align(b []byte, to int) []byte {
	for len(b)%to != 0 {
		b = append(b, 0)
	}
	return b
}

func mustWrite(buf *bytes.Buffer, v any) {
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		panic(err)
	}
}

// ELF builds a little endian ELF64 shared object with one PT_LOAD segment
// at loadAddr.
func ELF(machine elf.Machine, loadAddr uint64, sections []Section, symbols []Symbol) []byte {
	const contentStart = 64 + 56

	shstrtab := []byte{0}
	addName := func(name string) uint32 {
		off := uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, name...), 0)
		return off
	}
	var body []byte
	place := func(b []byte) uint64 {
		body = align(body, 8)
		off := uint64(contentStart + len(body))
		body = append(body, b...)
		return off
	}

	headers := []elf.Section64{{}}
	for _, s := range sections {
		headers = append(headers, elf.Section64{
			Name:      addName(s.Name),
			Type:      uint32(elf.SHT_PROGBITS),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      s.Addr,
			Off:       place(s.Data),
			Size:      uint64(len(s.Data)),
			Addralign: 8,
		})
	}

	if len(symbols) > 0 {
		strtab := []byte{0}
		var syms bytes.Buffer
		mustWrite(&syms, elf.Sym64{})
		for _, s := range symbols {
			mustWrite(&syms, elf.Sym64{
				Name:  uint32(len(strtab)),
				Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
				Shndx: 1,
				Value: s.Addr,
				Size:  s.Size,
			})
			strtab = append(append(strtab, s.Name...), 0)
		}
		strIdx := uint32(len(headers) + 1)
		headers = append(headers, elf.Section64{
			Name:      addName(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Off:       place(syms.Bytes()),
			Size:      uint64(syms.Len()),
			Link:      strIdx,
			Info:      1,
			Addralign: 8,
			Entsize:   elf.Sym64Size,
		}, elf.Section64{
			Name:      addName(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       place(strtab),
			Size:      uint64(len(strtab)),
			Addralign: 1,
		})
	}

	shstrndx := len(headers)
	nameOff := addName(".shstrtab")
	headers = append(headers, elf.Section64{
		Name:      nameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       place(shstrtab),
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})
	body = align(body, 8)
	shoff := uint64(contentStart + len(body))

	var out bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     64,
		Shoff:     shoff,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(headers)),
		Shstrndx:  uint16(shstrndx),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	mustWrite(&out, hdr)
	mustWrite(&out, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Vaddr:  loadAddr,
		Paddr:  loadAddr,
		Filesz: shoff,
		Memsz:  shoff,
		Align:  0x1000,
	})
	out.Write(body)
	mustWrite(&out, headers)
	return out.Bytes()
}

func name16(s string) (b [16]byte) {
	copy(b[:], s)
	return b
}

// MachO builds a little endian 64-bit Mach-O dylib. All sections are placed
// in a __TEXT segment at textAddr.
func MachO(cpu macho.Cpu, textAddr uint64, sections []Section, symbols []Symbol) []byte {
	const (
		headerSize  = 32
		segmentSize = 72
		sectionSize = 80
		symtabSize  = 24
		lcSegment64 = 0x19
		lcSymtab    = 0x2
		nSectExt    = 0x0f
	)
	ncmd := uint32(1)
	cmdsz := uint32(segmentSize + sectionSize*len(sections))
	if len(symbols) > 0 {
		ncmd++
		cmdsz += symtabSize
	}

	dataStart := uint32(headerSize) + cmdsz
	var data []byte
	offsets := make([]uint32, len(sections))
	for i, s := range sections {
		data = align(data, 8)
		offsets[i] = dataStart + uint32(len(data))
		data = append(data, s.Data...)
	}
	data = align(data, 8)
	symoff := dataStart + uint32(len(data))
	strtab := []byte{0}
	var syms bytes.Buffer
	for _, s := range symbols {
		mustWrite(&syms, macho.Nlist64{
			Name:  uint32(len(strtab)),
			Type:  nSectExt,
			Sect:  1,
			Value: s.Addr,
		})
		strtab = append(append(strtab, s.Name...), 0)
	}
	data = append(data, syms.Bytes()...)
	stroff := dataStart + uint32(len(data))
	data = append(data, strtab...)
	fileSize := uint64(dataStart) + uint64(len(data))

	var out bytes.Buffer
	mustWrite(&out, macho.FileHeader{
		Magic:  macho.Magic64,
		Cpu:    cpu,
		SubCpu: 3,
		Type:   macho.TypeDylib,
		Ncmd:   ncmd,
		Cmdsz:  cmdsz,
	})
	mustWrite(&out, uint32(0))
	mustWrite(&out, macho.Segment64{
		Cmd:     lcSegment64,
		Len:     uint32(segmentSize + sectionSize*len(sections)),
		Name:    name16("__TEXT"),
		Addr:    textAddr,
		Memsz:   fileSize,
		Filesz:  fileSize,
		Maxprot: 5,
		Prot:    5,
		Nsect:   uint32(len(sections)),
	})
	for i, s := range sections {
		mustWrite(&out, macho.Section64{
			Name:   name16(s.Name),
			Seg:    name16("__TEXT"),
			Addr:   s.Addr,
			Size:   uint64(len(s.Data)),
			Offset: offsets[i],
			Align:  3,
		})
	}
	if len(symbols) > 0 {
		mustWrite(&out, macho.SymtabCmd{
			Cmd:     lcSymtab,
			Len:     symtabSize,
			Symoff:  symoff,
			Nsyms:   uint32(len(symbols)),
			Stroff:  stroff,
			Strsize: uint32(len(strtab)),
		})
	}
	out.Write(data)
	return out.Bytes()
}

// PESection is a section of a PE image at RVA.
type PESection struct {
	Name string
	RVA  uint32
	Data []byte
	// VirtualSize is raised to len(Data) when smaller.
	VirtualSize uint32
}

// PE builds a PE32+ image. The exception directory points at exceptionRVA
// when exceptionSize is non-zero.
func PE(machine uint16, imageBase uint64, sections []PESection,
	exceptionRVA, exceptionSize uint32) []byte {
	const (
		dosSize        = 64
		fileAlignment  = 0x200
		optionalSize   = 240
		sectionHdrSize = 40
	)
	headersEnd := dosSize + 4 + 20 + optionalSize + sectionHdrSize*len(sections)
	rawStart := (headersEnd + fileAlignment - 1) &^ (fileAlignment - 1)

	var raw []byte
	hdrs := make([]pe.SectionHeader32, len(sections))
	for i, s := range sections {
		raw = align(raw, fileAlignment)
		var name [8]uint8
		copy(name[:], s.Name)
		hdrs[i] = pe.SectionHeader32{
			Name:             name,
			VirtualSize:      max(s.VirtualSize, uint32(len(s.Data))),
			VirtualAddress:   s.RVA,
			SizeOfRawData:    uint32(len(s.Data)),
			PointerToRawData: uint32(rawStart + len(raw)),
			Characteristics:  pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_CNT_INITIALIZED_DATA,
		}
		raw = append(raw, s.Data...)
	}

	opt := pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           imageBase,
		SectionAlignment:    0x1000,
		FileAlignment:       fileAlignment,
		SizeOfHeaders:       uint32(rawStart),
		NumberOfRvaAndSizes: 16,
	}
	opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXCEPTION] = pe.DataDirectory{
		VirtualAddress: exceptionRVA,
		Size:           exceptionSize,
	}

	var out bytes.Buffer
	dos := make([]byte, dosSize)
	copy(dos, "MZ")
	binary.LittleEndian.PutUint32(dos[0x3c:], dosSize)
	out.Write(dos)
	out.WriteString("PE\x00\x00")
	mustWrite(&out, pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: optionalSize,
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_DLL,
	})
	mustWrite(&out, opt)
	mustWrite(&out, hdrs)
	for out.Len() < rawStart {
		out.WriteByte(0)
	}
	out.Write(raw)
	return out.Bytes()
}

// WasmCustom is a custom section of a WebAssembly module.
type WasmCustom struct {
	Name string
	Data []byte
}

// Wasm builds a WebAssembly module with an empty type section followed by
// the custom sections.
func Wasm(custom ...WasmCustom) []byte {
	out := []byte("\x00asm\x01\x00\x00\x00")
	// type section with zero entries
	out = append(out, 1, 1, 0)
	for _, c := range custom {
		payload := AppendULEB(nil, uint64(len(c.Name)))
		payload = append(payload, c.Name...)
		payload = append(payload, c.Data...)
		out = append(out, 0)
		out = AppendULEB(out, uint64(len(payload)))
		out = append(out, payload...)
	}
	return out
}
