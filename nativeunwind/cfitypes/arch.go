// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfitypes // import "go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"

import "fmt"

// Arch identifies the CPU family an object was built for. It selects the
// register name table and the pointer size.
type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86
	ArchAMD64
	ArchARM
	ArchARM64
	ArchMIPS
	ArchMIPS64
	ArchWasm32
)

var archNames = [...]string{
	ArchUnknown: "unknown",
	ArchX86:     "x86",
	ArchAMD64:   "x86_64",
	ArchARM:     "arm",
	ArchARM64:   "arm64",
	ArchMIPS:    "mips",
	ArchMIPS64:  "mips64",
	ArchWasm32:  "wasm32",
}

func (a Arch) String() string {
	if int(a) < len(archNames) {
		return archNames[a]
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

// ParseArch returns the Arch with the given name.
func ParseArch(name string) (Arch, error) {
	for i, n := range archNames {
		if n == name && Arch(i) != ArchUnknown {
			return Arch(i), nil
		}
	}
	switch name {
	case "amd64", "x64":
		return ArchAMD64, nil
	case "i386", "386":
		return ArchX86, nil
	case "aarch64":
		return ArchARM64, nil
	}
	return ArchUnknown, fmt.Errorf("%w: %q", ErrUnsupportedArch, name)
}

// PointerSize returns the size of a code pointer in bytes, or 0 if unknown.
func (a Arch) PointerSize() int {
	switch a {
	case ArchX86, ArchARM, ArchMIPS, ArchWasm32:
		return 4
	case ArchAMD64, ArchARM64, ArchMIPS64:
		return 8
	default:
		return 0
	}
}

// IsARM reports whether register names are written without the '$' prefix.
func (a Arch) IsARM() bool {
	return a == ArchARM || a == ArchARM64
}

// IsMIPS reports whether a if one of the MIPS families.
func (a Arch) IsMIPS() bool {
	return a == ArchMIPS || a == ArchMIPS64
}
