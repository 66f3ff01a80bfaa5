// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfiwriter // import "go.opentelemetry.io/cfiextract/nativeunwind/cfiwriter"

import (
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"
)

// WriteCompactNoInfo writes a record for a compact unwind entry without
// unwind information. It assumes the function has no stack of its own, which
// holds for the small leaf functions such entries usually cover. Nothing is
// written for architectures other than x86-64 and ARM64.
func (w *Writer) WriteCompactNoInfo(e compactunwind.Entry) error {
	var rules string
	switch w.arch {
	case cfitypes.ArchAMD64:
		rules = " .cfa: $rsp 8 + .ra: .cfa -8 + ^"
	case cfitypes.ArchARM64:
		rules = " .cfa: sp .ra: x30"
	default:
		return nil
	}
	w.initHeader(uint64(e.InstructionAddress), uint64(e.Length))
	w.str(rules)
	return w.flush()
}

// Offsets into the machine context used by the hand written unwind
// expressions of the x86-64 _sigtramp.
const (
	sigtrampMcontext = 48
	sigtrampRBP      = 64
	sigtrampRSP      = 72
	sigtrampRIP      = 144
)

// WriteSigtramp writes the fixed record of the x86-64 _sigtramp function.
// Its DWARF expressions restore registers from the machine context pointed
// to by $rbx and are not supported by the DWARF walker.
func (w *Writer) WriteSigtramp(e compactunwind.Entry) error {
	w.initHeader(uint64(e.InstructionAddress), uint64(e.Length))
	w.line = fmt.Appendf(w.line, " $rbp: $rbx %d + ^ %d + ^", sigtrampMcontext, sigtrampRBP)
	w.line = fmt.Appendf(w.line, " .cfa: $rbx %d + ^ %d + ^", sigtrampMcontext, sigtrampRSP)
	w.line = fmt.Appendf(w.line, " .ra: $rbx %d + ^ %d + ^", sigtrampMcontext, sigtrampRIP)
	return w.flush()
}

// WriteCompactRules writes the register recovery operations of one compact
// unwind entry as a single INIT record, in operation order.
func (w *Writer) WriteCompactRules(e compactunwind.Entry, ops []compactunwind.CfiOp) error {
	w.initHeader(uint64(e.InstructionAddress), uint64(e.Length))
	for _, op := range ops {
		dest, err := w.compactRegister(op.Dest)
		if err != nil {
			return err
		}
		src, err := w.compactRegister(op.Src)
		if err != nil {
			return err
		}
		w.str(" ")
		w.str(dest)
		w.str(": ")
		w.str(src)
		w.str(" ")
		w.dec(int64(op.Offset))
		w.str(" +")
		if op.Kind == compactunwind.RegisterAt {
			w.str(" ^")
		}
	}
	return w.flush()
}

// compactRegister names a compact unwind register. Only ARM family names go
// without the "$" prefix.
func (w *Writer) compactRegister(reg compactunwind.Register) (string, error) {
	switch reg {
	case compactunwind.RegCFA:
		return ".cfa", nil
	case compactunwind.RegInstructionPointer:
		return ".ra", nil
	}
	name, ok := reg.Name(w.arch)
	if !ok {
		return "", fmt.Errorf("%w: no name for compact unwind register %v on %v",
			cfitypes.ErrBadDebugInfo, reg, w.arch)
	}
	if w.arch.IsARM() {
		return name, nil
	}
	return "$" + name, nil
}
