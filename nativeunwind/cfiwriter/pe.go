// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfiwriter // import "go.opentelemetry.io/cfiextract/nativeunwind/cfiwriter"

import (
	"fmt"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/nativeunwind/peunwind"
)

// WritePEFunction writes the INIT record of one PE function. PE unwind data
// only describes the state after the prologue, so there are no deltas.
func (w *Writer) WritePEFunction(f *peunwind.Function) error {
	w.initHeader(uint64(f.Begin), uint64(f.End-f.Begin))
	if err := w.peRule(f.Cfa); err != nil {
		return err
	}
	for _, r := range f.Saved {
		if err := w.peRule(r); err != nil {
			return err
		}
	}
	return w.flush()
}

func (w *Writer) peRule(r peunwind.Rule) error {
	dest, err := peRegister(r.Dest)
	if err != nil {
		return err
	}
	base, err := peRegister(r.Base)
	if err != nil {
		return err
	}
	w.str(" ")
	w.str(dest)
	w.str(": ")
	w.str(base)
	w.str(" ")
	w.udec(uint64(r.Offset))
	if r.Subtract {
		w.str(" -")
	} else {
		w.str(" +")
	}
	if r.Deref {
		w.str(" ^")
	}
	return nil
}

func peRegister(reg cfitypes.Register) (string, error) {
	switch reg {
	case peunwind.CFA:
		return ".cfa", nil
	case peunwind.ReturnAddress:
		return ".ra", nil
	}
	name, ok := cfitypes.ArchAMD64.RegisterName(reg)
	if !ok {
		return "", fmt.Errorf("%w: no name for PE register %d", cfitypes.ErrBadDebugInfo, reg)
	}
	return name, nil
}
