// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfiwriter // import "go.opentelemetry.io/cfiextract/nativeunwind/cfiwriter"

import (
	"strconv"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// WriteUnwindEntry writes the rows of e. The first row becomes the INIT
// record. Later rows only carry the CFA when it changed and the register
// rules that differ from the rule last written for that register. Rows
// without any change produce no line.
func (w *Writer) WriteUnwindEntry(e *cfitypes.UnwindEntry) error {
	if len(e.Rows) == 0 {
		return nil
	}
	start := e.Rows[0].Start
	length := e.Rows[len(e.Rows)-1].End - start

	var cfaCache cfitypes.CfaRule
	hasCfa := false
	ruleCache := make(map[cfitypes.Register]cfitypes.RegisterRule)

	for i := range e.Rows {
		row := &e.Rows[i]
		written := false
		isInit := i == 0
		if isInit {
			w.initHeader(start, length)
		} else {
			w.reset()
			w.str("STACK CFI ")
			w.hex(row.Start)
		}

		// The caches only track rules that made it into the output.
		if (!hasCfa || cfaCache != row.Cfa) && w.cfaRule(row.Cfa) {
			cfaCache, hasCfa = row.Cfa, true
			written = true
		}

		raWritten := false
		for _, rr := range row.Registers {
			if prev, ok := ruleCache[rr.Register]; ok && prev == rr.Rule {
				continue
			}
			if !w.registerRule(rr.Register, rr.Rule, e.ReturnAddress) {
				continue
			}
			ruleCache[rr.Register] = rr.Rule
			if rr.Register == e.ReturnAddress {
				raWritten = true
			}
			written = true
		}

		// MIPS keeps the return address in $ra unless told otherwise.
		if isInit && !raWritten && w.arch.IsMIPS() {
			w.str(" .ra: $ra")
		}

		if written {
			if err := w.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// cfaRule appends " .cfa: <reg> <offset> +". Expression rules and registers
// without a name are not written.
func (w *Writer) cfaRule(cfa cfitypes.CfaRule) bool {
	if cfa.Kind != cfitypes.CfaRegisterOffset {
		return false
	}
	name, ok := w.arch.RegisterName(cfa.Register)
	if !ok {
		return false
	}
	w.str(" .cfa: ")
	w.str(name)
	w.str(" ")
	w.dec(cfa.Offset)
	w.str(" +")
	return true
}

// registerRule appends " <reg>: <expr>" for rules expressible as text.
func (w *Writer) registerRule(reg cfitypes.Register, rule cfitypes.RegisterRule,
	ra cfitypes.Register) bool {
	var expr string
	switch rule.Kind {
	case cfitypes.RuleSameValue:
		name, ok := w.arch.RegisterName(reg)
		if !ok {
			return false
		}
		expr = name
	case cfitypes.RuleOffset:
		expr = ".cfa " + strconv.FormatInt(rule.Offset, 10) + " + ^"
	case cfitypes.RuleValOffset:
		expr = ".cfa " + strconv.FormatInt(rule.Offset, 10) + " +"
	case cfitypes.RuleRegister:
		name, ok := w.arch.RegisterName(rule.Register)
		if !ok {
			return false
		}
		expr = name
	default:
		return false
	}

	dest := ".ra"
	if reg != ra {
		name, ok := w.arch.RegisterName(reg)
		if !ok {
			return false
		}
		dest = name
	}
	w.str(" ")
	w.str(dest)
	w.str(": ")
	w.str(expr)
	return true
}
