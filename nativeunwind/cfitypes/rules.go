// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfitypes // import "go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"

import (
	"fmt"
	"slices"
)

// CfaRuleKind selects how the Canonical Frame Address is computed.
type CfaRuleKind uint8

const (
	// CfaRegisterOffset computes CFA as register + offset.
	CfaRegisterOffset CfaRuleKind = iota
	// CfaUnsupported is an expression based CFA. It cannot be written as
	// text, so rows with it contribute nothing for the CFA.
	CfaUnsupported
)

// CfaRule describes the CFA at one address.
type CfaRule struct {
	Kind     CfaRuleKind
	Register Register
	Offset   int64
}

func (c CfaRule) String() string {
	if c.Kind == CfaUnsupported {
		return "cfa=expr"
	}
	return fmt.Sprintf("cfa=r%d%+d", c.Register, c.Offset)
}

// RuleKind selects how a register of the caller is recovered.
type RuleKind uint8

const (
	RuleUndefined RuleKind = iota
	// RuleSameValue means the register is unchanged from the caller.
	RuleSameValue
	// RuleOffset loads the register from CFA + Offset.
	RuleOffset
	// RuleValOffset sets the register to CFA + Offset, without loading.
	RuleValOffset
	// RuleRegister copies the value of another register.
	RuleRegister
	// RuleUnsupported covers expression forms. These are dropped on output.
	RuleUnsupported
)

// RegisterRule describes how one non-CFA register is recovered.
type RegisterRule struct {
	Kind     RuleKind
	Offset   int64
	Register Register
}

func (r RegisterRule) String() string {
	switch r.Kind {
	case RuleUndefined:
		return "u"
	case RuleSameValue:
		return "s"
	case RuleOffset:
		return fmt.Sprintf("*(c%+d)", r.Offset)
	case RuleValOffset:
		return fmt.Sprintf("c%+d", r.Offset)
	case RuleRegister:
		return fmt.Sprintf("r%d", r.Register)
	default:
		return "expr"
	}
}

// RegisterAndRule binds a RegisterRule to its register.
type RegisterAndRule struct {
	Register Register
	Rule     RegisterRule
}

// UnwindRow holds the rules valid in [Start, End).
type UnwindRow struct {
	Start, End uint64
	Cfa        CfaRule
	// Registers is sorted by register number and holds at most one
	// rule per register. Registers without a rule are undefined.
	Registers []RegisterAndRule
}

// Rule returns the rule of reg in this row.
func (r *UnwindRow) Rule(reg Register) RegisterRule {
	if i, ok := r.find(reg); ok {
		return r.Registers[i].Rule
	}
	return RegisterRule{}
}

func (r *UnwindRow) find(reg Register) (int, bool) {
	return slices.BinarySearchFunc(r.Registers, reg,
		func(e RegisterAndRule, reg Register) int {
			return int(e.Register) - int(reg)
		})
}

// SetRule sets the rule for reg, keeping Registers sorted.
func (r *UnwindRow) SetRule(reg Register, rule RegisterRule) {
	i, ok := r.find(reg)
	if ok {
		r.Registers[i].Rule = rule
		return
	}
	r.Registers = slices.Insert(r.Registers, i,
		RegisterAndRule{Register: reg, Rule: rule})
}

// Clone returns a deep copy of the row.
func (r *UnwindRow) Clone() UnwindRow {
	c := *r
	c.Registers = slices.Clone(r.Registers)
	return c
}

// UnwindEntry covers one contiguous code range of a single native unwind
// record. Rows are ordered by Start and never extend past Start+Length.
type UnwindEntry struct {
	Start  uint64
	Length uint64
	// ReturnAddress is the register holding the return address. Its rule
	// is written under the ".ra" name.
	ReturnAddress Register
	Rows          []UnwindRow
}

// End returns the first address after the entry.
func (e *UnwindEntry) End() uint64 {
	return e.Start + e.Length
}

// Validate checks the ordering constraints of the rows.
func (e *UnwindEntry) Validate() error {
	if len(e.Rows) == 0 {
		return fmt.Errorf("%w: entry %#x has no rows", ErrBadDebugInfo, e.Start)
	}
	prev := e.Start
	for _, row := range e.Rows {
		if row.Start < prev {
			return fmt.Errorf("%w: row %#x before %#x", ErrBadDebugInfo, row.Start, prev)
		}
		if row.Start > e.End() {
			return fmt.Errorf("%w: row %#x beyond entry end %#x",
				ErrBadDebugInfo, row.Start, e.End())
		}
		prev = row.Start
	}
	return nil
}
