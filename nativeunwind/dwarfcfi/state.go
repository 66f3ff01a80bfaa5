// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/cfiextract/nativeunwind/dwarfcfi"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

const (
	// maxStateStack limits the nesting of remember_state.
	maxStateStack = 16
	// maxRegisterRules limits the number of registers with rules in one row.
	maxRegisterRules = 128
)

var (
	errUnknownInstruction = errors.New("unknown call frame instruction")
	errTooManyRules       = errors.New("too many register rules")
	errCfaNotRegister     = errors.New("CFA register or offset change of an expression CFA")
)

// state is the virtual machine state which can execute call frame instructions
type state struct {
	// cie is the CIE being currently processed
	cie *cieInfo
	// initial is the row after running the CIE instructions, used by restore
	initial *cfitypes.UnwindRow
	// loc is the current location
	loc uint64
	// cur holds the rules at loc
	cur cfitypes.UnwindRow
	// stack is the implicit stack of register states for remember/restore opcodes
	stack []cfitypes.UnwindRow
}

// advance increments current virtual address by given delta and code alignment
func (st *state) advance(delta uint64) {
	st.loc += delta * uint64(st.cie.codeAlign)
}

// rule assigns an unwinding rule for given register 'reg'
func (st *state) rule(reg uleb128, rule cfitypes.RegisterRule) error {
	if reg > 0xffff {
		return errTooManyRules
	}
	r := cfitypes.Register(reg)
	if len(st.cur.Registers) >= maxRegisterRules && st.cur.Rule(r).Kind == cfitypes.RuleUndefined {
		return errTooManyRules
	}
	st.cur.SetRule(r, rule)
	return nil
}

func (st *state) offsetRule(reg uleb128, off sleb128) error {
	return st.rule(reg, cfitypes.RegisterRule{
		Kind:   cfitypes.RuleOffset,
		Offset: int64(off) * int64(st.cie.dataAlign),
	})
}

func (st *state) valOffsetRule(reg uleb128, off sleb128) error {
	return st.rule(reg, cfitypes.RegisterRule{
		Kind:   cfitypes.RuleValOffset,
		Offset: int64(off) * int64(st.cie.dataAlign),
	})
}

// restore assigns given numeric register its original value after CIE opcodes
func (st *state) restore(reg uleb128) error {
	rule := cfitypes.RegisterRule{Kind: cfitypes.RuleUndefined}
	if st.initial != nil {
		rule = st.initial.Rule(cfitypes.Register(reg))
	}
	return st.rule(reg, rule)
}

func (st *state) defCfa(reg uleb128, off int64) {
	st.cur.Cfa = cfitypes.CfaRule{
		Kind:     cfitypes.CfaRegisterOffset,
		Register: cfitypes.Register(reg),
		Offset:   off,
	}
}

// skipExpression skips one uleb length prefixed DWARF expression block.
func skipExpression(r *reader) {
	r.skip(int64(r.uleb()))
}

// step executes call frame instructions until the location advances or the
// instructions are exhausted. It reports whether the location advanced.
// Unknown instructions and excess register rules are logged and skipped.
func (st *state) step(r *reader) (bool, error) {
	for r.hasData() {
		opcode := cfaOpcode(r.u8())
		operand := uint8(0)

		// If the high opcode bits are set, the upper bits are opcode
		// and the lower bits is operand.
		if opcode&cfaHighOpcodeMask != 0 {
			operand = uint8(opcode & cfaHighOpcodeValueMask)
			opcode &= cfaHighOpcodeMask
		}

		advanced, err := st.exec(r, opcode, operand)
		switch {
		case err == nil:
			if advanced {
				return true, nil
			}
		case errors.Is(err, errUnknownInstruction), errors.Is(err, errTooManyRules):
			log.Debugf("DWARF CFI at %#x: %v", st.loc, err)
		default:
			return false, err
		}
	}
	return false, nil
}

func (st *state) exec(r *reader, opcode cfaOpcode, operand uint8) (bool, error) {
	switch opcode {
	case cfaNop:
		// Nothing to do!
	case cfaSetLoc:
		loc, err := r.ptr(st.cie.enc)
		if err != nil {
			return false, err
		}
		if loc < st.loc {
			return false, fmt.Errorf("set_loc moves backwards from %#x to %#x", st.loc, loc)
		}
		st.loc = loc
		return true, nil
	case cfaAdvanceLoc1:
		st.advance(uint64(r.u8()))
		return true, nil
	case cfaAdvanceLoc2:
		st.advance(uint64(r.u16()))
		return true, nil
	case cfaAdvanceLoc4:
		st.advance(uint64(r.u32()))
		return true, nil
	case cfaAdvanceLoc:
		st.advance(uint64(operand))
		return true, nil
	case cfaOffset:
		return false, st.offsetRule(uleb128(operand), sleb128(r.uleb()))
	case cfaOffsetExtended:
		reg := r.uleb()
		return false, st.offsetRule(reg, sleb128(r.uleb()))
	case cfaOffsetExtendedSf:
		reg := r.uleb()
		return false, st.offsetRule(reg, r.sleb())
	case cfaGNUNegOffsetExtended:
		reg := r.uleb()
		return false, st.offsetRule(reg, -sleb128(r.uleb()))
	case cfaValOffset:
		reg := r.uleb()
		return false, st.valOffsetRule(reg, sleb128(r.uleb()))
	case cfaValOffsetSf:
		reg := r.uleb()
		return false, st.valOffsetRule(reg, r.sleb())
	case cfaRestore:
		return false, st.restore(uleb128(operand))
	case cfaRestoreExtended:
		return false, st.restore(r.uleb())
	case cfaUndefined:
		return false, st.rule(r.uleb(), cfitypes.RegisterRule{Kind: cfitypes.RuleUndefined})
	case cfaSameValue:
		return false, st.rule(r.uleb(), cfitypes.RegisterRule{Kind: cfitypes.RuleSameValue})
	case cfaRegister:
		reg := r.uleb()
		other := r.uleb()
		return false, st.rule(reg, cfitypes.RegisterRule{
			Kind:     cfitypes.RuleRegister,
			Register: cfitypes.Register(other),
		})
	case cfaExpression, cfaValExpression:
		reg := r.uleb()
		skipExpression(r)
		return false, st.rule(reg, cfitypes.RegisterRule{Kind: cfitypes.RuleUnsupported})
	case cfaRememberState:
		if len(st.stack) >= maxStateStack {
			return false, fmt.Errorf("dwarf stack overflow at %x", st.loc)
		}
		st.stack = append(st.stack, st.cur.Clone())
	case cfaRestoreState:
		if len(st.stack) == 0 {
			return false, fmt.Errorf("dwarf stack underflow at %x", st.loc)
		}
		st.cur = st.stack[len(st.stack)-1]
		st.stack = st.stack[:len(st.stack)-1]
	case cfaDefCfa:
		reg := r.uleb()
		st.defCfa(reg, int64(r.uleb()))
	case cfaDefCfaSf:
		reg := r.uleb()
		st.defCfa(reg, int64(r.sleb())*int64(st.cie.dataAlign))
	case cfaDefCfaRegister:
		if st.cur.Cfa.Kind != cfitypes.CfaRegisterOffset {
			return false, fmt.Errorf("%w at %#x", errCfaNotRegister, st.loc)
		}
		st.defCfa(r.uleb(), st.cur.Cfa.Offset)
	case cfaDefCfaOffset, cfaDefCfaOffsetSf:
		if st.cur.Cfa.Kind != cfitypes.CfaRegisterOffset {
			return false, fmt.Errorf("%w at %#x", errCfaNotRegister, st.loc)
		}
		var off int64
		if opcode == cfaDefCfaOffsetSf {
			off = int64(r.sleb()) * int64(st.cie.dataAlign)
		} else {
			off = int64(r.uleb())
		}
		st.defCfa(uleb128(st.cur.Cfa.Register), off)
	case cfaDefCfaExpression:
		skipExpression(r)
		st.cur.Cfa = cfitypes.CfaRule{Kind: cfitypes.CfaUnsupported}
	case cfaGNUWindowSave:
		// No handling needed
	case cfaGNUArgsSize:
		r.uleb()
	default:
		return false, fmt.Errorf("%w: opcode %#02x", errUnknownInstruction, opcode)
	}
	return false, nil
}
