// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package peunwind derives CFA rules from the x64 exception directory of PE
// images. Each RUNTIME_FUNCTION and its chain of UNWIND_INFO blocks becomes
// one Function with a CFA rule and a list of saved register rules.
package peunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/peunwind"

import (
	"fmt"

	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// maxChainDepth bounds the number of chained UNWIND_INFO blocks per function.
const maxChainDepth = 32

// CFA is the pseudo register naming the canonical frame address in rules.
const CFA cfitypes.Register = 0xffff

// ReturnAddress is the register whose rule recovers the return address.
const ReturnAddress = cfitypes.AMD64RegRIP

// Image resolves relative virtual addresses of a PE image.
type Image interface {
	// Bytes returns size bytes of the image starting at rva.
	Bytes(rva, size uint32) ([]byte, error)
}

// Rule is the postfix expression "Base Offset +|- [^]" assigned to Dest.
type Rule struct {
	Dest     cfitypes.Register
	Base     cfitypes.Register
	Offset   uint32
	Subtract bool
	// Deref loads the value from the computed address.
	Deref bool
}

func (r Rule) String() string {
	op := "+"
	if r.Subtract {
		op = "-"
	}
	deref := ""
	if r.Deref {
		deref = " ^"
	}
	return fmt.Sprintf("r%d=r%d %d %s%s", r.Dest, r.Base, r.Offset, op, deref)
}

// Function is the unwind description of one RUNTIME_FUNCTION.
type Function struct {
	// Begin and End are the RVAs of the code range.
	Begin, End uint32
	Cfa        Rule
	// Saved lists the register rules in recovery order.
	Saved []Rule
}

// Walk decodes the RUNTIME_FUNCTION table exceptionData and calls fn for
// each function in table order. Empty records are skipped, and so are
// functions with malformed unwind data. An error from fn is returned as is.
func Walk(exceptionData []byte, img Image, fn func(*Function) error) error {
	if len(exceptionData)%runtimeFunctionSize != 0 {
		return fmt.Errorf("%w: exception directory size %d is not a multiple of %d",
			cfitypes.ErrBadDebugInfo, len(exceptionData), runtimeFunctionSize)
	}
	for off := 0; off < len(exceptionData); off += runtimeFunctionSize {
		rf := parseRuntimeFunction(exceptionData[off:])
		if rf == (runtimeFunction{}) || rf.end < rf.begin {
			continue
		}
		f, err := unwindFunction(img, rf)
		if err != nil {
			log.Debugf("Skipping PE function %#x-%#x: %v", rf.begin, rf.end, err)
			continue
		}
		if err = fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Functions collects all functions of the exception directory.
func Functions(exceptionData []byte, img Image) ([]*Function, error) {
	var fns []*Function
	err := Walk(exceptionData, img, func(f *Function) error {
		fns = append(fns, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fns, nil
}

func satSub(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}

// unwindFunction replays the unwind codes of rf and its chained entries.
// Codes are stored in reverse prologue order and are replayed backwards,
// accumulating the stack size in prologue order.
func unwindFunction(img Image, rf runtimeFunction) (*Function, error) {
	f := &Function{Begin: rf.begin, End: rf.end}

	// The return address is always on the stack.
	stackSize := uint32(8)
	machineFrameOffset := uint32(0)
	hasCfa := false

	next := &rf
	for depth := 0; next != nil; depth++ {
		if depth >= maxChainDepth {
			return nil, fmt.Errorf("unwind info chain exceeds %d entries", maxChainDepth)
		}
		ui, err := parseUnwindInfo(img, next.unwindInfo)
		if err != nil {
			return nil, fmt.Errorf("unwind info %#x: %w", next.unwindInfo, err)
		}

		for i := len(ui.codes) - 1; i >= 0; i-- {
			code := &ui.codes[i]
			switch code.op {
			case opSaveNonVol, opSaveNonVolFar:
				if !ui.usesFrameRegister {
					// Offset is relative to RSP.
					f.Saved = append(f.Saved, Rule{
						Dest:     code.reg,
						Base:     CFA,
						Offset:   satSub(stackSize, code.size),
						Subtract: true,
						Deref:    true,
					})
				} else {
					// Offset is relative to RSP at the time the frame register
					// was established, which is FP minus the frame offset.
					f.Saved = append(f.Saved, Rule{
						Dest:   code.reg,
						Base:   ui.frameRegister,
						Offset: satSub(code.size, ui.frameOffset),
						Deref:  true,
					})
				}
			case opPushNonVol:
				stackSize += 8
				f.Saved = append(f.Saved, Rule{
					Dest:     code.reg,
					Base:     CFA,
					Offset:   stackSize,
					Subtract: true,
					Deref:    true,
				})
			case opAllocSmall, opAllocLarge:
				stackSize += code.size
			case opSetFPReg:
				if hasCfa {
					continue
				}
				hasCfa = true
				f.Cfa = Rule{
					Dest:   CFA,
					Base:   ui.frameRegister,
					Offset: satSub(stackSize, ui.frameOffset),
				}
			case opPushMachFrame:
				f.Saved = append(f.Saved,
					Rule{
						Dest:     cfitypes.AMD64RegRSP,
						Base:     CFA,
						Offset:   stackSize + 16,
						Subtract: true,
						Deref:    true,
					},
					Rule{
						Dest:     ReturnAddress,
						Base:     CFA,
						Offset:   stackSize + 40,
						Subtract: true,
						Deref:    true,
					})
				stackSize += 40
				machineFrameOffset = stackSize
				if code.isError {
					stackSize += 8
				}
			}
		}
		next = ui.chained
	}

	if !hasCfa {
		f.Cfa = Rule{Dest: CFA, Base: cfitypes.AMD64RegRSP, Offset: stackSize}
	}
	if machineFrameOffset == 0 {
		f.Saved = append(f.Saved, Rule{
			Dest:     ReturnAddress,
			Base:     CFA,
			Offset:   8,
			Subtract: true,
			Deref:    true,
		})
	}
	return f, nil
}
