// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"

import (
	"fmt"
	"io"
)

// Dump writes the page tables of the section in the style of
// `llvm-objdump --unwind-info`. It does not change the iterator state.
func (it *Iterator) Dump(w io.Writer) error {
	h := &it.hdr
	p := func(format string, args ...any) {
		fmt.Fprintf(w, format+"\n", args...)
	}
	p("Contents of __unwind_info section:")
	p("  Version:                                   0x%x", h.version)
	p("  Common encodings array section offset:     0x%x", h.globalOpcodesOffset)
	p("  Number of common encodings in array:       0x%x", h.globalOpcodesLen)
	p("  Personality function array section offset: 0x%x", h.personalitiesOffset)
	p("  Number of personality functions in array:  0x%x", h.personalitiesLen)
	p("  Index array section offset:                0x%x", h.pagesOffset)
	p("  Number of indices in array:                0x%x", h.pagesLen)

	p("  Common encodings: (count = %d)", h.globalOpcodesLen)
	for i := range h.globalOpcodesLen {
		opcode, err := it.globalOpcode(i)
		if err != nil {
			return err
		}
		p("    encoding[%d]: 0x%08x", i, opcode)
	}

	p("  Personality functions: (count = %d)", h.personalitiesLen)
	for i := range h.personalitiesLen {
		personality, err := it.u32(uint64(h.personalitiesOffset) + uint64(i)*4)
		if err != nil {
			return err
		}
		p("    personality[%d]: 0x%08x", i, personality)
	}

	p("  Top level indices: (count = %d)", h.pagesLen)
	firsts := make([]firstLevelEntry, 0, h.pagesLen)
	for i := range h.pagesLen {
		e, err := it.firstLevel(i)
		if err != nil {
			return err
		}
		firsts = append(firsts, e)
		p("    [%d]: function offset=0x%08x, 2nd level page offset=0x%08x, LSDA offset=0x%08x",
			i, e.firstAddress, e.secondLevelOffset, e.lsdaIndexOffset)
	}

	p("  Second level indices:")
	for i, first := range firsts {
		if first.secondLevelOffset == 0 {
			continue
		}
		page, err := it.secondLevel(first)
		if err != nil {
			return err
		}
		p("    Second level index[%d]: offset in section=0x%08x, base function=0x%08x",
			i, first.secondLevelOffset, first.firstAddress)
		for j := range page.entriesLen {
			raw, err := it.secondLevelEntry(&page, j)
			if err != nil {
				return err
			}
			opcode, err := it.opcode(&raw)
			if err != nil {
				return err
			}
			if page.compressed {
				p("      [%d]: function offset=0x%08x, encoding[%d]=0x%08x",
					j, raw.address, raw.index, opcode)
			} else {
				p("      [%d]: function offset=0x%08x, encoding=0x%08x",
					j, raw.address, opcode)
			}
		}
	}
	return nil
}
