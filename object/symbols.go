// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"cmp"
	"slices"
	"sort"
)

// Symbol is one entry of a public symbol table.
type Symbol struct {
	Name    string
	Address uint64
	// Size is 0 if unknown. Such symbols extend up to the next symbol.
	Size uint64
}

// SymbolMap maps addresses to the symbols covering them.
type SymbolMap struct {
	// symbols is sorted by descending address after Finalize.
	symbols []Symbol
}

// NewSymbolMap returns an empty map with room for capacity symbols.
func NewSymbolMap(capacity int) *SymbolMap {
	return &SymbolMap{symbols: make([]Symbol, 0, capacity)}
}

// Add a symbol to the map. Finalize must be called before lookups.
func (m *SymbolMap) Add(s Symbol) {
	m.symbols = append(m.symbols, s)
}

// Finalize sorts the symbols added so far.
func (m *SymbolMap) Finalize() {
	slices.SortStableFunc(m.symbols, func(a, b Symbol) int {
		return cmp.Compare(b.Address, a.Address)
	})
}

// Len returns the number of symbols.
func (m *SymbolMap) Len() int {
	return len(m.symbols)
}

// Lookup returns the symbol covering addr.
func (m *SymbolMap) Lookup(addr uint64) (Symbol, bool) {
	i := sort.Search(len(m.symbols), func(i int) bool {
		return addr >= m.symbols[i].Address
	})
	if i < len(m.symbols) {
		s := m.symbols[i]
		if s.Size == 0 || addr < s.Address+s.Size {
			return s, true
		}
	}
	return Symbol{}, false
}
