// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdbframe // import "go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	npsr "go.opentelemetry.io/cfiextract/nopanicslicereader"
)

// Range is the half open address range [Start, End).
type Range struct {
	Start, End uint32
}

// Len returns the size of the range.
func (r Range) Len() uint32 {
	return r.End - r.Start
}

// AddressMap translates PDB internal address ranges to RVA ranges.
type AddressMap interface {
	RvaRanges(start, end uint32) []Range
}

// IdentityMap is used for images whose code was not reordered after linking.
type IdentityMap struct{}

// RvaRanges returns the input range unchanged, even when it is empty.
func (IdentityMap) RvaRanges(start, end uint32) []Range {
	return []Range{{Start: start, End: end}}
}

// OMAPRecord maps addresses from Source onwards to Target. A zero Target
// means the code was eliminated.
type OMAPRecord struct {
	Source, Target uint32
}

// OMAP is an address map sorted by Source.
type OMAP []OMAPRecord

const omapRecordSize = 8

// ParseOMAP decodes an OMAP_FROM_SRC stream.
func ParseOMAP(b []byte) (OMAP, error) {
	if len(b)%omapRecordSize != 0 {
		return nil, fmt.Errorf("%w: OMAP stream size %d is not a multiple of %d",
			cfitypes.ErrBadDebugInfo, len(b), omapRecordSize)
	}
	m := make(OMAP, 0, len(b)/omapRecordSize)
	for off := uint(0); off < uint(len(b)); off += omapRecordSize {
		m = append(m, OMAPRecord{
			Source: npsr.Uint32(b, off),
			Target: npsr.Uint32(b, off+4),
		})
	}
	slices.SortStableFunc(m, func(a, b OMAPRecord) int {
		return cmp.Compare(a.Source, b.Source)
	})
	return m, nil
}

// RvaRanges splits [start, end) at OMAP boundaries and translates each
// piece. Eliminated pieces and addresses before the first record are
// dropped, and adjacent translated pieces are joined.
func (m OMAP) RvaRanges(start, end uint32) []Range {
	if len(m) == 0 {
		return IdentityMap{}.RvaRanges(start, end)
	}
	i, found := slices.BinarySearchFunc(m, start, func(r OMAPRecord, addr uint32) int {
		return cmp.Compare(r.Source, addr)
	})
	if !found {
		// i is the first record beyond start, so the previous one covers it.
		i--
	}
	if i < 0 {
		i = 0
		start = max(start, m[0].Source)
	}

	var out []Range
	for ; start < end && i < len(m); i++ {
		rec := m[i]
		next := uint32(math.MaxUint32)
		if i+1 < len(m) {
			next = m[i+1].Source
		}
		segEnd := min(end, next)
		if rec.Target == 0 || segEnd <= start {
			start = max(start, segEnd)
			continue
		}
		r := Range{
			Start: rec.Target + (start - rec.Source),
			End:   rec.Target + (segEnd - rec.Source),
		}
		if n := len(out); n > 0 && out[n-1].End == r.Start {
			out[n-1].End = r.End
		} else {
			out = append(out, r)
		}
		start = segEnd
	}
	return out
}
