// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package dwarfcfi // import "go.opentelemetry.io/cfiextract/nativeunwind/dwarfcfi"

import (
	"errors"
	"fmt"

	lru "github.com/elastic/go-freelru"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// cieCacheSize is the number of parsed CIEs kept while walking one section.
const cieCacheSize = 256

// errUnexpectedType is returned when a CIE was found where an FDE was expected or
// the other way around.
var errUnexpectedType = errors.New("unexpected FDE/CIE type")

// errEmptyEntry is returned for zero length entries, which terminate .eh_frame.
var errEmptyEntry = errors.New("FDE/CIE empty")

// errSyncLost is returned when an entry header cannot be trusted to locate the
// next entry.
var errSyncLost = errors.New("entry synchronization lost")

// cieInfo describes the contents of one Common Information Entry (CIE)
type cieInfo struct {
	dataAlign       sleb128
	codeAlign       uleb128
	regRA           uleb128
	enc             encoding
	lsdaEnc         encoding
	hasAugmentation bool
	isSignalHandler bool

	// initialState is the register rule row after running CIE opcodes
	initialState cfitypes.UnwindRow
}

// fdeInfo contains one Frame Description Entry (FDE)
type fdeInfo struct {
	ciePos  uint64
	ipStart uint64
	ipLen   uint64
}

// hashCIEOffset is the Murmur3 64-bit finalizer folded to the LRU hash width.
func hashCIEOffset(x uint64) uint32 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return uint32(x)
}

func newCIECache() (*lru.LRU[uint64, *cieInfo], error) {
	return lru.New[uint64, *cieInfo](cieCacheSize, hashCIEOffset)
}

// parseHDR parses the common part of CIE and FDE blocks
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(r.u32())
	if dlen == 0 {
		return reader{}, 0, errEmptyEntry
	}
	switch {
	case dlen < 0xfffffff0:
		// Normal 32-bit dwarf
		idPos = uint64(r.pos)
		ciePos = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	case dlen == 0xffffffff:
		// 64-bit dwarf
		dlen = r.u64()
		idPos = uint64(r.pos)
		ciePos = r.u64()
		cieMarker = 0xffffffffffffffff
		if dlen < 8 {
			r.pos = r.end
			return reader{}, 0, fmt.Errorf("%w: invalid 64-bit entry length %#x",
				errSyncLost, dlen)
		}
		dlen -= 8
	default:
		// Abort reading as sync is lost
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("%w: unsupported initial length %#x",
			errSyncLost, dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("%w: CIE/FDE %#x extends beyond section end",
			errSyncLost, idPos)
	}
	if !r.debugFrame {
		// In .eh_frame's the CIE marker pointer value is zero
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if !isCIE {
		if !r.debugFrame {
			// In .eh_frame, the CIE pointer is relative to its own position,
			// not to the start of section.
			ciePos = idPos - ciePos
		}
		if ciePos >= uint64(r.end) {
			return data, 0, fmt.Errorf("FDE points to CIE beyond end at %#x", ciePos)
		}
	}
	return data, ciePos, nil
}

// parseCIE reads and processes one Common Information Entry
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseCIE(cie *cieInfo) (data reader, err error) {
	data, _, err = r.parseHDR(true)
	if err != nil {
		return reader{}, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return reader{}, fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = cieInfo{
		enc:     encFormatNative | encAdjustAbs,
		lsdaEnc: encFormatNative | encAdjustAbs,
	}

	augmentation := data.str()
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields
		data.skip(2)
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uleb128(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return reader{}, fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		data.uleb()
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.lsdaEnc = encoding(data.u8())
			case 'R':
				cie.enc = encoding(data.u8())
			case 'P':
				// The personality routine is not needed, drop the
				// indirection so the pointer can be skipped.
				enc := encoding(data.u8()) &^ encIndirect
				if _, err = data.ptr(enc); err != nil {
					return reader{}, err
				}
			case 'S':
				cie.isSignalHandler = true
			default:
				return reader{}, fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
	}

	if !data.isValid() {
		return reader{}, errors.New("CIE not valid after header")
	}
	return data, nil
}

// lookupCIE returns the CIE at ciePos from the cache, parsing and running its
// initial instructions on a miss.
func lookupCIE(frames *reader, ciePos uint64,
	cache *lru.LRU[uint64, *cieInfo]) (*cieInfo, error) {
	if cie, ok := cache.Get(ciePos); ok {
		return cie, nil
	}

	cie := &cieInfo{}
	cr := frames.offset(int64(ciePos))
	cr, err := cr.parseCIE(cie)
	if err != nil {
		return nil, fmt.Errorf("CIE %#x failed: %v", ciePos, err)
	}

	st := state{cie: cie}
	for cr.hasData() {
		if _, err = st.step(&cr); err != nil {
			return nil, fmt.Errorf("CIE %#x instructions: %w", ciePos, err)
		}
	}
	if !cr.isValid() {
		return nil, fmt.Errorf("CIE %#x instructions extend beyond entry", ciePos)
	}
	cie.initialState = st.cur
	cache.Add(ciePos, cie)
	return cie, nil
}

// parseFDEHeader parses the CIE dependent first fields of an FDE, specifically
// PC Begin and PC Range, and returns a reader positioned at its instructions.
func parseFDEHeader(fdeReader *reader,
	cache *lru.LRU[uint64, *cieInfo]) (r reader, fde fdeInfo, cie *cieInfo, err error) {
	fdeID := fdeReader.pos
	r, fde.ciePos, err = fdeReader.parseHDR(false)
	if err != nil {
		// parseHDR always consumes the entry, so CIEs can be skipped by
		// checking for errUnexpectedType.
		return r, fde, nil, err
	}

	cie, err = lookupCIE(fdeReader, fde.ciePos, cache)
	if err != nil {
		return r, fde, nil, err
	}

	fde.ipStart, err = r.ptr(cie.enc)
	if err != nil {
		return r, fde, nil, err
	}
	// The range is never relative to anything.
	fde.ipLen, err = r.ptr(cie.enc & (encFormatMask | encSignedMask))
	if err != nil {
		return r, fde, nil, err
	}

	if cie.hasAugmentation {
		r.skip(int64(r.uleb()))
	}
	if !r.isValid() {
		return r, fde, nil, fmt.Errorf("FDE %#x not valid after header", fdeID)
	}
	return r, fde, cie, nil
}
