// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package object // import "go.opentelemetry.io/cfiextract/object"

import (
	"encoding/binary"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/nativeunwind/pdbframe"
)

// PDBStreams are the decoded parts of a PDB used for frame information.
// Reading them from the MSF container is left to a PDB reader.
type PDBStreams struct {
	// FPO is the raw FPO_DATA debug stream, may be empty.
	FPO []byte
	// FrameData is the raw FrameData debug stream, may be empty.
	FrameData []byte
	// OMAPFromSource is the raw OMAP stream, empty for identity mapping.
	OMAPFromSource []byte
	// Strings resolves FrameData program strings. It may be nil.
	Strings pdbframe.StringTable
}

// PDBFile is the frame information of one PDB.
type PDBFile struct {
	base
	frames  []pdbframe.Frame
	addrMap pdbframe.AddressMap
	strings pdbframe.StringTable
}

// NewPDB decodes the frame streams of a PDB for arch.
func NewPDB(arch cfitypes.Arch, streams PDBStreams) (*PDBFile, error) {
	fpo, err := pdbframe.ParseFPO(streams.FPO)
	if err != nil {
		return nil, err
	}
	frameData, err := pdbframe.ParseFrameData(streams.FrameData)
	if err != nil {
		return nil, err
	}
	var amap pdbframe.AddressMap = pdbframe.IdentityMap{}
	if len(streams.OMAPFromSource) > 0 {
		omap, err := pdbframe.ParseOMAP(streams.OMAPFromSource)
		if err != nil {
			return nil, err
		}
		amap = omap
	}
	return &PDBFile{
		base: base{
			kind:  KindPdb,
			arch:  arch,
			order: binary.LittleEndian,
		},
		frames:  pdbframe.MergeFrames(fpo, frameData),
		addrMap: amap,
		strings: streams.Strings,
	}, nil
}

// WalkFrames calls fn with the STACK WIN records of the PDB.
func (o *PDBFile) WalkFrames(fn func(*pdbframe.Record) error) error {
	return pdbframe.Walk(o.frames, o.addrMap, o.strings, fn)
}
