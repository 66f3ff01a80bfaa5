// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfitypes // import "go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"

import (
	"errors"
	"fmt"
)

// Error kinds reported by the CFI decoders. Use errors.Is to test for them.
var (
	// ErrMissingDebugInfo is returned when a required section is absent.
	ErrMissingDebugInfo = errors.New("missing cfi debug sections")
	// ErrUnsupportedDebugFormat is returned for objects without a CFI decoder.
	ErrUnsupportedDebugFormat = errors.New("unsupported debug format")
	// ErrBadDebugInfo is returned for malformed data inside a known section.
	ErrBadDebugInfo = errors.New("bad debug information")
	// ErrUnsupportedArch is returned for unknown architectures.
	ErrUnsupportedArch = errors.New("unsupported architecture")
	// ErrInvalidAddress marks rows below the load address. They are skipped
	// and only logged.
	ErrInvalidAddress = errors.New("invalid cfi address")
	// ErrWriteFailed wraps errors of the output writer.
	ErrWriteFailed = errors.New("failed to write cfi")
	// ErrBadFileMagic is returned when a cache preamble does not match.
	ErrBadFileMagic = errors.New("bad cfi cache magic")
)

var kinds = []error{
	ErrMissingDebugInfo,
	ErrUnsupportedDebugFormat,
	ErrBadDebugInfo,
	ErrUnsupportedArch,
	ErrInvalidAddress,
	ErrWriteFailed,
	ErrBadFileMagic,
}

// Wrap attaches an error kind to cause. A nil cause yields nil.
func Wrap(kind, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return fmt.Errorf("%w: %w", kind, cause)
}

// Kind returns the error kind carried by err, or nil.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
