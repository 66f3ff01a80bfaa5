// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/cfiextract/internal/controller"

import (
	"errors"

	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
)

// Exit codes of the command line tools.
const (
	ExitSuccess = 0
	ExitFailure = 1
	// ExitParseError is returned for invalid flags or configuration.
	ExitParseError = 2
	// ExitUnsupported is returned for objects without a CFI decoder.
	ExitUnsupported = 3
	// ExitBadDebugInfo is returned for malformed unwind information.
	ExitBadDebugInfo = 4
)

// ErrorWithExitCode provides an error with an exit code
// Used to be able to return errors with the exit code the CLI is expected to
// return when exiting.
type ErrorWithExitCode struct {
	error
	code int
}

func (e ErrorWithExitCode) Code() int {
	return e.code
}

func (e ErrorWithExitCode) Unwrap() error {
	return e.error
}

// WithExitCode attaches code to err.
func WithExitCode(err error, code int) ErrorWithExitCode {
	return ErrorWithExitCode{error: err, code: code}
}

// ExitCode returns the process exit code for err. Explicit codes take
// precedence over the ones derived from the cfitypes error kinds.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var withCode ErrorWithExitCode
	if errors.As(err, &withCode) {
		return withCode.Code()
	}
	switch cfitypes.Kind(err) {
	case cfitypes.ErrUnsupportedDebugFormat, cfitypes.ErrUnsupportedArch:
		return ExitUnsupported
	case cfitypes.ErrBadDebugInfo, cfitypes.ErrMissingDebugInfo, cfitypes.ErrBadFileMagic:
		return ExitBadDebugInfo
	default:
		return ExitFailure
	}
}
