// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package stringutil holds allocation free helpers for line oriented text.
package stringutil // import "go.opentelemetry.io/cfiextract/stringutil"

var asciiSpace = [256]uint8{'\t': 1, '\n': 1, '\v': 1, '\f': 1, '\r': 1, ' ': 1}

// FieldsN splits s around runs of white space, filling f with substrings of s.
// If s has more fields than len(f), the last element of f is set to the
// remainder of s starting with its first non-space character. It returns the
// number of elements set. f stays untouched if s holds only white space.
func FieldsN(s string, f []string) int {
	n := len(f)
	if n == 0 {
		return 0
	}
	si := 0
	for i := 0; i < n-1; i++ {
		for si < len(s) && asciiSpace[s[si]] != 0 {
			si++
		}
		fieldStart := si
		for si < len(s) && asciiSpace[s[si]] == 0 {
			si++
		}
		if fieldStart >= si {
			return i
		}
		f[i] = s[fieldStart:si]
	}

	for si < len(s) && asciiSpace[s[si]] != 0 {
		si++
	}
	if si < len(s) {
		f[n-1] = s[si:]
		return n
	}
	return n - 1
}
