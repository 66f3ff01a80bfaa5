// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind

import (
	"go/build"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// All opcode decoders are compiled on every host.
func TestSameFilesOnEveryHost(t *testing.T) {
	var want []string
	for _, goos := range []string{"linux", "darwin", "windows"} {
		for _, goarch := range []string{"amd64", "arm64", "386", "riscv64"} {
			t.Run(goos+"/"+goarch, func(t *testing.T) {
				ctx := build.Default
				ctx.GOOS = goos
				ctx.GOARCH = goarch
				pkg, err := ctx.ImportDir(".", 0)
				require.NoError(t, err)
				assert.Contains(t, pkg.GoFiles, "opcodes_aarch64.go")
				assert.Contains(t, pkg.GoFiles, "opcodes_x86.go")
				if want == nil {
					want = pkg.GoFiles
				}
				assert.Equal(t, want, pkg.GoFiles)
				assert.Empty(t, pkg.IgnoredGoFiles)
			})
		}
	}
}
