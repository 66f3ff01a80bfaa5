// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/cfiextract/cficache"
)

type infoCmd struct {
	root *rootCmd
}

func newInfoCmd(root *rootCmd) *ffcli.Command {
	cmd := infoCmd{root: root}
	return &ffcli.Command{
		Name:       "info",
		ShortUsage: "info <file>...",
		ShortHelp:  "Print the container version of cached CFI files",
		FlagSet:    flag.NewFlagSet("info", flag.ContinueOnError),
		Exec:       cmd.exec,
	}
}

func (cmd *infoCmd) exec(_ context.Context, args []string) error {
	if err := needFiles(args); err != nil {
		return err
	}
	if err := cmd.root.setup(); err != nil {
		return err
	}
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		c, err := cficache.FromBytes(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		state := "outdated"
		if c.IsLatest() {
			state = "latest"
		}
		fmt.Fprintf(cmd.root.out, "%s: version %d (%s), %d bytes of CFI\n",
			path, c.Version(), state, len(c.Bytes()))
	}
	return nil
}
