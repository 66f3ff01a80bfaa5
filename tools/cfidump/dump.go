// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/cfiextract/cfiextract"
	"go.opentelemetry.io/cfiextract/cficache"
	"go.opentelemetry.io/cfiextract/internal/controller"
	"go.opentelemetry.io/cfiextract/internal/log"
	"go.opentelemetry.io/cfiextract/object"
)

type dumpCmd struct {
	root *rootCmd
}

func newDumpCmd(root *rootCmd) *ffcli.Command {
	cmd := dumpCmd{root: root}
	cfg := &root.cfg
	set := flag.NewFlagSet("dump", flag.ContinueOnError)
	set.StringVar(&cfg.Output, "o", "", "Output file (default: stdout)")
	set.BoolVar(&cfg.Container, "container", false,
		"Wrap the output in the versioned cache container (single input only)")
	return &ffcli.Command{
		Name:       "dump",
		ShortUsage: "dump [flags] <file>...",
		ShortHelp:  "Print the normalized CFI of object files",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

// extractText returns the CFI text of the object at path.
func extractText(path string) ([]byte, error) {
	obj, err := object.Open(path)
	if err != nil {
		return nil, err
	}
	out, err := cfiextract.Extract(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// extractContainer returns the CFI of the object at path in the cache
// container.
func extractContainer(path string) (*cficache.Container, error) {
	obj, err := object.Open(path)
	if err != nil {
		return nil, err
	}
	c, err := cficache.FromObject(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (cmd *dumpCmd) exec(ctx context.Context, args []string) error {
	if err := needFiles(args); err != nil {
		return err
	}
	cfg := &cmd.root.cfg
	if cfg.Container && len(args) > 1 {
		return controller.WithExitCode(errors.New("-container takes a single input file"),
			controller.ExitParseError)
	}
	if err := cmd.root.setup(); err != nil {
		return err
	}

	outputs := make([][]byte, len(args))
	err := forEachFile(ctx, cfg.Jobs, args, func(_ context.Context, i int, path string) error {
		var out []byte
		if cfg.Container {
			c, err := extractContainer(path)
			if err != nil {
				return err
			}
			out = c.Raw()
		} else {
			var err error
			if out, err = extractText(path); err != nil {
				return err
			}
		}
		log.WithField("file", path).Debugf("%d bytes of CFI", len(out))
		outputs[i] = out
		return nil
	})
	if err != nil {
		return err
	}

	w := cmd.root.out
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	for _, out := range outputs {
		if _, err = w.Write(out); err != nil {
			return err
		}
	}
	return nil
}
