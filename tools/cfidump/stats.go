// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/cfiextract/nativeunwind/breakpad"
)

type statsCmd struct {
	root *rootCmd

	// dump lists the records of the files in addition to the counters.
	dump bool
}

func newStatsCmd(root *rootCmd) *ffcli.Command {
	cmd := statsCmd{root: root}
	set := flag.NewFlagSet("stats", flag.ContinueOnError)
	set.BoolVar(&cmd.dump, "dump", false, "List every row of the extracted CFI")
	return &ffcli.Command{
		Name:       "stats",
		ShortUsage: "stats [flags] <file>...",
		ShortHelp:  "Print record counts and rule set statistics of object files",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

// fileStats are the counters of one object file.
type fileStats struct {
	cfiRecords, rows, winRecords uint
	// ruleSets counts the distinct INIT and delta rule strings.
	ruleSets map[string]struct{}
}

func collectStats(text []byte) (fileStats, error) {
	s := fileStats{ruleSets: make(map[string]struct{})}
	err := breakpad.Walk(bytes.NewReader(text), func(rec *breakpad.StackRecord) error {
		switch {
		case rec.Cfi != nil:
			s.cfiRecords++
			s.rows += uint(1 + len(rec.Cfi.Deltas))
			s.ruleSets[rec.Cfi.InitRules] = struct{}{}
			for _, d := range rec.Cfi.Deltas {
				s.ruleSets[d.Rules] = struct{}{}
			}
		case rec.Win != nil:
			s.winRecords++
		}
		return nil
	})
	return s, err
}

func (cmd *statsCmd) exec(ctx context.Context, args []string) error {
	if err := needFiles(args); err != nil {
		return err
	}
	if err := cmd.root.setup(); err != nil {
		return err
	}

	results := make([]fileStats, len(args))
	texts := make([][]byte, len(args))
	err := forEachFile(ctx, cmd.root.cfg.Jobs, args, func(_ context.Context, i int, path string) error {
		text, err := extractText(path)
		if err != nil {
			return err
		}
		s, err := collectStats(text)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		results[i] = s
		if cmd.dump {
			texts[i] = text
		}
		return nil
	})
	if err != nil {
		return err
	}

	var total fileStats
	unique := make(map[string]struct{})
	for i, s := range results {
		if cmd.dump {
			if _, err = cmd.root.out.Write(texts[i]); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.root.out, "# %v: %v CFI records, %v rows, %v WIN records, %v rule sets\n",
			args[i], s.cfiRecords, s.rows, s.winRecords, len(s.ruleSets))
		total.cfiRecords += s.cfiRecords
		total.rows += s.rows
		total.winRecords += s.winRecords
		for r := range s.ruleSets {
			unique[r] = struct{}{}
		}
	}
	fmt.Fprintf(cmd.root.out, "# %v CFI records, %v rows, %v WIN records, %v unique rule sets\n",
		total.cfiRecords, total.rows, total.winRecords, len(unique))
	return nil
}
