// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/cfiextract/internal/controller"
	"go.opentelemetry.io/cfiextract/nativeunwind/cfitypes"
	"go.opentelemetry.io/cfiextract/nativeunwind/compactunwind"
	"go.opentelemetry.io/cfiextract/object"
)

type unwindInfoCmd struct {
	root *rootCmd

	entries bool
}

func newUnwindInfoCmd(root *rootCmd) *ffcli.Command {
	cmd := unwindInfoCmd{root: root}
	set := flag.NewFlagSet("unwind-info", flag.ContinueOnError)
	set.BoolVar(&cmd.entries, "entries", false, "Also list the decoded opcode of every entry")
	return &ffcli.Command{
		Name:       "unwind-info",
		ShortUsage: "unwind-info [flags] <mach-o file>",
		ShortHelp:  "Dump the compact unwind tables of a Mach-O object",
		FlagSet:    set,
		Exec:       cmd.exec,
	}
}

func (cmd *unwindInfoCmd) exec(_ context.Context, args []string) error {
	if len(args) != 1 {
		return controller.WithExitCode(errors.New("expected exactly one input file"),
			controller.ExitParseError)
	}
	if err := cmd.root.setup(); err != nil {
		return err
	}
	obj, err := object.Open(args[0])
	if err != nil {
		return err
	}
	sec, ok := obj.Section(object.SectionUnwindInfo)
	if !ok {
		return fmt.Errorf("%s: %w: no compact unwind section", args[0],
			cfitypes.ErrMissingDebugInfo)
	}
	it, err := compactunwind.NewIterator(sec.Data, obj.ByteOrder(), obj.Arch())
	if err != nil {
		return err
	}
	if err = it.Dump(cmd.root.out); err != nil {
		return err
	}
	if !cmd.entries {
		return nil
	}

	fmt.Fprintln(cmd.root.out, "  Entries:")
	for {
		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		op := e.Decode(obj.Arch())
		switch op.Kind {
		case compactunwind.NoInfo:
			fmt.Fprintf(cmd.root.out, "    %#08x-%#08x no info\n", e.InstructionAddress, e.End())
		case compactunwind.DelegateToDwarf:
			fmt.Fprintf(cmd.root.out, "    %#08x-%#08x FDE at %#x\n",
				e.InstructionAddress, e.End(), op.EhFrameOffset)
		case compactunwind.RuleList:
			fmt.Fprintf(cmd.root.out, "    %#08x-%#08x %v\n", e.InstructionAddress, e.End(), op.Rules)
		}
	}
}
