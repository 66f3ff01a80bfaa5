// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// cfidump converts the unwind information of object files to Breakpad
// STACK CFI and STACK WIN records and manages a local store of the results.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"

	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/cfiextract/internal/controller"
	"go.opentelemetry.io/cfiextract/internal/log"
)

// rootCmd holds the flags shared by all subcommands.
type rootCmd struct {
	cfg controller.Config
	out io.Writer
}

func newRootCmd(out io.Writer) *ffcli.Command {
	root := &rootCmd{out: out}
	cfg := &root.cfg
	fs := flag.NewFlagSet("cfidump", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.StringVar(&cfg.CacheDir, "cache-dir", defaultCacheDir(),
		"Base directory of the cache store.")
	fs.Int64Var(&cfg.CacheMaxSize, "cache-size", controller.DefaultCacheMaxSize,
		"Maximum size of the cache store in bytes.")
	fs.IntVar(&cfg.Jobs, "jobs", controller.DefaultJobs(),
		"Number of objects processed in parallel.")
	fs.UintVar(&cfg.MemEntries, "mem-entries", controller.DefaultMemEntries,
		"Number of cache entries kept in memory.")
	fs.BoolVar(&cfg.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.VerboseMode, "verbose", false, "Enable verbose logging.")
	_ = fs.String("config", "", "Config file with one 'flag value' pair per line.")
	cfg.Fs = fs

	return &ffcli.Command{
		Name:       "cfidump",
		ShortUsage: "cfidump [flags] <subcommand> [flags] <file>...",
		ShortHelp:  "Tool for extracting call frame information from object files",
		FlagSet:    fs,
		Options: []ff.Option{
			ff.WithEnvVarPrefix(controller.EnvVarPrefix),
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ff.PlainParser),
			ff.WithAllowMissingConfigFile(true),
		},
		Subcommands: []*ffcli.Command{
			newDumpCmd(root),
			newCacheCmd(root),
			newInfoCmd(root),
			newStatsCmd(root),
			newUnwindInfoCmd(root),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir
}

// setup applies the shared configuration. It is called by every subcommand
// once all flags are parsed.
func (r *rootCmd) setup() error {
	if r.cfg.VerboseMode {
		log.SetLevel(logrus.DebugLevel)
	}
	r.cfg.Dump()
	if err := r.cfg.Validate(); err != nil {
		return controller.WithExitCode(err, controller.ExitParseError)
	}
	return nil
}

// forEachFile runs fn for all files using at most jobs goroutines. The
// first error cancels the remaining work and is returned.
func forEachFile(ctx context.Context, jobs int, files []string,
	fn func(ctx context.Context, idx int, path string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, path := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(ctx, i, path)
		})
	}
	return g.Wait()
}

func needFiles(args []string) error {
	if len(args) == 0 {
		return controller.WithExitCode(errors.New("no input files"), controller.ExitParseError)
	}
	return nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	return newRootCmd(out).ParseAndRun(ctx, args)
}

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return
	}
	log.Error(err)
	os.Exit(controller.ExitCode(err))
}
