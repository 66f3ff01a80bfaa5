// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3/ffcli"

	"go.opentelemetry.io/cfiextract/cficache"
	"go.opentelemetry.io/cfiextract/internal/log"
)

type cacheCmd struct {
	root *rootCmd
}

func newCacheCmd(root *rootCmd) *ffcli.Command {
	cmd := cacheCmd{root: root}
	return &ffcli.Command{
		Name:       "cache",
		ShortUsage: "cache <file>...",
		ShortHelp:  "Extract the CFI of object files into the cache store",
		FlagSet:    flag.NewFlagSet("cache", flag.ContinueOnError),
		Exec:       cmd.exec,
	}
}

type cacheResult struct {
	id      cficache.FileID
	version uint32
	size    int
}

func (cmd *cacheCmd) exec(ctx context.Context, args []string) error {
	if err := needFiles(args); err != nil {
		return err
	}
	cfg := &cmd.root.cfg
	cfg.UseCache = true
	if err := cmd.root.setup(); err != nil {
		return err
	}

	store, err := cficache.OpenStore(cfg.CacheDir, uint64(cfg.CacheMaxSize),
		uint32(cfg.MemEntries))
	if err != nil {
		return err
	}
	defer store.Close()

	results := make([]cacheResult, len(args))
	err = forEachFile(ctx, cfg.Jobs, args, func(_ context.Context, i int, path string) error {
		id, err := cficache.FileIDFromFile(path)
		if err != nil {
			return err
		}
		c, err := store.GetOrCreate(id, func() (*cficache.Container, error) {
			log.WithField("file", path).Debugf("Extracting CFI of %v", id)
			return extractContainer(path)
		})
		if err != nil {
			return err
		}
		results[i] = cacheResult{id: id, version: c.Version(), size: len(c.Bytes())}
		return nil
	})
	if err != nil {
		return err
	}

	for i, r := range results {
		fmt.Fprintf(cmd.root.out, "%s v%d %8d %s\n", r.id, r.version, r.size, args[i])
	}
	hit, miss := store.GetAndResetHitMissCounters()
	log.Infof("Cache store: %d hits, %d misses, %d bytes", hit, miss, store.Size())
	return nil
}
