// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller holds the configuration shared by the cfidump commands.
package controller // import "go.opentelemetry.io/cfiextract/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"runtime"

	"github.com/tklauser/numcpus"

	"go.opentelemetry.io/cfiextract/internal/log"
)

const (
	// DefaultCacheMaxSize bounds the on-disk cache store.
	DefaultCacheMaxSize = 1 << 30
	// DefaultMemEntries is the number of containers kept decoded in memory.
	DefaultMemEntries = 256
	// EnvVarPrefix is prepended to flag names to form environment variables.
	EnvVarPrefix = "CFIEXTRACT"
)

type Config struct {
	CacheDir     string
	CacheMaxSize int64
	MemEntries   uint
	Jobs         int
	Output       string
	Container    bool
	VerboseMode  bool

	// UseCache is set by commands that operate on the cache store.
	UseCache bool

	Fs *flag.FlagSet
}

// DefaultJobs returns the number of online CPUs.
func DefaultJobs() int {
	n, err := numcpus.GetOnline()
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	if cfg.Fs == nil || !log.IsDebug() {
		return
	}
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debug(fmt.Sprintf("%s: %v", f.Name, f.Value))
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	if cfg.Jobs < 1 {
		return fmt.Errorf("invalid number of jobs %d, need at least 1", cfg.Jobs)
	}
	if cfg.CacheMaxSize < 0 {
		return fmt.Errorf("invalid cache size %d", cfg.CacheMaxSize)
	}
	if cfg.UseCache {
		if cfg.CacheDir == "" {
			return errors.New("no cache directory configured")
		}
		if cfg.MemEntries > 1<<20 {
			return fmt.Errorf("too many in-memory cache entries %d", cfg.MemEntries)
		}
	}
	return nil
}
