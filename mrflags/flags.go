// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mrflags binds a bigmr Engine's Config to a pflag.FlagSet,
// the way sliceflags binds bigslice's exec.Option set to flags:
// Register installs one flag per tunable named in spec.md §6.3,
// pre-populated with Config's defaults, so a command-line driver
// need only call flag.Parse (or pflag.Parse) before passing the
// Config to bigmr.New.
package mrflags

import (
	"github.com/spf13/pflag"

	"github.com/grailbio/bigmr"
)

// Register installs bigmr's tunables onto fs, reading and writing
// through cfg. Call before fs.Parse; cfg's zero value should already
// be bigmr.NewConfig() so unset flags keep their documented defaults.
func Register(fs *pflag.FlagSet, cfg *bigmr.Config) {
	fs.IntVar(&cfg.MemSizeMiB, "memsize", cfg.MemSizeMiB,
		"per-rank working memory in MiB, split into two working pages and a scratch region")
	fs.IntVar(&cfg.KeyAlign, "keyalign", cfg.KeyAlign, "key byte alignment, a power of two")
	fs.IntVar(&cfg.ValueAlign, "valuealign", cfg.ValueAlign, "value byte alignment, a power of two")
	fs.IntVar(&cfg.MapStyle, "mapstyle", cfg.MapStyle,
		"file map task assignment: 0=chunk, 1=stride, 2=master-worker")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity,
		"diagnostic output level: 0=silent, 1=operator totals, 2=per-rank histograms")
	fs.IntVar(&cfg.Timer, "timer", cfg.Timer,
		"per-operator timing: 0=off, 1=barrier-and-wall, 2=cross-rank histogram")
	fs.StringVar(&cfg.ScratchDir, "fpath", cfg.ScratchDir,
		"directory for spill files; empty puts container spill files in the working directory")
}
