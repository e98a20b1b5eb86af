// Copyright 2024 The preheat authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/preheatd/preheat/pkg/config"
	"github.com/preheatd/preheat/pkg/daemon"
	"github.com/preheatd/preheat/pkg/model"
	"github.com/preheatd/preheat/pkg/pidfile"
	"github.com/preheatd/preheat/pkg/proc"

	logger "github.com/preheatd/preheat/pkg/log"
)

// Exit codes. Lock contention gets its own so service managers can
// tell "already running" from real failures.
const (
	exitFailure   = 1
	exitLockedPid = 2
)

var log = logger.NewLogger("main")

type runOptions struct {
	confFile     string
	stateFile    string
	pidFile      string
	pauseFile    string
	nice         int
	debug        []string
	sessionBoost bool
}

func main() {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "preheatd",
		Short: "adaptive page-cache warming daemon",
		Long: `preheatd watches which applications you run, learns which ones tend
to follow each other, and asks the kernel to pre-populate the page
cache with the files the next launches will need.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(&opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.confFile, "conffile", "c", "/etc/preheat.conf", "configuration file")
	flags.StringVarP(&opts.stateFile, "statefile", "s", "/var/lib/preheat/preheat.state", "state file, empty disables persistence")
	flags.StringVar(&opts.pidFile, "pidfile", "", "PID lock file (defaults per euid)")
	flags.StringVar(&opts.pauseFile, "pausefile", "/run/preheat.pause", "pause flag file")
	flags.IntVarP(&opts.nice, "nice", "n", 15, "nice level of the daemon")
	flags.StringSliceVar(&opts.debug, "debug", nil, "log sources to debug ('all' for everything)")
	flags.BoolVar(&opts.sessionBoost, "session-boost", false, "preload top apps during the boot window")

	if err := cmd.Execute(); err != nil {
		os.Exit(exitFailure)
	}
}

func run(opts *runOptions) error {
	if len(opts.debug) > 0 {
		logger.EnableDebug(true, opts.debug...)
	}

	cfg, err := config.Load(opts.confFile)
	if err != nil {
		// Load still hands back the defaults; a broken file is reported
		// but never stops the daemon.
		log.Error("%v, using defaults", err)
	}

	if opts.pidFile != "" {
		pidfile.SetPath(opts.pidFile)
	}
	if err := pidfile.Lock(); err != nil {
		if err == pidfile.ErrLocked {
			fmt.Fprintf(os.Stderr, "preheatd: another instance is already running\n")
			os.Exit(exitLockedPid)
		}
		return err
	}
	defer pidfile.Remove()

	if opts.nice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, opts.nice); err != nil {
			log.Warn("cannot set nice level %d: %v", opts.nice, err)
		}
	}

	src, err := proc.NewSource("")
	if err != nil {
		return err
	}

	state := model.Load(opts.stateFile)

	d := daemon.New(cfg, state, src, daemon.Options{
		ConfigPath:   opts.confFile,
		StateFile:    opts.stateFile,
		PauseFile:    opts.pauseFile,
		SessionBoost: opts.sessionBoost,
	})
	return d.Run(context.Background())
}
