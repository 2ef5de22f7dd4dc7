// Copyright 2025 The fab Authors.
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

// Package cli owns the process-level concerns of the fab binary: the
// logging flags every command shares, and the mapping from a command's
// error to the process exit code (0 success, 1 abort-level failure, 2
// argument or task-resolution error).
package cli

import (
	"io"
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/version"
)

var (
	logDebug   bool
	logVerbose bool
	logLevel   = capnslog.NOTICE

	plog = capnslog.NewPackageLogger("github.com/fabfleet/fab", "cli")
)

// Execute runs root and exits the process with the mapped exit code. It
// installs the shared logging flags and a version subcommand first, and
// arranges for logging to be initialized before any command body runs.
func Execute(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("%s version %s\n", cmd.Root().Name(), version.Version)
		},
	})

	addLoggingFlags(root.PersistentFlags())

	// fab has a flat command surface, so the pre-run chain is just: start
	// logging, then whatever the command itself installed.
	prior := root.PersistentPreRunE
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogging(cmd.OutOrStderr())
		if prior != nil {
			return prior(cmd, args)
		}
		return nil
	}

	os.Exit(run(root))
}

// run executes the command and maps its error to the exit code contract.
func run(root *cobra.Command) int {
	err := root.Execute()
	if err == nil {
		return 0
	}
	plog.Errorf("%v", err)
	if _, ok := abort.KindOf(err); ok {
		return 1
	}
	return 2
}

func addLoggingFlags(flags *pflag.FlagSet) {
	flags.Var(&logLevel, "log-level", "Set global log level.")
	flags.BoolVar(&logVerbose, "verbose", false, "Alias for --log-level=INFO")
	flags.BoolVar(&logDebug, "debug", false, "Alias for --log-level=DEBUG")
}

func initLogging(w io.Writer) {
	switch {
	case logDebug:
		logLevel = capnslog.DEBUG
	case logVerbose:
		logLevel = capnslog.INFO
	}

	capnslog.SetFormatter(capnslog.NewStringFormatter(w))
	capnslog.SetGlobalLogLevel(logLevel)

	plog.Infof("Started logging at level %s", logLevel)
}
