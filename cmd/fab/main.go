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

// fab executes named tasks across a fleet of hosts over SSH, streaming
// per-host output and aggregating exit status. Tasks are registered by the
// task source compiled into the binary; fab itself is the driver.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/fabfleet/fab/cli"
	"github.com/fabfleet/fab/engine"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/output"
	"github.com/fabfleet/fab/task"
	"github.com/fabfleet/fab/version"
)

var (
	plog = capnslog.NewPackageLogger("github.com/fabfleet/fab", "main")

	root = &cobra.Command{
		Use:          "fab [flags] task[:arg,key=value] ...",
		Short:        "Execute tasks across a fleet of hosts over SSH",
		Args:         cobra.ArbitraryArgs,
		RunE:         runFab,
		SilenceUsage: true,
	}

	flagHosts        []string
	flagRoles        []string
	flagExclude      []string
	flagUser         string
	flagPassword     string
	flagIdentity     []string
	flagParallel     bool
	flagPoolSize     int
	flagTimeout      int
	flagCmdTimeout   int
	flagWarnOnly     bool
	flagShell        string
	flagGateway      string
	flagNoKeys       bool
	flagNoAgent      bool
	flagAbortPrompts bool
	flagHide         []string
	flagShow         []string
	flagList         bool
	flagDisplay      string
	flagFabfile      string
	flagSet          []string
	flagRcfile       string
	flagVersion      bool
)

func init() {
	f := root.Flags()
	f.StringSliceVarP(&flagHosts, "hosts", "H", nil, "comma-separated list of hosts to operate on")
	f.StringSliceVarP(&flagRoles, "roles", "R", nil, "comma-separated list of roles to operate on")
	f.StringSliceVarP(&flagExclude, "exclude-hosts", "x", nil, "comma-separated list of hosts to exclude")
	f.StringVarP(&flagUser, "user", "u", "", "username to use when connecting")
	f.StringVarP(&flagPassword, "password", "p", "", "password for use with authentication and/or sudo")
	f.StringArrayVarP(&flagIdentity, "identity", "i", nil, "path to SSH private key file; may be repeated")
	f.BoolVarP(&flagParallel, "parallel", "P", false, "default to parallel execution method")
	f.IntVarP(&flagPoolSize, "pool-size", "z", 0, "number of concurrent processes to use in parallel mode")
	f.IntVarP(&flagTimeout, "timeout", "t", 0, "set connection timeout in seconds")
	f.IntVarP(&flagCmdTimeout, "command-timeout", "T", 0, "set remote command timeout in seconds")
	f.BoolVarP(&flagWarnOnly, "warn-only", "w", false, "warn instead of abort when commands fail")
	f.StringVarP(&flagShell, "shell", "s", "", "specify a new shell, defaults to '/bin/bash -l -c'")
	f.StringVarP(&flagGateway, "gateway", "g", "", "gateway (bastion) host to connect through")
	f.BoolVarP(&flagNoKeys, "no-keys", "k", false, "don't load private key files from ~/.ssh/")
	f.BoolVarP(&flagNoAgent, "no-agent", "A", false, "don't use the running SSH agent")
	f.BoolVarP(&flagAbortPrompts, "abort-on-prompts", "a", false, "abort instead of prompting (for password, host, etc)")
	f.StringSliceVar(&flagHide, "hide", nil, "comma-separated list of output groups to hide")
	f.StringSliceVar(&flagShow, "show", nil, "comma-separated list of output groups to show")
	f.BoolVarP(&flagList, "list", "l", false, "print list of possible tasks and exit")
	f.StringVarP(&flagDisplay, "display", "d", "", "print detailed info about a task and exit")
	f.StringVarP(&flagFabfile, "fabfile", "f", "", "task source (tasks are compiled in; retained for compatibility)")
	f.StringArrayVar(&flagSet, "set", nil, "comma-separated KEY=VALUE pairs to set env vars")
	f.StringVar(&flagRcfile, "config", "", "specify location of config file to use")
	f.BoolVarP(&flagVersion, "version", "V", false, "show program's version number and exit")
}

func main() {
	cli.Execute(root)
}

func runFab(cmd *cobra.Command, args []string) error {
	if flagVersion {
		fmt.Printf("fab version %s\n", version.Version)
		return nil
	}

	e := env.New()
	if err := loadRcfile(e, flagRcfile); err != nil {
		return err
	}
	applyFlags(cmd, e)
	if err := applySet(e, flagSet); err != nil {
		return err
	}

	if flagList {
		listTasks(cmd)
		return nil
	}
	if flagDisplay != "" {
		return displayTask(cmd, flagDisplay)
	}

	if flagFabfile != "" {
		plog.Warningf("-f/--fabfile is accepted for compatibility; tasks are compiled into this binary")
	}

	specs, err := parseTaskSpecs(args)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		listTasks(cmd)
		return fmt.Errorf("no tasks given")
	}
	for _, spec := range specs {
		if _, ok := task.Get(spec.Name); !ok {
			return fmt.Errorf("task not found: %s", spec.Name)
		}
	}

	mux := output.Std()
	en := engine.New(e, mux)
	en.CLI.Hosts = flagHosts
	en.CLI.Roles = flagRoles
	defer en.Close()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT)
	defer signal.Stop(sigC)
	go func() {
		for range sigC {
			mux.Warn(e, "", "interrupt received, stopping after active operations")
			en.Interrupt()
		}
	}()

	// tasks execute sequentially in command-line order, each fanning out
	// across its hosts
	for _, spec := range specs {
		t, _ := task.Get(spec.Name)
		if _, err := en.Execute(t, spec.Args, spec.Kwargs); err != nil {
			return err
		}
	}

	mux.Status(e, "\nDone.")
	return nil
}

func applyFlags(cmd *cobra.Command, e *env.Env) {
	fl := cmd.Flags()
	if fl.Changed("exclude-hosts") {
		e.SetRoot(env.ExcludeHosts, flagExclude)
	}
	if fl.Changed("user") {
		e.SetRoot(env.User, flagUser)
	}
	if fl.Changed("password") {
		e.SetRoot(env.Password, flagPassword)
	}
	if fl.Changed("identity") {
		e.SetRoot(env.KeyFilename, flagIdentity)
	}
	if fl.Changed("parallel") {
		e.SetRoot(env.Parallel, flagParallel)
	}
	if fl.Changed("pool-size") {
		e.SetRoot(env.PoolSize, flagPoolSize)
	}
	if fl.Changed("timeout") {
		e.SetRoot(env.Timeout, flagTimeout)
	}
	if fl.Changed("command-timeout") {
		e.SetRoot(env.CommandTimeout, flagCmdTimeout)
	}
	if fl.Changed("warn-only") {
		e.SetRoot(env.WarnOnly, flagWarnOnly)
	}
	if fl.Changed("shell") {
		e.SetRoot(env.Shell, flagShell)
	}
	if fl.Changed("gateway") {
		e.SetRoot(env.Gateway, flagGateway)
	}
	if fl.Changed("no-keys") {
		e.SetRoot(env.NoKeys, flagNoKeys)
	}
	if fl.Changed("no-agent") {
		e.SetRoot(env.NoAgent, flagNoAgent)
	}
	if fl.Changed("abort-on-prompts") {
		e.SetRoot(env.AbortOnPrompts, flagAbortPrompts)
	}
	if len(flagHide) > 0 {
		e.Hide(flagHide...)
	}
	if len(flagShow) > 0 {
		e.Show(flagShow...)
	}
}

func listTasks(cmd *cobra.Command) {
	names := task.List()
	if len(names) == 0 {
		cmd.Println("No tasks registered.")
		return
	}
	cmd.Println("Available commands:")
	cmd.Println()
	for _, name := range names {
		t, _ := task.Get(name)
		if t.Summary != "" {
			cmd.Printf("    %-24s %s\n", name, t.Summary)
		} else {
			cmd.Printf("    %s\n", name)
		}
	}
}

func displayTask(cmd *cobra.Command, name string) error {
	t, ok := task.Get(name)
	if !ok {
		return fmt.Errorf("task not found: %s", name)
	}
	cmd.Printf("Displaying detailed information for task '%s':\n\n", name)
	if t.Summary != "" {
		cmd.Printf("    %s\n", t.Summary)
	} else {
		cmd.Println("    No docstring provided")
	}
	var notes []string
	if len(t.Hosts) > 0 {
		notes = append(notes, fmt.Sprintf("hosts: %s", strings.Join(t.Hosts, ", ")))
	}
	if len(t.Roles) > 0 {
		notes = append(notes, fmt.Sprintf("roles: %s", strings.Join(t.Roles, ", ")))
	}
	if t.Parallel {
		notes = append(notes, "parallel")
	}
	if t.Serial {
		notes = append(notes, "serial")
	}
	if t.PoolSize > 0 {
		notes = append(notes, fmt.Sprintf("pool size: %d", t.PoolSize))
	}
	if len(notes) > 0 {
		cmd.Printf("\n    (%s)\n", strings.Join(notes, "; "))
	}
	return nil
}
