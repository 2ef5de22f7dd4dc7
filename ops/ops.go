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

// Package ops implements the primitive operations task bodies call: run,
// sudo, local, put, get, and prompt. Operations acquire clients from the
// worker's connection cache, drive commands through the channel pump, and
// apply the warn_only/abort failure policy to the outcome.
package ops

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/conn"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/hosts"
	"github.com/fabfleet/fab/output"
	"github.com/fabfleet/fab/pump"
)

var plog = capnslog.NewPackageLogger("github.com/fabfleet/fab", "ops")

// Op binds the primitive operations to one execution context: an Env, a
// connection cache, and the output multiplexer. Each parallel worker gets
// its own Op over its own Env copy and Cache; serial mode uses one Op for
// the whole run.
type Op struct {
	Env   *env.Env
	Cache *conn.Cache
	Mux   *output.Mux

	// Interrupt receives local SIGINTs for forwarding to the active
	// channel.
	Interrupt <-chan os.Signal

	// Parallel marks a worker context: linewise output is forced and
	// interactive prompting is forbidden.
	Parallel bool

	promptRE struct {
		once     sync.Once
		compiled []*regexp.Regexp
	}
}

// RunOptions tune a single run/sudo invocation. Pointer fields distinguish
// "unset, use env" from an explicit false.
type RunOptions struct {
	Shell         *bool
	Pty           *bool
	CombineStderr *bool
	WarnOnly      *bool
	Quiet         bool
	Timeout       time.Duration
	User          string // sudo -u
	Group         string // sudo -g
}

func optBool(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}

// Bool is a convenience for building RunOptions literals.
func Bool(b bool) *bool {
	return &b
}

func (o *Op) hostString() (hosts.HostString, string, error) {
	raw := o.Env.Str(env.HostString)
	if raw == "" {
		return hosts.HostString{}, "", abort.New(abort.BadHostString, "",
			"no host_string set; operation needs a target host")
	}
	hs, err := hosts.Parse(raw, o.Env)
	if err != nil {
		return hosts.HostString{}, "", err
	}
	return hs, hs.String(), nil
}

func (o *Op) passwordPrompts() []*regexp.Regexp {
	o.promptRE.once.Do(func() {
		for _, pat := range o.Env.Strs(env.PasswordPrompts) {
			re, err := regexp.Compile(pat)
			if err != nil {
				plog.Warningf("bad password prompt pattern %q: %v", pat, err)
				continue
			}
			o.promptRE.compiled = append(o.promptRE.compiled, re)
		}
	})
	return o.promptRE.compiled
}

// passwordResolver returns the closure the pump calls when it detects a
// prompt. The password comes from the cached per-host table or the global
// default; failing that, serial mode asks the user once and caches the
// answer, while parallel mode and abort_on_prompts abort.
func (o *Op) passwordResolver(canonical string) func() (string, error) {
	return func() (string, error) {
		if pw := o.Env.PasswordFor(canonical); pw != "" {
			return pw, nil
		}
		if o.Env.Bool(env.AbortOnPrompts) || o.Parallel {
			return "", abort.New(abort.PromptAborted, canonical,
				"password required but prompting is disabled")
		}
		pw, err := o.Mux.Prompt("["+canonical+"] Login password: ", false)
		if err != nil {
			return "", abort.Wrap(err, abort.PromptAborted, canonical)
		}
		o.Env.CachePassword(canonical, pw)
		return pw, nil
	}
}

// muxSink feeds pump line events to the multiplexer.
type muxSink struct {
	op    *Op
	host  string
	quiet bool
}

func (s muxSink) OutLine(line string) {
	if s.quiet {
		return
	}
	s.op.Mux.Line(s.op.Env, s.host, output.StreamOut, line)
}

func (s muxSink) ErrLine(line string) {
	if s.quiet {
		return
	}
	s.op.Mux.Line(s.op.Env, s.host, output.StreamErr, line)
}

// Run executes cmd on the current host through the configured shell.
func (o *Op) Run(cmd string, opts RunOptions) (*Result, error) {
	return o.execute(cmd, false, output.StreamRun, opts)
}

// Sudo executes cmd wrapped in sudo on the current host. The pump answers
// the sudo password prompt from the cached credentials.
func (o *Op) Sudo(cmd string, opts RunOptions) (*Result, error) {
	return o.execute(cmd, true, output.StreamSudo, opts)
}

func (o *Op) execute(cmd string, sudo bool, stream string, opts RunOptions) (*Result, error) {
	hs, canonical, err := o.hostString()
	if err != nil {
		return nil, err
	}

	if !opts.Quiet {
		o.Mux.Line(o.Env, canonical, stream, cmd)
	}

	real := wrapCommand(o.Env, cmd, optBool(opts.Shell, true), sudo, opts.User, opts.Group)

	c, err := o.Cache.Get(hs)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = o.Env.Dur(env.CommandTimeout)
	}

	popts := pump.Options{
		Host:            canonical,
		UsePty:          optBool(opts.Pty, o.Env.Bool(env.AlwaysUsePty)),
		CombineStderr:   optBool(opts.CombineStderr, o.Env.Bool(env.CombineStderr)),
		Timeout:         timeout,
		PasswordPrompts: o.passwordPrompts(),
		Password:        o.passwordResolver(canonical),
		Interrupt:       o.Interrupt,
		RemoteInterrupt: o.Env.Bool(env.RemoteInterrupt),
	}
	if popts.UsePty {
		popts.ForwardWinch = true
	}
	if sudo {
		popts.SudoPrompt = o.Env.Str(env.SudoPrompt)
	}

	raw, err := pump.Run(c.Client, real, muxSink{op: o, host: canonical, quiet: opts.Quiet}, popts)

	res := &Result{
		Command:     cmd,
		RealCommand: real,
		ReturnCode:  -1,
	}
	if raw != nil {
		res.Stdout = strings.TrimRight(string(raw.Stdout), "\r\n")
		res.Stderr = strings.TrimRight(string(raw.Stderr), "\r\n")
		res.ReturnCode = raw.ExitStatus
	}
	if err != nil {
		return res, err
	}
	return o.applyPolicy(res, canonical, opts.WarnOnly)
}

// applyPolicy maps a nonzero return code onto warn-or-abort: the explicit
// warn_only argument wins, then env.warn_only, then abort.
func (o *Op) applyPolicy(res *Result, canonical string, warnOnly *bool) (*Result, error) {
	if res.Succeeded() {
		return res, nil
	}
	if optBool(warnOnly, o.Env.Bool(env.WarnOnly)) {
		o.Mux.Warn(o.Env, canonical,
			"command returned nonzero exit status %d: %s", res.ReturnCode, res.Command)
		return res, nil
	}
	return res, abort.New(abort.CommandFailed, canonical,
		"%q returned exit status %d", res.Command, res.ReturnCode)
}
