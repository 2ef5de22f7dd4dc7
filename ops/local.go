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

package ops

import (
	"bufio"
	"bytes"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/output"
	sysexec "github.com/fabfleet/fab/system/exec"
)

// LocalOptions tune a local invocation.
type LocalOptions struct {
	// Capture buffers stdout/stderr into the result instead of streaming
	// them to the terminal.
	Capture bool

	// Shell overrides the shell binary; default /bin/sh.
	Shell string

	WarnOnly *bool
}

const localHost = "localhost"

// Local spawns cmd on the local machine through a shell. When capturing,
// output is buffered into the result; otherwise it streams through the
// multiplexer, over a PTY when always_use_pty is set so interactive
// programs behave.
func (o *Op) Local(cmd string, opts LocalOptions) (*Result, error) {
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	o.Mux.Line(o.Env, localHost, output.StreamLocal, cmd)

	c := sysexec.Command(shell, "-c", cmd)
	res := &Result{
		Command:     cmd,
		RealCommand: shell + " -c " + cmd,
		ReturnCode:  -1,
	}

	var runErr error
	if opts.Capture {
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr
		runErr = c.Run()
		res.Stdout = strings.TrimRight(stdout.String(), "\r\n")
		res.Stderr = strings.TrimRight(stderr.String(), "\r\n")
	} else if o.Env.Bool(env.AlwaysUsePty) && !o.Parallel {
		runErr = o.streamPty(c)
	} else {
		runErr = o.streamPipes(c)
	}

	switch e := runErr.(type) {
	case nil:
		res.ReturnCode = 0
	case *exec.ExitError:
		if status, ok := e.Sys().(syscall.WaitStatus); ok {
			res.ReturnCode = status.ExitStatus()
		}
	default:
		return res, abort.Wrap(runErr, abort.CommandFailed, localHost)
	}

	return o.applyPolicy(res, localHost, opts.WarnOnly)
}

// streamPty runs the command under a pseudo-terminal. With linewise off the
// PTY bytes pass through unbuffered so interactive programs render
// correctly; otherwise output is reframed into prefixed lines.
func (o *Op) streamPty(c *sysexec.ExecCmd) error {
	f, err := pty.Start(c.Cmd)
	if err != nil {
		return err
	}
	defer f.Close()
	if o.Env.Bool(env.Linewise) {
		o.streamLines(f)
	} else {
		buf := make([]byte, 4096)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				if _, werr := o.Mux.Raw(output.StreamOut, o.Env, buf[:n]); werr != nil {
					break
				}
			}
			if rerr != nil {
				break
			}
		}
	}
	return c.Wait()
}

func (o *Op) streamPipes(c *sysexec.ExecCmd) error {
	stdout, err := c.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		o.streamLines(stdout)
		close(done)
	}()
	o.streamErrLines(stderr)
	<-done
	return c.Wait()
}

func (o *Op) streamLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		o.Mux.Line(o.Env, localHost, output.StreamOut, scanner.Text())
	}
}

func (o *Op) streamErrLines(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		o.Mux.Line(o.Env, localHost, output.StreamErr, scanner.Text())
	}
}
