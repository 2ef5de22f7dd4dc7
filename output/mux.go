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

// Package output serializes terminal traffic from many hosts. A single Mux
// lock guards stdout, stderr, and the interactive prompt reader, so lines
// from concurrent workers interleave but never splice mid-line.
package output

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/fabfleet/fab/env"
)

// Stream names used as line prefixes.
const (
	StreamRun      = "run"
	StreamSudo     = "sudo"
	StreamOut      = "out"
	StreamErr      = "err"
	StreamLocal    = "local"
	StreamDownload = "download"
	StreamUpload   = "upload"
	StreamWarning  = "warning"
)

// streamGroup maps a stream to the output group that can hide it.
var streamGroup = map[string]string{
	StreamRun:      env.GroupRunning,
	StreamSudo:     env.GroupRunning,
	StreamLocal:    env.GroupRunning,
	StreamOut:      env.GroupStdout,
	StreamErr:      env.GroupStderr,
	StreamDownload: env.GroupStatus,
	StreamUpload:   env.GroupStatus,
	StreamWarning:  env.GroupWarnings,
}

// Mux is the process-wide output multiplexer.
type Mux struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
	in  *bufio.Reader
	fd  int
}

// New builds a Mux over the given writers, reading prompts from stdin.
func New(out, errw io.Writer) *Mux {
	return &Mux{
		out: out,
		err: errw,
		in:  bufio.NewReader(os.Stdin),
		fd:  int(os.Stdin.Fd()),
	}
}

// NewWithInput is New with an explicit prompt source, for tests.
func NewWithInput(out, errw io.Writer, in io.Reader) *Mux {
	return &Mux{out: out, err: errw, in: bufio.NewReader(in), fd: -1}
}

var (
	stdOnce sync.Once
	std     *Mux
)

// Std returns the Mux bound to the process stdout/stderr.
func Std() *Mux {
	stdOnce.Do(func() {
		std = New(os.Stdout, os.Stderr)
	})
	return std
}

func (m *Mux) writerFor(stream string) io.Writer {
	if stream == StreamErr || stream == StreamWarning {
		return m.err
	}
	return m.out
}

// Line emits one complete line for (host, stream), applying the
// `[host] stream:` prefix and group visibility. The write is atomic with
// respect to all other Mux traffic.
func (m *Mux) Line(e *env.Env, host, stream, text string) {
	if g, ok := streamGroup[stream]; ok && !e.Visible(g) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.writerFor(stream)
	if e.Bool(env.OutputPrefix) && host != "" {
		fmt.Fprintf(w, "[%s] %s: %s\n", host, stream, text)
	} else {
		fmt.Fprintf(w, "%s\n", text)
	}
}

// Warn emits a warning line for host.
func (m *Mux) Warn(e *env.Env, host, format string, args ...interface{}) {
	m.Line(e, host, StreamWarning, fmt.Sprintf(format, args...))
}

// Status emits an unprefixed status line (e.g. "Done.").
func (m *Mux) Status(e *env.Env, format string, args ...interface{}) {
	if !e.Visible(env.GroupStatus) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(m.out, format+"\n", args...)
}

// Abort emits a fatal error line under the aborts group.
func (m *Mux) Abort(e *env.Env, host string, err error) {
	if !e.Visible(env.GroupAborts) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if host != "" {
		fmt.Fprintf(m.err, "Fatal error: [%s] %v\n", host, err)
	} else {
		fmt.Fprintf(m.err, "Fatal error: %v\n", err)
	}
}

// Raw writes bytes straight through under the lock. Serial mode uses this
// when linewise is off so interactive programs stream unbuffered.
func (m *Mux) Raw(stream string, e *env.Env, p []byte) (int, error) {
	if g, ok := streamGroup[stream]; ok && !e.Visible(g) {
		return len(p), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writerFor(stream).Write(p)
}

// Prompt prints text and reads one line from the controlling terminal while
// holding the output lock, so concurrent host output cannot tear the
// interaction apart. With echo off the read goes through the terminal's
// no-echo path when stdin is a tty.
func (m *Mux) Prompt(text string, echo bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprint(m.out, text)
	if !echo && m.fd >= 0 && term.IsTerminal(m.fd) {
		b, err := term.ReadPassword(m.fd)
		fmt.Fprintln(m.out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := m.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
