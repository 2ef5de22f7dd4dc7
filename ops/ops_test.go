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
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/conn"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/network/mockssh"
	"github.com/fabfleet/fab/output"
)

// testOp wires an Op to a mock server and an in-memory terminal.
func testOp(t *testing.T, handler mockssh.SessionHandler) (*Op, *bytes.Buffer) {
	t.Helper()
	server, err := mockssh.NewServer(handler)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })

	e := env.New()
	e.Set(env.HostString, "mock@"+server.Addr)
	e.Set(env.DisableKnownHosts, true)
	e.Set(env.NoAgent, true)
	e.Set(env.NoKeys, true)
	e.Set(env.Password, "anything")
	e.Set(env.AlwaysUsePty, false)

	var buf bytes.Buffer
	op := &Op{
		Env:   e,
		Cache: conn.NewCache(e),
		Mux:   output.NewWithInput(&buf, &buf, strings.NewReader("")),
	}
	t.Cleanup(func() { op.Cache.CloseAll(nil) })
	return op, &buf
}

func TestRunSuccess(t *testing.T) {
	op, buf := testOp(t, func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "Linux\n")
		_ = session.Exit(0)
	})

	res, err := op.Run("uname -s", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Succeeded() || res.ReturnCode != 0 {
		t.Errorf("result = %+v, want success", res)
	}
	if res.Stdout != "Linux" {
		t.Errorf("stdout = %q, want Linux", res.Stdout)
	}
	if res.Command != "uname -s" {
		t.Errorf("command = %q", res.Command)
	}
	if !strings.Contains(res.RealCommand, "/bin/bash -l -c") {
		t.Errorf("real command %q missing shell wrap", res.RealCommand)
	}

	out := buf.String()
	runLine := strings.Index(out, "run: uname -s")
	outLine := strings.Index(out, "out: Linux")
	if runLine < 0 || outLine < 0 || runLine > outLine {
		t.Errorf("output order wrong:\n%s", out)
	}
}

func TestRunFailureAborts(t *testing.T) {
	op, _ := testOp(t, func(session *mockssh.Session) {
		_ = session.Exit(1)
	})

	res, err := op.Run("false", RunOptions{})
	if !abort.Is(err, abort.CommandFailed) {
		t.Fatalf("err = %v, want CommandFailed", err)
	}
	if res == nil || res.Succeeded() {
		t.Errorf("result = %+v, want failure recorded", res)
	}
}

func TestRunFailureWarnOnly(t *testing.T) {
	op, buf := testOp(t, func(session *mockssh.Session) {
		_ = session.Exit(3)
	})

	res, err := op.Run("false", RunOptions{WarnOnly: Bool(true)})
	if err != nil {
		t.Fatalf("warn_only should not abort: %v", err)
	}
	if res.Succeeded() || res.ReturnCode != 3 {
		t.Errorf("result = %+v, want return code 3", res)
	}
	if !strings.Contains(buf.String(), "warning") {
		t.Error("no warning line emitted")
	}
}

func TestRunQuietSuppressesOutput(t *testing.T) {
	op, buf := testOp(t, func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "noise\n")
		_ = session.Exit(0)
	})

	res, err := op.Run("echo noise", RunOptions{Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "noise" {
		t.Errorf("quiet must still capture, got %q", res.Stdout)
	}
	if strings.Contains(buf.String(), "noise") {
		t.Errorf("quiet leaked output:\n%s", buf.String())
	}
}

func TestSudoStripsPromptEcho(t *testing.T) {
	const prompt = "sudo password:"
	op, _ := testOp(t, func(session *mockssh.Session) {
		if !strings.Contains(session.Exec, "sudo -S -p") {
			t.Errorf("exec %q missing sudo wrap", session.Exec)
		}
		fmt.Fprint(session.Stdout, prompt)
		line, err := bufio.NewReader(session.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			t.Errorf("server read: %v", err)
		}
		if line != "anything\n" {
			fmt.Fprint(session.Stderr, "Sorry, try again.\n")
			_ = session.Exit(1)
			return
		}
		fmt.Fprint(session.Stdout, "\nroot\n")
		_ = session.Exit(0)
	})
	op.Env.Set(env.SudoPrompt, prompt)

	res, err := op.Sudo("whoami", RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "root" {
		t.Errorf("stdout = %q, want root with prompt stripped", res.Stdout)
	}
	if res.ReturnCode != 0 {
		t.Errorf("return code = %d", res.ReturnCode)
	}
}

func TestRunNoHostString(t *testing.T) {
	op, _ := testOp(t, func(session *mockssh.Session) { _ = session.Close() })
	op.Env.Set(env.HostString, "")
	_, err := op.Run("id", RunOptions{})
	if !abort.Is(err, abort.BadHostString) {
		t.Errorf("err = %v, want BadHostString", err)
	}
}

func TestParallelPromptAborts(t *testing.T) {
	op, _ := testOp(t, func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "Password: ")
	})
	op.Parallel = true
	op.Env.Set(env.Password, "")

	_, err := op.Run("sudo id", RunOptions{})
	if !abort.Is(err, abort.PromptAborted) {
		t.Errorf("err = %v, want PromptAborted in parallel mode", err)
	}
}

func TestLocalCapture(t *testing.T) {
	op, _ := testOp(t, func(session *mockssh.Session) { _ = session.Close() })
	res, err := op.Local("echo hello", LocalOptions{Capture: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "hello" {
		t.Errorf("stdout = %q, want hello", res.Stdout)
	}
}

func TestLocalFailure(t *testing.T) {
	op, _ := testOp(t, func(session *mockssh.Session) { _ = session.Close() })
	res, err := op.Local("exit 7", LocalOptions{Capture: true, WarnOnly: Bool(true)})
	if err != nil {
		t.Fatal(err)
	}
	if res.ReturnCode != 7 {
		t.Errorf("return code = %d, want 7", res.ReturnCode)
	}
}

func TestLocalStreams(t *testing.T) {
	op, buf := testOp(t, func(session *mockssh.Session) { _ = session.Close() })
	_, err := op.Local("echo streamed", LocalOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "streamed") {
		t.Errorf("streamed output missing:\n%s", buf.String())
	}
}

func TestPromptValidation(t *testing.T) {
	e := env.New()
	var buf bytes.Buffer
	op := &Op{
		Env: e,
		Mux: output.NewWithInput(&buf, &buf, strings.NewReader("nope\n42\n")),
	}
	got, err := op.Prompt("Pick a number:", PromptOptions{
		Key:      "picked",
		Validate: regexp.MustCompile(`^\d+$`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "42" {
		t.Errorf("answer = %q, want 42 after re-prompt", got)
	}
	if e.Str("picked") != "42" {
		t.Errorf("env key not stored, got %q", e.Str("picked"))
	}
}

func TestPromptDefault(t *testing.T) {
	op := &Op{
		Env: env.New(),
		Mux: output.NewWithInput(io.Discard, io.Discard, strings.NewReader("\n")),
	}
	got, err := op.Prompt("Region?", PromptOptions{Default: "us-east-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "us-east-1" {
		t.Errorf("answer = %q, want default", got)
	}
}

func TestPromptAbortOnPrompts(t *testing.T) {
	e := env.New()
	e.Set(env.AbortOnPrompts, true)
	op := &Op{Env: e, Mux: output.NewWithInput(io.Discard, io.Discard, strings.NewReader("x\n"))}
	_, err := op.Prompt("anything?", PromptOptions{})
	if !abort.Is(err, abort.PromptAborted) {
		t.Errorf("err = %v, want PromptAborted", err)
	}
}
