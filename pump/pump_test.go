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

package pump

import (
	"bufio"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/network/mockssh"
)

type recordSink struct {
	mu  sync.Mutex
	out []string
	err []string
}

func (s *recordSink) OutLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, line)
}

func (s *recordSink) ErrLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = append(s.err, line)
}

func (s *recordSink) outLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.out...)
}

func (s *recordSink) errLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.err...)
}

func TestRunCapturesStdout(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "Linux\n")
		_ = session.Exit(0)
	})
	defer client.Close()

	sink := &recordSink{}
	res, err := Run(client, "uname -s", sink, Options{Host: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 0 {
		t.Errorf("exit = %d, want 0", res.ExitStatus)
	}
	if string(res.Stdout) != "Linux\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if got := sink.outLines(); !reflect.DeepEqual(got, []string{"Linux"}) {
		t.Errorf("emitted lines = %v", got)
	}
}

func TestRunSeparatesStderr(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "to stdout\n")
		fmt.Fprint(session.Stderr, "to stderr\n")
		_ = session.Exit(0)
	})
	defer client.Close()

	sink := &recordSink{}
	res, err := Run(client, "noise", sink, Options{Host: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Stdout) != "to stdout\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if string(res.Stderr) != "to stderr\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if got := sink.errLines(); !reflect.DeepEqual(got, []string{"to stderr"}) {
		t.Errorf("stderr lines = %v", got)
	}
}

func TestRunCombineStderr(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		fmt.Fprint(session.Stderr, "mixed in\n")
		_ = session.Exit(0)
	})
	defer client.Close()

	sink := &recordSink{}
	res, err := Run(client, "noise", sink, Options{Host: "h1", CombineStderr: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Stdout) != "mixed in\n" {
		t.Errorf("combined stdout = %q", res.Stdout)
	}
	if len(res.Stderr) != 0 {
		t.Errorf("stderr should be empty when combined, got %q", res.Stderr)
	}
	if got := sink.outLines(); !reflect.DeepEqual(got, []string{"mixed in"}) {
		t.Errorf("emitted = %v", got)
	}
}

func TestRunNonzeroExit(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		_ = session.Exit(42)
	})
	defer client.Close()

	res, err := Run(client, "false", &recordSink{}, Options{Host: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 42 {
		t.Errorf("exit = %d, want 42", res.ExitStatus)
	}
}

func TestRunSplitsOnCarriageReturn(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "50%\r100%\ndone\n")
		_ = session.Exit(0)
	})
	defer client.Close()

	sink := &recordSink{}
	_, err := Run(client, "progress", sink, Options{Host: "h1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"50%", "100%", "done"}
	if got := sink.outLines(); !reflect.DeepEqual(got, want) {
		t.Errorf("lines = %v, want %v", got, want)
	}
}

func sudoHandler(t *testing.T, prompt, password string) mockssh.SessionHandler {
	return func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, prompt)
		line, err := bufio.NewReader(session.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			t.Errorf("server read: %v", err)
			_ = session.Exit(1)
			return
		}
		if line != password+"\n" {
			fmt.Fprint(session.Stderr, "Sorry, try again.\n")
			_ = session.Exit(1)
			return
		}
		fmt.Fprint(session.Stdout, "\nroot\n")
		_ = session.Exit(0)
	}
}

func TestRunAnswersSudoPrompt(t *testing.T) {
	const prompt = "sudo password:"
	client := mockssh.NewMockClient(sudoHandler(t, prompt, "hunter2"))
	defer client.Close()

	sink := &recordSink{}
	res, err := Run(client, "sudo whoami", sink, Options{
		Host:       "h1",
		SudoPrompt: prompt,
		Password:   func() (string, error) { return "hunter2", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitStatus, res.Stderr)
	}
	if string(res.Stdout) != "root\n" {
		t.Errorf("stdout = %q, prompt not stripped", res.Stdout)
	}
}

func TestRunAnswersGenericPasswordPrompt(t *testing.T) {
	client := mockssh.NewMockClient(sudoHandler(t, "[sudo] password for deploy: ", "s3cret"))
	defer client.Close()

	res, err := Run(client, "sudo id", &recordSink{}, Options{
		Host: "h1",
		PasswordPrompts: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^(\[sudo\] )?password( for [^:]+)?: ?$`),
		},
		Password: func() (string, error) { return "s3cret", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitStatus != 0 {
		t.Fatalf("exit = %d, stderr %q", res.ExitStatus, res.Stderr)
	}
}

func TestRunPromptAbortsWithoutPassword(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "Password: ")
		// never exits; the pump must abort
	})
	defer client.Close()

	_, err := Run(client, "sudo id", &recordSink{}, Options{
		Host: "h1",
		PasswordPrompts: []*regexp.Regexp{
			regexp.MustCompile(`(?i)^password: ?$`),
		},
		Password: nil,
	})
	if !abort.Is(err, abort.PromptAborted) {
		t.Errorf("err = %v, want PromptAborted", err)
	}
}

func TestRunCommandTimeout(t *testing.T) {
	client := mockssh.NewMockClient(func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "hanging\n")
		// block forever
		select {}
	})
	defer client.Close()

	start := time.Now()
	res, err := Run(client, "sleep 1000", &recordSink{}, Options{
		Host:    "h1",
		Timeout: 200 * time.Millisecond,
	})
	if !abort.Is(err, abort.CommandTimeout) {
		t.Fatalf("err = %v, want CommandTimeout", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut not set")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout took far too long to fire")
	}
}
