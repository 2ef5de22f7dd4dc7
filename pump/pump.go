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

// Package pump drives one remote command over an SSH channel: it requests a
// PTY, demultiplexes stdout/stderr into line events, watches the
// unterminated tail of the stream for sudo and password prompts, answers
// them on the channel's stdin, and collects the exit status. Prompts arrive
// without a trailing newline, so the reader splits on carriage returns as
// well as newlines.
package pump

import (
	"bytes"
	"io"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/network/neterror"
)

var plog = capnslog.NewPackageLogger("github.com/fabfleet/fab", "pump")

// Sink receives demultiplexed output. Implementations decide how lines reach
// the terminal; the pump only guarantees per-stream ordering.
type Sink interface {
	// OutLine and ErrLine receive one complete line without its terminator.
	OutLine(line string)
	ErrLine(line string)
}

// Options configure one command invocation.
type Options struct {
	// Host is the canonical host string, used in error values.
	Host string

	// UsePty requests a pseudo-terminal on the channel.
	UsePty bool

	// ForwardWinch mirrors local terminal resizes onto the remote PTY.
	ForwardWinch bool

	// CombineStderr folds remote stderr into the stdout stream.
	CombineStderr bool

	// Timeout bounds the whole command; zero means unlimited.
	Timeout time.Duration

	// SudoPrompt is the exact prompt string passed to sudo -p, watched for
	// on the output tail. Empty disables sudo prompt handling.
	SudoPrompt string

	// PasswordPrompts are generic password/passphrase patterns matched
	// against the unterminated tail.
	PasswordPrompts []*regexp.Regexp

	// Password resolves the password to feed a detected prompt. It is
	// called at most once per distinct prompt occurrence and may interact
	// with the user. A *abort.Error return aborts the command.
	Password func() (string, error)

	// Interrupt delivers local SIGINTs. RemoteInterrupt selects between
	// forwarding \x03 to the channel and closing it.
	Interrupt       <-chan os.Signal
	RemoteInterrupt bool
}

// Result is the raw outcome of a pumped command.
type Result struct {
	Stdout     []byte
	Stderr     []byte
	ExitStatus int
	TimedOut   bool
}

// Run executes realCmd on a fresh session of client and pumps the channel
// until EOF and process exit.
func Run(client *ssh.Client, realCmd string, sink Sink, opts Options) (*Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, abort.Wrap(err, abort.Unreachable, opts.Host)
	}
	defer session.Close()

	if opts.UsePty {
		if err := requestPty(session); err != nil {
			return nil, abort.Wrap(err, abort.Unreachable, opts.Host)
		}
		if opts.ForwardWinch {
			stopWinch := forwardWinch(session)
			defer stopWinch()
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, abort.Wrap(err, abort.Unreachable, opts.Host)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, abort.Wrap(err, abort.Unreachable, opts.Host)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, abort.Wrap(err, abort.Unreachable, opts.Host)
	}

	if err := session.Start(realCmd); err != nil {
		return nil, abort.Wrap(err, abort.Unreachable, opts.Host)
	}

	res := &Result{}
	var promptErr error
	var promptMu sync.Mutex
	failPrompt := func(err error) {
		promptMu.Lock()
		if promptErr == nil {
			promptErr = err
		}
		promptMu.Unlock()
		session.Close()
	}

	outCap := &captureBuf{}
	errCap := outCap
	errEmit := sink.ErrLine
	if !opts.CombineStderr {
		errCap = &captureBuf{}
	} else {
		errEmit = sink.OutLine
	}

	outReader := &reader{
		opts:         &opts,
		stdin:        stdin,
		emit:         sink.OutLine,
		cap:          outCap,
		setPromptErr: failPrompt,
	}
	errReader := &reader{
		opts:         &opts,
		stdin:        stdin,
		emit:         errEmit,
		cap:          errCap,
		setPromptErr: failPrompt,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outReader.pump(stdout)
	}()
	go func() {
		defer wg.Done()
		errReader.pump(stderr)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- session.Wait()
	}()

	var timeoutC <-chan time.Time
	if opts.Timeout > 0 {
		t := time.NewTimer(opts.Timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	var exitErr error
	interrupted := false
wait:
	for {
		select {
		case err := <-waitErr:
			exitErr = err
			break wait
		case <-timeoutC:
			res.TimedOut = true
			session.Close()
			<-waitErr
			break wait
		case <-opts.Interrupt:
			if opts.RemoteInterrupt {
				if _, err := stdin.Write([]byte{0x03}); err != nil {
					plog.Debugf("forwarding interrupt: %v", err)
				}
				// keep waiting for the remote to act on it
			} else {
				interrupted = true
				session.Close()
				<-waitErr
				break wait
			}
		}
	}

	wg.Wait()
	res.Stdout = outCap.bytes()
	if !opts.CombineStderr {
		res.Stderr = errCap.bytes()
	}

	promptMu.Lock()
	perr := promptErr
	promptMu.Unlock()
	if perr != nil {
		return res, perr
	}
	if res.TimedOut {
		return res, abort.New(abort.CommandTimeout, opts.Host,
			"command exceeded %v", opts.Timeout)
	}
	if interrupted {
		return res, abort.New(abort.UserAbort, opts.Host, "interrupted")
	}

	switch e := exitErr.(type) {
	case nil:
		res.ExitStatus = 0
	case *ssh.ExitError:
		res.ExitStatus = e.ExitStatus()
	case *ssh.ExitMissingError:
		res.ExitStatus = -1
	default:
		if neterror.IsClosed(exitErr) {
			res.ExitStatus = -1
		} else {
			return res, abort.Wrap(exitErr, abort.Unreachable, opts.Host)
		}
	}
	return res, nil
}

func requestPty(session *ssh.Session) error {
	width, height := 80, 24
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			width, height = w, h
		}
	}
	termType := os.Getenv("TERM")
	if termType == "" {
		termType = "xterm"
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 115200,
		ssh.TTY_OP_OSPEED: 115200,
	}
	return session.RequestPty(termType, height, width, modes)
}

func forwardWinch(session *ssh.Session) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					_ = session.WindowChange(h, w)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// captureBuf accumulates output for the result, shared between the stdout
// and stderr readers when combine_stderr is on.
type captureBuf struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *captureBuf) writeLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteString(line)
	c.buf.WriteByte('\n')
}

func (c *captureBuf) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// reader buffers one stream, emitting complete lines and scanning the
// unterminated tail for prompts.
type reader struct {
	opts         *Options
	stdin        io.Writer
	emit         func(string)
	cap          *captureBuf
	setPromptErr func(error)

	mu      sync.Mutex
	partial []byte
	// remembers prompts already answered so an echoed prompt is not
	// answered twice
	answered int
	// swallow the empty line the terminal emits right after a password
	// entry
	swallowBlank bool
}

func (r *reader) pump(src io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			r.feed(buf[:n])
		}
		if err != nil {
			break
		}
	}
	r.flush()
}

// feed splits incoming bytes into lines on \n, treating a bare \r as a line
// break too so interactive programs that redraw with carriage returns stay
// line-oriented.
func (r *reader) feed(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial = append(r.partial, p...)
	for {
		i := bytes.IndexAny(r.partial, "\r\n")
		if i < 0 {
			break
		}
		line := r.partial[:i]
		rest := r.partial[i+1:]
		// swallow the \n of a \r\n pair
		if r.partial[i] == '\r' && len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
		r.partial = rest
		r.emitLine(string(line))
	}
	r.checkPrompt()
}

func (r *reader) emitLine(line string) {
	if r.swallowBlank {
		r.swallowBlank = false
		if line == "" {
			return
		}
	}
	if r.isPromptEcho(line) {
		return
	}
	r.cap.writeLine(line)
	r.emit(line)
}

// isPromptEcho reports whether line is just the (possibly echoed) prompt we
// already answered; those are stripped from capture and display.
func (r *reader) isPromptEcho(line string) bool {
	if r.answered == 0 {
		return false
	}
	trimmed := string(bytes.TrimSpace([]byte(line)))
	if trimmed == "" {
		return false
	}
	if r.opts.SudoPrompt != "" && trimmed == string(bytes.TrimSpace([]byte(r.opts.SudoPrompt))) {
		return true
	}
	for _, re := range r.opts.PasswordPrompts {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

func (r *reader) checkPrompt() {
	tail := string(r.partial)
	if tail == "" {
		return
	}
	matched := false
	if r.opts.SudoPrompt != "" && tail == r.opts.SudoPrompt {
		matched = true
	}
	if !matched {
		for _, re := range r.opts.PasswordPrompts {
			if re.MatchString(tail) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return
	}
	if r.opts.Password == nil {
		r.setPromptErr(abort.New(abort.PromptAborted, r.opts.Host,
			"unanswerable prompt %q", tail))
		return
	}
	pw, err := r.opts.Password()
	if err != nil {
		r.setPromptErr(err)
		return
	}
	if _, err := r.stdin.Write([]byte(pw + "\n")); err != nil {
		r.setPromptErr(abort.Wrap(err, abort.Unreachable, r.opts.Host))
		return
	}
	r.answered++
	r.swallowBlank = true
	r.partial = nil
}

func (r *reader) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.partial) > 0 {
		r.emitLine(string(r.partial))
		r.partial = nil
	}
}
