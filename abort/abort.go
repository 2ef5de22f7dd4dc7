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

// Package abort defines the failure taxonomy shared by the connection,
// execution, and transfer layers. Every fatal condition is reported as an
// *Error carrying a Kind so callers can map it onto the configured skip or
// abort policy without string matching.
package abort

import (
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	BadHostString Kind = iota
	DNSFailed
	Unreachable
	AuthFailed
	BadHostKey
	CommandFailed
	CommandTimeout
	PromptAborted
	TransferFailed
	UserAbort
	SkipHost
)

var kindNames = map[Kind]string{
	BadHostString:  "bad host string",
	DNSFailed:      "name resolution failed",
	Unreachable:    "host unreachable",
	AuthFailed:     "authentication failed",
	BadHostKey:     "host key verification failed",
	CommandFailed:  "command failed",
	CommandTimeout: "command timed out",
	PromptAborted:  "needed to prompt, but abort-on-prompts was set",
	TransferFailed: "file transfer failed",
	UserAbort:      "interrupted by user",
	SkipHost:       "skipping host",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown failure %d", int(k))
}

// Error is the abort carrier. Host is the canonical host string the failure
// belongs to, or empty for failures outside any host context.
type Error struct {
	Kind Kind
	Host string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Host != "" {
		s = fmt.Sprintf("%s: %s", e.Host, s)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an abort error with a formatted message.
func New(kind Kind, host, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Host: host, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and host to an underlying error.
func Wrap(err error, kind Kind, host string) *Error {
	return &Error{Kind: kind, Host: host, Err: err}
}

// KindOf returns the kind of err if it is an *Error, or ok=false.
func KindOf(err error) (Kind, bool) {
	if ae, ok := err.(*Error); ok {
		return ae.Kind, true
	}
	return 0, false
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Skippable reports whether err represents a per-host failure that the
// executor may record and move past when the matching skip policy is on.
func Skippable(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return false
	}
	switch k {
	case SkipHost, DNSFailed, Unreachable, AuthFailed:
		return true
	}
	return false
}
