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

// Package hosts parses host strings of the form [user[:password]@]host[:port]
// and resolves task host lists from explicit hosts, roles, and excludes.
package hosts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
)

// HostString is a parsed connection target.
type HostString struct {
	User string
	Host string
	Port int
}

// String returns the canonical user@host:port form. IPv6 hosts are bracketed.
func (h HostString) String() string {
	return fmt.Sprintf("%s@%s", h.User, h.HostPort())
}

// HostPort returns host:port with IPv6 bracketing.
func (h HostString) HostPort() string {
	if strings.Contains(h.Host, ":") {
		return fmt.Sprintf("[%s]:%d", h.Host, h.Port)
	}
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Parse splits s into user, host, and port, with defaults from e. A password
// embedded as user:password@ is stripped and cached into env.passwords keyed
// by the canonical form. IPv6 literals must be bracketed to carry a port:
// [::1]:2222; a bare multi-colon host is taken as an IPv6 address with the
// default port.
func Parse(s string, e *env.Env) (HostString, error) {
	hs := HostString{
		User: e.Str(env.User),
		Port: e.Int(env.Port),
	}
	if hs.Port == 0 {
		hs.Port = 22
	}

	rest := s
	var password string
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		userpart := rest[:i]
		rest = rest[i+1:]
		if j := strings.Index(userpart, ":"); j >= 0 {
			password = userpart[j+1:]
			userpart = userpart[:j]
		}
		if userpart != "" {
			hs.User = userpart
		}
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return HostString{}, abort.Wrap(err, abort.BadHostString, s)
	}
	if host == "" {
		return HostString{}, abort.New(abort.BadHostString, s, "empty host")
	}
	hs.Host = host
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 {
			return HostString{}, abort.New(abort.BadHostString, s, "bad port %q", port)
		}
		hs.Port = n
	}

	if password != "" {
		e.CachePassword(hs.String(), password)
	}
	return hs, nil
}

func splitHostPort(s string) (host, port string, err error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", "", fmt.Errorf("unterminated bracket")
		}
		host = s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, "", nil
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", fmt.Errorf("garbage after bracket: %q", rest)
		}
		return host, rest[1:], nil
	}
	switch strings.Count(s, ":") {
	case 0:
		return s, "", nil
	case 1:
		i := strings.Index(s, ":")
		return s[:i], s[i+1:], nil
	default:
		// bare IPv6 literal, no port
		return s, "", nil
	}
}

// Normalize parses s and returns the canonical string form.
func Normalize(s string, e *env.Env) (string, error) {
	hs, err := Parse(s, e)
	if err != nil {
		return "", err
	}
	return hs.String(), nil
}
