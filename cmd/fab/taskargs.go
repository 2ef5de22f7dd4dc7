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

package main

import (
	"fmt"
	"strings"
)

// TaskSpec is one command-line task invocation: name plus positional and
// keyword arguments.
type TaskSpec struct {
	Name   string
	Args   []string
	Kwargs map[string]string
}

// parseTaskSpecs parses `task:pos1,pos2,key=value` specs. Commas in values
// are escaped as `\,`, equals signs as `\=`.
func parseTaskSpecs(args []string) ([]TaskSpec, error) {
	var specs []TaskSpec
	for _, raw := range args {
		spec, err := parseTaskSpec(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseTaskSpec(raw string) (TaskSpec, error) {
	spec := TaskSpec{Kwargs: map[string]string{}}

	name := raw
	rest := ""
	if i := strings.Index(raw, ":"); i >= 0 {
		name, rest = raw[:i], raw[i+1:]
	}
	if name == "" {
		return spec, fmt.Errorf("malformed task spec %q", raw)
	}
	spec.Name = name
	if rest == "" {
		return spec, nil
	}

	for _, piece := range splitEscaped(rest, ',') {
		key, value, isKw := splitKeyValue(piece)
		if isKw {
			spec.Kwargs[unescape(key)] = unescape(value)
		} else {
			spec.Args = append(spec.Args, unescape(piece))
		}
	}
	return spec, nil
}

// splitEscaped splits s on sep, honoring backslash escapes.
func splitEscaped(s string, sep byte) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			cur.WriteByte(c)
			i++
			cur.WriteByte(s[i])
			continue
		}
		if c == sep {
			parts = append(parts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	parts = append(parts, cur.String())
	return parts
}

// splitKeyValue splits piece at the first unescaped '='.
func splitKeyValue(piece string) (key, value string, isKw bool) {
	for i := 0; i < len(piece); i++ {
		c := piece[i]
		if c == '\\' && i+1 < len(piece) {
			i++
			continue
		}
		if c == '=' {
			return piece[:i], piece[i+1:], true
		}
	}
	return "", "", false
}

// unescape removes backslash escapes for the spec metacharacters.
func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (s[i+1] == ',' || s[i+1] == '=' || s[i+1] == '\\') {
			i++
			c = s[i]
		}
		b.WriteByte(c)
	}
	return b.String()
}
