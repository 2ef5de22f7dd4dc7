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

package env

// Output groups togglable with Hide/Show. "everything" and "commands" are
// aliases expanded at toggle time.
const (
	GroupStatus   = "status"
	GroupRunning  = "running"
	GroupStdout   = "stdout"
	GroupStderr   = "stderr"
	GroupWarnings = "warnings"
	GroupUser     = "user"
	GroupDebug    = "debug"
	GroupAborts   = "aborts"
)

var allGroups = []string{
	GroupStatus, GroupRunning, GroupStdout, GroupStderr,
	GroupWarnings, GroupUser, GroupDebug, GroupAborts,
}

func defaultGroups() map[string]bool {
	g := map[string]bool{}
	for _, name := range allGroups {
		g[name] = true
	}
	g[GroupDebug] = false
	return g
}

func expandGroups(names []string) []string {
	var out []string
	for _, n := range names {
		switch n {
		case "everything":
			out = append(out, allGroups...)
		case "commands":
			out = append(out, GroupStdout, GroupRunning)
		default:
			out = append(out, n)
		}
	}
	return out
}

func (e *Env) toggleGroups(names []string, visible bool) {
	groups := map[string]bool{}
	if v, ok := e.Get(outputGroups); ok {
		if m, ok := v.(map[string]bool); ok {
			for k, vv := range m {
				groups[k] = vv
			}
		}
	}
	for _, n := range expandGroups(names) {
		groups[n] = visible
	}
	// copy-on-write into the innermost frame so the toggle pops with the scope
	e.Set(outputGroups, groups)
}

// Hide suppresses the named output groups until the enclosing scope exits.
func (e *Env) Hide(names ...string) {
	e.toggleGroups(names, false)
}

// Show enables the named output groups.
func (e *Env) Show(names ...string) {
	e.toggleGroups(names, true)
}

// Visible reports whether the named output group is currently shown.
func (e *Env) Visible(group string) bool {
	if v, ok := e.Get(outputGroups); ok {
		if m, ok := v.(map[string]bool); ok {
			if shown, ok := m[group]; ok {
				return shown
			}
		}
	}
	return true
}
