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
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/fabfleet/fab/env"
)

// escapeSingle makes s safe inside a single-quoted shell string.
func escapeSingle(s string) string {
	return strings.ReplaceAll(s, `'`, `'\''`)
}

// exportPrefix renders env.shell_env as export statements prepended to the
// command, in sorted key order so wrapped commands are stable.
func exportPrefix(e *env.Env) string {
	shellEnv := e.StrMap(env.ShellEnv)
	if len(shellEnv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(shellEnv))
	for k := range shellEnv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s && ", k, shellquote.Join(shellEnv[k]))
	}
	return b.String()
}

// wrapCommand builds the real command sent over the wire: shell_env exports,
// the user command inside `shell -c '…'` with single-quote escaping, and a
// `sudo -S -p '<prompt>'` prefix when sudo is requested. The -S variant lets
// the pump feed a password over stdin when sudo asks for one.
func wrapCommand(e *env.Env, cmd string, useShell, sudo bool, user, group string) string {
	inner := exportPrefix(e) + cmd

	wrapped := inner
	if useShell {
		wrapped = fmt.Sprintf("%s '%s'", e.Str(env.Shell), escapeSingle(inner))
	}

	if !sudo {
		return wrapped
	}

	prefix := fmt.Sprintf("sudo -S -p '%s'", escapeSingle(e.Str(env.SudoPrompt)))
	if user == "" {
		user = e.Str(env.SudoUser)
	}
	if group == "" {
		group = e.Str(env.SudoGroup)
	}
	if user != "" {
		prefix += " -u " + shellquote.Join(user)
	}
	if group != "" {
		prefix += " -g " + shellquote.Join(group)
	}
	return prefix + " " + wrapped
}
