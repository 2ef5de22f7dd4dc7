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

// Package env holds the ambient configuration context. An Env is a stack of
// string-keyed overlays: reads walk innermost to outermost, writes land in the
// innermost frame, and With() scopes a frame around a function with restore
// guaranteed on every exit path. Parallel workers operate on a Clone so
// mutations never leak between siblings.
package env

import (
	"fmt"
	"os/user"
	"sync"
	"time"
)

// Recognized keys. Every key has a default; unknown keys are allowed and
// simply round-trip through the bag.
const (
	HostString         = "host_string"
	User               = "user"
	Port               = "port"
	Password           = "password"
	Passwords          = "passwords"
	KeyFilename        = "key_filename"
	NoAgent            = "no_agent"
	NoKeys             = "no_keys"
	Gateway            = "gateway"
	Timeout            = "timeout"
	CommandTimeout     = "command_timeout"
	ConnectionAttempts = "connection_attempts"
	Keepalive          = "keepalive"
	Parallel           = "parallel"
	PoolSize           = "pool_size"
	WarnOnly           = "warn_only"
	AbortOnPrompts     = "abort_on_prompts"
	UseSudoPassword    = "use_sudo_password"
	SudoPrompt         = "sudo_prompt"
	SudoUser           = "sudo_user"
	SudoGroup          = "sudo_group"
	Shell              = "shell"
	ShellEnv           = "shell_env"
	AlwaysUsePty       = "always_use_pty"
	CombineStderr      = "combine_stderr"
	Linewise           = "linewise"
	OutputPrefix       = "output_prefix"
	Hosts              = "hosts"
	Roles              = "roles"
	ExcludeHosts       = "exclude_hosts"
	Roledefs           = "roledefs"
	SkipBadHosts       = "skip_bad_hosts"
	SkipUnreachable    = "skip_unreachable"
	RemoteInterrupt    = "remote_interrupt"
	RejectUnknownHosts = "reject_unknown_hosts"
	DisableKnownHosts  = "disable_known_hosts"
	PasswordPrompts    = "password_prompts"
	outputGroups       = "output_groups"
)

// RoleFunc is a roledef value computed at resolution time.
type RoleFunc func() ([]string, error)

// Env is the configuration bag. Safe for concurrent reads; writers should
// own the Env (the serial driver, or a worker holding its own Clone).
type Env struct {
	mu     sync.RWMutex
	frames []map[string]interface{}
}

func defaultUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

// New returns an Env seeded with the default table.
func New() *Env {
	defaults := map[string]interface{}{
		HostString:         "",
		User:               defaultUser(),
		Port:               22,
		Password:           "",
		Passwords:          map[string]string{},
		KeyFilename:        []string{},
		NoAgent:            false,
		NoKeys:             false,
		Gateway:            "",
		Timeout:            10 * time.Second,
		CommandTimeout:     time.Duration(0),
		ConnectionAttempts: 1,
		Keepalive:          time.Duration(0),
		Parallel:           false,
		PoolSize:           0,
		WarnOnly:           false,
		AbortOnPrompts:     false,
		UseSudoPassword:    false,
		SudoPrompt:         "sudo password:",
		SudoUser:           "",
		SudoGroup:          "",
		Shell:              "/bin/bash -l -c",
		ShellEnv:           map[string]string{},
		AlwaysUsePty:       true,
		CombineStderr:      true,
		Linewise:           false,
		OutputPrefix:       true,
		Hosts:              []string{},
		Roles:              []string{},
		ExcludeHosts:       []string{},
		Roledefs:           map[string]interface{}{},
		SkipBadHosts:       false,
		SkipUnreachable:    false,
		RemoteInterrupt:    false,
		RejectUnknownHosts: true,
		DisableKnownHosts:  false,
		PasswordPrompts: []string{
			`(?i)^(\[sudo\] )?password( for [^:]+)?: ?$`,
			`(?i)passphrase for [^:]+: ?$`,
		},
		outputGroups: defaultGroups(),
	}
	return &Env{frames: []map[string]interface{}{defaults}}
}

// Get returns the innermost value for key.
func (e *Env) Get(key string) (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.frames) - 1; i >= 0; i-- {
		if v, ok := e.frames[i][key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes key into the innermost frame.
func (e *Env) Set(key string, val interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames[len(e.frames)-1][key] = val
}

// SetRoot writes key into the outermost frame, below any open scopes. The CLI
// uses this so flag values survive scope push/pop inside task bodies.
func (e *Env) SetRoot(key string, val interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames[0][key] = val
}

// Push opens a new overlay frame.
func (e *Env) Push() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frames = append(e.frames, map[string]interface{}{})
}

// Pop discards the innermost overlay frame. Popping the root frame panics;
// that is always a scope-balance bug in the caller.
func (e *Env) Pop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.frames) == 1 {
		panic("env: overlay stack underflow")
	}
	e.frames = e.frames[:len(e.frames)-1]
}

// Depth returns the overlay stack depth.
func (e *Env) Depth() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.frames)
}

// With runs fn inside a new frame seeded with kv. The frame is removed on
// every exit path, including panics, so task-entry depth always equals
// task-exit depth.
func (e *Env) With(kv map[string]interface{}, fn func() error) error {
	e.Push()
	defer e.Pop()
	for k, v := range kv {
		e.Set(k, v)
	}
	return fn()
}

// Clone flattens the stack into an independent single-frame Env. Maps and
// slices are copied one level deep, which covers every recognized key.
func (e *Env) Clone() *Env {
	e.mu.RLock()
	defer e.mu.RUnlock()
	flat := map[string]interface{}{}
	for _, frame := range e.frames {
		for k, v := range frame {
			flat[k] = copyValue(v)
		}
	}
	return &Env{frames: []map[string]interface{}{flat}}
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]string:
		m := make(map[string]string, len(t))
		for k, vv := range t {
			m[k] = vv
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, vv := range t {
			m[k] = vv
		}
		return m
	case map[string]bool:
		m := make(map[string]bool, len(t))
		for k, vv := range t {
			m[k] = vv
		}
		return m
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// Str returns the string value for key, or "".
func (e *Env) Str(key string) string {
	if v, ok := e.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Bool returns the bool value for key, or false.
func (e *Env) Bool(key string) bool {
	if v, ok := e.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Int returns the int value for key, or 0.
func (e *Env) Int(key string) int {
	if v, ok := e.Get(key); ok {
		switch t := v.(type) {
		case int:
			return t
		case int64:
			return int(t)
		}
	}
	return 0
}

// Dur returns the duration value for key. Integer values are taken as
// seconds, matching the wire form of --set and the rc file.
func (e *Env) Dur(key string) time.Duration {
	if v, ok := e.Get(key); ok {
		switch t := v.(type) {
		case time.Duration:
			return t
		case int:
			return time.Duration(t) * time.Second
		case int64:
			return time.Duration(t) * time.Second
		}
	}
	return 0
}

// Strs returns the string-slice value for key, or nil.
func (e *Env) Strs(key string) []string {
	if v, ok := e.Get(key); ok {
		if s, ok := v.([]string); ok {
			return s
		}
	}
	return nil
}

// StrMap returns the string-map value for key, or an empty map.
func (e *Env) StrMap(key string) map[string]string {
	if v, ok := e.Get(key); ok {
		if m, ok := v.(map[string]string); ok {
			return m
		}
	}
	return map[string]string{}
}

// RoleDefs returns the roledefs table. Values are []string, RoleFunc, or a
// bare func() ([]string, error).
func (e *Env) RoleDefs() map[string]interface{} {
	if v, ok := e.Get(Roledefs); ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m
		}
	}
	return map[string]interface{}{}
}

// PasswordFor returns the cached password for the canonical host string,
// falling back to the global password.
func (e *Env) PasswordFor(hostString string) string {
	if pw, ok := e.StrMap(Passwords)[hostString]; ok && pw != "" {
		return pw
	}
	return e.Str(Password)
}

// CachePassword stores a password for the canonical host string. The write
// goes to the root frame so a password learned inside a settings scope
// survives the scope.
func (e *Env) CachePassword(hostString, password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var pws map[string]string
	for i := len(e.frames) - 1; i >= 0; i-- {
		if v, ok := e.frames[i][Passwords]; ok {
			if m, ok := v.(map[string]string); ok {
				pws = m
			}
			break
		}
	}
	if pws == nil {
		pws = map[string]string{}
		e.frames[0][Passwords] = pws
	}
	pws[hostString] = password
}

func (e *Env) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("env(%d frames)", len(e.frames))
}
