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

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	e := New()
	if e.Int(Port) != 22 {
		t.Errorf("default port = %d, want 22", e.Int(Port))
	}
	if !e.Bool(AlwaysUsePty) {
		t.Error("always_use_pty should default to true")
	}
	if e.Bool(WarnOnly) {
		t.Error("warn_only should default to false")
	}
	if e.Dur(Timeout) != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", e.Dur(Timeout))
	}
	if !e.Bool(RejectUnknownHosts) {
		t.Error("reject_unknown_hosts should default to true")
	}
}

func TestWithRestoresOnReturn(t *testing.T) {
	e := New()
	e.Set(WarnOnly, false)
	err := e.With(map[string]interface{}{WarnOnly: true}, func() error {
		if !e.Bool(WarnOnly) {
			t.Error("override not visible inside scope")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Bool(WarnOnly) {
		t.Error("warn_only not restored after scope exit")
	}
}

func TestWithRestoresOnPanic(t *testing.T) {
	e := New()
	depth := e.Depth()
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic")
			}
		}()
		_ = e.With(map[string]interface{}{User: "other"}, func() error {
			panic("boom")
		})
	}()
	if e.Depth() != depth {
		t.Errorf("depth = %d after panic, want %d", e.Depth(), depth)
	}
	if e.Str(User) == "other" {
		t.Error("override leaked out of panicking scope")
	}
}

func TestNestedScopes(t *testing.T) {
	e := New()
	e.Set(Shell, "/bin/sh -c")
	_ = e.With(map[string]interface{}{Shell: "outer"}, func() error {
		_ = e.With(map[string]interface{}{Shell: "inner"}, func() error {
			if e.Str(Shell) != "inner" {
				t.Errorf("inner scope sees %q", e.Str(Shell))
			}
			return nil
		})
		if e.Str(Shell) != "outer" {
			t.Errorf("outer scope sees %q after inner pop", e.Str(Shell))
		}
		return nil
	})
	if e.Str(Shell) != "/bin/sh -c" {
		t.Errorf("root sees %q after scopes", e.Str(Shell))
	}
}

func TestCloneIsolation(t *testing.T) {
	e := New()
	e.Set(User, "alice")
	c := e.Clone()
	c.Set(User, "bob")
	c.StrMap(Passwords)["h1:22"] = "pw"
	if e.Str(User) != "alice" {
		t.Error("clone write leaked user into parent")
	}
	if _, ok := e.StrMap(Passwords)["h1:22"]; ok {
		t.Error("clone write leaked password map into parent")
	}
}

func TestPasswordFallback(t *testing.T) {
	e := New()
	e.Set(Password, "global")
	if pw := e.PasswordFor("deploy@h1:22"); pw != "global" {
		t.Errorf("PasswordFor = %q, want global fallback", pw)
	}
	e.CachePassword("deploy@h1:22", "specific")
	if pw := e.PasswordFor("deploy@h1:22"); pw != "specific" {
		t.Errorf("PasswordFor = %q, want specific", pw)
	}
}

func TestCachePasswordSurvivesScope(t *testing.T) {
	e := New()
	_ = e.With(map[string]interface{}{WarnOnly: true}, func() error {
		e.CachePassword("h1:22", "pw")
		return nil
	})
	if e.PasswordFor("h1:22") != "pw" {
		t.Error("password learned inside scope did not survive scope exit")
	}
}

func TestHideShow(t *testing.T) {
	e := New()
	if !e.Visible(GroupStdout) {
		t.Fatal("stdout should start visible")
	}
	_ = e.With(nil, func() error {
		e.Hide(GroupStdout, GroupRunning)
		if e.Visible(GroupStdout) || e.Visible(GroupRunning) {
			t.Error("hide did not take effect")
		}
		e.Show(GroupStdout)
		if !e.Visible(GroupStdout) {
			t.Error("show did not take effect")
		}
		return nil
	})
	if !e.Visible(GroupRunning) {
		t.Error("hide leaked out of scope")
	}
}

func TestHideEverything(t *testing.T) {
	e := New()
	e.Hide("everything")
	for _, g := range allGroups {
		if e.Visible(g) {
			t.Errorf("group %s still visible after hide everything", g)
		}
	}
}
