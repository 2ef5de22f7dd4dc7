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

package engine

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/network/mockssh"
	"github.com/fabfleet/fab/ops"
	"github.com/fabfleet/fab/output"
	"github.com/fabfleet/fab/task"
)

func testEngine() (*Engine, *bytes.Buffer) {
	e := env.New()
	e.Set(env.User, "deploy")
	var buf bytes.Buffer
	mux := output.NewWithInput(&buf, &buf, strings.NewReader(""))
	return New(e, mux), &buf
}

func TestExecuteSerialResultPerHost(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1", "h2", "h1", "h3"}

	var order []string
	tk := &task.Task{
		Name: "t",
		Body: func(ctx *task.Context) (interface{}, error) {
			order = append(order, ctx.Host)
			return ctx.Host, nil
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"deploy@h1:22", "deploy@h2:22", "deploy@h3:22"}
	if len(results) != len(want) {
		t.Fatalf("results has %d entries, want %d: %v", len(results), len(want), results)
	}
	for i, h := range want {
		if order[i] != h {
			t.Errorf("execution order[%d] = %q, want %q", i, order[i], h)
		}
		res, ok := results[h]
		if !ok {
			t.Fatalf("no result for %s", h)
		}
		if res.Failed() || res.Value != h {
			t.Errorf("result for %s = %+v", h, res)
		}
	}
}

func TestExecuteHostStringScoped(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1"}
	depth := en.Env.Depth()

	tk := &task.Task{
		Name: "t",
		Body: func(ctx *task.Context) (interface{}, error) {
			if got := ctx.Env.Str(env.HostString); got != "deploy@h1:22" {
				t.Errorf("host_string inside body = %q", got)
			}
			return nil, nil
		},
	}
	if _, err := en.Execute(tk, nil, nil); err != nil {
		t.Fatal(err)
	}
	if en.Env.Str(env.HostString) != "" {
		t.Errorf("host_string leaked: %q", en.Env.Str(env.HostString))
	}
	if en.Env.Depth() != depth {
		t.Errorf("overlay depth changed: %d -> %d", depth, en.Env.Depth())
	}
}

func TestExecuteLocalOnly(t *testing.T) {
	en, _ := testEngine()
	ran := false
	tk := &task.Task{
		Name: "t",
		Body: func(ctx *task.Context) (interface{}, error) {
			ran = true
			if ctx.Host != "" {
				t.Errorf("local-only run has host %q", ctx.Host)
			}
			if ctx.Env.Str(env.HostString) != "" {
				t.Errorf("host_string set in local-only run")
			}
			return "ok", nil
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("body never ran")
	}
	if _, ok := results[LocalOnlyKey]; !ok {
		t.Errorf("results = %v, want %q key", results, LocalOnlyKey)
	}
}

func TestExecuteSerialStopsOnAbort(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1", "h2", "h3"}

	var ran []string
	tk := &task.Task{
		Name: "t",
		Body: func(ctx *task.Context) (interface{}, error) {
			ran = append(ran, ctx.Host)
			if ctx.Host == "deploy@h2:22" {
				return nil, abort.New(abort.CommandFailed, ctx.Host, "boom")
			}
			return nil, nil
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if !abort.Is(err, abort.CommandFailed) {
		t.Fatalf("err = %v, want CommandFailed", err)
	}
	if len(ran) != 2 {
		t.Errorf("ran %v, serial mode should stop after the failure", ran)
	}
	if _, ok := results["deploy@h3:22"]; ok {
		t.Error("h3 has a result but should not have been attempted")
	}
}

func TestExecuteSkipBadHostsContinues(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1", "h2", "h3"}
	en.Env.Set(env.SkipBadHosts, true)

	tk := &task.Task{
		Name: "t",
		Body: func(ctx *task.Context) (interface{}, error) {
			if ctx.Host == "deploy@h2:22" {
				return nil, errors.New("broken host")
			}
			return "ok", nil
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if err != nil {
		t.Fatalf("skip_bad_hosts should swallow the failure: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %v, want all three hosts", results)
	}
	if !results["deploy@h2:22"].Failed() {
		t.Error("h2 failure not recorded")
	}
	if results["deploy@h3:22"].Failed() {
		t.Error("h3 should have run normally")
	}
}

func TestExecuteParallelAllComplete(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1", "h2", "h3", "h4"}

	var count int32
	tk := &task.Task{
		Name:     "t",
		Parallel: true,
		Body: func(ctx *task.Context) (interface{}, error) {
			atomic.AddInt32(&count, 1)
			if ctx.Host == "deploy@h2:22" {
				return nil, abort.New(abort.CommandFailed, ctx.Host, "boom")
			}
			return ctx.Host, nil
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if !abort.Is(err, abort.CommandFailed) {
		t.Fatalf("err = %v, want the h2 failure surfaced after join", err)
	}
	if atomic.LoadInt32(&count) != 4 {
		t.Errorf("ran %d bodies, want 4 (others complete despite failure)", count)
	}
	if len(results) != 4 {
		t.Fatalf("results = %v, want all four hosts", results)
	}
	for _, h := range []string{"deploy@h1:22", "deploy@h3:22", "deploy@h4:22"} {
		if results[h].Failed() {
			t.Errorf("%s should have succeeded", h)
		}
	}
}

func TestExecuteParallelPoolBound(t *testing.T) {
	en, _ := testEngine()
	var hostsList []string
	for i := 0; i < 12; i++ {
		hostsList = append(hostsList, fmt.Sprintf("h%d", i))
	}
	en.CLI.Hosts = hostsList
	en.Env.Set(env.PoolSize, 3)

	var cur, max int32
	tk := &task.Task{
		Name:     "t",
		Parallel: true,
		Body: func(ctx *task.Context) (interface{}, error) {
			n := atomic.AddInt32(&cur, 1)
			for {
				m := atomic.LoadInt32(&max)
				if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&cur, -1)
			return nil, nil
		},
	}
	if _, err := en.Execute(tk, nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&max); got > 3 {
		t.Errorf("max concurrency = %d, want <= pool_size 3", got)
	}
}

func TestExecuteParallelEnvIsolation(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1", "h2", "h3"}

	var mu sync.Mutex
	seen := map[string]string{}
	tk := &task.Task{
		Name:     "t",
		Parallel: true,
		Body: func(ctx *task.Context) (interface{}, error) {
			ctx.Env.Set("worker_marker", ctx.Host)
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			seen[ctx.Host] = ctx.Env.Str("worker_marker")
			mu.Unlock()
			return nil, nil
		},
	}
	if _, err := en.Execute(tk, nil, nil); err != nil {
		t.Fatal(err)
	}
	for host, marker := range seen {
		if marker != host {
			t.Errorf("worker for %s saw marker %q: env leaked between workers", host, marker)
		}
	}
	if en.Env.Str("worker_marker") != "" {
		t.Error("worker env mutation leaked into parent")
	}
}

func TestExecuteSerialPinsTask(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1", "h2"}
	en.Env.Set(env.Parallel, true)

	var mu sync.Mutex
	var running, maxRunning int
	tk := &task.Task{
		Name:   "t",
		Serial: true,
		Body: func(ctx *task.Context) (interface{}, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		},
	}
	if _, err := en.Execute(tk, nil, nil); err != nil {
		t.Fatal(err)
	}
	if maxRunning != 1 {
		t.Errorf("serial task overlapped: max concurrency %d", maxRunning)
	}
}

func TestExecuteHooks(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1"}

	var trace []string
	tk := &task.Task{
		Name:   "t",
		Before: func(ctx *task.Context) error { trace = append(trace, "before"); return nil },
		After:  func(ctx *task.Context) error { trace = append(trace, "after"); return nil },
		Body: func(ctx *task.Context) (interface{}, error) {
			trace = append(trace, "body")
			return nil, nil
		},
	}
	if _, err := en.Execute(tk, nil, nil); err != nil {
		t.Fatal(err)
	}
	if strings.Join(trace, ",") != "before,body,after" {
		t.Errorf("hook order = %v", trace)
	}
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	en, _ := testEngine()
	en.CLI.Hosts = []string{"h1"}
	en.Env.Set(env.SkipBadHosts, true)

	tk := &task.Task{
		Name: "t",
		Body: func(ctx *task.Context) (interface{}, error) {
			panic("task blew up")
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := results["deploy@h1:22"]
	if res == nil || !res.Failed() {
		t.Fatalf("panic not recorded as failure: %+v", res)
	}
	if !strings.Contains(res.Err.Error(), "task blew up") {
		t.Errorf("panic message lost: %v", res.Err)
	}
}

// TestExecuteEndToEnd runs a real command over the mock SSH server through
// the whole stack: resolve, connect, pump, result.
func TestExecuteEndToEnd(t *testing.T) {
	server, err := mockssh.NewServer(func(session *mockssh.Session) {
		fmt.Fprint(session.Stdout, "Linux\n")
		_ = session.Exit(0)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	en, buf := testEngine()
	en.CLI.Hosts = []string{"mock@" + server.Addr}
	en.Env.Set(env.DisableKnownHosts, true)
	en.Env.Set(env.NoAgent, true)
	en.Env.Set(env.NoKeys, true)
	en.Env.Set(env.Password, "pw")
	en.Env.Set(env.AlwaysUsePty, false)

	tk := &task.Task{
		Name: "host_type",
		Body: func(ctx *task.Context) (interface{}, error) {
			return ctx.Ops.Run("uname -s", ops.RunOptions{})
		},
	}
	results, err := en.Execute(tk, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	canonical := "mock@" + server.Addr
	res, ok := results[canonical]
	if !ok {
		t.Fatalf("no result for %s: %v", canonical, results)
	}
	execRes, ok := res.Value.(*ops.Result)
	if !ok {
		t.Fatalf("result value is %T", res.Value)
	}
	if execRes.Stdout != "Linux" || !execRes.Succeeded() {
		t.Errorf("result = %+v", execRes)
	}

	out := buf.String()
	runIdx := strings.Index(out, "run: uname -s")
	outIdx := strings.Index(out, "out: Linux")
	if runIdx < 0 || outIdx < 0 || runIdx > outIdx {
		t.Errorf("output order wrong:\n%s", out)
	}

	en.Close()
	if !strings.Contains(buf.String(), "Disconnecting from "+canonical) {
		t.Errorf("no disconnect status:\n%s", buf.String())
	}
}
