// Copyright 2017 CoreOS, Inc.
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

// Package engine fans a task out across its resolved host list, serially in
// host-list order or through a bounded parallel pool. Each parallel worker
// runs over its own Env copy and connection cache; results come back as a
// per-host map no matter which mode ran.
package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/conn"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/hosts"
	"github.com/fabfleet/fab/ops"
	"github.com/fabfleet/fab/output"
	"github.com/fabfleet/fab/task"
)

var plog = capnslog.NewPackageLogger("github.com/fabfleet/fab", "engine")

// LocalOnlyKey is the result-map key for a task that ran without a target
// host.
const LocalOnlyKey = "<local-only>"

// HostResult is one host's outcome: the body's return value or the error
// that stopped it.
type HostResult struct {
	Value interface{}
	Err   error
}

// Failed reports whether the host's invocation failed.
func (r *HostResult) Failed() bool {
	return r.Err != nil
}

// Engine executes tasks. One Engine drives a whole CLI invocation; its
// serial-mode connection cache persists across tasks so consecutive tasks
// reuse clients.
type Engine struct {
	Env *env.Env
	Mux *output.Mux

	// CLI holds the -H/-R host sources, sitting between task metadata and
	// module-level env in resolution precedence.
	CLI hosts.Sources

	cache *conn.Cache

	stopped  atomic.Bool
	stopC    chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	active   []chan os.Signal
}

// New builds an Engine over e.
func New(e *env.Env, mux *output.Mux) *Engine {
	return &Engine{Env: e, Mux: mux, cache: conn.NewCache(e), stopC: make(chan struct{})}
}

// Interrupt handles a local SIGINT: no new host invocations begin, and
// every active channel either receives the interrupt for forwarding or is
// closed by its pump.
func (en *Engine) Interrupt() {
	en.stopped.Store(true)
	en.stopOnce.Do(func() { close(en.stopC) })
	en.mu.Lock()
	defer en.mu.Unlock()
	for _, ch := range en.active {
		select {
		case ch <- os.Interrupt:
		default:
		}
	}
}

// Stopped reports whether a user abort is in progress.
func (en *Engine) Stopped() bool {
	return en.stopped.Load()
}

func (en *Engine) registerWorker() chan os.Signal {
	ch := make(chan os.Signal, 1)
	en.mu.Lock()
	en.active = append(en.active, ch)
	en.mu.Unlock()
	return ch
}

func (en *Engine) unregisterWorker(ch chan os.Signal) {
	en.mu.Lock()
	defer en.mu.Unlock()
	for i, c := range en.active {
		if c == ch {
			en.active = append(en.active[:i], en.active[i+1:]...)
			return
		}
	}
}

// Close shuts down the serial-mode connection cache, announcing each
// disconnect.
func (en *Engine) Close() {
	en.cache.CloseAll(func(canonical string) {
		en.Mux.Status(en.Env, "Disconnecting from %s... done.", canonical)
	})
}

// Execute runs t once per resolved host and returns the per-host result
// map. The map contains exactly one entry per resolved host. The returned
// error is the first abort-level failure, surfaced after every host has
// been dealt with (parallel) or at the failing host (serial).
func (en *Engine) Execute(t *task.Task, args []string, kwargs map[string]string) (map[string]*HostResult, error) {
	hostList, err := hosts.Resolve(en.Env,
		hosts.Sources{Hosts: t.Hosts, Roles: t.Roles},
		en.CLI,
	)
	if err != nil {
		return nil, err
	}

	if len(hostList) == 0 {
		res := en.runLocalOnly(t, args, kwargs)
		results := map[string]*HostResult{LocalOnlyKey: res}
		if res.Err != nil && !en.Env.Bool(env.SkipBadHosts) {
			return results, res.Err
		}
		return results, nil
	}

	parallel := (t.Parallel || en.Env.Bool(env.Parallel)) && !t.Serial
	if parallel {
		return en.executeParallel(t, args, kwargs, hostList)
	}
	return en.executeSerial(t, args, kwargs, hostList)
}

func (en *Engine) runLocalOnly(t *task.Task, args []string, kwargs map[string]string) *HostResult {
	op := &ops.Op{Env: en.Env, Cache: en.cache, Mux: en.Mux}
	return en.invoke(t, &task.Context{
		Env:    en.Env,
		Ops:    op,
		Args:   args,
		Kwargs: kwargs,
	}, "")
}

// invoke runs hooks and body for one host, converting panics into errors so
// a broken task body cannot take down the whole run.
func (en *Engine) invoke(t *task.Task, ctx *task.Context, canonical string) (res *HostResult) {
	res = &HostResult{}
	defer func() {
		if r := recover(); r != nil {
			res.Err = abort.New(abort.CommandFailed, canonical, "task panicked: %v", r)
		}
	}()

	if t.Before != nil {
		if err := t.Before(ctx); err != nil {
			res.Err = err
			return res
		}
	}
	res.Value, res.Err = t.Body(ctx)
	if t.After != nil {
		if err := t.After(ctx); err != nil && res.Err == nil {
			res.Err = err
		}
	}
	return res
}

func (en *Engine) executeSerial(t *task.Task, args []string, kwargs map[string]string, hostList []hosts.HostString) (map[string]*HostResult, error) {
	results := map[string]*HostResult{}
	for _, hs := range hostList {
		canonical := hs.String()
		if en.Stopped() {
			err := abort.New(abort.UserAbort, canonical, "interrupted")
			results[canonical] = &HostResult{Err: err}
			return results, err
		}

		intr := en.registerWorker()
		res := en.runHost(t, args, kwargs, canonical, en.Env, en.cache, intr, false)
		en.unregisterWorker(intr)
		results[canonical] = res

		if res.Err == nil {
			continue
		}
		if en.skippable(res.Err) {
			en.Mux.Warn(en.Env, canonical, "%v", res.Err)
			continue
		}
		// serial mode surfaces the abort right away; remaining hosts are
		// not attempted
		en.Mux.Abort(en.Env, canonical, res.Err)
		return results, res.Err
	}
	return results, nil
}

type hostOutcome struct {
	canonical string
	res       *HostResult
}

// pool implements the bounded-parallelism gate: a worker admits itself with
// wait() and hands its slot to a waiter with release().
type pool struct {
	mu      sync.Mutex
	limit   int
	running int
	waiting int
	start   chan bool
}

func newPool(limit int) *pool {
	return &pool{limit: limit, start: make(chan bool)}
}

func (p *pool) wait() {
	p.mu.Lock()
	if p.running < p.limit {
		p.running++
		p.mu.Unlock()
		return
	}
	p.waiting++
	p.mu.Unlock()
	<-p.start
}

func (p *pool) release() {
	p.mu.Lock()
	if p.waiting == 0 {
		p.running--
		p.mu.Unlock()
		return
	}
	p.waiting--
	p.mu.Unlock()
	p.start <- true
}

func (en *Engine) executeParallel(t *task.Task, args []string, kwargs map[string]string, hostList []hosts.HostString) (map[string]*HostResult, error) {
	limit := t.PoolSize
	if limit <= 0 {
		limit = en.Env.Int(env.PoolSize)
	}
	if limit <= 0 {
		limit = len(hostList)
	}

	p := newPool(limit)
	outcomes := make(chan hostOutcome, len(hostList))
	var wg sync.WaitGroup

	for _, hs := range hostList {
		wg.Add(1)
		go func(hs hosts.HostString) {
			defer wg.Done()
			canonical := hs.String()

			p.wait()
			defer p.release()

			if en.Stopped() {
				outcomes <- hostOutcome{canonical,
					&HostResult{Err: abort.New(abort.UserAbort, canonical, "interrupted")}}
				return
			}

			// worker-private env and connections
			workerEnv := en.Env.Clone()
			cache := conn.NewCache(workerEnv)
			defer cache.CloseAll(nil)

			intr := en.registerWorker()
			defer en.unregisterWorker(intr)

			res := en.runHost(t, args, kwargs, canonical, workerEnv, cache, intr, true)
			outcomes <- hostOutcome{canonical, res}
		}(hs)
	}

	// Workers are cooperative: they cannot be killed. The join waits for
	// all of them; once an interrupt is in flight the drain is bounded by
	// env.timeout and stragglers are abandoned with a warning. The
	// outcomes channel is buffered to len(hostList), so abandoned workers
	// never block sending.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-en.stopC:
		joinTimeout := en.Env.Dur(env.Timeout)
		select {
		case <-done:
		case <-time.After(joinTimeout):
			plog.Warningf("abandoning workers that did not stop within %v", joinTimeout)
		}
	}

	results := map[string]*HostResult{}
	for {
		select {
		case o := <-outcomes:
			results[o.canonical] = o.res
			continue
		default:
		}
		break
	}

	var firstErr error
	for _, hs := range hostList {
		canonical := hs.String()
		res, ok := results[canonical]
		if !ok {
			res = &HostResult{Err: abort.New(abort.UserAbort, canonical, "worker abandoned")}
			results[canonical] = res
		}
		if res.Err == nil {
			continue
		}
		if en.skippable(res.Err) {
			en.Mux.Warn(en.Env, canonical, "%v", res.Err)
			continue
		}
		en.Mux.Abort(en.Env, canonical, res.Err)
		if firstErr == nil {
			firstErr = res.Err
		}
	}
	return results, firstErr
}

// skippable decides whether an error is recorded-and-continued: skip_host
// errors always are, a user abort never is, everything else only under
// skip_bad_hosts.
func (en *Engine) skippable(err error) bool {
	if abort.Is(err, abort.SkipHost) {
		return true
	}
	if abort.Is(err, abort.UserAbort) {
		return false
	}
	return en.Env.Bool(env.SkipBadHosts)
}

// runHost performs one host invocation inside an env scope so host_string
// and any settings the body applies are restored afterwards.
func (en *Engine) runHost(t *task.Task, args []string, kwargs map[string]string, canonical string, e *env.Env, cache *conn.Cache, intr chan os.Signal, parallel bool) *HostResult {
	var res *HostResult
	_ = e.With(map[string]interface{}{env.HostString: canonical}, func() error {
		op := &ops.Op{
			Env:       e,
			Cache:     cache,
			Mux:       en.Mux,
			Interrupt: intr,
			Parallel:  parallel,
		}
		ctx := &task.Context{
			Env:    e,
			Ops:    op,
			Host:   canonical,
			Args:   args,
			Kwargs: kwargs,
		}
		res = en.invoke(t, ctx, canonical)
		return nil
	})
	return res
}

func (en *Engine) String() string {
	return fmt.Sprintf("engine(%s)", en.Env)
}
