// Copyright 2015 CoreOS, Inc.
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

// Package task defines the unit of work the driver executes: a named body
// with host/role/parallelism metadata. The loader that turns user code into
// Tasks is external; the engine consumes whatever has been registered.
package task

import (
	"fmt"
	"sort"

	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/ops"
)

// Context is handed to a task body for each target host.
type Context struct {
	// Env is the configuration bag the body reads and scopes.
	Env *env.Env

	// Ops exposes run/sudo/local/put/get/prompt bound to the current host.
	Ops *ops.Op

	// Host is the canonical host string, empty for a local-only run.
	Host string

	// Args and Kwargs carry the task arguments from the command line.
	Args   []string
	Kwargs map[string]string
}

// Body is a task implementation. The returned value lands in the per-host
// result map.
type Body func(*Context) (interface{}, error)

// Hook runs before or after the body, once per host invocation.
type Hook func(*Context) error

// Task is a named callable with static execution metadata.
type Task struct {
	Name    string
	Summary string // one-line description shown by list

	Hosts []string
	Roles []string

	// Parallel forces fan-out for this task; Serial pins it to serial
	// mode even when env.parallel is set.
	Parallel bool
	Serial   bool

	// PoolSize bounds this task's parallel fan-out; 0 falls back to
	// env.pool_size.
	PoolSize int

	// Default is task metadata marking the source's default task. The
	// driver does not read it: a task runs only when the command line
	// names it.
	Default bool

	Before Hook
	After  Hook

	Body Body
}

// Tasks is the process-wide registry, keyed by name.
var Tasks = map[string]*Task{}

// Register adds t to the registry. Panics on a duplicate or anonymous task;
// both are programming errors in the task source.
func Register(t *Task) {
	if t.Name == "" {
		panic("task: registering task with empty name")
	}
	if t.Body == nil {
		panic(fmt.Sprintf("task: %q has no body", t.Name))
	}
	if _, ok := Tasks[t.Name]; ok {
		panic(fmt.Sprintf("task %q already registered", t.Name))
	}
	Tasks[t.Name] = t
}

// Get looks a task up by name.
func Get(name string) (*Task, bool) {
	t, ok := Tasks[name]
	return t, ok
}

// List returns registered task names in sorted order.
func List() []string {
	names := make([]string, 0, len(Tasks))
	for name := range Tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a task; tests use it to keep the registry hermetic.
func Unregister(name string) {
	delete(Tasks, name)
}
