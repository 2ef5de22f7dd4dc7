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
	"regexp"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
)

// PromptOptions tune an interactive prompt.
type PromptOptions struct {
	// Key, when set, stores the answer into the Env under that key.
	Key string

	// Default is returned (and displayed) for an empty answer.
	Default string

	// Validate re-prompts until the answer matches.
	Validate *regexp.Regexp

	// ValidateFunc re-prompts until it returns nil. Checked after
	// Validate.
	ValidateFunc func(string) error
}

// Prompt reads one line from the controlling terminal, serialized against
// all other terminal traffic. Under abort_on_prompts or inside a parallel
// worker the call aborts instead of blocking the run on a tty read.
func (o *Op) Prompt(text string, opts PromptOptions) (string, error) {
	if o.Env.Bool(env.AbortOnPrompts) || o.Parallel {
		return "", abort.New(abort.PromptAborted, o.Env.Str(env.HostString),
			"prompt(%q) requested", text)
	}

	display := text
	if opts.Default != "" {
		display = fmt.Sprintf("%s [%s]", text, opts.Default)
	}
	display += " "

	for {
		answer, err := o.Mux.Prompt(display, true)
		if err != nil {
			return "", abort.Wrap(err, abort.PromptAborted, "")
		}
		if answer == "" {
			answer = opts.Default
		}
		if opts.Validate != nil && !opts.Validate.MatchString(answer) {
			o.Mux.Status(o.Env, "Answer must match %s; try again.", opts.Validate)
			continue
		}
		if opts.ValidateFunc != nil {
			if verr := opts.ValidateFunc(answer); verr != nil {
				o.Mux.Status(o.Env, "%v; try again.", verr)
				continue
			}
		}
		if opts.Key != "" {
			o.Env.Set(opts.Key, answer)
		}
		return answer, nil
	}
}
