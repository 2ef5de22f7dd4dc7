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

package hosts

import (
	"github.com/pkg/errors"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
)

// Sources are host-list inputs in order of precedence: the first non-empty
// (hosts or roles) level wins, mirroring per-operation > task decorator >
// command line > module-level env.
type Sources struct {
	Hosts []string
	Roles []string
}

func (s Sources) empty() bool {
	return len(s.Hosts) == 0 && len(s.Roles) == 0
}

func expandRole(e *env.Env, role string) ([]string, error) {
	defs := e.RoleDefs()
	v, ok := defs[role]
	if !ok {
		return nil, abort.New(abort.BadHostString, "", "role %q not defined in roledefs", role)
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case env.RoleFunc:
		hosts, err := t()
		if err != nil {
			return nil, abort.Wrap(errors.Wrapf(err, "role %q", role), abort.BadHostString, "")
		}
		return hosts, nil
	case func() ([]string, error):
		hosts, err := t()
		if err != nil {
			return nil, abort.Wrap(errors.Wrapf(err, "role %q", role), abort.BadHostString, "")
		}
		return hosts, nil
	default:
		return nil, abort.New(abort.BadHostString, "", "roledef %q has unusable type %T", role, v)
	}
}

// Resolve combines the highest-precedence non-empty source with role
// expansion and exclusions, normalizes each entry, and deduplicates
// preserving first-seen order. An empty result means the task runs once
// locally with host_string unset.
func Resolve(e *env.Env, levels ...Sources) ([]HostString, error) {
	chosen := Sources{}
	for _, lvl := range levels {
		if !lvl.empty() {
			chosen = lvl
			break
		}
	}
	if chosen.empty() {
		chosen = Sources{Hosts: e.Strs(env.Hosts), Roles: e.Strs(env.Roles)}
	}

	raw := append([]string{}, chosen.Hosts...)
	for _, role := range chosen.Roles {
		expanded, err := expandRole(e, role)
		if err != nil {
			return nil, err
		}
		raw = append(raw, expanded...)
	}

	excluded := map[string]bool{}
	for _, x := range e.Strs(env.ExcludeHosts) {
		canon, err := Normalize(x, e)
		if err != nil {
			return nil, err
		}
		excluded[canon] = true
		// also match the raw form so unnormalized excludes still apply
		excluded[x] = true
	}

	seen := map[string]bool{}
	var out []HostString
	for _, r := range raw {
		if r == "" || excluded[r] {
			continue
		}
		hs, err := Parse(r, e)
		if err != nil {
			return nil, err
		}
		canon := hs.String()
		if excluded[canon] || seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, hs)
	}
	return out, nil
}
