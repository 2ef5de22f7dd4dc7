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
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/fabfleet/fab/env"
)

// Keys whose rc-file values are lists or maps; everything else round-trips
// as a scalar.
var rcListKeys = map[string]bool{
	env.Hosts:           true,
	env.Roles:           true,
	env.ExcludeHosts:    true,
	env.KeyFilename:     true,
	env.PasswordPrompts: true,
}

var rcMapKeys = map[string]bool{
	env.Passwords: true,
	env.ShellEnv:  true,
}

// loadRcfile merges an optional rc file into the env defaults. Without
// --config, $HOME/.fabrc.yaml is tried and silently skipped when absent.
func loadRcfile(e *env.Env, path string) error {
	v := viper.New()
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(".fabrc")
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound && !explicit {
			return nil
		}
		if explicit {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}

	for _, key := range v.AllKeys() {
		switch {
		case rcListKeys[key]:
			e.SetRoot(key, v.GetStringSlice(key))
		case rcMapKeys[key]:
			e.SetRoot(key, v.GetStringMapString(key))
		default:
			e.SetRoot(key, v.Get(key))
		}
	}
	return nil
}

// applySet applies --set KEY=VALUE overrides, coercing obvious bools and
// integers so keys like parallel and pool_size behave.
func applySet(e *env.Env, pairs []string) error {
	for _, pair := range pairs {
		for _, kv := range strings.Split(pair, ",") {
			if kv == "" {
				continue
			}
			i := strings.Index(kv, "=")
			if i <= 0 {
				return fmt.Errorf("malformed --set %q, want KEY=VALUE", kv)
			}
			key, raw := kv[:i], kv[i+1:]
			e.SetRoot(key, coerce(raw))
		}
	}
	return nil
}

func coerce(raw string) interface{} {
	switch strings.ToLower(raw) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}
