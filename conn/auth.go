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

// Package conn manages authenticated SSH clients: one live client per
// (host string, gateway) pair, opened lazily and reused across operations
// until shutdown.
package conn

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/pkg/capnslog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/util"
)

var plog = capnslog.NewPackageLogger("github.com/fabfleet/fab", "conn")

// signersFromFile loads a private key, retrying with the password as a
// passphrase when the key is encrypted.
func signersFromFile(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(util.ExpandHome(path))
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok && passphrase != "" {
			return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		}
		return nil, err
	}
	return signer, nil
}

// authMethods assembles the authentication chain for canonical, in order:
// explicit key files, cached/global passwords, the running SSH agent (unless
// no_agent), and default identity files (unless no_keys).
func authMethods(e *env.Env, canonical string) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	password := e.PasswordFor(canonical)

	var explicit []ssh.Signer
	for _, path := range e.Strs(env.KeyFilename) {
		signer, err := signersFromFile(path, password)
		if err != nil {
			plog.Warningf("unusable key file %s: %v", path, err)
			continue
		}
		explicit = append(explicit, signer)
	}
	if len(explicit) > 0 {
		methods = append(methods, ssh.PublicKeys(explicit...))
	}

	if password != "" {
		methods = append(methods, ssh.Password(password))
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if !e.Bool(env.NoAgent) {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if conn, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			} else {
				plog.Debugf("ssh agent unavailable: %v", err)
			}
		}
	}

	if !e.Bool(env.NoKeys) {
		var defaults []ssh.Signer
		home, _ := os.UserHomeDir()
		files, _ := filepath.Glob(filepath.Join(home, ".ssh", "id_*"))
		for _, f := range files {
			if strings.HasSuffix(f, ".pub") {
				continue
			}
			signer, err := signersFromFile(f, password)
			if err != nil {
				plog.Debugf("skipping identity %s: %v", f, err)
				continue
			}
			defaults = append(defaults, signer)
		}
		if len(defaults) > 0 {
			methods = append(methods, ssh.PublicKeys(defaults...))
		}
	}

	return methods
}
