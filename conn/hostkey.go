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

package conn

import (
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
)

// hostKeyState carries the verification verdict out of the handshake, since
// the ssh library folds the callback error into an opaque handshake error.
type hostKeyState struct {
	err *abort.Error
}

func knownHostsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

// hostKeyCallback builds the verification policy: reject unknown keys by
// default, record-and-accept when reject_unknown_hosts is off, skip the
// known-hosts file entirely when disable_known_hosts is set. A key mismatch
// is always fatal.
func hostKeyCallback(e *env.Env, canonical string, state *hostKeyState) (ssh.HostKeyCallback, error) {
	if e.Bool(env.DisableKnownHosts) {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path, err := knownHostsPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}

	reject := e.Bool(env.RejectUnknownHosts)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		kerr, ok := err.(*knownhosts.KeyError)
		if !ok || len(kerr.Want) > 0 {
			// wrong key for a known host, or some other verification error
			state.err = abort.New(abort.BadHostKey, canonical,
				"host key for %s does not match known_hosts", hostname)
			return state.err
		}
		if reject {
			state.err = abort.New(abort.BadHostKey, canonical,
				"unknown host key for %s (set reject_unknown_hosts=false to accept)", hostname)
			return state.err
		}
		if err := recordHostKey(path, hostname, remote, key); err != nil {
			plog.Warningf("could not record host key for %s: %v", hostname, err)
		}
		return nil
	}, nil
}

func recordHostKey(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	addrs := []string{hostname}
	if remote != nil && remote.String() != hostname {
		addrs = append(addrs, remote.String())
	}
	line := knownhosts.Line(addrs, key)
	_, err = f.WriteString(line + "\n")
	return err
}
