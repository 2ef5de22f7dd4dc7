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

package network

import (
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fabfleet/fab/network/neterror"
)

// StartKeepalive sends SSH-level keepalive requests on client every interval
// until the returned stop function is called or the transport dies.
func StartKeepalive(client *ssh.Client, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				if err != nil && !neterror.IsClosed(err) {
					// transport is gone; the next operation will notice
					return
				}
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}
