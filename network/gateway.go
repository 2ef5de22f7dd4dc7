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
	"net"

	"golang.org/x/crypto/ssh"
)

// GatewayDialer dials through an established SSH client by opening a
// direct-tcpip channel to the target. It satisfies Dialer so a tunneled
// connection plugs into the same client construction path as a direct one.
type GatewayDialer struct {
	Client *ssh.Client
}

// Dial opens a channel through the gateway to address.
func (g *GatewayDialer) Dial(network, address string) (net.Conn, error) {
	return g.Client.Dial(network, address)
}
