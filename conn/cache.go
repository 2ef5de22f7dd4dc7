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
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/fabfleet/fab/abort"
	"github.com/fabfleet/fab/env"
	"github.com/fabfleet/fab/hosts"
	"github.com/fabfleet/fab/network"
	"github.com/fabfleet/fab/util"
)

// Conn is one authenticated SSH client plus its lazily-opened SFTP session.
type Conn struct {
	HS        hosts.HostString
	Canonical string
	Client    *ssh.Client

	sftpClient *sftp.Client
	gateway    *Conn
	isGateway  bool
	stopKeep   func()
}

// SFTP returns the connection's file-transfer session, opening it on first
// use.
func (c *Conn) SFTP() (*sftp.Client, error) {
	if c.sftpClient == nil {
		cl, err := sftp.NewClient(c.Client)
		if err != nil {
			return nil, abort.Wrap(err, abort.TransferFailed, c.Canonical)
		}
		c.sftpClient = cl
	}
	return c.sftpClient, nil
}

func (c *Conn) close() {
	if c.stopKeep != nil {
		c.stopKeep()
	}
	if c.sftpClient != nil {
		c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.Client != nil {
		c.Client.Close()
	}
}

// Cache holds one Conn per (host string, gateway) pair. Each worker owns its
// own Cache; clients are never shared across workers.
type Cache struct {
	env   *env.Env
	order []string
	conns map[string]*Conn
}

// NewCache builds an empty cache bound to e.
func NewCache(e *env.Env) *Cache {
	return &Cache{env: e, conns: map[string]*Conn{}}
}

func cacheKey(canonical, gateway string) string {
	return canonical + "|" + gateway
}

// Get returns the live client for hs, opening and authenticating one on the
// first call. The same Conn is returned for a given host string until it is
// explicitly closed.
func (c *Cache) Get(hs hosts.HostString) (*Conn, error) {
	return c.get(hs, c.env.Str(env.Gateway))
}

func (c *Cache) get(hs hosts.HostString, gatewaySpec string) (*Conn, error) {
	canonical := hs.String()

	var gw *Conn
	var gwCanonical string
	if gatewaySpec != "" {
		ghs, err := hosts.Parse(gatewaySpec, c.env)
		if err != nil {
			return nil, err
		}
		gwCanonical = ghs.String()
		if gwCanonical != canonical {
			// the gateway itself always connects directly
			gw, err = c.get(ghs, "")
			if err != nil {
				return nil, err
			}
			gw.isGateway = true
		} else {
			gwCanonical = ""
		}
	}

	key := cacheKey(canonical, gwCanonical)
	if conn, ok := c.conns[key]; ok {
		return conn, nil
	}

	conn, err := c.open(hs, canonical, gw)
	if err != nil {
		return nil, err
	}
	c.conns[key] = conn
	c.order = append(c.order, key)
	return conn, nil
}

func (c *Cache) open(hs hosts.HostString, canonical string, gw *Conn) (*Conn, error) {
	timeout := c.env.Dur(env.Timeout)
	attempts := c.env.Int(env.ConnectionAttempts)
	if attempts < 1 {
		attempts = 1
	}

	var dialer network.Dialer
	if gw != nil {
		dialer = &network.GatewayDialer{Client: gw.Client}
	} else {
		dialer = network.NewRetryDialer(1, timeout)
	}

	state := &hostKeyState{}
	hostKeys, err := hostKeyCallback(c.env, canonical, state)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            hs.User,
		Auth:            authMethods(c.env, canonical),
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	var client *ssh.Client
	dial := func() error {
		state.err = nil
		tcpconn, err := dialer.Dial("tcp", hs.HostPort())
		if err != nil {
			return classifyDialError(err, canonical)
		}
		sshconn, chans, reqs, err := ssh.NewClientConn(tcpconn, hs.HostPort(), cfg)
		if err != nil {
			tcpconn.Close()
			if state.err != nil {
				return state.err
			}
			return classifyHandshakeError(err, canonical)
		}
		client = ssh.NewClient(sshconn, chans, reqs)
		return nil
	}

	retryable := func(err error) bool {
		k, ok := abort.KindOf(err)
		if !ok {
			return true
		}
		switch k {
		case abort.AuthFailed, abort.BadHostKey:
			return false
		}
		return true
	}

	if err := util.RetryWithBackoff(attempts, time.Second, retryable, dial); err != nil {
		if k, ok := abort.KindOf(err); ok {
			if (k == abort.Unreachable || k == abort.DNSFailed) && c.env.Bool(env.SkipUnreachable) {
				return nil, abort.Wrap(err, abort.SkipHost, canonical)
			}
		}
		return nil, err
	}

	conn := &Conn{HS: hs, Canonical: canonical, Client: client, gateway: gw}
	if ka := c.env.Dur(env.Keepalive); ka > 0 {
		conn.stopKeep = network.StartKeepalive(client, ka)
	}
	plog.Infof("connected to %s", canonical)
	return conn, nil
}

func classifyDialError(err error, canonical string) error {
	cause := err
	if operr, ok := cause.(*net.OpError); ok {
		cause = operr.Err
	}
	if _, ok := cause.(*net.DNSError); ok {
		return abort.Wrap(err, abort.DNSFailed, canonical)
	}
	return abort.Wrap(err, abort.Unreachable, canonical)
}

func classifyHandshakeError(err error, canonical string) error {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") {
		return abort.Wrap(err, abort.AuthFailed, canonical)
	}
	return abort.Wrap(err, abort.Unreachable, canonical)
}

// Disconnect closes and forgets every cached Conn for the canonical host
// string, regardless of gateway. A Conn that serves as a gateway is left
// open; CloseAll closes it.
func (c *Cache) Disconnect(canonical string) {
	var kept []string
	for _, key := range c.order {
		conn := c.conns[key]
		if conn != nil && conn.Canonical == canonical && !conn.isGateway {
			conn.close()
			delete(c.conns, key)
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
}

// CloseAll closes every live connection in the order opened, dependents
// before their gateways. The callback, if non-nil, runs for each closed
// connection's canonical host string.
func (c *Cache) CloseAll(cb func(canonical string)) {
	for _, pass := range []bool{false, true} {
		for _, key := range c.order {
			conn, ok := c.conns[key]
			if !ok || conn.isGateway != pass {
				continue
			}
			conn.close()
			delete(c.conns, key)
			if cb != nil {
				cb(conn.Canonical)
			}
		}
	}
	c.order = nil
}

// Live returns the number of open connections, for tests and diagnostics.
func (c *Cache) Live() int {
	return len(c.conns)
}

func (c *Cache) String() string {
	return fmt.Sprintf("conn.Cache(%d live)", len(c.conns))
}
