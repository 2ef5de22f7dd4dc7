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

// Package mockssh implements a basic ssh server for use in unit tests.
//
// Command execution in the server is implemented by a user provided handler
// function rather than executing a real shell.
package mockssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SessionHandler processes/executes the command given to it in the given
// Session. Before finishing the handler must call session.Close or
// session.Exit.
type SessionHandler func(session *Session)

// Session represents the server side execution of the client's ssh.Session.
type Session struct {
	Exec   string   // Command to execute.
	Env    []string // Environment values provided by the client.
	Pty    bool     // Whether the client requested a PTY.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	channel ssh.Channel
}

// Exit sends the given command exit status and closes the session.
func (s *Session) Exit(code int) error {
	status := struct{ Status uint32 }{uint32(code)}
	payload := ssh.Marshal(&status)

	if _, err := s.channel.SendRequest("exit-status", false, payload); err != nil {
		return err
	}
	return s.channel.Close()
}

// Close ends the session without sending an exit status.
func (s *Session) Close() error {
	return s.channel.Close()
}

// Server is a mock ssh server bound to a loopback port.
type Server struct {
	Addr    string // host:port the server listens on
	HostKey ssh.PublicKey

	// Password, when non-empty, is the only accepted password. Empty
	// accepts any authentication attempt.
	Password string

	// SFTP enables the sftp subsystem, served against the local
	// filesystem.
	SFTP bool

	handler  SessionHandler
	listener net.Listener
}

// NewServer starts a mock server backed by handler on a random loopback
// port.
func NewServer(handler SessionHandler) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		HostKey:  signer.PublicKey(),
		handler:  handler,
		listener: listener,
	}

	config := &ssh.ServerConfig{
		NoClientAuth: true,
		NoClientAuthCallback: func(c ssh.ConnMetadata) (*ssh.Permissions, error) {
			if s.Password != "" {
				return nil, fmt.Errorf("password required for %q", c.User())
			}
			return nil, nil
		},
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if s.Password != "" && string(pass) != s.Password {
				return nil, fmt.Errorf("wrong password for %q", c.User())
			}
			return nil, nil
		},
		KeyboardInteractiveCallback: func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			if s.Password == "" {
				return nil, nil
			}
			answers, err := challenge(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 || answers[0] != s.Password {
				return nil, fmt.Errorf("wrong password for %q", c.User())
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleServerConn(conn, config)
		}
	}()

	return s, nil
}

// Close shuts the listener down. In-flight sessions are abandoned.
func (s *Server) Close() error {
	return s.listener.Close()
}

// NewMockClient starts a server backed by the given handler and returns a
// client connected to it. It panics on setup failure, which only happens
// when the test environment itself is broken.
func NewMockClient(handler SessionHandler) *ssh.Client {
	server, err := NewServer(handler)
	if err != nil {
		panic(err)
	}

	config := ssh.ClientConfig{
		User: "mock",
		Auth: []ssh.AuthMethod{
			ssh.Password(""),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	client, err := ssh.Dial("tcp", server.Addr, &config)
	if err != nil {
		panic(err)
	}
	return client
}

func (s *Server) handleServerConn(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.Printf("mockssh: server handshake failed: %v", err)
		return
	}

	// reqs must be serviced but are not important to us.
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		go s.handleServerChannel(newChannel)
	}
}

func (s *Server) handleServerChannel(newChannel ssh.NewChannel) {
	switch newChannel.ChannelType() {
	case "session":
	case "direct-tcpip":
		s.handleDirectTCPIP(newChannel)
		return
	default:
		_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
		return
	}

	channel, requests, err := newChannel.Accept()
	if err != nil {
		log.Printf("mockssh: accepting channel failed: %v", err)
		return
	}

	session := &Session{
		Stdin:   channel,
		Stdout:  channel,
		Stderr:  channel.Stderr(),
		channel: channel,
	}

	for req := range requests {
		if session == nil {
			_ = req.Reply(false, nil)
			continue
		}
		switch req.Type {
		case "exec":
			v := struct{ Value string }{}
			if err := ssh.Unmarshal(req.Payload, &v); err != nil {
				_ = req.Reply(false, nil)
			} else {
				session.Exec = v.Value
				_ = req.Reply(true, nil)
				go s.handler(session)
			}
			session = nil
		case "pty-req":
			session.Pty = true
			_ = req.Reply(true, nil)
		case "env":
			kv := struct{ Key, Value string }{}
			if err := ssh.Unmarshal(req.Payload, &kv); err != nil {
				_ = req.Reply(false, nil)
			} else {
				env := fmt.Sprintf("%s=%s", kv.Key, kv.Value)
				session.Env = append(session.Env, env)
				_ = req.Reply(true, nil)
			}
		case "subsystem":
			v := struct{ Value string }{}
			if err := ssh.Unmarshal(req.Payload, &v); err != nil || v.Value != "sftp" || !s.SFTP {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func(ch ssh.Channel) {
				server, err := sftp.NewServer(ch)
				if err != nil {
					log.Printf("mockssh: sftp server: %v", err)
					return
				}
				_ = server.Serve()
				ch.Close()
			}(channel)
			session = nil
		case "window-change", "signal":
			_ = req.Reply(true, nil)
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// handleDirectTCPIP services gateway-style tunneled connections by dialing
// the requested target and splicing the channel onto it.
func (s *Server) handleDirectTCPIP(newChannel ssh.NewChannel) {
	var payload struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", fmt.Sprintf("%s:%d", payload.DestAddr, payload.DestPort))
	if err != nil {
		_ = newChannel.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	channel, requests, err := newChannel.Accept()
	if err != nil {
		target.Close()
		return
	}
	go ssh.DiscardRequests(requests)
	go func() {
		defer channel.Close()
		defer target.Close()
		_, _ = io.Copy(channel, target)
	}()
	go func() {
		_, _ = io.Copy(target, channel)
	}()
}
