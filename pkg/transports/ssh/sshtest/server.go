// Package sshtest provides an in-process SSH server for tests. It accepts a
// fixed password, runs exec requests through a handler and serves the local
// filesystem over SFTP.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "agent"
	Password = "secret"
)

// ExecFunc handles one exec request.
type ExecFunc func(cmd string, stdin []byte) (stdout, stderr []byte, exitStatus uint32)

// Server is a running test server.
type Server struct {
	Host string
	Port int

	listener net.Listener
	config   *ssh.ServerConfig
	exec     ExecFunc

	mu       sync.Mutex
	commands []string
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, exec ExecFunc) *Server {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	host, port, _ := net.SplitHostPort(listener.Addr().String())
	portNum, _ := strconv.Atoi(port)

	s := &Server{Host: host, Port: portNum, listener: listener, config: config, exec: exec}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

// Commands returns every exec request received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *Server) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			cmd := string(req.Payload[4:])
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()

			stdin, _ := io.ReadAll(channel)
			stdout, stderr, status := s.exec(cmd, stdin)
			channel.Write(stdout)
			channel.Stderr().Write(stderr)

			var payload [4]byte
			binary.BigEndian.PutUint32(payload[:], status)
			channel.SendRequest("exit-status", false, payload[:])
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
