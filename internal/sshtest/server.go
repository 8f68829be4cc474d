// Package sshtest runs an in-process SSH server that executes commands on the
// local host with /bin/sh. It speaks enough of the protocol for exec and
// interactive shell channels, with or without a PTY.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/creack/pty"
	"golang.org/x/crypto/ssh"
)

// Username is the only user the server accepts.
const Username = "relay"

// Server is a running test SSH server.
type Server struct {
	listener  net.Listener
	config    *ssh.ServerConfig
	clientKey []byte
	shell     string

	accepted atomic.Int64
	channels atomic.Int64

	mu    sync.Mutex
	conns map[*ssh.ServerConn]struct{}
}

// Start launches a server on a loopback port and registers cleanup on t.
func Start(t testing.TB) *Server {
	t.Helper()
	s, err := New("/bin/sh")
	if err != nil {
		t.Fatalf("start ssh test server: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// New launches a server whose commands run under shell.
func New(shell string) (*Server, error) {
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		return nil, fmt.Errorf("host signer: %w", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate client key: %w", err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		return nil, fmt.Errorf("client public key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "sshtest")
	if err != nil {
		return nil, fmt.Errorf("marshal client key: %w", err)
	}

	s := &Server{
		clientKey: pem.EncodeToMemory(block),
		shell:     shell,
		conns:     make(map[*ssh.ServerConn]struct{}),
	}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == Username && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unauthorized key for %s", meta.User())
		},
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	go s.acceptLoop()
	return s, nil
}

// Host returns the listening host.
func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// PrivateKey returns the PEM-encoded OpenSSH key accepted for Username.
func (s *Server) PrivateKey() []byte {
	return s.clientKey
}

// Accepted returns how many transports completed the handshake.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Channels returns how many session channels were opened.
func (s *Server) Channels() int {
	return int(s.channels.Load())
}

// DropConnections closes every live transport from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Close stops the listener and drops all transports.
func (s *Server) Close() {
	_ = s.listener.Close()
	s.DropConnections()
}

func (s *Server) acceptLoop() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	s.accepted.Add(1)

	s.mu.Lock()
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
	}()

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		s.channels.Add(1)
		go s.handleSession(ch, requests)
	}
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type execRequest struct {
	Command string
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	var term string
	var size pty.Winsize
	started := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			term = p.Term
			size = pty.Winsize{Rows: uint16(p.Rows), Cols: uint16(p.Columns)}
			_ = req.Reply(true, nil)
		case "env", "window-change":
			_ = req.Reply(true, nil)
		case "exec", "shell":
			if started {
				_ = req.Reply(false, nil)
				continue
			}
			args := []string{}
			if req.Type == "exec" {
				var e execRequest
				if err := ssh.Unmarshal(req.Payload, &e); err != nil {
					_ = req.Reply(false, nil)
					continue
				}
				args = append(args, "-c", e.Command)
			}
			started = true
			_ = req.Reply(true, nil)

			cmd := exec.Command(s.shell, args...)
			if term != "" {
				go s.runPTY(ch, cmd, term, size)
			} else {
				go s.runPlain(ch, cmd)
			}
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func (s *Server) runPlain(ch ssh.Channel, cmd *exec.Cmd) {
	defer ch.Close()

	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		sendExitStatus(ch, 127)
		return
	}
	if err := cmd.Start(); err != nil {
		sendExitStatus(ch, 127)
		return
	}
	go func() {
		_, _ = io.Copy(stdin, ch)
		_ = stdin.Close()
	}()

	sendExitStatus(ch, exitCode(cmd.Wait()))
}

func (s *Server) runPTY(ch ssh.Channel, cmd *exec.Cmd, term string, size pty.Winsize) {
	defer ch.Close()

	cmd.Env = append(os.Environ(), "TERM="+term)
	ptmx, err := pty.StartWithSize(cmd, &size)
	if err != nil {
		sendExitStatus(ch, 127)
		return
	}
	defer ptmx.Close()

	go func() { _, _ = io.Copy(ptmx, ch) }()
	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(ch, ptmx)
		close(copied)
	}()

	code := exitCode(cmd.Wait())
	<-copied
	sendExitStatus(ch, code)
}

func sendExitStatus(ch ssh.Channel, code int) {
	payload := ssh.Marshal(struct{ Status uint32 }{uint32(code)})
	_, _ = ch.SendRequest("exit-status", false, payload)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
	}
	return 255
}
