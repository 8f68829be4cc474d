package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// Channel is one logical duplex stream multiplexed over a transport.
// *ssh.Session satisfies it.
type Channel interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	RequestPty(term string, h, w int, termmodes ssh.TerminalModes) error
	Start(cmd string) error
	Shell() error
	Wait() error
	Close() error
}

// Client is an authenticated transport to a workspace.
type Client interface {
	// NewChannel opens a fresh session channel.
	NewChannel() (Channel, error)
	// Wait blocks until the transport is closed.
	Wait() error
	Close() error
}

// Dialer opens transports. The registry calls it at most once per Get.
type Dialer interface {
	Dial(ctx context.Context, cfg TransportConfig) (Client, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, cfg TransportConfig) (Client, error)

// Dial calls f(ctx, cfg).
func (f DialerFunc) Dial(ctx context.Context, cfg TransportConfig) (Client, error) {
	return f(ctx, cfg)
}

// SSHDialer dials workspaces with golang.org/x/crypto/ssh using public key
// authentication.
type SSHDialer struct {
	// HostKeyCallback verifies the server host key. Nil accepts any key:
	// workspaces are ephemeral VMs whose host keys are generated at boot.
	HostKeyCallback ssh.HostKeyCallback
	// KeepAlive is the TCP keep-alive period (0 uses the net default).
	KeepAlive time.Duration
}

// Dial connects and authenticates. The handshake is bounded by ctx's deadline.
func (d SSHDialer) Dial(ctx context.Context, cfg TransportConfig) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}

	addr := cfg.Addr()
	netDialer := net.Dialer{KeepAlive: d.KeepAlive}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn has no context support, so the handshake is bounded by a
	// connection deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshClient{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// sshClient adapts *ssh.Client to Client.
type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) NewChannel() (Channel, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (c *sshClient) Wait() error {
	return c.client.Wait()
}

func (c *sshClient) Close() error {
	return c.client.Close()
}
