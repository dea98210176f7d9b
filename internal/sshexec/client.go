// Package sshexec runs commands on LINBO thin clients over SSH: connect,
// exec, stream stdout/stderr, enforce a timeout.
package sshexec

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client represents an SSH connection to a single host.
type Client struct {
	host     string
	port     int
	user     string
	conn     *ssh.Client
	mu       sync.Mutex
	lastUsed time.Time
	config   *ssh.ClientConfig
}

// ClientConfig configures how a Client authenticates and verifies host
// identity. LINBO thin clients are typically provisioned with a shared
// key and no persisted host identity, so StrictHostKeys defaults to
// false here; known_hosts checking applies only when StrictHostKeys is set
// and KnownHostsFile is non-empty.
type ClientConfig struct {
	User           string
	Port           int
	Timeout        time.Duration
	Password       string
	PrivateKeyPEM  []byte
	UseAgent       bool
	KnownHostsFile string
	StrictHostKeys bool
}

// DefaultConfig returns the default SSH client configuration: user root,
// port 22, a 15s timeout, and no credentials.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		User:     "root",
		Port:     22,
		Timeout:  15 * time.Second,
		UseAgent: false,
	}
}

// NewClient creates a Client for host, not yet connected.
func NewClient(host string, cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	authMethods, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, fmt.Errorf("building auth methods: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.StrictHostKeys && cfg.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}

	return &Client{
		host:   host,
		port:   cfg.Port,
		user:   cfg.User,
		config: sshConfig,
	}, nil
}

func buildAuthMethods(cfg *ClientConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if agentAuth := sshAgentAuth(); agentAuth != nil {
			methods = append(methods, agentAuth)
		}
	}

	if len(cfg.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
		if err == nil {
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}

	return methods, nil
}

func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}

	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers)
}

// Connect establishes the SSH connection if not already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, c.config)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("ssh handshake: %w", err)
	}

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.lastUsed = time.Now()

	return nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsConnected reports whether the client currently holds an open connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd to completion, honoring ctx cancellation by killing the
// remote session.
func (c *Client) Exec(ctx context.Context, cmd string) (*ExecResult, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	c.mu.Unlock()

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	var stdoutBuf, stderrBuf []byte
	done := make(chan struct{})
	go func() {
		stdoutBuf, _ = io.ReadAll(stdout)
		stderrBuf, _ = io.ReadAll(stderr)
		close(done)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case <-done:
	}

	exitCode := 0
	var readErr error
	if err := session.Wait(); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			readErr = err
		}
	}
	if readErr != nil {
		return nil, readErr
	}

	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()

	return &ExecResult{
		Stdout:   string(stdoutBuf),
		Stderr:   string(stderrBuf),
		ExitCode: exitCode,
	}, nil
}

// ExecTimeout runs Exec bounded by timeout; any earlier deadline or
// cancellation on ctx still applies.
func (c *Client) ExecTimeout(ctx context.Context, cmd string, timeout time.Duration) (*ExecResult, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Exec(tctx, cmd)
}

// LineCallback receives one line of output as it streams in.
type LineCallback func(line string)

// Stream runs cmd and invokes onStdout/onStderr for each line of output as
// it arrives, rather than buffering to completion.
func (c *Client) Stream(ctx context.Context, cmd string, onStdout, onStderr LineCallback) (*ExecResult, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	conn := c.conn
	c.mu.Unlock()

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); streamLines(stdout, onStdout) }()
	go func() { defer wg.Done(); streamLines(stderr, onStderr) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case <-done:
	}

	exitCode := 0
	if err := session.Wait(); err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
		} else {
			return nil, err
		}
	}

	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()

	return &ExecResult{ExitCode: exitCode}, nil
}

func streamLines(r io.Reader, cb LineCallback) {
	if cb == nil {
		io.Copy(io.Discard, r)
		return
	}
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				idx := indexByte(buf, '\n')
				if idx < 0 {
					break
				}
				cb(string(buf[:idx]))
				buf = buf[idx+1:]
			}
		}
		if err != nil {
			if len(buf) > 0 {
				cb(string(buf))
			}
			return
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Host returns the target hostname or address.
func (c *Client) Host() string { return c.host }
