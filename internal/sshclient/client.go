// Package sshclient executes deployment commands on remote hosts over SSH and
// uploads files over SFTP.
package sshclient

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"deployer/internal/remote"
)

// DefaultConnectTimeout bounds the TCP dial and SSH handshake.
const DefaultConnectTimeout = 30 * time.Second

// Options describe how to reach and authenticate against a host.
type Options struct {
	User                  string
	Address               string // host:port
	IdentityFile          string
	Password              string
	UseAgent              bool
	KnownHosts            string // defaults to ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// Client is a remote.Executor backed by one SSH connection per host. The
// connection is opened on first use and every command gets its own session.
type Client struct {
	name string
	opts Options

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
	onLine func(line string)
}

// New returns an unconnected client reporting name as its host.
func New(name string, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	return &Client{name: name, opts: opts}
}

func (c *Client) Host() string { return c.name }

// OnOutput streams every output line of following commands to fn.
func (c *Client) OnOutput(fn func(line string)) {
	c.mu.Lock()
	c.onLine = fn
	c.mu.Unlock()
}

// ClientConfig builds the SSH client configuration: password first, then the
// identity file, then the agent. At least one method must be available.
func (c *Client) ClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	if c.opts.Password != "" {
		authMethods = append(authMethods, ssh.Password(c.opts.Password))
	}

	if c.opts.IdentityFile != "" {
		key, err := os.ReadFile(c.opts.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %v", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key %s: %v", c.opts.IdentityFile, err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if c.opts.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, fmt.Errorf("use_agent is set but SSH_AUTH_SOCK is empty")
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				return nil, fmt.Errorf("failed to reach ssh agent: %v", err)
			}
			defer conn.Close()
			return agent.NewClient(conn).Signers()
		}))
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method configured for %s (set password, identity_file or use_agent)", c.name)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !c.opts.InsecureIgnoreHostKey {
		file := c.opts.KnownHosts
		if file == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to locate known_hosts: %v", err)
			}
			file = filepath.Join(home, ".ssh", "known_hosts")
		}
		cb, err := knownhosts.New(file)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts %s: %v", file, err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.opts.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.opts.ConnectTimeout,
	}, nil
}

// Connect establishes the SSH connection if it is not open yet.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.conn(ctx)
	return err
}

func (c *Client) conn(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	cfg, err := c.ClientConfig()
	if err != nil {
		return nil, &remote.ConnectionError{Host: c.name, Err: err}
	}
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.opts.Address)
	if err != nil {
		return nil, &remote.ConnectionError{Host: c.name, Err: fmt.Errorf("failed to dial: %v", err)}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, c.opts.Address, cfg)
	if err != nil {
		netConn.Close()
		return nil, &remote.ConnectionError{Host: c.name, Err: fmt.Errorf("failed to handshake: %v", err)}
	}
	c.client = ssh.NewClient(sshConn, chans, reqs)
	return c.client, nil
}

// Close closes the SFTP subsystem and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// lineWriter forwards complete lines to fn while buffering everything.
type lineWriter struct {
	buf     bytes.Buffer
	pending []byte
	fn      func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.fn(string(w.pending[:i]))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

// Execute runs cmd in a new session. Cancellation of ctx is honoured until the
// command starts; after that only opts.Timeout interrupts it, by closing the
// session.
func (c *Client) Execute(ctx context.Context, cmd remote.Command, opts remote.Options) (*remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cl, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	session, err := cl.NewSession()
	if err != nil {
		c.drop()
		return nil, &remote.ConnectionError{Host: c.name, Err: fmt.Errorf("failed to create session: %v", err)}
	}
	defer session.Close()

	c.mu.Lock()
	onLine := c.onLine
	c.mu.Unlock()
	stdout := &lineWriter{fn: onLine}
	stderr := &lineWriter{fn: onLine}
	session.Stdout = stdout
	session.Stderr = stderr

	line := remote.Render(cmd, opts)
	start := time.Now()
	if err := session.Start(line); err != nil {
		return nil, &remote.ConnectionError{Host: c.name, Err: fmt.Errorf("failed to start command: %v", err)}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		res := &remote.Result{Stdout: stdout.buf.String(), Stderr: stderr.buf.String()}
		return nil, &remote.TimeoutError{Host: c.name, Command: cmd.String(), Timeout: opts.Timeout, Output: res.Output()}
	}

	res := &remote.Result{
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.buf.String(),
		Duration: time.Since(start),
	}
	return c.classify(cmd, res, waitErr)
}

// classify maps a session outcome onto the remote error types.
func (c *Client) classify(cmd remote.Command, res *remote.Result, err error) (*remote.Result, error) {
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &remote.CommandFailure{
			Host:     c.name,
			Command:  cmd.String(),
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
		}
	}
	c.drop()
	return nil, &remote.ConnectionError{Host: c.name, Err: fmt.Errorf("session ended without exit status: %v", err)}
}

// drop forgets a broken connection so the next command redials.
func (c *Client) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// CommandExists reports whether name resolves on the remote PATH.
func (c *Client) CommandExists(ctx context.Context, name string) (bool, error) {
	_, err := c.Execute(ctx, remote.Script("command -v "+remote.Quote(name)+" >/dev/null 2>&1"), remote.Options{})
	if err == nil {
		return true, nil
	}
	if _, ok := remote.AsCommandFailure(err); ok {
		return false, nil
	}
	return false, err
}

func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	cl, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(cl)
	if err != nil {
		return nil, &remote.ConnectionError{Host: c.name, Err: fmt.Errorf("failed to start sftp: %v", err)}
	}
	c.sftp = sc
	return sc, nil
}

// Upload copies localPath to remotePath over SFTP, creating parent
// directories and preserving the file mode.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remotePath = path.Clean(strings.ReplaceAll(remotePath, "\\", "/"))

	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %v", err)
	}
	defer localFile.Close()
	stat, err := localFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %v", err)
	}

	sc, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %v", err)
	}
	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %v", err)
	}
	if _, err := io.Copy(dst, bufio.NewReader(localFile)); err != nil {
		dst.Close()
		return fmt.Errorf("failed to send file data: %v", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to finish upload: %v", err)
	}
	if err := sc.Chmod(remotePath, stat.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to set remote file mode: %v", err)
	}
	return nil
}
