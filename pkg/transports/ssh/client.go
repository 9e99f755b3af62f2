// Package ssh provides the SSH and SFTP transport used to run commands
// on target hosts and stage files onto them.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// CommandError reports a remote command that exited non-zero.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command on %s exited %d: %s", e.Host, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("command on %s failed: %v", e.Host, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client runs commands and transfers files on target hosts. Connections
// are cached per host and reused across calls.
type Client struct {
	config Config
	logger zerolog.Logger

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

// NewClient creates a client over the given config.
func NewClient(config Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ssh config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Logger(),
		conns:  make(map[string]*ssh.Client),
	}, nil
}

// conn returns the cached connection for host, dialing if needed.
func (c *Client) conn(ctx context.Context, host string) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[host]; ok {
		return conn, nil
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return nil, err
	}

	address := fmt.Sprintf("%s:%d", host, c.config.Port)
	c.logger.Debug().Str("address", address).Msg("dialing")

	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		ch <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("dialing %s: %w", address, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("dialing %s: %w", address, res.err)
		}
		c.conns[host] = res.conn
		return res.conn, nil
	}
}

// Run executes a command on the host and returns its stdout. A non-zero
// exit code is returned as a CommandError.
func (c *Client) Run(ctx context.Context, host, command string) (string, error) {
	conn, err := c.conn(ctx, host)
	if err != nil {
		return "", err
	}

	session, err := conn.NewSession()
	if err != nil {
		c.evict(host)
		return "", fmt.Errorf("opening session on %s: %w", host, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("command on %s: %w", host, ctx.Err())
	case err := <-done:
		if err != nil {
			cmdErr := &CommandError{Host: host, Command: command, Stderr: stderr.String(), Err: err}
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				cmdErr.ExitCode = exitErr.ExitStatus()
			}
			return stdout.String(), cmdErr
		}
		return stdout.String(), nil
	}
}

// Upload writes the contents of a local file to path on the host with
// the given mode.
func (c *Client) Upload(ctx context.Context, host, localPath, remotePath string, mode os.FileMode) error {
	conn, err := c.conn(ctx, host)
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		c.evict(host)
		return fmt.Errorf("opening sftp on %s: %w", host, err)
	}
	defer func() { _ = client.Close() }()

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating %s on %s: %w", remotePath, host, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("writing %s on %s: %w", remotePath, host, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing %s on %s: %w", remotePath, host, err)
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("chmod %s on %s: %w", remotePath, host, err)
	}
	c.logger.Debug().Str("host", host).Str("path", remotePath).Msg("uploaded file")
	return nil
}

// FileSize returns the size of a remote file. A missing file returns
// size 0 with no error.
func (c *Client) FileSize(ctx context.Context, host, remotePath string) (int64, error) {
	conn, err := c.conn(ctx, host)
	if err != nil {
		return 0, err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		c.evict(host)
		return 0, fmt.Errorf("opening sftp on %s: %w", host, err)
	}
	defer func() { _ = client.Close() }()

	info, err := client.Stat(remotePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s on %s: %w", remotePath, host, err)
	}
	return info.Size(), nil
}

// Close closes every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for host, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, host)
	}
	return firstErr
}

// evict drops a cached connection after a session-level failure so the
// next call redials.
func (c *Client) evict(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[host]; ok {
		_ = conn.Close()
		delete(c.conns, host)
	}
}
