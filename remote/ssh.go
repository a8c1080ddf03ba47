// Package remote runs commands on cluster hosts over SSH and keeps their
// artifact directories in sync with rsync.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const dialTimeout = 15 * time.Second

// Credentials identify the account used on every remote host.
type Credentials struct {
	User                  string
	IdentityFile          string
	Port                  int
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
}

// Client opens one SSH session per command. Connections are not pooled;
// each call dials, runs, and closes.
type Client struct {
	creds  Credentials
	config *ssh.ClientConfig
	logger *slog.Logger
}

// NewClient loads the identity file and host key policy described by creds.
func NewClient(creds Credentials, logger *slog.Logger) (*Client, error) {
	key, err := os.ReadFile(creds.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("read identity file %s: %w", creds.IdentityFile, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", creds.IdentityFile, err)
	}

	hostKey, err := hostKeyCallback(creds)
	if err != nil {
		return nil, err
	}

	if creds.Port == 0 {
		creds.Port = 22
	}

	return &Client{
		creds: creds,
		config: &ssh.ClientConfig{
			User:            creds.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKey,
			Timeout:         dialTimeout,
		},
		logger: logger.With(slog.String("component", "ssh")),
	}, nil
}

func hostKeyCallback(creds Credentials) (ssh.HostKeyCallback, error) {
	if creds.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}

	cb, err := knownhosts.New(creds.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", creds.KnownHostsFile, err)
	}

	return cb, nil
}

// Credentials returns the credentials the client was built with.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// Run executes script through the remote login shell and returns its
// combined output. A non-zero exit status is reported as *ssh.ExitError.
func (c *Client) Run(ctx context.Context, host, script string) ([]byte, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(c.creds.Port))

	c.logger.InfoContext(ctx, "running remote command",
		slog.String("host", host),
		slog.String("command", script),
	)

	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, c.config)
	if err != nil {
		conn.Close()

		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", host, err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	done := make(chan error, 1)

	go func() { done <- session.Run(script) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()

		return out.Bytes(), ctx.Err()
	case err := <-done:
		if err != nil {
			return out.Bytes(), fmt.Errorf("run on %s: %w", host, err)
		}

		return out.Bytes(), nil
	}
}

// Exists reports whether path exists on host. A missing path is not an
// error; a transport failure is.
func (c *Client) Exists(ctx context.Context, host, path string) (bool, error) {
	_, err := c.Run(ctx, host, "test -e "+Quote(path))
	if err == nil {
		return true, nil
	}

	var exit *ssh.ExitError
	if errors.As(err, &exit) && exit.ExitStatus() == 1 {
		return false, nil
	}

	return false, err
}
