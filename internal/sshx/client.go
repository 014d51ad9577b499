// Package sshx wraps golang.org/x/crypto/ssh with the small surface the
// control plane needs: one-shot command execution for the install
// orchestrator and PTY shell channels for terminal sessions.
package sshx

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const dialTimeout = 30 * time.Second

// Credentials is a decrypted SSH secret: exactly one of Password or
// PrivateKey is set.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey string // PEM-encoded
}

// ConnectivityError wraps a failure to reach or authenticate with a
// host. The install pipeline maps it to a terminal error state.
type ConnectivityError struct {
	Host string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("ssh: cannot reach %s: %v", e.Host, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ExitError reports a remote command that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	if detail == "" {
		detail = "no output"
	}
	return fmt.Sprintf("remote command exited %d: %s", e.Code, detail)
}

// Runner is the subset of Client the install pipeline depends on,
// extracted so the pipeline can run against a fake in tests.
type Runner interface {
	// Run executes a command, optionally feeding stdin, and returns the
	// captured output. A non-zero exit surfaces as *ExitError.
	Run(command, stdin string) (stdout, stderr string, err error)
	Close() error
}

// DialFunc opens a connection to a host. Production code uses Dial;
// tests substitute their own.
type DialFunc func(host string, port int, cred Credentials) (Runner, error)

// Client is an authenticated SSH connection.
type Client struct {
	conn *ssh.Client
	host string
}

// Dial connects and authenticates. Host keys are not verified: managed
// hosts are enrolled by the operator and frequently reinstalled.
func Dial(host string, port int, cred Credentials) (*Client, error) {
	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}

	switch {
	case cred.PrivateKey != "":
		signer, err := ssh.ParsePrivateKey([]byte(cred.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("ssh: parse private key: %w", err)
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case cred.Password != "":
		cfg.Auth = []ssh.AuthMethod{ssh.Password(cred.Password)}
	default:
		return nil, errors.New("ssh: credentials carry neither password nor private key")
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, &ConnectivityError{Host: addr, Err: err}
	}
	return &Client{conn: conn, host: addr}, nil
}

// Run executes one command on the remote host, returning captured
// stdout and stderr. Non-zero exits return *ExitError with the output
// attached; transport failures return ConnectivityError.
func (c *Client) Run(command, stdin string) (string, string, error) {
	sess, err := c.conn.NewSession()
	if err != nil {
		return "", "", &ConnectivityError{Host: c.host, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}

	err = sess.Run(command)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), &ExitError{
				Code:   exitErr.ExitStatus(),
				Stdout: stdout.String(),
				Stderr: stderr.String(),
			}
		}
		return stdout.String(), stderr.String(), &ConnectivityError{Host: c.host, Err: err}
	}
	return stdout.String(), stderr.String(), nil
}

// Close tears down the SSH connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
