// Package sshx dials SSH hosts and runs scripts on them.
package sshx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ovfleet/internal/execx"
)

// Reason classifies why an SSH operation failed.
type Reason string

const (
	ReasonAuth       Reason = "auth"
	ReasonProtocol   Reason = "protocol"
	ReasonTimeout    Reason = "timeout"
	ReasonConnection Reason = "connection"
)

// Auth holds one of a password or a PEM private key.
type Auth struct {
	Password   string
	PrivateKey []byte
	Passphrase string
}

// Target is an SSH endpoint with credentials.
type Target struct {
	Host string
	Port int
	User string
	Auth Auth
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Dialer opens SSH clients. A nil HostKeyCallback accepts any host key.
type Dialer struct {
	Timeout         time.Duration
	HostKeyCallback ssh.HostKeyCallback
}

// NewDialer builds a Dialer; knownHostsPath may be empty.
func NewDialer(timeout time.Duration, knownHostsPath string) (*Dialer, error) {
	d := &Dialer{Timeout: timeout}
	if knownHostsPath != "" {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		d.HostKeyCallback = cb
	}
	return d, nil
}

func (d *Dialer) Dial(ctx context.Context, t Target) (*Client, error) {
	methods, err := authMethods(t.Auth)
	if err != nil {
		return nil, err
	}

	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	user := t.User
	if user == "" {
		user = "root"
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         d.Timeout,
	}

	dialCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	addr := t.Addr()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	return &Client{client: ssh.NewClient(c, chans, reqs), host: t.Host}, nil
}

func authMethods(a Auth) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(a.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if a.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(a.PrivateKey, []byte(a.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(a.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if a.Password != "" {
		methods = append(methods, ssh.Password(a.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh credentials supplied")
	}
	return methods, nil
}

// Client runs commands over one SSH connection.
type Client struct {
	client *ssh.Client
	host   string
}

var _ execx.Runner = (*Client)(nil)

// killGrace bounds how long Run waits for a killed session to wind down.
const killGrace = 2 * time.Second

// Host is the host the client was dialed with.
func (c *Client) Host() string { return c.host }

func (c *Client) Close() error { return c.client.Close() }

// Run executes the script in a fresh session. When ctx or the command
// timeout expires the remote process is signalled and execx.ErrTimeout is
// returned.
func (c *Client) Run(ctx context.Context, cmd execx.Command) (execx.Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	sess, err := c.client.NewSession()
	if err != nil {
		return execx.Result{}, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdin = cmd.Stdin
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(cmd.Script); err != nil {
		return execx.Result{}, fmt.Errorf("start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		timeoutErr := errors.Join(execx.ErrTimeout, ctx.Err())
		// The buffers are only safe to read once Wait has returned. A host
		// that never acknowledges the close leaves the output unread.
		select {
		case <-done:
			return execx.Result{Stdout: stdout.String(), Stderr: stderr.String()}, timeoutErr
		case <-time.After(killGrace):
			return execx.Result{}, timeoutErr
		}
	}

	res := execx.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return res, err
}

// Classify maps a dial or session error to a Reason.
func Classify(err error) Reason {
	if err == nil {
		return ""
	}
	if errors.Is(err, execx.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"), strings.Contains(msg, "no ssh credentials"), strings.Contains(msg, "parse private key"):
		return ReasonAuth
	case strings.Contains(msg, "i/o timeout"):
		return ReasonTimeout
	case strings.HasPrefix(msg, "ssh:"), strings.Contains(msg, "handshake failed"), strings.Contains(msg, "knownhosts:"):
		return ReasonProtocol
	}
	return ReasonConnection
}

// Describe renders an operator-facing message for a classified failure.
func Describe(reason Reason, t Target, err error) string {
	switch reason {
	case ReasonAuth:
		return "authentication failed, check the username and password or SSH key"
	case ReasonTimeout:
		return fmt.Sprintf("connection timeout to %s", t.Addr())
	case ReasonProtocol:
		return fmt.Sprintf("ssh error: %v", err)
	}
	return fmt.Sprintf("connection error: %v", err)
}
