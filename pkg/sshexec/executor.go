package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

const defaultCommandTimeout = 60 * time.Second

// Executor is the concrete C1 SSH Executor. One Executor is shared by the
// whole server process; it owns the admin keypair and the connection pool.
type Executor struct {
	keys           *KeyStore
	pool           *connPool
	hostKeyCB      ssh.HostKeyCallback
	managedUser    string
	connectTimeout time.Duration
}

// Options configures a new Executor.
type Options struct {
	KeyPath        string
	KeyComment     string
	KnownHostsPath string
	HostKeyPolicy  HostKeyPolicy
	ManagedUser    string
	IdleTTL        time.Duration
	ConnectTimeout time.Duration
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.IdleTTL == 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ManagedUser == "" {
		opts.ManagedUser = "mcp_admin"
	}

	keys, err := NewKeyStore(opts.KeyPath, opts.KeyComment)
	if err != nil {
		return nil, fmt.Errorf("sshexec: init keystore: %w", err)
	}
	cb, err := hostKeyCallbackFor(opts.HostKeyPolicy, opts.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	return &Executor{
		keys:           keys,
		pool:           newConnPool(opts.IdleTTL),
		hostKeyCB:      cb,
		managedUser:    opts.ManagedUser,
		connectTimeout: opts.ConnectTimeout,
	}, nil
}

func (e *Executor) Close() { e.pool.Close() }

// ManagedUser returns the configured admin username (e.g. mcp_admin).
func (e *Executor) ManagedUser() string { return e.managedUser }

// KeyComment returns the admin key's comment, used by bootstrap to
// recognize its own authorized_keys lines.
func (e *Executor) KeyComment() string { return e.keys.Comment() }

func (e *Executor) dial(ctx context.Context, t Target, creds *Credentials) (*ssh.Client, error) {
	t = t.normalized()
	authMethods, err := e.authMethodsFor(t, creds)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            authMethods,
		HostKeyCallback: e.hostKeyCB,
		Timeout:         e.connectTimeout,
	}

	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, cfg)
		resultCh <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		return nil, wrapConnect(ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, wrapConnect(res.err)
		}
		return res.client, nil
	}
}

func (e *Executor) authMethodsFor(t Target, creds *Credentials) ([]ssh.AuthMethod, error) {
	if t.User == e.managedUser && creds == nil {
		return []ssh.AuthMethod{ssh.PublicKeys(e.keys.Signer())}, nil
	}
	if creds == nil {
		return nil, toolerr.New(toolerr.AuthFailed, "no credentials supplied for non-admin user")
	}
	switch creds.Kind {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(creds.Password)}, nil
	case AuthKey:
		var signer ssh.Signer
		var err error
		if creds.PrivateKeyPass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(creds.PrivateKeyPEM, []byte(creds.PrivateKeyPass))
		} else {
			signer, err = ssh.ParsePrivateKey(creds.PrivateKeyPEM)
		}
		if err != nil {
			return nil, toolerr.Wrap(toolerr.AuthFailed, "parse supplied private key", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case AuthAgent:
		return nil, toolerr.New(toolerr.AuthFailed, "agent auth requires SSH_AUTH_SOCK forwarding, not supported in this deployment")
	default:
		return nil, toolerr.New(toolerr.AuthFailed, fmt.Sprintf("unknown auth kind %q", creds.Kind))
	}
}

func (e *Executor) connection(ctx context.Context, t Target, creds *Credentials) (*pooledConn, error) {
	return e.pool.getOrDial(t.key(), func() (*ssh.Client, error) {
		return e.dial(ctx, t, creds)
	})
}

// Run executes command on target, returning {stdout, stderr, exit_code,
// duration} or a classified error (spec §4.1).
func (e *Executor) Run(ctx context.Context, t Target, command string, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	if opts.Timeout == 0 {
		opts.Timeout = defaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := e.connection(runCtx, t, opts.Creds)
	if err != nil {
		return nil, err
	}

	conn.mu.Lock()
	session, err := conn.client.NewSession()
	conn.mu.Unlock()
	if err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "open ssh session failed", err)
	}
	defer session.Close()

	if opts.PTY {
		if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{}); err != nil {
			return nil, toolerr.Wrap(toolerr.RemoteFailure, "request pty failed", err)
		}
	}
	for k, v := range opts.Env {
		_ = session.Setenv(k, v)
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if len(opts.Stdin) > 0 {
		session.Stdin = bytes.NewReader(opts.Stdin)
	}

	fullCmd := command
	if opts.AsUser != "" {
		sudoFlag := "-n"
		if !opts.UseSudo {
			sudoFlag = ""
		}
		fullCmd = fmt.Sprintf("sudo %s -u %s -- bash -c %s", sudoFlag, shellQuote(opts.AsUser), shellQuote(command))
	} else if opts.UseSudo {
		fullCmd = fmt.Sprintf("sudo -n -- bash -c %s", shellQuote(command))
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(fullCmd) }()

	select {
	case <-runCtx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		klog.V(1).Infof("sshexec: command on %s timed out/cancelled after %v: %s", t.Host, time.Since(start), command)
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, toolerr.New(toolerr.Timeout, "command timed out")
		}
		return nil, toolerr.New(toolerr.Cancelled, "command cancelled")
	case err := <-done:
		duration := time.Since(start)
		if err == nil {
			return &RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 0, Duration: duration}, nil
		}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return &RunResult{
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
				ExitCode: exitErr.ExitStatus(),
				Duration: duration,
			}, toolerr.New(toolerr.RemoteFailure, fmt.Sprintf("remote command exited %d", exitErr.ExitStatus())).
				WithDetails(map[string]any{"exit_code": exitErr.ExitStatus()})
		}
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "ssh command failed", err)
	}
}

// Upload writes data to remotePath on target with the given mode, using an
// SFTP-free approach (the bytes are piped to a remote cat over the exec
// channel's stdin) so the executor has no extra third-party SFTP
// dependency beyond golang.org/x/crypto/ssh.
func (e *Executor) Upload(ctx context.Context, t Target, data []byte, remotePath string, mode uint32) error {
	dir := parentDir(remotePath)
	mkdirCmd := fmt.Sprintf("mkdir -p %s", shellQuote(dir))
	if _, err := e.Run(ctx, t, mkdirCmd, RunOptions{}); err != nil {
		return err
	}

	writeCmd := fmt.Sprintf("cat > %s && chmod %o %s", shellQuote(remotePath), mode, shellQuote(remotePath))
	_, err := e.Run(ctx, t, writeCmd, RunOptions{Stdin: data})
	return err
}

// Download reads remotePath from target.
func (e *Executor) Download(ctx context.Context, t Target, remotePath string) ([]byte, error) {
	res, err := e.Run(ctx, t, fmt.Sprintf("cat %s", shellQuote(remotePath)), RunOptions{})
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}

func parentDir(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			if i == 0 {
				return "/"
			}
			return p[:i]
		}
	}
	return "."
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
