// Package sshexec is the SSH execution substrate (C1): concurrent remote
// command execution with key-based auth, connection reuse, file transfer,
// and the privileged-user bootstrap protocol described in spec §4.1.
package sshexec

import (
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// Target identifies a remote host to connect to.
type Target struct {
	Host string
	Port int
	User string
}

func (t Target) normalized() Target {
	if t.Port == 0 {
		t.Port = 22
	}
	return t
}

func (t Target) key() poolKey {
	t = t.normalized()
	return poolKey{host: t.Host, port: t.Port, user: t.User}
}

// AuthKind mirrors the Device model's auth_kind (spec §3).
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
	AuthAgent    AuthKind = "agent"
)

// Credentials is the explicit, per-call credential a caller supplies when
// not connecting as the managed admin user (spec §4.1).
type Credentials struct {
	Kind           AuthKind
	Password       string
	PrivateKeyPEM  []byte
	PrivateKeyPass string
}

// RunOptions controls one Run call.
type RunOptions struct {
	Timeout time.Duration
	Stdin   []byte
	Env     map[string]string
	AsUser  string
	UseSudo bool
	PTY     bool
	// Creds, when non-nil, authenticates this call explicitly instead of
	// using the process-wide managed-admin key.
	Creds *Credentials
}

// RunResult is the outcome of a successful or partially-successful Run.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// HostKeyPolicy selects how unknown/changed host keys are handled.
type HostKeyPolicy string

const (
	PolicyStrict     HostKeyPolicy = "strict"
	PolicyTOFU       HostKeyPolicy = "tofu"
	PolicyAcceptAll  HostKeyPolicy = "accept-all"
)

// BootstrapResult is the outcome of bootstrap_admin (spec §4.1).
type BootstrapResult struct {
	UserExisted bool
	KeyAction   KeyAction
	SudoOK      bool
}

// KeyAction describes what bootstrap_admin did to authorized_keys.
type KeyAction string

const (
	KeyAdded     KeyAction = "added"
	KeyReplaced  KeyAction = "replaced"
	KeyUnchanged KeyAction = "unchanged"
)

// VerifyResult is the outcome of verify_admin (spec §4.1).
type VerifyResult struct {
	Reachable  bool
	KeyAuthOK  bool
	SudoOK     bool
}

// wrapConnect translates a low-level dial/handshake error into one of the
// connect-time taxonomy kinds (Unreachable, AuthFailed, Timeout,
// Cancelled); see classify.go.
func wrapConnect(err error) error {
	return toolerr.Wrap(classifyConnectErr(err), "ssh connect failed", err)
}
