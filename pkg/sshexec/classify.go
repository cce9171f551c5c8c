package sshexec

import (
	"context"
	"errors"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// classifyConnectErr maps a dial/handshake error onto the tool error
// taxonomy (spec §4.1: Unreachable, AuthFailed, Timeout, Cancelled).
func classifyConnectErr(err error) toolerr.Kind {
	if err == nil {
		return toolerr.RemoteFailure
	}
	if errors.Is(err, context.Canceled) {
		return toolerr.Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return toolerr.Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return toolerr.Timeout
	}
	var authErr *ssh.ExitMissingError
	_ = authErr
	if isAuthError(err) {
		return toolerr.AuthFailed
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return toolerr.Unreachable
	}
	return toolerr.Unreachable
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "ssh: handshake failed") && strings.Contains(msg, "auth")
}
