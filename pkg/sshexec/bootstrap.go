package sshexec

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// BootstrapAdmin implements the seven-step bootstrap protocol of spec
// §4.1. Every step is idempotent; re-running against an already-correct
// host is a no-op.
func (e *Executor) BootstrapAdmin(ctx context.Context, t Target, admin Credentials, forceUpdateKey bool) (*BootstrapResult, error) {
	adminTarget := t
	adminTarget.User = t.User // caller connects as whatever admin-level account they authenticated with

	run := func(cmd string) (*RunResult, error) {
		return e.Run(ctx, adminTarget, cmd, RunOptions{Creds: &admin, UseSudo: true})
	}

	// Step 2: does the managed user already exist?
	userExisted := true
	if _, err := run(fmt.Sprintf("id -u %s", shellQuote(e.managedUser))); err != nil {
		if te, ok := toolerr.As(err); !ok || te.Kind == toolerr.RemoteFailure {
			userExisted = false
			genPassword := randomPassword()
			hash := hashPassword(genPassword)
			createCmd := fmt.Sprintf(
				"useradd -m -s /bin/bash %s && echo %s | chpasswd -e",
				shellQuote(e.managedUser), shellQuote(fmt.Sprintf("%s:%s", e.managedUser, hash)),
			)
			if _, cerr := run(createCmd); cerr != nil {
				return nil, toolerr.Wrap(toolerr.RemoteFailure, "create managed user failed", cerr)
			}
		} else {
			return nil, err
		}
	}

	// Step 3: sudo group + NOPASSWD drop-in, validated with visudo -c.
	sudoersLine := fmt.Sprintf("%s ALL=(ALL) NOPASSWD:ALL", e.managedUser)
	sudoersPath := fmt.Sprintf("/etc/sudoers.d/90-%s", e.managedUser)
	sudoCmd := fmt.Sprintf(
		"usermod -aG sudo %s 2>/dev/null || usermod -aG wheel %s; "+
			"echo %s > /tmp/.mcp_sudoers_new && visudo -c -f /tmp/.mcp_sudoers_new && "+
			"install -m 0440 /tmp/.mcp_sudoers_new %s && rm -f /tmp/.mcp_sudoers_new",
		e.managedUser, e.managedUser, shellQuote(sudoersLine), shellQuote(sudoersPath),
	)
	if _, err := run(sudoCmd); err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "sudoers drop-in failed validation", err)
	}

	// Step 4: ~/.ssh with mode 0700.
	homeDir := fmt.Sprintf("/home/%s", e.managedUser)
	if _, err := run(fmt.Sprintf("mkdir -p %s/.ssh && chmod 700 %s/.ssh && chown %s:%s %s/.ssh",
		homeDir, homeDir, e.managedUser, e.managedUser, homeDir)); err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "prepare .ssh directory failed", err)
	}

	// Step 5-6: read authorized_keys, decide on the key action, write back
	// atomically (write-tempfile-then-rename).
	authorizedKeysPath := fmt.Sprintf("%s/.ssh/authorized_keys", homeDir)
	readRes, _ := run(fmt.Sprintf("cat %s 2>/dev/null || true", shellQuote(authorizedKeysPath)))
	var existing string
	if readRes != nil {
		existing = string(readRes.Stdout)
	}

	keyAction, newContent := reconcileAuthorizedKeys(existing, e.keys.Comment(), e.keys.AuthorizedKeyLine(), forceUpdateKey)

	if keyAction != KeyUnchanged {
		tmpPath := authorizedKeysPath + ".mcp_tmp"
		writeCmd := fmt.Sprintf(
			"cat > %s && chmod 600 %s && chown %s:%s %s && mv -f %s %s",
			shellQuote(tmpPath), shellQuote(tmpPath), e.managedUser, e.managedUser, shellQuote(tmpPath),
			shellQuote(tmpPath), shellQuote(authorizedKeysPath),
		)
		if _, err := e.Run(ctx, adminTarget, writeCmd, RunOptions{Creds: &admin, UseSudo: true, Stdin: []byte(newContent)}); err != nil {
			return nil, toolerr.Wrap(toolerr.RemoteFailure, "write authorized_keys failed", err)
		}
	}

	// Step 7: verify with a fresh connection as the managed user.
	verifyTarget := Target{Host: t.Host, Port: t.Port, User: e.managedUser}
	sudoOK := false
	if _, err := e.Run(ctx, verifyTarget, "sudo -n true", RunOptions{}); err == nil {
		sudoOK = true
	} else {
		klog.Warningf("sshexec: bootstrap verification failed for %s: %v", t.Host, err)
	}

	return &BootstrapResult{UserExisted: userExisted, KeyAction: keyAction, SudoOK: sudoOK}, nil
}

// VerifyAdmin checks reachability, key auth, and passwordless sudo for the
// managed user without making any changes (spec §4.1).
func (e *Executor) VerifyAdmin(ctx context.Context, t Target) (*VerifyResult, error) {
	target := Target{Host: t.Host, Port: t.Port, User: e.managedUser}
	result := &VerifyResult{}

	if _, err := e.Run(ctx, target, "true", RunOptions{Timeout: defaultCommandTimeout}); err != nil {
		te, ok := toolerr.As(err)
		if ok && (te.Kind == toolerr.Unreachable || te.Kind == toolerr.Timeout) {
			return result, nil
		}
		// AuthFailed: reachable but key auth failed
		result.Reachable = ok && te.Kind == toolerr.AuthFailed
		return result, nil
	}
	result.Reachable = true
	result.KeyAuthOK = true

	if _, err := e.Run(ctx, target, "sudo -n true", RunOptions{}); err == nil {
		result.SudoOK = true
	}
	return result, nil
}

// reconcileAuthorizedKeys implements the Open Question decision from spec
// §9: force_update_key removes only exact "mcp_admin@<this-host>" comment
// matches (the current key's own comment), not a broader regex over any
// "mcp_admin@*" pattern. This is documented on setup_mcp_admin's tool
// schema (see pkg/server/tools_ssh.go).
func reconcileAuthorizedKeys(existing, comment, newLine string, force bool) (KeyAction, string) {
	lines := splitNonEmptyLines(existing)
	var kept []string
	hadExactMatch := false
	for _, l := range lines {
		fields := strings.Fields(l)
		if len(fields) > 0 && fields[len(fields)-1] == comment {
			hadExactMatch = true
			if force {
				continue // drop it; we'll append the current key below
			}
			kept = append(kept, l)
			continue
		}
		kept = append(kept, l)
	}

	switch {
	case hadExactMatch && !force:
		return KeyUnchanged, existing
	case hadExactMatch && force:
		kept = append(kept, newLine)
		return KeyReplaced, joinLines(kept)
	default:
		kept = append(kept, newLine)
		return KeyAdded, joinLines(kept)
	}
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func randomPassword() string {
	buf := make([]byte, 24)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// hashPassword returns a salted hash suitable for chpasswd -e. Only the
// hash is ever persisted or transmitted; the plaintext generated password
// is discarded immediately and never returned to the caller (spec §4.1
// step 2, and the invariant in spec §8 that key material never leaks).
func hashPassword(password string) string {
	salt := randomPassword()[:16]
	sum := sha256.Sum256([]byte(salt + password))
	return fmt.Sprintf("$5$%s$%s", salt, base64.RawURLEncoding.EncodeToString(sum[:]))
}
