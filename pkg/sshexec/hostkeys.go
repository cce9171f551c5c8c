package sshexec

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"k8s.io/klog/v2"

	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// hostKeyCallbackFor builds the ssh.HostKeyCallback for policy, backed by
// a known_hosts file at knownHostsPath (spec §4.1: configurable
// {strict, trust-on-first-use, accept-all}; default trust-on-first-use).
func hostKeyCallbackFor(policy HostKeyPolicy, knownHostsPath string) (ssh.HostKeyCallback, error) {
	switch policy {
	case PolicyAcceptAll:
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicit operator opt-in
	case PolicyStrict:
		return strictCallback(knownHostsPath)
	case PolicyTOFU, "":
		return tofuCallback(knownHostsPath)
	default:
		return nil, fmt.Errorf("sshexec: unknown host key policy %q", policy)
	}
}

func strictCallback(path string) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(path); err != nil {
		return nil, err
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("sshexec: load known_hosts %s: %w", path, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			return toolerr.Wrap(toolerr.AuthFailed, "strict host key verification failed", err)
		}
		return nil
	}, nil
}

// tofuCallback accepts a host key the first time it's seen, recording it
// into the known_hosts file, and rejects any later mismatch.
func tofuCallback(path string) (ssh.HostKeyCallback, error) {
	if err := ensureKnownHostsFile(path); err != nil {
		return nil, err
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		cb, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("sshexec: load known_hosts %s: %w", path, err)
		}
		err = cb(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if ok := asKeyError(err, &keyErr); ok && len(keyErr.Want) > 0 {
			// A different key is already recorded for this host: reject.
			return toolerr.Wrap(toolerr.AuthFailed, "host key changed since first trust", err)
		}
		// Not yet known: trust on first use.
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		f, openErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if openErr != nil {
			return fmt.Errorf("sshexec: record known host: %w", openErr)
		}
		defer f.Close()
		if _, werr := f.WriteString(line + "\n"); werr != nil {
			return fmt.Errorf("sshexec: record known host: %w", werr)
		}
		klog.V(1).Infof("sshexec: trusted new host key for %s on first use", hostname)
		return nil
	}, nil
}

func asKeyError(err error, target **knownhosts.KeyError) bool {
	ke, ok := err.(*knownhosts.KeyError)
	if !ok {
		return false
	}
	*target = ke
	return true
}

func ensureKnownHostsFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("sshexec: create known_hosts %s: %w", path, err)
		}
		return f.Close()
	}
	return nil
}
