package sshexec

import (
	"strings"
	"testing"
)

func TestReconcileAuthorizedKeys_EmptyFile(t *testing.T) {
	action, content := reconcileAuthorizedKeys("", "mcp_admin@server1", "ssh-ed25519 AAAA mcp_admin@server1", false)
	if action != KeyAdded {
		t.Fatalf("expected KeyAdded, got %v", action)
	}
	lines := splitNonEmptyLines(content)
	if len(lines) != 1 {
		t.Fatalf("expected exactly one line, got %d: %v", len(lines), lines)
	}
}

func TestReconcileAuthorizedKeys_ForceUpdateKeepsOtherKeys(t *testing.T) {
	existing := strings.Join([]string{
		"ssh-ed25519 AAAAKEY1 alice@laptop",
		"ssh-rsa AAAAKEY2 bob@desktop",
		"ssh-ed25519 AAAAOLD mcp_admin@server1",
		"ssh-ed25519 AAAAKEY3 carol@phone",
	}, "\n")

	action, content := reconcileAuthorizedKeys(existing, "mcp_admin@server1", "ssh-ed25519 AAAANEW mcp_admin@server1", true)
	if action != KeyReplaced {
		t.Fatalf("expected KeyReplaced, got %v", action)
	}
	lines := splitNonEmptyLines(content)
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines (3 non-mcp + 1 replaced), got %d: %v", len(lines), lines)
	}
	if lines[0] != "ssh-ed25519 AAAAKEY1 alice@laptop" {
		t.Fatalf("non-mcp key order not preserved: %v", lines)
	}
	if lines[len(lines)-1] != "ssh-ed25519 AAAANEW mcp_admin@server1" {
		t.Fatalf("expected new mcp key appended last, got %v", lines)
	}
}

func TestReconcileAuthorizedKeys_NoMatchAppends(t *testing.T) {
	existing := "ssh-ed25519 AAAAKEY1 alice@laptop\n"
	action, content := reconcileAuthorizedKeys(existing, "mcp_admin@server1", "ssh-ed25519 AAAANEW mcp_admin@server1", true)
	if action != KeyAdded {
		t.Fatalf("expected KeyAdded, got %v", action)
	}
	lines := splitNonEmptyLines(content)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestReconcileAuthorizedKeys_IdempotentWithoutForce(t *testing.T) {
	existing := "ssh-ed25519 AAAAOLD mcp_admin@server1\n"
	action, content := reconcileAuthorizedKeys(existing, "mcp_admin@server1", "ssh-ed25519 AAAANEW mcp_admin@server1", false)
	if action != KeyUnchanged {
		t.Fatalf("expected KeyUnchanged, got %v", action)
	}
	if content != existing {
		t.Fatalf("content should be untouched, got %q", content)
	}
}

func TestReconcileAuthorizedKeys_TwoConsecutiveForcedCallsAreIdempotent(t *testing.T) {
	existing := "ssh-ed25519 AAAAUSER user@box\n"
	newLine := "ssh-ed25519 AAAAMCP mcp_admin@server1"

	_, first := reconcileAuthorizedKeys(existing, "mcp_admin@server1", newLine, true)
	_, second := reconcileAuthorizedKeys(first, "mcp_admin@server1", newLine, true)

	if first != second {
		t.Fatalf("bootstrap_admin must be idempotent: first=%q second=%q", first, second)
	}
	lines := splitNonEmptyLines(second)
	if len(lines) != 2 || lines[0] != "ssh-ed25519 AAAAUSER user@box" || lines[1] != newLine {
		t.Fatalf("unexpected final content: %v", lines)
	}
}
