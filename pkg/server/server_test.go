package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/installer"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
	"github.com/scoutflo/homelab-mcp-server/pkg/tfdriver"
	"github.com/scoutflo/homelab-mcp-server/pkg/tmpl"
)

// newTestServer builds a fully wired Server against a scratch
// directory, touching only the local filesystem (key generation,
// SQLite file, bundled template defaults) and no network.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	store, err := devicestore.Open(filepath.Join(dir, "devices.db"))
	if err != nil {
		t.Fatalf("open device store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ssh, err := sshexec.NewExecutor(sshexec.Options{
		KeyPath:       filepath.Join(dir, "id_ed25519"),
		KeyComment:    "test",
		HostKeyPolicy: sshexec.PolicyAcceptAll,
		ManagedUser:   "mcp_admin",
	})
	if err != nil {
		t.Fatalf("init ssh executor: %v", err)
	}
	t.Cleanup(ssh.Close)

	templates, err := tmpl.Load(filepath.Join(dir, "templates"))
	if err != nil {
		t.Fatalf("load templates: %v", err)
	}

	tf := tfdriver.New(filepath.Join(dir, "terraform"))
	in := installer.New(ssh, store, templates, tf, time.Hour)

	s := &Server{
		ssh:                ssh,
		store:              store,
		templates:          templates,
		tf:                 tf,
		installer:          in,
		registry:           registry.New(),
		stalenessThreshold: time.Hour,
	}
	if err := s.registerTools(); err != nil {
		t.Fatalf("register tools: %v", err)
	}
	return s
}

func TestRegisterTools_EveryExpectedToolIsPresent(t *testing.T) {
	s := newTestServer(t)

	want := []string{
		"ssh_discover", "discover_and_map", "bulk_discover_and_map",
		"setup_mcp_admin", "verify_mcp_admin",
		"list_devices", "get_device", "delete_device",
		"list_services", "plan_install", "install_service", "uninstall_service", "service_health",
		"terraform_init", "terraform_plan", "terraform_apply", "terraform_destroy",
		"deploy_vm", "list_vms", "destroy_vm",
		"homelab_topology",
	}

	names := map[string]bool{}
	for _, n := range s.registry.Names() {
		names[n] = true
	}
	for _, n := range want {
		if !names[n] {
			t.Errorf("expected tool %q to be registered", n)
		}
	}
	if len(names) != len(want) {
		t.Errorf("registered %d tools, want exactly %d (got %v)", len(names), len(want), s.registry.Names())
	}
}

func TestRegisterTools_DestructiveToolsAreMarkedDestructive(t *testing.T) {
	s := newTestServer(t)
	for _, name := range []string{"delete_device", "uninstall_service", "destroy_vm", "terraform_destroy"} {
		def, ok := s.registry.Lookup(name)
		if !ok {
			t.Fatalf("tool %q not found", name)
		}
		if def.SideEffect != registry.SideEffectDestructive {
			t.Errorf("%s: expected destructive side effect, got %s", name, def.SideEffect)
		}
	}
}

func TestRegisterTools_DuplicateRegistrationFails(t *testing.T) {
	s := newTestServer(t)
	err := s.registry.Register(registry.ToolDef{
		Name:       "list_devices",
		SideEffect: registry.SideEffectRead,
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			return nil, nil
		},
	})
	if err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
