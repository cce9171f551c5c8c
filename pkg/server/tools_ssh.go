package server

import (
	"context"
	"encoding/json"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
)

type bootstrapArgs struct {
	Hostname             string `json:"hostname"`
	Port                 int    `json:"port"`
	AdminUsername        string `json:"admin_username"`
	AdminAuthKind        string `json:"admin_auth_kind"`
	AdminPassword        string `json:"admin_password"`
	AdminPrivateKeyPEM   string `json:"admin_private_key_pem"`
	AdminPrivateKeyPass  string `json:"admin_private_key_passphrase"`
	ForceUpdateKey       bool   `json:"force_update_key"`
}

type verifyArgs struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
}

func (s *Server) registerSSHAdminTools() error {
	if err := s.registry.Register(registry.ToolDef{
		Name: "setup_mcp_admin",
		Description: "Bootstrap the managed admin user on a fresh host: create the user, grant " +
			"passwordless sudo, and install this server's SSH key. force_update_key replaces only " +
			"this server's own key comment, never an unrelated operator key (spec's reconciliation rule).",
		Category:   registry.CategorySSHAdmin,
		SideEffect: registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{
			"hostname": {"type": "string"},
			"port": {"type": "integer"},
			"admin_username": {"type": "string"},
			"admin_auth_kind": {"type": "string", "enum": ["password", "key"]},
			"admin_password": {"type": "string"},
			"admin_private_key_pem": {"type": "string"},
			"admin_private_key_passphrase": {"type": "string"},
			"force_update_key": {"type": "boolean"}
		},"required":["hostname","admin_username","admin_auth_kind"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a bootstrapArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			creds, err := credsFromArgs(a.AdminAuthKind, a.AdminPassword, a.AdminPrivateKeyPEM, a.AdminPrivateKeyPass)
			if err != nil {
				return nil, err
			}
			port := a.Port
			if port == 0 {
				port = 22
			}
			target := sshexec.Target{Host: a.Hostname, Port: port, User: a.AdminUsername}
			var adminCreds sshexec.Credentials
			if creds != nil {
				adminCreds = *creds
			}
			result, err := s.ssh.BootstrapAdmin(ctx, target, adminCreds, a.ForceUpdateKey)
			return asResult(mcpproto.JSONResult(result), err)
		},
	}); err != nil {
		return err
	}

	return s.registry.Register(registry.ToolDef{
		Name:        "verify_mcp_admin",
		Description: "Check reachability, key auth, and passwordless sudo for the managed admin user without making changes.",
		Category:    registry.CategorySSHAdmin,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{"hostname":{"type":"string"},"port":{"type":"integer"}},"required":["hostname"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a verifyArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			target := sshexec.Target{Host: a.Hostname, Port: a.Port}
			result, err := s.ssh.VerifyAdmin(ctx, target)
			return asResult(mcpproto.JSONResult(result), err)
		},
	})
}
