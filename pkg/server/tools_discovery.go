package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/discovery"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
)

type discoverTarget struct {
	Hostname             string `json:"hostname"`
	Port                 int    `json:"port"`
	Username             string `json:"username"`
	AuthKind             string `json:"auth_kind"`
	Password             string `json:"password"`
	PrivateKeyPEM        string `json:"private_key_pem"`
	PrivateKeyPassphrase string `json:"private_key_passphrase"`
	Role                 string `json:"role"`
}

var discoverTargetSchemaProps = `
	"hostname": {"type": "string"},
	"port": {"type": "integer"},
	"username": {"type": "string"},
	"auth_kind": {"type": "string", "enum": ["password", "key", "agent", ""]},
	"password": {"type": "string"},
	"private_key_pem": {"type": "string"},
	"private_key_passphrase": {"type": "string"},
	"role": {"type": "string"}
`

func (s *Server) discoverOneTarget(ctx context.Context, t discoverTarget) (*devicestore.Facts, error) {
	if t.Username == "" {
		t.Username = s.ssh.ManagedUser()
	}
	creds, err := credsFromArgs(t.AuthKind, t.Password, t.PrivateKeyPEM, t.PrivateKeyPassphrase)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	target := sshexec.Target{Host: t.Hostname, Port: t.Port, User: t.Username}
	if target.Port == 0 {
		target.Port = 22
	}
	return discovery.Gather(ctx, s.ssh, target, creds)
}

func (s *Server) registerDiscoveryTools() error {
	if err := s.registry.Register(registry.ToolDef{
		Name:        "ssh_discover",
		Description: "Connect to a host over SSH and gather hardware/OS facts without recording it in the inventory.",
		Category:    registry.CategoryDiscovery,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{` + discoverTargetSchemaProps + `},"required":["hostname"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var t discoverTarget
			if err := decodeArgs(args, &t); err != nil {
				return nil, err
			}
			facts, err := s.discoverOneTarget(ctx, t)
			return asResult(mcpproto.JSONResult(facts), err)
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "discover_and_map",
		Description: "Gather facts from a host and upsert it into the device inventory.",
		Category:    registry.CategoryDiscovery,
		SideEffect:  registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{` + discoverTargetSchemaProps + `},"required":["hostname"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var t discoverTarget
			if err := decodeArgs(args, &t); err != nil {
				return nil, err
			}
			result, err := s.discoverAndMap(ctx, t)
			return asResult(mcpproto.JSONResult(result), err)
		},
	}); err != nil {
		return err
	}

	return s.registry.Register(registry.ToolDef{
		Name:        "bulk_discover_and_map",
		Description: "Fan out discover_and_map across many hosts; partial failures do not fail the overall call.",
		Category:    registry.CategoryDiscovery,
		SideEffect:  registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{"targets":{"type":"array","items":{"type":"object","properties":{` + discoverTargetSchemaProps + `},"required":["hostname"]}}},"required":["targets"]}`),
		Handler:     s.handleBulkDiscover,
	})
}

func (s *Server) discoverAndMap(ctx context.Context, t discoverTarget) (*devicestore.UpsertResult, error) {
	facts, err := s.discoverOneTarget(ctx, t)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	device := devicestore.Device{
		Hostname:        t.Hostname,
		Username:        t.Username,
		AuthKind:        devicestore.AuthKind(t.AuthKind),
		Facts:           facts,
		Role:            deviceRoleOrDefault(t.Role),
		LastSeenAt:      now,
		LastDiscoveryAt: &now,
	}
	return s.store.Upsert(ctx, device, false)
}

func deviceRoleOrDefault(role string) devicestore.Role {
	if role == "" {
		return devicestore.RoleUnknown
	}
	return devicestore.Role(role)
}

type bulkDiscoverArgs struct {
	Targets []discoverTarget `json:"targets"`
}

type bulkHostResult struct {
	Hostname string `json:"hostname"`
	IsError  bool   `json:"isError"`
	Error    string `json:"error,omitempty"`
	Result   *devicestore.UpsertResult `json:"result,omitempty"`
}

func (s *Server) handleBulkDiscover(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
	var a bulkDiscoverArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}

	results := make([]bulkHostResult, len(a.Targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, target := range a.Targets {
		i, target := i, target
		g.Go(func() error {
			res, err := s.discoverAndMap(gctx, target)
			if err != nil {
				results[i] = bulkHostResult{Hostname: target.Hostname, IsError: true, Error: err.Error()}
				return nil // per-host failures never fail the group
			}
			results[i] = bulkHostResult{Hostname: target.Hostname, Result: res}
			return nil
		})
	}
	_ = g.Wait()

	allFailed := len(results) > 0
	for _, r := range results {
		if !r.IsError {
			allFailed = false
			break
		}
	}

	result := mcpproto.JSONResult(map[string]any{"results": results})
	result.IsError = allFailed
	return result, nil
}
