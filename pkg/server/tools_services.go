package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/installer"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

type planInstallArgs struct {
	Device      string         `json:"device"`
	Service     string         `json:"service"`
	UserConfig  map[string]any `json:"user_config"`
}

type installServiceArgs struct {
	Device              string         `json:"device"`
	Service             string         `json:"service"`
	UserConfig          map[string]any `json:"user_config"`
	Port                int            `json:"port"`
	RollbackOnUnhealthy bool           `json:"rollback_on_unhealthy"`
	HealthDeadlineSec   int            `json:"health_deadline_seconds"`
	Wait                bool           `json:"wait"`
}

type uninstallServiceArgs struct {
	Device  string `json:"device"`
	Service string `json:"service"`
	Port    int    `json:"port"`
	Confirm bool   `json:"confirm"`
}

type serviceHealthArgs struct {
	Device  string `json:"device"`
	Service string `json:"service"`
	Port    int    `json:"port"`
}

func (s *Server) registerServiceTools() error {
	if err := s.registry.Register(registry.ToolDef{
		Name:        "list_services",
		Description: "List the service templates available for installation.",
		Category:    registry.CategoryServiceInstall,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			return mcpproto.JSONResult(s.installer.ListServices()), nil
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "plan_install",
		Description: "Render a service template against user config and report requirement warnings and whether the install would be a no-op.",
		Category:    registry.CategoryServiceInstall,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{
			"device": {"type": "string"},
			"service": {"type": "string"},
			"user_config": {"type": "object"}
		},"required":["device","service"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a planInstallArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			device, err := resolveDevice(ctx, s.store, a.Device)
			if err != nil {
				return asResult(nil, err)
			}
			plan, err := s.installer.Plan(ctx, device, a.Service, a.UserConfig)
			return asResult(mcpproto.JSONResult(plan), err)
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "install_service",
		Description: "Run the full install state machine for a service template against a device: requirement check, upload, execute, verify health, and record.",
		Category:    registry.CategoryServiceInstall,
		SideEffect:  registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{
			"device": {"type": "string"},
			"service": {"type": "string"},
			"user_config": {"type": "object"},
			"port": {"type": "integer"},
			"rollback_on_unhealthy": {"type": "boolean"},
			"health_deadline_seconds": {"type": "integer"},
			"wait": {"type": "boolean"}
		},"required":["device","service"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a installServiceArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			device, err := resolveDevice(ctx, s.store, a.Device)
			if err != nil {
				return asResult(nil, err)
			}
			deadline := 60 * time.Second
			if a.HealthDeadlineSec > 0 {
				deadline = time.Duration(a.HealthDeadlineSec) * time.Second
			}
			target := targetFor(device, s.ssh.ManagedUser(), a.Port)
			requestID := device.Hostname + ":" + a.Service
			result, err := s.installer.Install(ctx, requestID, target, device, a.Service, a.UserConfig, installer.InstallOptions{
				RollbackOnUnhealthy: a.RollbackOnUnhealthy,
				HealthDeadline:      deadline,
				Wait:                a.Wait,
			}, notify)
			return asResult(mcpproto.JSONResult(result), err)
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "uninstall_service",
		Description: "Remove an installed service from a device. Requires confirm:true.",
		Category:    registry.CategoryServiceInstall,
		SideEffect:  registry.SideEffectDestructive,
		InputSchema: schema(`{"type":"object","properties":{
			"device": {"type": "string"},
			"service": {"type": "string"},
			"port": {"type": "integer"},
			"confirm": {"type": "boolean"}
		},"required":["device","service","confirm"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a uninstallServiceArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			if !a.Confirm {
				return mcpproto.ErrorResult(string(toolerr.RequirementUnmet), "uninstall_service requires confirm:true", nil), nil
			}
			device, err := resolveDevice(ctx, s.store, a.Device)
			if err != nil {
				return asResult(nil, err)
			}
			target := targetFor(device, s.ssh.ManagedUser(), a.Port)
			result, err := s.installer.Uninstall(ctx, target, device, a.Service)
			return asResult(mcpproto.JSONResult(result), err)
		},
	}); err != nil {
		return err
	}

	return s.registry.Register(registry.ToolDef{
		Name:        "service_health",
		Description: "Poll an installed service's declared health probes for up to 10 seconds and report the aggregate state.",
		Category:    registry.CategoryServiceInstall,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{
			"device": {"type": "string"},
			"service": {"type": "string"},
			"port": {"type": "integer"}
		},"required":["device","service"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a serviceHealthArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			device, err := resolveDevice(ctx, s.store, a.Device)
			if err != nil {
				return asResult(nil, err)
			}
			target := targetFor(device, s.ssh.ManagedUser(), a.Port)
			report, err := s.installer.Health(ctx, target, device, a.Service)
			return asResult(mcpproto.JSONResult(report), err)
		},
	})
}
