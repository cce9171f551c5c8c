package server

import (
	"context"
	"encoding/json"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

type listDevicesArgs struct {
	Role             string `json:"role"`
	ExcludedOnly     bool   `json:"excluded_only"`
	HostnameContains string `json:"hostname_contains"`
}

type deviceRefArgs struct {
	Device string `json:"device"`
}

type deleteDeviceArgs struct {
	Device  string `json:"device"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) registerDeviceTools() error {
	if err := s.registry.Register(registry.ToolDef{
		Name:        "list_devices",
		Description: "List known devices, optionally filtered by role, hostname substring, or deployment exclusion.",
		Category:    registry.CategorySitemap,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{
			"role": {"type": "string"},
			"excluded_only": {"type": "boolean"},
			"hostname_contains": {"type": "string"}
		}}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a listDevicesArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			filter := devicestore.Filter{
				Role:             devicestore.Role(a.Role),
				ExcludedOnly:     a.ExcludedOnly,
				HostnameContains: a.HostnameContains,
			}
			devices, err := s.store.List(ctx, filter)
			return asResult(mcpproto.JSONResult(devices), err)
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "get_device",
		Description: "Fetch one device by numeric ID or hostname, including its installed services.",
		Category:    registry.CategorySitemap,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{"device":{"type":"string"}},"required":["device"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a deviceRefArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			device, err := resolveDevice(ctx, s.store, a.Device)
			return asResult(mcpproto.JSONResult(device), err)
		},
	}); err != nil {
		return err
	}

	return s.registry.Register(registry.ToolDef{
		Name:        "delete_device",
		Description: "Remove a device and its history from the inventory. Requires confirm:true.",
		Category:    registry.CategorySitemap,
		SideEffect:  registry.SideEffectDestructive,
		InputSchema: schema(`{"type":"object","properties":{"device":{"type":"string"},"confirm":{"type":"boolean"}},"required":["device","confirm"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a deleteDeviceArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			if !a.Confirm {
				return mcpproto.ErrorResult(string(toolerr.RequirementUnmet), "delete_device requires confirm:true", nil), nil
			}
			device, err := resolveDevice(ctx, s.store, a.Device)
			if err != nil {
				return asResult(nil, err)
			}
			err = s.store.Delete(ctx, device.ID)
			return asResult(mcpproto.TextResult("deleted"), err)
		},
	})
}
