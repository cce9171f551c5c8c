package server

import (
	"context"
	"encoding/json"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
)

// topologySummary aggregates the device store into a fleet-level view;
// no single spec operation names this tool, so its shape is this
// package's own addition to round out the homelab_topology category
// the tool taxonomy declares (documented in the grounding ledger).
type topologySummary struct {
	TotalDevices     int            `json:"total_devices"`
	ByRole           map[string]int `json:"by_role"`
	ExcludedCount    int            `json:"excluded_count"`
	StaleCount       int            `json:"stale_count"`
	ServiceInstalls  map[string]int `json:"service_installs"`
	UnhealthyCount   int            `json:"unhealthy_count"`
}

func (s *Server) registerTopologyTools() error {
	return s.registry.Register(registry.ToolDef{
		Name:        "homelab_topology",
		Description: "Summarize the fleet: device counts by role, staleness, and installed-service health across the inventory.",
		Category:    registry.CategoryHomelabTopology,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			devices, err := s.store.List(ctx, devicestore.Filter{})
			if err != nil {
				return asResult(nil, err)
			}
			summary := topologySummary{
				ByRole:          map[string]int{},
				ServiceInstalls: map[string]int{},
			}
			for _, d := range devices {
				summary.TotalDevices++
				summary.ByRole[string(d.Role)]++
				if d.ExcludedFromDeployments {
					summary.ExcludedCount++
				}
				if stale, _ := s.store.IsStale(ctx, d.ID, s.stalenessThreshold); stale {
					summary.StaleCount++
				}
				for _, svc := range d.Services {
					summary.ServiceInstalls[svc.ServiceName]++
					if svc.Health == devicestore.HealthUnhealthy {
						summary.UnhealthyCount++
					}
				}
			}
			return mcpproto.JSONResult(summary), nil
		},
	})
}
