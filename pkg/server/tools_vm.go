package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// vm_lifecycle wraps the Terraform Driver in single-call convenience
// operations for provisioning a VM end to end, distinct from the
// terraform category's granular init/plan/apply/destroy primitives
// (tools_terraform.go) used by the service installer's terraform method.

type deployVMArgs struct {
	VMName    string `json:"vm_name"`
	Target    string `json:"target"`
	MainTF    string `json:"main_tf"`
	TFVars    string `json:"tfvars"`
	Wait      bool   `json:"wait"`
}

type vmRefArgs struct {
	VMName  string `json:"vm_name"`
	Target  string `json:"target"`
	Wait    bool   `json:"wait"`
	Confirm bool   `json:"confirm"`
}

type vmSummary struct {
	ID          string `json:"id"`
	Initialized bool   `json:"initialized"`
	Destroyed   bool   `json:"destroyed"`
}

func (s *Server) registerVMTools() error {
	if err := s.registry.Register(registry.ToolDef{
		Name:        "deploy_vm",
		Description: "Provision a VM from a raw Terraform module: init, plan, and apply in one call against a per-VM working directory.",
		Category:    registry.CategoryVMLifecycle,
		SideEffect:  registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{
			"vm_name": {"type": "string"},
			"target": {"type": "string"},
			"main_tf": {"type": "string"},
			"tfvars": {"type": "string"},
			"wait": {"type": "boolean"}
		},"required":["vm_name","target","main_tf"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a deployVMArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			if err := s.tf.Init(ctx, a.VMName, a.Target, a.MainTF, a.TFVars, a.Wait); err != nil {
				return asResult(nil, err)
			}
			plan, err := s.tf.Plan(ctx, a.VMName, a.Target, a.Wait)
			if err != nil {
				return asResult(nil, err)
			}
			apply, err := s.tf.Apply(ctx, a.VMName, a.Target, a.Wait)
			if err != nil {
				return asResult(nil, err)
			}
			return mcpproto.JSONResult(map[string]any{
				"plan":    plan,
				"outputs": apply.Outputs,
			}), nil
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "list_vms",
		Description: "List VM working directories known to the Terraform Driver and whether each is initialized or destroyed.",
		Category:    registry.CategoryVMLifecycle,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{}}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			vms, err := s.listVMWorkdirs()
			return asResult(mcpproto.JSONResult(vms), err)
		},
	}); err != nil {
		return err
	}

	return s.registry.Register(registry.ToolDef{
		Name:        "destroy_vm",
		Description: "Run terraform destroy against a VM's working directory and clear its state. Requires confirm:true.",
		Category:    registry.CategoryVMLifecycle,
		SideEffect:  registry.SideEffectDestructive,
		InputSchema: schema(`{"type":"object","properties":{
			"vm_name": {"type": "string"},
			"target": {"type": "string"},
			"wait": {"type": "boolean"},
			"confirm": {"type": "boolean"}
		},"required":["vm_name","target","confirm"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a vmRefArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			if !a.Confirm {
				return mcpproto.ErrorResult(string(toolerr.RequirementUnmet), "destroy_vm requires confirm:true", nil), nil
			}
			result, err := s.tf.Destroy(ctx, a.VMName, a.Target, a.Wait)
			return asResult(mcpproto.JSONResult(result), err)
		},
	})
}

// listVMWorkdirs scans the Terraform Driver's state root directly; the
// driver has no directory index of its own (spec §4.6 names only the
// working-directory layout, not a list operation).
func (s *Server) listVMWorkdirs() ([]vmSummary, error) {
	entries, err := os.ReadDir(s.tf.StateRoot)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var vms []vmSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.tf.StateRoot, e.Name())
		_, initErr := os.Stat(filepath.Join(dir, ".initialized"))
		_, destroyedErr := os.Stat(filepath.Join(dir, ".destroyed"))
		vms = append(vms, vmSummary{
			ID:          e.Name(),
			Initialized: initErr == nil,
			Destroyed:   destroyedErr == nil,
		})
	}
	return vms, nil
}
