package server

import (
	"context"
	"encoding/json"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/registry"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// terraform exposes the Terraform Driver's primitives directly, one
// operation per call, for callers that need plan/apply separated
// (e.g. reviewing a diff before approving an apply) rather than the
// single-shot vm_lifecycle convenience ops.

type tfTargetArgs struct {
	Service string `json:"service"`
	Target  string `json:"target"`
	MainTF  string `json:"main_tf"`
	TFVars  string `json:"tfvars"`
	Wait    bool   `json:"wait"`
}

func (s *Server) registerTerraformTools() error {
	if err := s.registry.Register(registry.ToolDef{
		Name:        "terraform_init",
		Description: "Write a service's rendered Terraform module into its working directory and run terraform init, cached by a sentinel file.",
		Category:    registry.CategoryTerraform,
		SideEffect:  registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{
			"service": {"type": "string"},
			"target": {"type": "string"},
			"main_tf": {"type": "string"},
			"tfvars": {"type": "string"},
			"wait": {"type": "boolean"}
		},"required":["service","target","main_tf"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a tfTargetArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			err := s.tf.Init(ctx, a.Service, a.Target, a.MainTF, a.TFVars, a.Wait)
			return asResult(mcpproto.TextResult("initialized"), err)
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "terraform_plan",
		Description: "Run terraform plan against a service's working directory and return a structured diff summary.",
		Category:    registry.CategoryTerraform,
		SideEffect:  registry.SideEffectRead,
		InputSchema: schema(`{"type":"object","properties":{"service":{"type":"string"},"target":{"type":"string"},"wait":{"type":"boolean"}},"required":["service","target"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a tfTargetArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			plan, err := s.tf.Plan(ctx, a.Service, a.Target, a.Wait)
			return asResult(mcpproto.JSONResult(plan), err)
		},
	}); err != nil {
		return err
	}

	if err := s.registry.Register(registry.ToolDef{
		Name:        "terraform_apply",
		Description: "Run terraform apply against a service's working directory and capture outputs.",
		Category:    registry.CategoryTerraform,
		SideEffect:  registry.SideEffectMutate,
		InputSchema: schema(`{"type":"object","properties":{"service":{"type":"string"},"target":{"type":"string"},"wait":{"type":"boolean"}},"required":["service","target"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a tfTargetArgs
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			result, err := s.tf.Apply(ctx, a.Service, a.Target, a.Wait)
			return asResult(mcpproto.JSONResult(result), err)
		},
	}); err != nil {
		return err
	}

	return s.registry.Register(registry.ToolDef{
		Name:        "terraform_destroy",
		Description: "Run terraform destroy against a service's working directory and clear its state. Requires confirm:true.",
		Category:    registry.CategoryTerraform,
		SideEffect:  registry.SideEffectDestructive,
		InputSchema: schema(`{"type":"object","properties":{"service":{"type":"string"},"target":{"type":"string"},"wait":{"type":"boolean"},"confirm":{"type":"boolean"}},"required":["service","target","confirm"]}`),
		Handler: func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
			var a tfTargetArgs
			var confirm struct {
				Confirm bool `json:"confirm"`
			}
			if err := decodeArgs(args, &a); err != nil {
				return nil, err
			}
			if err := decodeArgs(args, &confirm); err != nil {
				return nil, err
			}
			if !confirm.Confirm {
				return mcpproto.ErrorResult(string(toolerr.RequirementUnmet), "terraform_destroy requires confirm:true", nil), nil
			}
			result, err := s.tf.Destroy(ctx, a.Service, a.Target, a.Wait)
			return asResult(mcpproto.JSONResult(result), err)
		},
	})
}
