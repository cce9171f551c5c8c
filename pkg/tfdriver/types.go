// Package tfdriver is the Terraform Driver (C6): manages a per-service
// working directory and drives the terraform CLI through the shared
// subprocess supervisor (spec §4.6).
package tfdriver

import "github.com/scoutflo/homelab-mcp-server/pkg/toolerr"

// ResourceChange summarizes one planned resource action, extracted from
// terraform's JSON plan output.
type ResourceChange struct {
	Address string   `json:"address"`
	Actions []string `json:"actions"` // e.g. ["create"], ["update"], ["delete"]
}

// PlanSummary is the structured diff summary returned by Plan.
type PlanSummary struct {
	Changes     []ResourceChange `json:"changes"`
	HasChanges  bool             `json:"has_changes"`
	RawStdout   string           `json:"-"`
}

// ApplyResult is the outcome of Apply.
type ApplyResult struct {
	Outputs  map[string]any `json:"outputs"`
	RawStdout string        `json:"-"`
}

// DestroyResult is the outcome of Destroy.
type DestroyResult struct {
	Destroyed bool `json:"destroyed"`
}

var errBusy = toolerr.New(toolerr.Busy, "terraform working directory is locked by another operation")
