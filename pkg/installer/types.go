// Package installer is the Service Installer (C5): the
// Plan→RequirementCheck→Uploading→Executing→Verifying→Recording state
// machine that turns a Template Engine rendering plus user config into
// a running service on a target device, with idempotent reruns and
// health verification (spec §4.5).
package installer

import (
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/tmpl"
)

// State is one step of the install state machine.
type State string

const (
	StatePlanning         State = "Planning"
	StateRequirementCheck State = "RequirementCheck"
	StateUploading        State = "Uploading"
	StateExecuting        State = "Executing"
	StateVerifying        State = "Verifying"
	StateRecording        State = "Recording"
	StateFailed           State = "Failed"
)

// RequirementWarning is a non-fatal mismatch surfaced alongside a plan
// or install result (spec §4.5: hardware hints mismatch is a warning
// unless marked required).
type RequirementWarning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InstallPlan is the return value of Plan.
type InstallPlan struct {
	Service          string                `json:"service"`
	TemplateVersion  string                `json:"template_version"`
	Target           string                `json:"target"`
	Rendered         *tmpl.Rendered        `json:"-"`
	ConfigDigest     string                `json:"config_digest"`
	Requirements     tmpl.Requirements     `json:"requirements"`
	Warnings         []RequirementWarning  `json:"warnings,omitempty"`
	WouldBeNoOp      bool                  `json:"would_be_noop"`
	ExistingService  *devicestore.InstalledService `json:"existing_service,omitempty"`
}

// InstallOptions configures one install call.
type InstallOptions struct {
	RollbackOnUnhealthy bool
	HealthDeadline      time.Duration
	Wait                bool // for terraform-backed installs; see tfdriver Busy semantics
}

// InstallResult is the return value of Install.
type InstallResult struct {
	State        State                        `json:"state"`
	Service      devicestore.InstalledService `json:"service"`
	FailedStep   string                       `json:"failed_step,omitempty"`
	Output       string                       `json:"output,omitempty"`
	Warnings     []RequirementWarning         `json:"warnings,omitempty"`
	Skipped      bool                         `json:"skipped"` // idempotent no-op short-circuit
}

// UninstallResult is the return value of Uninstall.
type UninstallResult struct {
	Removed    bool   `json:"removed"`
	FailedStep string `json:"failed_step,omitempty"`
	Output     string `json:"output,omitempty"`
}

// HealthReport is the return value of Health.
type HealthReport struct {
	Health devicestore.HealthState `json:"health"`
	Probes []ProbeResult           `json:"probes"`
}

// ProbeResult records one health probe attempt's final outcome.
type ProbeResult struct {
	Kind     tmpl.ProbeKind `json:"kind"`
	Target   string         `json:"target"`
	Healthy  bool           `json:"healthy"`
	Attempts int            `json:"attempts"`
	Detail   string         `json:"detail,omitempty"`
}
