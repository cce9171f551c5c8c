package tfdriver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/procsup"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// Driver manages per-service Terraform working directories rooted under
// StateRoot (spec §4.6).
type Driver struct {
	StateRoot string
	Binary    string // defaults to "terraform"
}

func New(stateRoot string) *Driver {
	return &Driver{StateRoot: stateRoot, Binary: "terraform"}
}

// WorkDir returns {state_root}/{service}-{target}.
func (d *Driver) WorkDir(service, target string) string {
	return filepath.Join(d.StateRoot, fmt.Sprintf("%s-%s", service, target))
}

// acquire takes the exclusive sentinel lock for a working directory,
// waiting indefinitely if wait is true, otherwise failing fast with
// toolerr.Busy.
func acquire(dir string, wait bool) (fileLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tfdriver: create working dir %s: %w", dir, err)
	}
	lock, err := openLock(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, err
	}
	if wait {
		if err := lock.Lock(); err != nil {
			lock.Close()
			return nil, fmt.Errorf("tfdriver: acquire lock: %w", err)
		}
		return lock, nil
	}
	ok, err := lock.TryLock()
	if err != nil {
		lock.Close()
		return nil, err
	}
	if !ok {
		lock.Close()
		return nil, errBusy
	}
	return lock, nil
}

// Init runs `terraform init` once per working directory, cached by a
// sentinel file so repeated plan/apply calls don't re-init.
func (d *Driver) Init(ctx context.Context, service, target string, mainTF, tfvars string, wait bool) error {
	dir := d.WorkDir(service, target)
	lock, err := acquire(dir, wait)
	if err != nil {
		return err
	}
	defer lock.Close()
	defer lock.Unlock()

	if err := writeWorkingFiles(dir, mainTF, tfvars); err != nil {
		return err
	}

	sentinel := filepath.Join(dir, ".initialized")
	if _, err := os.Stat(sentinel); err == nil {
		return nil
	}

	res, err := procsup.Run(ctx, d.binary(), []string{"init", "-input=false"}, procsup.Options{Dir: dir})
	if err != nil {
		return toolerr.Wrap(toolerr.RemoteFailure, "terraform init failed", err).WithDetails(map[string]any{"stderr": res.Stderr})
	}
	return os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

// Plan runs `terraform plan` and returns a structured diff summary
// parsed from the JSON plan output.
func (d *Driver) Plan(ctx context.Context, service, target string, wait bool) (*PlanSummary, error) {
	dir := d.WorkDir(service, target)
	lock, err := acquire(dir, wait)
	if err != nil {
		return nil, err
	}
	defer lock.Close()
	defer lock.Unlock()

	planFile := filepath.Join(dir, "tfplan.binary")
	res, err := procsup.Run(ctx, d.binary(), []string{"plan", "-input=false", "-out=" + planFile, "-var-file=terraform.tfvars"}, procsup.Options{Dir: dir})
	if err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "terraform plan failed", err).WithDetails(map[string]any{"stderr": res.Stderr})
	}

	jsonRes, err := procsup.Run(ctx, d.binary(), []string{"show", "-json", planFile}, procsup.Options{Dir: dir})
	if err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "terraform show failed", err)
	}
	return parsePlanJSON(jsonRes.Stdout)
}

// Apply runs `terraform apply` against a previously computed plan and
// captures outputs.
func (d *Driver) Apply(ctx context.Context, service, target string, wait bool) (*ApplyResult, error) {
	dir := d.WorkDir(service, target)
	lock, err := acquire(dir, wait)
	if err != nil {
		return nil, err
	}
	defer lock.Close()
	defer lock.Unlock()

	planFile := filepath.Join(dir, "tfplan.binary")
	args := []string{"apply", "-input=false", "-auto-approve"}
	if _, err := os.Stat(planFile); err == nil {
		args = append(args, planFile)
	}
	res, err := procsup.Run(ctx, d.binary(), args, procsup.Options{Dir: dir})
	if err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "terraform apply failed", err).WithDetails(map[string]any{"stderr": res.Stderr})
	}

	outRes, err := procsup.Run(ctx, d.binary(), []string{"output", "-json"}, procsup.Options{Dir: dir})
	if err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "terraform output failed", err)
	}
	outputs, err := parseOutputsJSON(outRes.Stdout)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Outputs: outputs, RawStdout: res.Stdout}, nil
}

// Destroy runs `terraform destroy -auto-approve`; on success, it clears
// the working directory's contents and leaves a `.destroyed` tombstone
// (spec §4.6).
func (d *Driver) Destroy(ctx context.Context, service, target string, wait bool) (*DestroyResult, error) {
	dir := d.WorkDir(service, target)
	lock, err := acquire(dir, wait)
	if err != nil {
		return nil, err
	}
	defer lock.Close()
	defer lock.Unlock()

	res, err := procsup.Run(ctx, d.binary(), []string{"destroy", "-input=false", "-auto-approve"}, procsup.Options{Dir: dir})
	if err != nil {
		return nil, toolerr.Wrap(toolerr.RemoteFailure, "terraform destroy failed", err).WithDetails(map[string]any{"stderr": res.Stderr})
	}

	if err := clearWorkingDir(dir); err != nil {
		return nil, fmt.Errorf("tfdriver: clear working dir after destroy: %w", err)
	}
	return &DestroyResult{Destroyed: true}, nil
}

func (d *Driver) binary() string {
	if d.Binary == "" {
		return "terraform"
	}
	return d.Binary
}

func writeWorkingFiles(dir, mainTF, tfvars string) error {
	if err := os.WriteFile(filepath.Join(dir, "main.tf"), []byte(mainTF), 0o644); err != nil {
		return fmt.Errorf("tfdriver: write main.tf: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "terraform.tfvars"), []byte(tfvars), 0o644); err != nil {
		return fmt.Errorf("tfdriver: write terraform.tfvars: %w", err)
	}
	return nil
}

// clearWorkingDir removes everything in dir except the lock sentinel
// (still held by the caller) and leaves a .destroyed tombstone.
func clearWorkingDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == ".lock" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dir, ".destroyed"), []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

func parsePlanJSON(stdout string) (*PlanSummary, error) {
	var doc struct {
		ResourceChanges []struct {
			Address string `json:"address"`
			Change  struct {
				Actions []string `json:"actions"`
			} `json:"change"`
		} `json:"resource_changes"`
	}
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		return nil, fmt.Errorf("tfdriver: parse plan json: %w", err)
	}
	summary := &PlanSummary{RawStdout: stdout}
	for _, rc := range doc.ResourceChanges {
		isNoOp := len(rc.Change.Actions) == 1 && rc.Change.Actions[0] == "no-op"
		if !isNoOp {
			summary.HasChanges = true
		}
		summary.Changes = append(summary.Changes, ResourceChange{Address: rc.Address, Actions: rc.Change.Actions})
	}
	return summary, nil
}

func parseOutputsJSON(stdout string) (map[string]any, error) {
	var raw map[string]struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil, fmt.Errorf("tfdriver: parse output json: %w", err)
	}
	outputs := make(map[string]any, len(raw))
	for k, v := range raw {
		outputs[k] = v.Value
	}
	return outputs, nil
}
