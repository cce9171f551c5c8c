package installer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/scoutflo/homelab-mcp-server/pkg/compose"
	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/procsup"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
	"github.com/scoutflo/homelab-mcp-server/pkg/tfdriver"
	"github.com/scoutflo/homelab-mcp-server/pkg/tmpl"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
	"k8s.io/klog/v2"
)

// Installer is the C5 Service Installer. One instance is shared by the
// whole server process, wiring together C1 (SSH), C2 (device store),
// C4 (templates), and C6 (Terraform).
type Installer struct {
	ssh       *sshexec.Executor
	store     *devicestore.Store
	templates *tmpl.Library
	tf        *tfdriver.Driver
	staleness time.Duration

	locks keyedmutex
}

func New(ssh *sshexec.Executor, store *devicestore.Store, templates *tmpl.Library, tf *tfdriver.Driver, staleness time.Duration) *Installer {
	return &Installer{ssh: ssh, store: store, templates: templates, tf: tf, staleness: staleness}
}

// ListServices returns every loaded template's summary.
func (in *Installer) ListServices() []tmpl.Summary { return in.templates.List() }

func progress(notify mcpproto.NotifyFunc, requestID, message string, fraction float64) {
	if notify == nil {
		return
	}
	f := fraction
	notify(mcpproto.NewNotification("progress", mcpproto.ProgressParams{RequestID: requestID, Fraction: &f, Message: message}))
}

// Plan renders the template against userConfig, checks requirements
// against the device's last-known facts, and reports whether an
// install would be a no-op (spec §4.5).
func (in *Installer) Plan(ctx context.Context, device *devicestore.Device, serviceName string, userConfig map[string]any) (*InstallPlan, error) {
	t, ok := in.templates.Get(serviceName)
	if !ok {
		return nil, toolerr.New(toolerr.NotFound, fmt.Sprintf("no template named %q", serviceName))
	}

	rendered, err := tmpl.Render(t, userConfig)
	if err != nil {
		return nil, translateTemplateErr(err)
	}

	declaredPorts, err := declaredPortsFor(rendered)
	if err != nil {
		return nil, translateTemplateErr(err)
	}

	warnings, reqErr := checkRequirements(t.Requirements, device.Facts, declaredPorts)
	if reqErr != nil {
		return nil, reqErr
	}

	plan := &InstallPlan{
		Service:         serviceName,
		TemplateVersion: t.Version,
		Target:          device.Hostname,
		Rendered:        rendered,
		ConfigDigest:    rendered.ConfigDigest,
		Requirements:    t.Requirements,
		Warnings:        warnings,
	}

	for i := range device.Services {
		if device.Services[i].ServiceName == serviceName {
			svc := device.Services[i]
			plan.ExistingService = &svc
			plan.WouldBeNoOp = svc.ConfigDigest == rendered.ConfigDigest && svc.Health == devicestore.HealthHealthy
		}
	}

	return plan, nil
}

// Install runs the full Planning→RequirementCheck→Uploading→Executing→
// Verifying→Recording state machine (spec §4.5).
func (in *Installer) Install(ctx context.Context, requestID string, target sshexec.Target, device *devicestore.Device, serviceName string, userConfig map[string]any, opts InstallOptions, notify mcpproto.NotifyFunc) (*InstallResult, error) {
	unlock := in.locks.Lock(installKey(target.Host, serviceName))
	defer unlock()

	progress(notify, requestID, "planning", 0.05)
	plan, err := in.Plan(ctx, device, serviceName, userConfig)
	if err != nil {
		return nil, err
	}

	if plan.WouldBeNoOp {
		progress(notify, requestID, "unchanged config digest, short-circuiting to verify", 0.9)
		report := in.pollHealth(ctx, target, plan.Rendered.HealthProbes, opts.HealthDeadline)
		updated := *plan.ExistingService
		updated.Health = report.Health
		if err := in.store.RecordService(ctx, device.ID, updated); err != nil {
			return nil, fmt.Errorf("installer: record health on no-op reinstall: %w", err)
		}
		return &InstallResult{State: StateVerifying, Service: updated, Skipped: true, Warnings: plan.Warnings}, nil
	}

	progress(notify, requestID, "checking live port availability", 0.15)
	bound, err := in.boundPorts(ctx, target)
	if err != nil {
		return failedResult(StateRequirementCheck, "probe bound ports", err)
	}
	requestedPorts := mergePorts(plan.Requirements.Ports, mustPorts(declaredPortsFor(plan.Rendered)))
	if err := checkPortsInUse(bound, requestedPorts); err != nil {
		return nil, err
	}

	progress(notify, requestID, "uploading artifacts", 0.3)
	deploymentDir, output, err := in.upload(ctx, target, serviceName, plan.Rendered)
	if err != nil {
		return failedResult(StateUploading, "upload", err)
	}

	progress(notify, requestID, "executing install", 0.55)
	execOutput, err := in.execute(ctx, target, serviceName, deploymentDir, plan.Rendered, opts)
	if err != nil {
		if opts.RollbackOnUnhealthy {
			_, _ = in.Uninstall(ctx, target, device, serviceName)
		}
		return failedResult(StateExecuting, "execute", err)
	}
	output += execOutput

	progress(notify, requestID, "verifying health", 0.8)
	report := in.pollHealth(ctx, target, plan.Rendered.HealthProbes, opts.HealthDeadline)
	if report.Health == devicestore.HealthUnhealthy && opts.RollbackOnUnhealthy {
		_, _ = in.Uninstall(ctx, target, device, serviceName)
		return failedResult(StateVerifying, "health check", toolerr.New(toolerr.RemoteFailure, "service failed health checks after install; rolled back"))
	}

	progress(notify, requestID, "recording installed service", 0.95)
	svc := devicestore.InstalledService{
		ServiceName:   serviceName,
		Version:       plan.TemplateVersion,
		Method:        devicestore.InstallMethod(plan.Rendered.Method),
		Ports:         requestedPorts,
		ConfigDigest:  plan.Rendered.ConfigDigest,
		InstalledAt:   time.Now().UTC(),
		Health:        report.Health,
		DeploymentDir: deploymentDir,
	}
	if err := in.store.RecordService(ctx, device.ID, svc); err != nil {
		return failedResult(StateRecording, "record service", err)
	}

	progress(notify, requestID, "done", 1.0)
	return &InstallResult{State: StateRecording, Service: svc, Output: output, Warnings: plan.Warnings}, nil
}

// Uninstall removes a service, always removing the device-store record
// even on partial failure (spec §4.5).
func (in *Installer) Uninstall(ctx context.Context, target sshexec.Target, device *devicestore.Device, serviceName string) (*UninstallResult, error) {
	unlock := in.locks.Lock(installKey(target.Host, serviceName))
	defer unlock()

	var existing *devicestore.InstalledService
	for i := range device.Services {
		if device.Services[i].ServiceName == serviceName {
			existing = &device.Services[i]
		}
	}
	if existing == nil {
		return nil, toolerr.New(toolerr.NotFound, fmt.Sprintf("service %q is not installed on %s", serviceName, device.Hostname))
	}

	t, ok := in.templates.Get(serviceName)
	result := &UninstallResult{}
	var execErr error

	switch existing.Method {
	case devicestore.MethodDockerCompose:
		res, err := in.ssh.Run(ctx, target, fmt.Sprintf("cd %s && docker compose down -v", shellQuote(existing.DeploymentDir)), sshexec.RunOptions{UseSudo: true, AsUser: in.ssh.ManagedUser(), Timeout: 5 * time.Minute})
		if res != nil {
			result.Output = res.Stdout + res.Stderr
		}
		execErr = err
	case devicestore.MethodAnsible:
		if ok && t.Installation.Ansible != nil && len(t.Installation.Ansible.UninstallTasks) > 0 {
			// Uninstall has no stored user config, so tasks are rendered
			// against declared defaults only; uninstall tasks stick to
			// stop/remove actions that rarely depend on install-time
			// variables in practice.
			rendered, rerr := tmpl.Render(t, nil)
			if rerr != nil {
				execErr = rerr
				break
			}
			out, rerr := in.runAnsibleTasks(ctx, serviceName, target, rendered.Ansible.UninstallTasks)
			result.Output = out
			execErr = rerr
		}
		// No uninstall_tasks declared: best-effort, nothing more to run beyond
		// removing the device-store record below.
	case devicestore.MethodTerraform:
		_, execErr = in.tf.Destroy(ctx, serviceName, target.Host, false)
	case devicestore.MethodScript:
		if ok && t.Installation.Script != nil && t.Installation.Script.UninstallScript != "" {
			res, err := in.ssh.Run(ctx, target, fmt.Sprintf("bash -euo pipefail -c %s", shellQuote(t.Installation.Script.UninstallScript)), sshexec.RunOptions{UseSudo: true, AsUser: in.ssh.ManagedUser(), Timeout: 5 * time.Minute})
			if res != nil {
				result.Output = res.Stdout + res.Stderr
			}
			execErr = err
		}
	}

	if execErr != nil {
		result.FailedStep = string(existing.Method)
	}

	// Always remove the record, even on partial failure.
	if err := in.store.ForgetService(ctx, device.ID, serviceName); err != nil {
		return result, fmt.Errorf("installer: remove service record after uninstall: %w", err)
	}
	result.Removed = true
	return result, execErr
}

// Health polls the template's declared probes with the same backoff loop
// as install verification, bounded by a 10 second deadline, and reports
// the aggregate state.
func (in *Installer) Health(ctx context.Context, target sshexec.Target, device *devicestore.Device, serviceName string) (*HealthReport, error) {
	t, ok := in.templates.Get(serviceName)
	if !ok {
		return nil, toolerr.New(toolerr.NotFound, fmt.Sprintf("no template named %q", serviceName))
	}
	var existing *devicestore.InstalledService
	for i := range device.Services {
		if device.Services[i].ServiceName == serviceName {
			existing = &device.Services[i]
		}
	}
	if existing == nil {
		return nil, toolerr.New(toolerr.NotFound, fmt.Sprintf("service %q is not installed on %s", serviceName, device.Hostname))
	}

	report := in.pollHealth(ctx, target, t.PostInstall.HealthChecks, 10*time.Second)
	return report, in.store.RecordService(ctx, device.ID, devicestore.InstalledService{
		ServiceName:   existing.ServiceName,
		Version:       existing.Version,
		Method:        existing.Method,
		Ports:         existing.Ports,
		ConfigDigest:  existing.ConfigDigest,
		InstalledAt:   existing.InstalledAt,
		Health:        report.Health,
		DeploymentDir: existing.DeploymentDir,
	})
}

func (in *Installer) boundPorts(ctx context.Context, target sshexec.Target) ([]int, error) {
	res, err := in.ssh.Run(ctx, target, "ss -ltn | awk 'NR>1 {print $4}' | sed -E 's/.*:([0-9]+)$/\\1/'", sshexec.RunOptions{Timeout: 15 * time.Second})
	if err != nil {
		return nil, err
	}
	var ports []int
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var p int
		if _, err := fmt.Sscanf(line, "%d", &p); err == nil {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

func (in *Installer) deploymentDir(serviceName, host string) string {
	return filepath.Join("/opt/homelab-mcp/services", fmt.Sprintf("%s-%s", serviceName, host))
}

func (in *Installer) upload(ctx context.Context, target sshexec.Target, serviceName string, rendered *tmpl.Rendered) (string, string, error) {
	dir := in.deploymentDir(serviceName, target.Host)
	mkdir := fmt.Sprintf("mkdir -p %s", shellQuote(dir))
	if _, err := in.ssh.Run(ctx, target, mkdir, sshexec.RunOptions{UseSudo: true, AsUser: in.ssh.ManagedUser(), Timeout: 30 * time.Second}); err != nil {
		return "", "", err
	}

	switch rendered.Method {
	case tmpl.MethodDockerCompose:
		doc, err := compose.FromRenderedTree(rendered.Compose.Document)
		if err != nil {
			return "", "", err
		}
		data, err := doc.Marshal()
		if err != nil {
			return "", "", err
		}
		if err := in.ssh.Upload(ctx, target, data, filepath.Join(dir, "docker-compose.yaml"), 0o644); err != nil {
			return "", "", err
		}
	case tmpl.MethodScript:
		if err := in.ssh.Upload(ctx, target, []byte(rendered.Script.Script), filepath.Join(dir, "install.sh"), 0o755); err != nil {
			return "", "", err
		}
	case tmpl.MethodAnsible:
		for _, f := range rendered.Ansible.Files {
			if err := in.ssh.Upload(ctx, target, []byte(f.Content), f.Destination, parseMode(f.Mode)); err != nil {
				return "", "", err
			}
		}
	case tmpl.MethodTerraform:
		// Terraform runs locally via pkg/tfdriver, not uploaded to the target.
	}
	return dir, "", nil
}

func (in *Installer) execute(ctx context.Context, target sshexec.Target, serviceName, deploymentDir string, rendered *tmpl.Rendered, opts InstallOptions) (string, error) {
	switch rendered.Method {
	case tmpl.MethodDockerCompose:
		pull, err := in.ssh.Run(ctx, target, fmt.Sprintf("cd %s && docker compose pull", shellQuote(deploymentDir)), sshexec.RunOptions{UseSudo: true, AsUser: in.ssh.ManagedUser(), Timeout: 10 * time.Minute})
		out := ""
		if pull != nil {
			out += pull.Stdout + pull.Stderr
		}
		if err != nil {
			return out, err
		}
		up, err := in.ssh.Run(ctx, target, fmt.Sprintf("cd %s && docker compose up -d", shellQuote(deploymentDir)), sshexec.RunOptions{UseSudo: true, AsUser: in.ssh.ManagedUser(), Timeout: 10 * time.Minute})
		if up != nil {
			out += up.Stdout + up.Stderr
		}
		return out, err
	case tmpl.MethodScript:
		res, err := in.ssh.Run(ctx, target, fmt.Sprintf("bash -euo pipefail %s", shellQuote(filepath.Join(deploymentDir, "install.sh"))), sshexec.RunOptions{UseSudo: true, AsUser: in.ssh.ManagedUser(), Timeout: 30 * time.Minute})
		if res == nil {
			return "", err
		}
		return res.Stdout + res.Stderr, err
	case tmpl.MethodAnsible:
		return in.runAnsible(ctx, target, serviceName, rendered.Ansible)
	case tmpl.MethodTerraform:
		return in.runTerraform(ctx, target, serviceName, rendered.Terraform, opts)
	default:
		return "", toolerr.New(toolerr.TemplateError, fmt.Sprintf("unsupported installation method %q", rendered.Method))
	}
}

func (in *Installer) runAnsible(ctx context.Context, target sshexec.Target, serviceName string, a *tmpl.RenderedAnsible) (string, error) {
	workdir, err := writeAnsibleWorkdir(serviceName, target.Host, a.PreTasks, a.Tasks, a.PostTasks, a.Handlers)
	if err != nil {
		return "", err
	}
	return runPlaybookDir(ctx, workdir, target)
}

// runAnsibleTasks runs a standalone ad-hoc task list (used for
// uninstall_tasks, which have no pre/post phases of their own).
func (in *Installer) runAnsibleTasks(ctx context.Context, serviceName string, target sshexec.Target, tasks []tmpl.AnsibleTask) (string, error) {
	workdir, err := writeAnsibleWorkdir(serviceName+"-uninstall", target.Host, nil, tasks, nil, nil)
	if err != nil {
		return "", err
	}
	return runPlaybookDir(ctx, workdir, target)
}

func runPlaybookDir(ctx context.Context, workdir string, target sshexec.Target) (string, error) {
	inventory := fmt.Sprintf("%s,", target.Host)
	res, err := procsup.Run(ctx, "ansible-playbook", []string{"-i", inventory, "--user", target.User, filepath.Join(workdir, "playbook.yaml")}, procsup.Options{Dir: workdir})
	if res == nil {
		return "", err
	}
	if err != nil {
		return res.Stdout + res.Stderr, toolerr.Wrap(toolerr.RemoteFailure, "ansible-playbook failed", err).WithDetails(map[string]any{"stderr": res.Stderr})
	}
	return res.Stdout + res.Stderr, nil
}

func (in *Installer) runTerraform(ctx context.Context, target sshexec.Target, serviceName string, tf *tmpl.RenderedTerraform, opts InstallOptions) (string, error) {
	if err := in.tf.Init(ctx, serviceName, target.Host, tf.MainTF, tf.VariablesTFVars, opts.Wait); err != nil {
		return "", err
	}
	if _, err := in.tf.Plan(ctx, serviceName, target.Host, opts.Wait); err != nil {
		return "", err
	}
	apply, err := in.tf.Apply(ctx, serviceName, target.Host, opts.Wait)
	if err != nil {
		return "", err
	}
	return apply.RawStdout, nil
}

func failedResult(state State, step string, err error) (*InstallResult, error) {
	klog.Errorf("installer: %s failed at %s: %v", state, step, err)
	return &InstallResult{State: StateFailed, FailedStep: step}, err
}

func mustPorts(ports []int, err error) []int {
	if err != nil {
		return nil
	}
	return ports
}

func parseMode(s string) uint32 {
	if s == "" {
		return 0o644
	}
	var mode uint32
	fmt.Sscanf(s, "%o", &mode)
	if mode == 0 {
		return 0o644
	}
	return mode
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func translateTemplateErr(err error) error {
	var verr *tmpl.ValidationError
	if asValidationError(err, &verr) {
		return toolerr.Wrap(toolerr.TemplateError, verr.Error(), err)
	}
	return toolerr.Wrap(toolerr.TemplateError, "template render failed", err)
}

func asValidationError(err error, target **tmpl.ValidationError) bool {
	ve, ok := err.(*tmpl.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// writeAnsibleWorkdir materializes an ad-hoc playbook into a local
// working directory for ansible-playbook to consume (spec §4.5). Any
// of the task-list arguments may be nil.
func writeAnsibleWorkdir(serviceName, host string, preTasks, tasks, postTasks, handlers []tmpl.AnsibleTask) (string, error) {
	dir := filepath.Join("/var/lib/homelab-mcp/ansible", fmt.Sprintf("%s-%s", serviceName, host))
	if err := mkdirAll(dir); err != nil {
		return "", err
	}
	playbook := map[string]any{
		"hosts":      "all",
		"become":     true,
		"pre_tasks":  preTasks,
		"tasks":      tasks,
		"post_tasks": postTasks,
		"handlers":   handlers,
	}
	if err := writeYAMLPlaybook(filepath.Join(dir, "playbook.yaml"), []map[string]any{playbook}); err != nil {
		return "", err
	}
	return dir, nil
}
