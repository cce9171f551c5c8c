// Package tmpl is the Template Engine (C4): it loads, validates, and
// renders the declarative service-installation YAML described in spec
// §3 and §4.4. Rendering uses a small restricted expression language
// (expr.go) instead of text/template, so a malicious or buggy template
// cannot execute arbitrary Go code or reflect into unrelated values.
package tmpl

import "fmt"

// VariableType enumerates the declared input kinds a template variable
// may take.
type VariableType string

const (
	TypeString   VariableType = "string"
	TypeInt      VariableType = "int"
	TypeBool     VariableType = "bool"
	TypeStringList VariableType = "list<string>"
	TypePassword VariableType = "password"
)

// Variable is one declared input of a Service Template.
type Variable struct {
	Name        string       `yaml:"name"`
	Type        VariableType `yaml:"type"`
	Required    bool         `yaml:"required"`
	Default     any          `yaml:"default"`
	Description string       `yaml:"description"`
}

// Requirements is the pre-flight hardware/software envelope a template
// declares (spec §3).
type Requirements struct {
	Ports         []int    `yaml:"ports"`
	MemoryGB      int      `yaml:"memory_gb"`
	DiskGB        int      `yaml:"disk_gb"`
	CPUCores      int      `yaml:"cpu_cores"`
	Dependencies  []string `yaml:"dependencies"`
	HardwareHints []string `yaml:"hardware_hints"`
}

// Method is the installation.method discriminator.
type Method string

const (
	MethodDockerCompose Method = "docker_compose"
	MethodAnsible       Method = "ansible"
	MethodTerraform     Method = "terraform"
	MethodScript        Method = "script"
)

// ComposeInstallation carries an arbitrary compose document, passed
// through substantially verbatim to the runtime (spec §3).
type ComposeInstallation struct {
	Document map[string]any `yaml:"compose"`
}

// AnsibleTask is one step of a pre_tasks/tasks/post_tasks/handlers list.
// Left loosely typed (map[string]any) because task shape is
// module-dependent, matching Ansible's own schema-less task documents.
type AnsibleTask map[string]any

// FileTemplate is one file materialized onto the target during an
// Ansible install, keyed by destination path.
type FileTemplate struct {
	Destination string `yaml:"destination"`
	Content     string `yaml:"content"`
	Mode        string `yaml:"mode"`
}

// AnsibleInstallation is the ansible installation.method payload.
type AnsibleInstallation struct {
	PreTasks        []AnsibleTask  `yaml:"pre_tasks"`
	Tasks           []AnsibleTask  `yaml:"tasks"`
	PostTasks       []AnsibleTask  `yaml:"post_tasks"`
	Handlers        []AnsibleTask  `yaml:"handlers"`
	ServiceTemplates []FileTemplate `yaml:"service_templates"`
	UninstallTasks  []AnsibleTask  `yaml:"uninstall_tasks"`
}

// TerraformInstallation is the terraform installation.method payload.
type TerraformInstallation struct {
	RequiredVersion string         `yaml:"required_version"`
	Backend         string         `yaml:"backend"`
	Variables       map[string]any `yaml:"variables"`
	MainTF          string         `yaml:"main_tf"`
}

// ScriptInstallation is a single inline shell script run under
// bash -euo pipefail.
type ScriptInstallation struct {
	Script          string `yaml:"script"`
	UninstallScript string `yaml:"uninstall_script"`
}

// Installation is the discriminated union on installation.method.
type Installation struct {
	Method    Method                 `yaml:"method"`
	Compose   *ComposeInstallation   `yaml:"docker_compose"`
	Ansible   *AnsibleInstallation   `yaml:"ansible"`
	Terraform *TerraformInstallation `yaml:"terraform"`
	Script    *ScriptInstallation    `yaml:"script"`
}

// ProbeKind enumerates supported health check mechanisms.
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "http"
	ProbeTCP     ProbeKind = "tcp"
	ProbeCommand ProbeKind = "command"
)

// HealthProbe is a machine-checkable post-install health check.
type HealthProbe struct {
	Kind     ProbeKind `yaml:"kind"`
	Target   string    `yaml:"target"`
	Expected string    `yaml:"expected"`
}

// PostInstall carries human instructions plus machine probes.
type PostInstall struct {
	Instructions string        `yaml:"instructions"`
	HealthChecks []HealthProbe `yaml:"health_check"`
}

// Template is the full Service Template of spec §3.
type Template struct {
	Name          string            `yaml:"name"`
	Version       string            `yaml:"version"`
	Category      string            `yaml:"category"`
	Description   string            `yaml:"description"`
	Requirements  Requirements      `yaml:"requirements"`
	DefaultConfig map[string]any    `yaml:"default_config"`
	Variables     []Variable        `yaml:"variables"`
	Installation  Installation      `yaml:"installation"`
	PostInstall   PostInstall       `yaml:"post_install"`

	// SourcePath records where this template was loaded from, for error
	// messages and validate-templates CLI output.
	SourcePath string `yaml:"-"`
}

// Summary is the lightweight listing shape returned by list_services.
type Summary struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Method      Method `json:"method"`
}

func (t *Template) Summary() Summary {
	return Summary{
		Name:        t.Name,
		Version:     t.Version,
		Category:    t.Category,
		Description: t.Description,
		Method:      t.Installation.Method,
	}
}

// ValidationError reports a structural or reference problem found while
// loading a template. It implements error so loaders can wrap it, but
// callers that need the file path/field use errors.As.
type ValidationError struct {
	Template string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tmpl: %s: %s: %s", e.Template, e.Field, e.Reason)
}
