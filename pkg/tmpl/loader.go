package tmpl

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

//go:embed defaults/*.yaml
var bundledDefaults embed.FS

var supportedMethods = map[Method]bool{
	MethodDockerCompose: true,
	MethodAnsible:       true,
	MethodTerraform:     true,
	MethodScript:        true,
}

// Library holds every successfully loaded, structurally-valid template,
// keyed by name. It is immutable after load (spec §4.3's "template data
// is immutable after load" shared-resource rule).
type Library struct {
	templates map[string]*Template
	order     []string
}

// Load enumerates dir for *.yaml templates, then falls back to (and is
// always supplemented by) the bundled default set, mirroring how the
// teacher embeds its static documentation text in
// pkg/kubernetes-documentation via go:embed. A malformed file is logged
// and skipped, never fatal (spec §4.4).
func Load(dir string) (*Library, error) {
	lib := &Library{templates: map[string]*Template{}}

	if err := lib.loadFS(bundledDefaults, "defaults"); err != nil {
		return nil, fmt.Errorf("tmpl: loading bundled defaults: %w", err)
	}

	if dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := lib.loadDir(dir); err != nil {
				return nil, err
			}
		}
	}

	return lib, nil
}

func (lib *Library) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("tmpl: reading template directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			klog.Errorf("tmpl: skipping %s: %v", path, err)
			continue
		}
		if err := lib.addFromBytes(path, data); err != nil {
			klog.Errorf("tmpl: skipping %s: %v", path, err)
			continue
		}
	}
	return nil
}

func (lib *Library) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := root + "/" + e.Name()
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			klog.Errorf("tmpl: skipping bundled %s: %v", path, err)
			continue
		}
		if err := lib.addFromBytes(path, data); err != nil {
			klog.Errorf("tmpl: skipping bundled %s: %v", path, err)
			continue
		}
	}
	return nil
}

func (lib *Library) addFromBytes(path string, data []byte) error {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	t.SourcePath = path
	if err := Validate(&t); err != nil {
		return err
	}
	if _, exists := lib.templates[t.Name]; !exists {
		lib.order = append(lib.order, t.Name)
	}
	lib.templates[t.Name] = &t
	return nil
}

// Validate structurally checks a template per spec §4.4: the method
// discriminator must be known, requirements must parse (they already
// have, via yaml.Unmarshal's typed fields), and every {{name}} reference
// must resolve to a declared variable or default_config key.
func Validate(t *Template) error {
	if t.Name == "" {
		return &ValidationError{Template: t.SourcePath, Field: "name", Reason: "must not be empty"}
	}
	if !supportedMethods[t.Installation.Method] {
		return &ValidationError{Template: t.Name, Field: "installation.method", Reason: fmt.Sprintf("unsupported method %q", t.Installation.Method)}
	}

	known := map[string]bool{}
	for k := range t.DefaultConfig {
		known[k] = true
	}
	for _, v := range t.Variables {
		known[v.Name] = true
	}

	refs := referencedNames(t)
	for _, ref := range refs {
		if !known[ref] {
			return &ValidationError{Template: t.Name, Field: "variables", Reason: fmt.Sprintf("unresolved reference {{%s}}", ref)}
		}
	}

	for _, probe := range t.PostInstall.HealthChecks {
		if probe.Kind != ProbeCommand {
			continue
		}
		if _, err := shlex.Split(probe.Target); err != nil {
			return &ValidationError{Template: t.Name, Field: "post_install.health_check", Reason: fmt.Sprintf("command probe %q does not tokenize as a shell command line: %v", probe.Target, err)}
		}
	}
	return nil
}

// referencedNames collects every {{name}} reference across all
// installation-method artifact text in the template.
func referencedNames(t *Template) []string {
	var refs []string
	collect := func(s string) { refs = append(refs, findRefs(s)...) }

	switch t.Installation.Method {
	case MethodDockerCompose:
		if t.Installation.Compose != nil {
			walkStrings(t.Installation.Compose.Document, collect)
		}
	case MethodAnsible:
		if a := t.Installation.Ansible; a != nil {
			all := append(append(append([]AnsibleTask{}, a.PreTasks...), a.Tasks...), a.PostTasks...)
			all = append(all, a.UninstallTasks...)
			for _, task := range all {
				walkStrings(map[string]any(task), collect)
			}
			for _, ft := range a.ServiceTemplates {
				collect(ft.Content)
				collect(ft.Destination)
			}
		}
	case MethodTerraform:
		if tf := t.Installation.Terraform; tf != nil {
			collect(tf.MainTF)
			walkStrings(tf.Variables, collect)
		}
	case MethodScript:
		if sc := t.Installation.Script; sc != nil {
			collect(sc.Script)
			collect(sc.UninstallScript)
		}
	}
	return refs
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	case []any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	}
}

// Get returns the named template, or nil if absent.
func (lib *Library) Get(name string) (*Template, bool) {
	t, ok := lib.templates[name]
	return t, ok
}

// List returns every loaded template's summary in load order.
func (lib *Library) List() []Summary {
	out := make([]Summary, 0, len(lib.order))
	for _, name := range lib.order {
		out = append(out, lib.templates[name].Summary())
	}
	return out
}

// Count returns the number of successfully loaded templates.
func (lib *Library) Count() int { return len(lib.templates) }
