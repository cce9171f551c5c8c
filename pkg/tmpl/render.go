package tmpl

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// RenderedCompose is the C4 output shape for installation.method ==
// docker_compose: an in-memory tree ready to be serialized (spec §4.4).
type RenderedCompose struct {
	Document map[string]any
}

// RenderedFile is one destination-keyed file produced for an Ansible
// install.
type RenderedFile struct {
	Destination string
	Content     string
	Mode        string
}

// RenderedAnsible is the C4 output shape for installation.method ==
// ansible.
type RenderedAnsible struct {
	PreTasks       []AnsibleTask
	Tasks          []AnsibleTask
	PostTasks      []AnsibleTask
	Handlers       []AnsibleTask
	UninstallTasks []AnsibleTask
	Files          []RenderedFile
}

// RenderedTerraform is the C4 output shape for installation.method ==
// terraform: a directory plan.
type RenderedTerraform struct {
	MainTF        string
	VariablesTFVars string
}

// RenderedScript is the C4 output shape for installation.method ==
// script.
type RenderedScript struct {
	Script string
}

// Rendered bundles whichever artifact shape matches the template's
// method, plus the health probes (already substituted) and the
// config digest.
type Rendered struct {
	Method       Method
	Compose      *RenderedCompose
	Ansible      *RenderedAnsible
	Terraform    *RenderedTerraform
	Script       *RenderedScript
	HealthProbes []HealthProbe
	ConfigDigest string
}

// Render resolves effective variable bindings (declared defaults <
// default_config < explicit userConfig) and produces the artifact shape
// for the template's installation method.
func Render(t *Template, userConfig map[string]any) (*Rendered, error) {
	effective, err := resolveConfig(t, userConfig)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]evalValue, len(effective))
	for k, v := range effective {
		vars[k] = toEvalValue(v)
	}

	out := &Rendered{Method: t.Installation.Method}

	switch t.Installation.Method {
	case MethodDockerCompose:
		doc, err := substituteAny(t.Installation.Compose.Document, vars)
		if err != nil {
			return nil, fmt.Errorf("tmpl: render %s: %w", t.Name, err)
		}
		out.Compose = &RenderedCompose{Document: doc.(map[string]any)}
	case MethodAnsible:
		a := t.Installation.Ansible
		rendered := &RenderedAnsible{}
		for _, group := range []struct {
			src  []AnsibleTask
			dest *[]AnsibleTask
		}{
			{a.PreTasks, &rendered.PreTasks},
			{a.Tasks, &rendered.Tasks},
			{a.PostTasks, &rendered.PostTasks},
			{a.Handlers, &rendered.Handlers},
			{a.UninstallTasks, &rendered.UninstallTasks},
		} {
			for _, task := range group.src {
				rv, err := substituteAny(map[string]any(task), vars)
				if err != nil {
					return nil, fmt.Errorf("tmpl: render %s: %w", t.Name, err)
				}
				*group.dest = append(*group.dest, AnsibleTask(rv.(map[string]any)))
			}
		}
		for _, ft := range a.ServiceTemplates {
			content, err := substitute(ft.Content, vars)
			if err != nil {
				return nil, fmt.Errorf("tmpl: render %s file %s: %w", t.Name, ft.Destination, err)
			}
			dest, err := substitute(ft.Destination, vars)
			if err != nil {
				return nil, err
			}
			rendered.Files = append(rendered.Files, RenderedFile{Destination: dest, Content: content, Mode: ft.Mode})
		}
		out.Ansible = rendered
	case MethodTerraform:
		tf := t.Installation.Terraform
		mainTF, err := substitute(tf.MainTF, vars)
		if err != nil {
			return nil, fmt.Errorf("tmpl: render %s: %w", t.Name, err)
		}
		tfvars, err := renderTFVars(tf.Variables, vars)
		if err != nil {
			return nil, fmt.Errorf("tmpl: render %s tfvars: %w", t.Name, err)
		}
		out.Terraform = &RenderedTerraform{MainTF: mainTF, VariablesTFVars: tfvars}
	case MethodScript:
		sc := t.Installation.Script
		script, err := substitute(sc.Script, vars)
		if err != nil {
			return nil, fmt.Errorf("tmpl: render %s: %w", t.Name, err)
		}
		out.Script = &RenderedScript{Script: script}
	default:
		return nil, &ValidationError{Template: t.Name, Field: "installation.method", Reason: "unsupported at render time"}
	}

	for _, probe := range t.PostInstall.HealthChecks {
		target, err := substitute(probe.Target, vars)
		if err != nil {
			return nil, fmt.Errorf("tmpl: render %s health probe: %w", t.Name, err)
		}
		out.HealthProbes = append(out.HealthProbes, HealthProbe{Kind: probe.Kind, Target: target, Expected: probe.Expected})
	}

	digest, err := computeDigest(out)
	if err != nil {
		return nil, err
	}
	out.ConfigDigest = digest

	return out, nil
}

// resolveConfig merges variable defaults, default_config, and explicit
// user overrides, failing closed on missing required variables.
func resolveConfig(t *Template, userConfig map[string]any) (map[string]any, error) {
	effective := map[string]any{}
	for _, v := range t.Variables {
		if v.Default != nil {
			effective[v.Name] = v.Default
		}
	}
	for k, v := range t.DefaultConfig {
		effective[k] = v
	}
	for k, v := range userConfig {
		effective[k] = v
	}
	for _, v := range t.Variables {
		if v.Required {
			if val, ok := effective[v.Name]; !ok || val == nil || val == "" {
				return nil, &ValidationError{Template: t.Name, Field: v.Name, Reason: "required variable not provided"}
			}
		}
	}
	return effective, nil
}

func renderTFVars(vars map[string]any, evalVars map[string]evalValue) (string, error) {
	resolved, err := substituteAny(vars, evalVars)
	if err != nil {
		return "", err
	}
	m, _ := resolved.(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out string
	for _, k := range keys {
		out += fmt.Sprintf("%s = %q\n", k, fmt.Sprintf("%v", m[k]))
	}
	return out, nil
}

// computeDigest is the canonicalized-JSON hash of the rendered
// artifacts (spec §4.4), used by the installer to decide
// reinstall-needed.
func computeDigest(r *Rendered) (string, error) {
	canon, err := canonicalJSON(r)
	if err != nil {
		return "", fmt.Errorf("tmpl: compute digest: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v with sorted map keys so semantically
// identical renders always hash identically regardless of Go map
// iteration order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(v)
	}
}
