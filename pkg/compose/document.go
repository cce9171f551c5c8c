// Package compose turns the C4 Template Engine's in-memory compose tree
// into a concrete, strongly-typed document ready to upload and run over
// SSH, and optionally cross-checks container health against a local
// Docker Engine socket when the installer and the target device are the
// same host.
package compose

import (
	"fmt"
	"sort"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// Document is a minimal, strongly-typed compose document: enough
// structure to marshal deterministically and to extract published
// ports for requirement checking, while passing everything else
// (arbitrary service keys) through verbatim as spec §3 requires
// ("an embedded compose document ... passed through substantially
// verbatim to the runtime").
type Document struct {
	Version  string                 `yaml:"version,omitempty"`
	Services map[string]ServiceSpec `yaml:"services"`
	Networks map[string]any         `yaml:"networks,omitempty"`
	Volumes  map[string]any         `yaml:"volumes,omitempty"`
}

// ServiceSpec is a loosely-typed view over one compose service: fields
// we need structurally (ports) are typed; everything else round-trips
// through Extra.
type ServiceSpec struct {
	Image       string         `yaml:"image,omitempty"`
	Restart     string         `yaml:"restart,omitempty"`
	Environment map[string]any `yaml:"environment,omitempty"`
	Ports       []string       `yaml:"ports,omitempty"`
	Volumes     []string       `yaml:"volumes,omitempty"`
	Extra       map[string]any `yaml:",inline"`
}

// FromRenderedTree converts the generic map[string]any tree produced by
// the template engine's renderer into a Document, preserving unknown
// fields verbatim via Extra.
func FromRenderedTree(tree map[string]any) (*Document, error) {
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("compose: marshal rendered tree: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("compose: parse rendered tree as compose document: %w", err)
	}
	return &doc, nil
}

// Marshal serializes the document back to YAML for upload to the
// target host.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}

// DeclaredPorts returns the set of host ports every service in the
// document publishes, used by the installer's requirement check
// (spec §4.5, "required ports free").
func (d *Document) DeclaredPorts() ([]int, error) {
	seen := map[int]bool{}
	for name, svc := range d.Services {
		for _, spec := range svc.Ports {
			_, bindings, err := nat.ParsePortSpecs([]string{spec})
			if err != nil {
				return nil, fmt.Errorf("compose: service %s: parse port spec %q: %w", name, spec, err)
			}
			for _, portBindings := range bindings {
				for _, b := range portBindings {
					p := nat.Port(b.HostPort).Int()
					if p > 0 {
						seen[p] = true
					}
				}
			}
		}
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}
