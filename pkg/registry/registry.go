// Package registry is the authoritative, explicit tool catalog (C3). It
// replaces the source pattern of module-level mutable dictionaries keyed
// by string (Design Notes §9): a Registry value is built once during
// server bootstrap and handed to the transports; dispatch is a map
// lookup, not reflection.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
)

// Category is the tool taxonomy named in spec §4.3.
type Category string

const (
	CategoryDiscovery       Category = "discovery"
	CategorySSHAdmin        Category = "ssh_admin"
	CategoryVMLifecycle     Category = "vm_lifecycle"
	CategoryServiceInstall  Category = "service_install"
	CategoryTerraform       Category = "terraform"
	CategorySitemap         Category = "sitemap"
	CategoryHomelabTopology Category = "homelab_topology"
)

// SideEffect is the declared blast radius of a tool.
type SideEffect string

const (
	SideEffectRead        SideEffect = "read"
	SideEffectMutate      SideEffect = "mutate"
	SideEffectDestructive SideEffect = "destructive"
)

// Handler is the value-based replacement for string-keyed dynamic
// dispatch: handlers are registered as ordinary function values.
type Handler func(ctx context.Context, args json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error)

// ToolDef is the full declaration of one tool: its schema and the handler
// value that implements it.
type ToolDef struct {
	Name        string
	Description string
	Category    Category
	SideEffect  SideEffect
	InputSchema json.RawMessage
	Handler     Handler
}

type compiledTool struct {
	def    ToolDef
	schema *gojsonschema.Schema
}

// Registry holds the catalog built at startup. It is safe to read
// concurrently from many goroutines once bootstrap has finished
// registering tools; Register itself is not safe to call concurrently
// with Dispatch/List (spec §4.3: "called only during bootstrap").
type Registry struct {
	order []string
	tools map[string]*compiledTool
}

func New() *Registry {
	return &Registry{tools: make(map[string]*compiledTool)}
}

// Register compiles the tool's schema and adds it to the catalog in
// insertion order. Destructive tools must declare a boolean "confirm"
// property in their schema (spec §4.3); Register rejects those that
// don't, fixing the ambiguity at the one place a reviewer would look.
func (r *Registry) Register(def ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("registry: tool name must not be empty")
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("registry: tool %q already registered", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", def.Name)
	}
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	if def.SideEffect == SideEffectDestructive {
		if !schemaDeclaresConfirm(def.InputSchema) {
			return fmt.Errorf("registry: destructive tool %q must declare a boolean 'confirm' property", def.Name)
		}
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
	if err != nil {
		return fmt.Errorf("registry: compile schema for %q: %w", def.Name, err)
	}

	r.tools[def.Name] = &compiledTool{def: def, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

func schemaDeclaresConfirm(raw json.RawMessage) bool {
	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false
	}
	prop, ok := parsed.Properties["confirm"]
	return ok && prop.Type == "boolean"
}

// ListTools implements mcpproto.ToolInvoker.
func (r *Registry) ListTools() []mcpproto.ToolSummary {
	out := make([]mcpproto.ToolSummary, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, mcpproto.ToolSummary{
			Name:        t.def.Name,
			Description: t.def.Description,
			InputSchema: t.def.InputSchema,
		})
	}
	return out
}

// Dispatch implements mcpproto.ToolInvoker. Argument validation happens
// here, strictly before the handler runs, per spec §4.3.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, notify mcpproto.NotifyFunc) (*mcpproto.CallToolResult, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &mcpproto.ErrUnknownTool{Name: name}
	}

	argsLoader := gojsonschema.NewBytesLoader(normalizeArgs(rawArgs))
	result, err := t.schema.Validate(argsLoader)
	if err != nil {
		return nil, &mcpproto.ErrValidation{Reason: fmt.Sprintf("arguments for %q could not be validated: %v", name, err)}
	}
	if !result.Valid() {
		return nil, &mcpproto.ErrValidation{Reason: fmt.Sprintf("arguments for %q failed schema validation: %s", name, result.Errors())}
	}

	return t.def.Handler(ctx, rawArgs, notify)
}

func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Lookup returns the ToolDef for name, for callers (e.g. the installer)
// that need a tool's declared category/side-effect outside of dispatch.
func (r *Registry) Lookup(name string) (ToolDef, bool) {
	t, ok := r.tools[name]
	if !ok {
		return ToolDef{}, false
	}
	return t.def, true
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
