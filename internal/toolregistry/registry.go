// Package toolregistry implements the Tool Registry (C1): an
// effectively-immutable-after-init map of tool name/alias to handler and
// policy, with lock-free concurrent lookups.
package toolregistry

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/clawinfra/toolfabric/internal/types"
)

// Sentinel errors per SPEC_FULL.md §7's error taxonomy.
var (
	ErrAlreadyRegistered = errors.New("tool already registered")
	ErrInvalidPolicy     = errors.New("invalid tool policy")
	ErrEmptyName         = errors.New("tool name must not be empty")
)

type entry struct {
	def    types.ToolDefinition
	schema *jsonschema.Schema
}

// Registry holds the process-wide tool table. The zero value is not
// usable; construct with New.
type Registry struct {
	mu    sync.Mutex // guards writers only; readers use the atomic snapshot
	table atomic.Pointer[map[string]entry]
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	empty := map[string]entry{}
	r.table.Store(&empty)
	return r
}

// RegisterOptions controls duplicate-name handling.
type RegisterOptions struct {
	Override bool
}

// Register adds a tool definition under its name and every alias. A
// duplicate name fails with ErrAlreadyRegistered unless Override is set, in
// which case the prior entry is replaced (and the caller is expected to log
// the override — the registry itself doesn't log).
func (r *Registry) Register(def types.ToolDefinition, opts RegisterOptions) error {
	if def.Name == "" {
		return ErrEmptyName
	}
	if def.Policy.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be > 0 for tool %q", ErrInvalidPolicy, def.Name)
	}

	var schema *jsonschema.Schema
	if len(def.ParameterSchema) > 0 {
		compiled, err := compileSchema(def.Name, def.ParameterSchema)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	names := append([]string{def.Name}, def.Aliases...)
	if !opts.Override {
		for _, n := range names {
			if _, exists := old[n]; exists {
				return fmt.Errorf("%w: %q", ErrAlreadyRegistered, n)
			}
		}
	}

	fresh := make(map[string]entry, len(old)+len(names))
	for k, v := range old {
		fresh[k] = v
	}
	e := entry{def: def, schema: schema}
	for _, n := range names {
		fresh[n] = e
	}
	r.table.Store(&fresh)
	return nil
}

// Lookup returns the handler and policy for a name or alias. The bool is
// false if the name is unknown.
func (r *Registry) Lookup(name string) (types.ToolDefinition, bool) {
	table := *r.table.Load()
	e, ok := table[name]
	if !ok {
		return types.ToolDefinition{}, false
	}
	return e.def, true
}

// Schema returns the compiled JSON Schema for a tool's parameters, if one
// was supplied at registration.
func (r *Registry) Schema(name string) (*jsonschema.Schema, bool) {
	table := *r.table.Load()
	e, ok := table[name]
	if !ok || e.schema == nil {
		return nil, false
	}
	return e.schema, true
}

// ToolsVisibleTo enumerates the distinct tool names (not aliases) whose
// policy.min_role <= role.
func (r *Registry) ToolsVisibleTo(role types.Role) []string {
	table := *r.table.Load()
	seen := make(map[string]bool)
	var out []string
	for _, e := range table {
		if e.def.Name == "" || seen[e.def.Name] {
			continue
		}
		if e.def.Policy.MinRole <= role {
			seen[e.def.Name] = true
			out = append(out, e.def.Name)
		}
	}
	return out
}

// Unregister removes a tool and all its aliases.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	e, ok := old[name]
	if !ok {
		return
	}
	fresh := make(map[string]entry, len(old))
	for k, v := range old {
		fresh[k] = v
	}
	delete(fresh, e.def.Name)
	for _, alias := range e.def.Aliases {
		delete(fresh, alias)
	}
	r.table.Store(&fresh)
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	res, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema for %q: %w", name, err)
	}
	url := "mem://" + name + ".json"
	if err := c.AddResource(url, res); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return schema, nil
}
