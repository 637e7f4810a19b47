// Package catalog loads bulk tool metadata (policy, schema, description)
// from a YAML file, so an operator can add or adjust a tool's policy
// without a code change. A handler for each catalog entry must still be
// wired in from code — the catalog carries data, never executable logic.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/toolfabric/internal/toolregistry"
	"github.com/clawinfra/toolfabric/internal/types"
)

// Entry is one tool's catalog record. ParameterSchema is an inline YAML
// mapping, re-marshaled to JSON for the registry's schema compiler.
type Entry struct {
	Name                 string         `yaml:"name"`
	Aliases              []string       `yaml:"aliases,omitempty"`
	Description          string         `yaml:"description"`
	ParameterSchema      map[string]any `yaml:"parameter_schema,omitempty"`
	MinRole              string         `yaml:"min_role"`
	RiskLevel            string         `yaml:"risk_level"`
	RequiresIdle         bool           `yaml:"requires_idle"`
	RequiresConfirmation bool           `yaml:"requires_confirmation"`
	RequiresSudo         bool           `yaml:"requires_sudo"`
	TimeoutSeconds       int            `yaml:"timeout_seconds"`
}

// Catalog is the parsed form of a catalog.yaml file.
type Catalog struct {
	Tools []Entry `yaml:"tools"`
}

// Load parses a catalog file at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return &c, nil
}

// RegisterAll registers every catalog entry's policy/schema against
// registry, binding each to handler (the same handler for every catalog
// tool — typically a dispatch-by-name adapter the caller supplies; the
// endpoint's per-call registry lookup and execution live in
// internal/endpointagent).
func (c *Catalog) RegisterAll(registry *toolregistry.Registry, handler types.ToolHandler) error {
	for _, e := range c.Tools {
		def, err := e.toDefinition(handler)
		if err != nil {
			return fmt.Errorf("catalog entry %q: %w", e.Name, err)
		}
		if err := registry.Register(def, toolregistry.RegisterOptions{Override: true}); err != nil {
			return fmt.Errorf("register catalog entry %q: %w", e.Name, err)
		}
	}
	return nil
}

func (e Entry) toDefinition(handler types.ToolHandler) (types.ToolDefinition, error) {
	minRole, ok := types.ParseRole(e.MinRole)
	if !ok {
		return types.ToolDefinition{}, fmt.Errorf("unknown min_role %q", e.MinRole)
	}
	risk, err := parseRiskLevel(e.RiskLevel)
	if err != nil {
		return types.ToolDefinition{}, err
	}

	var schemaJSON []byte
	if e.ParameterSchema != nil {
		schemaJSON, err = json.Marshal(e.ParameterSchema)
		if err != nil {
			return types.ToolDefinition{}, fmt.Errorf("parameter_schema: %w", err)
		}
	}

	return types.ToolDefinition{
		Name:            e.Name,
		Aliases:         e.Aliases,
		Description:     e.Description,
		ParameterSchema: schemaJSON,
		Policy: types.ToolPolicy{
			MinRole:              minRole,
			RiskLevel:            risk,
			RequiresIdle:         e.RequiresIdle,
			RequiresConfirmation: e.RequiresConfirmation,
			RequiresSudo:         e.RequiresSudo,
			TimeoutSeconds:       e.TimeoutSeconds,
		},
		Handler: handler,
	}, nil
}

func parseRiskLevel(s string) (types.RiskLevel, error) {
	switch s {
	case "safe":
		return types.RiskSafe, nil
	case "caution":
		return types.RiskCaution, nil
	case "elevated":
		return types.RiskElevated, nil
	default:
		return 0, fmt.Errorf("unknown risk_level %q", s)
	}
}
