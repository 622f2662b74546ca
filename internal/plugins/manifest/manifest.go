package manifest

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Manifest describes a WASM agent package.
type Manifest struct {
	Metadata     Metadata     `yaml:"metadata"`
	Agent        AgentSpec    `yaml:"agent"`
	Runtime      RuntimeSpec  `yaml:"runtime"`
	Capabilities Capabilities `yaml:"capabilities,omitempty"`
	Permissions  []string     `yaml:"permissions,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

// AgentSpec names the dispatch agent the module serves and the actions it
// handles.
type AgentSpec struct {
	Name     string        `yaml:"name"`
	Actions  []string      `yaml:"actions"`
	Patterns []PatternSpec `yaml:"patterns,omitempty"`
}

// PatternSpec routes utterances matching Pattern to Action. Named capture
// groups become action parameters.
type PatternSpec struct {
	Intent  string `yaml:"intent"`
	Pattern string `yaml:"pattern"`
	Action  string `yaml:"action"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
	TimeoutMS   int    `yaml:"timeout_ms,omitempty"`
}

type Capabilities struct {
	Bus BusSpec `yaml:"bus,omitempty"`
}

type BusSpec struct {
	Publish []string `yaml:"publish,omitempty"`
}

// PermissionPublish allows host_publish on the declared subjects.
const PermissionPublish = "bus:publish"

var identifier = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if !identifier.MatchString(m.Agent.Name) {
		return fmt.Errorf("agent.name %q must be a lowercase identifier", m.Agent.Name)
	}
	if len(m.Agent.Actions) == 0 {
		return fmt.Errorf("agent.actions must list at least one action")
	}
	seen := make(map[string]struct{}, len(m.Agent.Actions))
	for _, a := range m.Agent.Actions {
		if !identifier.MatchString(a) {
			return fmt.Errorf("agent.actions: %q must be a lowercase identifier", a)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("agent.actions: duplicate action %q", a)
		}
		seen[a] = struct{}{}
	}
	for i, p := range m.Agent.Patterns {
		if p.Intent == "" {
			return fmt.Errorf("agent.patterns[%d].intent is required", i)
		}
		if _, ok := seen[p.Action]; !ok {
			return fmt.Errorf("agent.patterns[%d]: action %q is not listed in agent.actions", i, p.Action)
		}
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("agent.patterns[%d]: %w", i, err)
		}
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Runtime.TimeoutMS < 0 {
		return fmt.Errorf("runtime.timeout_ms must be >= 0")
	}
	if len(m.Capabilities.Bus.Publish) > 0 && !m.Allows(PermissionPublish) {
		return fmt.Errorf("capabilities.bus.publish requires the %s permission", PermissionPublish)
	}
	return nil
}

// Allows reports whether the manifest grants perm.
func (m Manifest) Allows(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}
