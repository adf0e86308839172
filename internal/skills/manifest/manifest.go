package manifest

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

var actionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Manifest describes a skill package: a WASM module that exposes assistant
// actions and may react to bus subjects.
type Manifest struct {
	Metadata     Metadata     `yaml:"metadata"`
	Runtime      RuntimeSpec  `yaml:"runtime"`
	Actions      []ActionSpec `yaml:"actions,omitempty"`
	Capabilities Capabilities `yaml:"capabilities"`
	Permissions  []string     `yaml:"permissions"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	HostVersion string `yaml:"host_version"`
}

// ActionSpec declares an action the skill answers. Args documents the
// argument names the classifier may fill in.
type ActionSpec struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Args        []string `yaml:"args,omitempty"`
}

type Capabilities struct {
	Bus BusSpec `yaml:"bus"`
}

type BusSpec struct {
	Publish   []string `yaml:"publish,omitempty"`
	Subscribe []string `yaml:"subscribe,omitempty"`
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// ActionNames returns the declared action names in manifest order.
func (m Manifest) ActionNames() []string {
	names := make([]string, 0, len(m.Actions))
	for _, a := range m.Actions {
		names = append(names, a.Name)
	}
	return names
}

// HasPermission reports whether perm is granted.
func (m Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Validate reports every problem with m, joined into one error.
func Validate(m Manifest) error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if m.Metadata.Name == "" {
		fail("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		fail("metadata.version is required")
	}
	switch m.Runtime.Mode {
	case "":
		fail("runtime.mode is required")
	case "wasm":
		if m.Runtime.Module == "" {
			fail("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			fail("runtime.entrypoint is required for wasm")
		}
	default:
		fail("runtime.mode %q not supported", m.Runtime.Mode)
	}

	if len(m.Actions) == 0 && len(m.Capabilities.Bus.Subscribe) == 0 {
		fail("skill must declare actions or bus subscriptions")
	}
	seen := make(map[string]bool, len(m.Actions))
	for i, a := range m.Actions {
		switch {
		case !actionNameRe.MatchString(a.Name):
			fail("actions[%d]: invalid name %q", i, a.Name)
		case seen[a.Name]:
			fail("actions[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
	}

	switch {
	case len(m.Permissions) == 0:
		fail("permissions must include at least one entry")
	case len(m.Actions) > 0 && !m.HasPermission("actions:execute"):
		fail("permission actions:execute is required to declare actions")
	}
	if len(m.Capabilities.Bus.Publish) > 0 && !m.HasPermission("bus:publish") {
		fail("permission bus:publish is required to declare publish subjects")
	}
	return errors.Join(problems...)
}
