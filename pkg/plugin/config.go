package plugin

import (
	"errors"
	"fmt"
)

// ManagerConfig lists the plugins the host loads at startup.
type ManagerConfig struct {
	Dir      string                  `yaml:"dir"`
	Defaults Policy                  `yaml:"defaults"`
	Plugins  map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
type PluginConfig struct {
	Enabled bool           `yaml:"enabled"`
	Path    string         `yaml:"path"`
	Config  map[string]any `yaml:"config"`
	Policy  *Policy        `yaml:"policy"`
}

// Policy restricts the capabilities a plugin may declare.
type Policy struct {
	Allowed []Capability `yaml:"allowed"`
	Denied  []Capability `yaml:"denied"`
}

// IsZero reports whether the policy carries no rules.
func (p Policy) IsZero() bool {
	return len(p.Allowed) == 0 && len(p.Denied) == 0
}

// Merge fills empty fields of p from other.
func (p Policy) Merge(other Policy) Policy {
	if len(p.Allowed) == 0 {
		p.Allowed = other.Allowed
	}
	if len(p.Denied) == 0 {
		p.Denied = other.Denied
	}
	return p
}

// Enabled reports whether any plugin would be loaded.
func (c ManagerConfig) Enabled() bool {
	for _, p := range c.Plugins {
		if p.Enabled {
			return true
		}
	}
	return false
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, p := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if p.Enabled && p.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
	}
	return nil
}
