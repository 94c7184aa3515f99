package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// Guard checks plugin capabilities against a policy before the plugin runs.
type Guard interface {
	Validate(info Info, policy Policy) error
}

// CapabilityGuard rejects denied capabilities and, when an allow list exists, anything outside it.
type CapabilityGuard struct{}

// Validate implements Guard.
func (CapabilityGuard) Validate(info Info, policy Policy) error {
	for _, c := range info.Capabilities {
		if slices.Contains(policy.Denied, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.Allowed) == 0 {
		return nil
	}
	for _, c := range info.Capabilities {
		if !slices.Contains(policy.Allowed, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// mergePolicies combines the manager defaults with a plugin specific policy.
func mergePolicies(defaults Policy, p *Policy) Policy {
	if p == nil || p.IsZero() {
		return defaults
	}
	return p.Merge(defaults)
}

// requirePolicy refuses plugins that declare capabilities without any policy in force.
func requirePolicy(info Info, policy Policy) error {
	if len(info.Capabilities) == 0 || !policy.IsZero() {
		return nil
	}
	return errors.New("plugins declaring capabilities require a policy")
}
