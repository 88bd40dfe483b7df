// package policy holds the promotion policy: the ordered environment chain,
// the required-check list, and per-environment approval rules. Policies are
// validated at load time; a malformed policy is a startup failure, never a
// runtime surprise.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ApprovalMode is the per-environment approval requirement.
type ApprovalMode string

const (
	ApprovalNone      ApprovalMode = "none"
	ApprovalSingle    ApprovalMode = "single"
	ApprovalTwoPerson ApprovalMode = "two-person"
)

// EnvironmentRule configures one environment in the promotion chain.
type EnvironmentRule struct {
	Name string `yaml:"name" json:"name"`

	// RequirePrior demands the immediately preceding environment in the
	// chain already holds the same contract before promotion here.
	RequirePrior bool `yaml:"requirePrior" json:"requirePrior"`

	Approval ApprovalMode `yaml:"approval" json:"approval"`
}

// Policy is the full promotion policy for one release pipeline.
type Policy struct {
	Version        string            `yaml:"version" json:"version"`
	RequiredChecks []string          `yaml:"requiredChecks" json:"requiredChecks"`
	Environments   []EnvironmentRule `yaml:"environments" json:"environments"`
}

// Default returns the dev -> stage -> prod chain with two-person approval on
// prod. Used when no policy file is configured.
func Default() Policy {
	return Policy{
		Version:        "default-v1",
		RequiredChecks: []string{"build", "tests", "lint"},
		Environments: []EnvironmentRule{
			{Name: "dev", RequirePrior: false, Approval: ApprovalNone},
			{Name: "stage", RequirePrior: true, Approval: ApprovalSingle},
			{Name: "prod", RequirePrior: true, Approval: ApprovalTwoPerson},
		},
	}
}

// Load reads and validates a policy YAML file.
func Load(path string) (Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

// Validate rejects misconfigured policies up front.
func (p Policy) Validate() error {
	if len(p.RequiredChecks) == 0 {
		return fmt.Errorf("requiredChecks must not be empty")
	}
	seenChecks := make(map[string]bool, len(p.RequiredChecks))
	for _, c := range p.RequiredChecks {
		if c == "" {
			return fmt.Errorf("requiredChecks contains an empty name")
		}
		if seenChecks[c] {
			return fmt.Errorf("duplicate required check %q", c)
		}
		seenChecks[c] = true
	}

	if len(p.Environments) == 0 {
		return fmt.Errorf("environment chain must not be empty")
	}
	seenEnvs := make(map[string]bool, len(p.Environments))
	for i, env := range p.Environments {
		if env.Name == "" {
			return fmt.Errorf("environment %d has no name", i)
		}
		if seenEnvs[env.Name] {
			return fmt.Errorf("duplicate environment %q", env.Name)
		}
		seenEnvs[env.Name] = true
		switch env.Approval {
		case ApprovalNone, ApprovalSingle, ApprovalTwoPerson:
		case "":
			// treated as none
		default:
			return fmt.Errorf("environment %q: unknown approval mode %q", env.Name, env.Approval)
		}
		if i == 0 && env.RequirePrior {
			return fmt.Errorf("first environment %q cannot require a prior environment", env.Name)
		}
	}
	return nil
}

// Environment looks up the rule for env.
func (p Policy) Environment(env string) (EnvironmentRule, bool) {
	for _, rule := range p.Environments {
		if rule.Name == env {
			return rule, true
		}
	}
	return EnvironmentRule{}, false
}

// Prior returns the environment immediately preceding env in the chain.
// ok is false when env is first in the chain or unknown.
func (p Policy) Prior(env string) (string, bool) {
	for i, rule := range p.Environments {
		if rule.Name == env {
			if i == 0 {
				return "", false
			}
			return p.Environments[i-1].Name, true
		}
	}
	return "", false
}
