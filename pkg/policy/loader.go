package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// profileFile is the on-disk shape: one file holds the policies for
// one deployment.
type profileFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadFile parses a policy profile YAML and returns its validated
// policies.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy profile document.
func Parse(data []byte) ([]Policy, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("policy: parse profile: %w", err)
	}
	if len(pf.Policies) == 0 {
		return nil, fmt.Errorf("policy: profile defines no policies")
	}

	for i := range pf.Policies {
		p := &pf.Policies[i]
		if p.EpsilonLimitStr != "" {
			eps, err := decimal.NewFromString(p.EpsilonLimitStr)
			if err != nil {
				return nil, fmt.Errorf("policy: category %q: bad epsilon limit %q: %w",
					p.Category, p.EpsilonLimitStr, err)
			}
			p.EpsilonLimit = eps
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return pf.Policies, nil
}

// LoadDir loads every profile_*.yaml under dir into reg.
func LoadDir(reg *Registry, dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		policies, err := LoadFile(path)
		if err != nil {
			return err
		}
		for _, p := range policies {
			if err := reg.Set(p); err != nil {
				return fmt.Errorf("policy: %s: %w", path, err)
			}
		}
	}
	return nil
}
