// Package policy defines per-category governance requirements for
// analytics jobs: encryption, privacy level, TEE requirements,
// applicable compliance frameworks, and the privacy budget ceiling.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrPolicyNotFound is returned when no policy exists for a category.
var ErrPolicyNotFound = errors.New("policy: not found")

// Policy describes governance requirements for one job category.
type Policy struct {
	Category         string          `yaml:"category" json:"category"`
	EncryptionMethod string          `yaml:"encryption_method" json:"encryption_method"`
	PrivacyLevel     int             `yaml:"privacy_level" json:"privacy_level"` // 1..10
	TEERequired      bool            `yaml:"tee_required" json:"tee_required"`
	Frameworks       []string        `yaml:"frameworks" json:"frameworks"`
	EpsilonLimit     decimal.Decimal `yaml:"-" json:"epsilon_limit"`

	// EpsilonLimitStr carries the YAML form; decimals round-trip as
	// strings to avoid float drift.
	EpsilonLimitStr string `yaml:"epsilon_limit" json:"-"`
}

// Validate checks structural constraints.
func (p *Policy) Validate() error {
	if p.Category == "" {
		return errors.New("policy: category must not be empty")
	}
	if p.PrivacyLevel < 1 || p.PrivacyLevel > 10 {
		return fmt.Errorf("policy: privacy level %d outside 1..10", p.PrivacyLevel)
	}
	if p.EncryptionMethod == "" {
		return errors.New("policy: encryption method must not be empty")
	}
	if p.EpsilonLimit.LessThanOrEqual(decimal.Zero) {
		return errors.New("policy: epsilon limit must be positive")
	}
	return nil
}

// Registry holds policies by category.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	logger   *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		policies: make(map[string]Policy),
		logger:   slog.Default().With("component", "policy"),
	}
}

// Set validates and stores a policy, replacing any previous one for
// the category. A privacy level of 8 or above without a TEE
// requirement is suspicious but permitted; it logs a warning.
func (r *Registry) Set(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.PrivacyLevel >= 8 && !p.TEERequired {
		r.logger.Warn("high privacy level without TEE requirement",
			"category", p.Category,
			"privacy_level", p.PrivacyLevel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[p.Category] = p
	return nil
}

// Get returns the policy for category.
func (r *Registry) Get(category string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[category]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrPolicyNotFound, category)
	}
	return p, nil
}

// Categories returns all categories with a policy.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for c := range r.policies {
		out = append(out, c)
	}
	return out
}
