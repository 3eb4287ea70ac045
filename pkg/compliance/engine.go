// Package compliance evaluates job metadata against named regulatory rule
// frameworks, producing a severity-weighted score and an itemized verdict.
//
// Rule predicates are CEL expressions compiled once and cached, or native Go
// predicates. Evaluation fails closed: a predicate error counts as a
// violation, never as silent compliance.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
)

// ErrUnknownFramework is returned for an unregistered framework id. It is
// distinct from a known framework evaluating to non-compliant.
var ErrUnknownFramework = errors.New("compliance: unknown framework")

// ErrFrameworkExists is returned when re-registering a framework id.
// Frameworks are immutable once registered; new versions get new ids.
var ErrFrameworkExists = errors.New("compliance: framework already registered")

// Severity classifies a rule's weight and failure semantics.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Points returns the score contribution of a satisfied rule.
func (s Severity) Points() int {
	switch s {
	case SeverityCritical:
		return 30
	case SeverityHigh:
		return 20
	case SeverityMedium:
		return 15
	case SeverityLow:
		return 10
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rule is a single compliance requirement. Exactly one of Expr (a CEL
// expression over the variable "metadata") or Predicate must be set.
type Rule struct {
	ID          string                    `json:"id"`
	Description string                    `json:"description"`
	Severity    Severity                  `json:"severity"`
	Remedy      string                    `json:"remedy"`
	Expr        string                    `json:"expr,omitempty"`
	Predicate   func(map[string]any) bool `json:"-"`
}

// Framework is an immutable, versioned collection of rules.
type Framework struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Version *semver.Version `json:"version"`
	Rules   []Rule          `json:"rules"`
}

// Violation records an unsatisfied rule.
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Remedy      string   `json:"remedy"`
}

// Result is the outcome of evaluating one framework.
type Result struct {
	FrameworkID     string      `json:"framework_id"`
	Compliant       bool        `json:"compliant"`
	Score           int         `json:"score"` // 0..100
	Violations      []Violation `json:"violations"`
	Recommendations []string    `json:"recommendations"`
}

// Engine owns the framework registry and the CEL evaluation environment.
type Engine struct {
	mu         sync.RWMutex
	frameworks map[string]Framework
	env        *cel.Env
	prgCache   map[string]cel.Program
}

// NewEngine creates an engine with an empty registry.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("metadata", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("compliance: create CEL environment: %w", err)
	}
	return &Engine{
		frameworks: make(map[string]Framework),
		env:        env,
		prgCache:   make(map[string]cel.Program),
	}, nil
}

// Register adds a framework. The rule slice is copied so later mutation by
// the caller cannot alter a registered framework.
func (e *Engine) Register(fw Framework) error {
	if fw.ID == "" {
		return errors.New("compliance: framework id must not be empty")
	}
	if fw.Version == nil {
		return errors.New("compliance: framework version must be set")
	}
	if len(fw.Rules) == 0 {
		return fmt.Errorf("compliance: framework %q has no rules", fw.ID)
	}
	for _, r := range fw.Rules {
		if !r.Severity.Valid() {
			return fmt.Errorf("compliance: rule %q has invalid severity %q", r.ID, r.Severity)
		}
		if r.Expr == "" && r.Predicate == nil {
			return fmt.Errorf("compliance: rule %q has neither expression nor predicate", r.ID)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.frameworks[fw.ID]; ok {
		return fmt.Errorf("%w: %s", ErrFrameworkExists, fw.ID)
	}

	rules := make([]Rule, len(fw.Rules))
	copy(rules, fw.Rules)
	fw.Rules = rules
	e.frameworks[fw.ID] = fw
	return nil
}

// Known reports whether a framework id is registered.
func (e *Engine) Known(frameworkID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.frameworks[frameworkID]
	return ok
}

// Evaluate runs every rule of a framework against job metadata. String
// values are NFC-normalized first so equivalent Unicode spellings evaluate
// identically.
func (e *Engine) Evaluate(_ context.Context, frameworkID string, metadata map[string]any) (*Result, error) {
	e.mu.RLock()
	fw, ok := e.frameworks[frameworkID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFramework, frameworkID)
	}

	metadata = normalizeMetadata(metadata)

	result := &Result{FrameworkID: frameworkID}
	earned, maxPoints := 0, 0
	for _, rule := range fw.Rules {
		maxPoints += rule.Severity.Points()
		if e.satisfied(rule, metadata) {
			earned += rule.Severity.Points()
			continue
		}
		result.Violations = append(result.Violations, Violation{
			RuleID:      rule.ID,
			Description: rule.Description,
			Severity:    rule.Severity,
			Remedy:      rule.Remedy,
		})
		if rule.Remedy != "" {
			result.Recommendations = append(result.Recommendations, rule.Remedy)
		}
	}

	if maxPoints > 0 {
		result.Score = int(math.Round(100 * float64(earned) / float64(maxPoints)))
	}

	critical, high := 0, 0
	for _, v := range result.Violations {
		switch v.Severity {
		case SeverityCritical:
			critical++
		case SeverityHigh:
			high++
		}
	}
	// Critical violations are hard failures; high violations have a soft
	// cap of one.
	result.Compliant = critical == 0 && high <= 1

	return result, nil
}

// EvaluateAll runs every listed framework independently, never
// short-circuiting on a failing evaluation: audit reports need the full
// violation set. Unknown framework ids are collected into a joined error;
// results for known frameworks are still returned.
func (e *Engine) EvaluateAll(ctx context.Context, frameworkIDs []string, metadata map[string]any) ([]*Result, error) {
	var results []*Result
	var errs []error
	for _, id := range frameworkIDs {
		res, err := e.Evaluate(ctx, id, metadata)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (e *Engine) satisfied(rule Rule, metadata map[string]any) bool {
	if rule.Predicate != nil {
		return rule.Predicate(metadata)
	}

	prg, err := e.program(rule.Expr)
	if err != nil {
		return false
	}
	out, _, err := prg.Eval(map[string]any{"metadata": metadata})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compliance: compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("compliance: program %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
