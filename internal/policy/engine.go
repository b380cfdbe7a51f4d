// Package policy evaluates routing-override rules with OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Override identifies the single routing override the policy selected.
type Override string

const (
	// OverrideNone leaves the base transition untouched.
	OverrideNone Override = "none"
	// OverrideElevatedReview forces the next hop through the elevated
	// review stage regardless of the base table.
	OverrideElevatedReview Override = "elevated_review"
	// OverrideSkipVerify bypasses the verification stage.
	OverrideSkipVerify Override = "skip_verify"
)

// Engine is the OPA policy engine for routing overrides.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.routing.override"),
		rego.Module("routing.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadFile reads an operator-supplied policy document.
func LoadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read policy file: %w", err)
	}
	return string(data), nil
}

// Input is the routing context the policy sees for one decision.
type Input struct {
	Stage        string   `json:"stage"`
	Outcome      string   `json:"outcome"`
	Tags         []string `json:"tags"`
	NextStage    string   `json:"next_stage"`
	TestsEnabled bool     `json:"tests_enabled"`
}

// Evaluate returns the highest-priority applicable override for the input.
// The precedence (protected domain > bypass tags > global test mode) lives
// in the policy document itself, so operators can tune it without a rebuild.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Override, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return OverrideNone, fmt.Errorf("failed to evaluate routing policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return OverrideNone, nil
	}

	val, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return OverrideNone, fmt.Errorf("routing policy returned non-string override: %v", results[0].Expressions[0].Value)
	}
	switch Override(val) {
	case OverrideNone, OverrideElevatedReview, OverrideSkipVerify:
		return Override(val), nil
	}
	return OverrideNone, fmt.Errorf("routing policy returned unknown override %q", val)
}

// DefaultPolicy is the compiled-in routing override policy. Operators may
// supply their own document; the precedence rules below are the shipped
// behavior.
const DefaultPolicy = `
package routing

default override = "none"

protected_tags := {"security", "auth", "authentication", "payments"}
bypass_tags := {"research", "exploration"}

# Protected-domain work never gets a normal review: any hop into the review
# stage is rerouted to elevated review.
override = "elevated_review" {
	some tag
	protected_tags[lower(input.tags[tag])]
	input.next_stage == "review"
}

# Research/exploration work skips verification entirely.
override = "skip_verify" {
	not protected
	some tag
	bypass_tags[lower(input.tags[tag])]
	input.next_stage == "verify"
}

# Global test-execution mode "disabled" bypasses verification for all groups.
override = "skip_verify" {
	not protected
	not input.tests_enabled
	input.next_stage == "verify"
}

protected {
	some tag
	protected_tags[lower(input.tags[tag])]
}
`
