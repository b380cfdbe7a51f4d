package router

import (
	"context"
	"fmt"

	"github.com/kestrelworks/foreman/internal/domain"
	"github.com/kestrelworks/foreman/internal/policy"
)

// Router computes the next action for a task group. It is a pure function
// of its inputs: the immutable table snapshot, the prepared override policy
// and the DecisionInput. It never touches the ledger.
type Router struct {
	table  *Table
	engine *policy.Engine
}

// New creates a Router over a loaded table snapshot and override policy.
func New(table *Table, engine *policy.Engine) *Router {
	return &Router{table: table, engine: engine}
}

// Table exposes the snapshot for schedulers that need thresholds.
func (r *Router) Table() *Table { return r.table }

// DecisionInput carries everything a routing decision may depend on.
type DecisionInput struct {
	GroupID string
	Stage   domain.Stage
	Outcome domain.Outcome
	Tags    []string

	// FailureStreak is the consecutive same-stage failure count recorded
	// before this outcome.
	FailureStreak int

	// CriteriaMet gates terminal success decisions.
	CriteriaMet bool

	// TestsEnabled is the global test-execution mode.
	TestsEnabled bool
}

// Decide resolves (stage, outcome) against the transition table, then applies
// override rules in fixed priority order: protected-domain > bypass tags >
// global test mode > escalation. Only the highest-priority applicable
// override wins, and it replaces the base decision.
func (r *Router) Decide(ctx context.Context, in DecisionInput) (domain.Action, error) {
	rule, ok := r.table.Lookup(in.Stage, in.Outcome)
	if !ok {
		return domain.Action{}, domain.NewUnmappedTransition(in.Stage, in.Outcome, in.GroupID)
	}
	action := actionFromRule(rule)

	override := policy.OverrideNone
	if action.Kind != domain.ActionTerminal {
		var err error
		override, err = r.engine.Evaluate(ctx, policy.Input{
			Stage:        string(in.Stage),
			Outcome:      string(in.Outcome),
			Tags:         in.Tags,
			NextStage:    string(action.Worker),
			TestsEnabled: in.TestsEnabled,
		})
		if err != nil {
			return domain.Action{}, fmt.Errorf("override evaluation failed: %w", err)
		}
	}

	switch override {
	case policy.OverrideElevatedReview:
		action = domain.Action{Kind: domain.ActionSpawn, Worker: domain.StageSeniorReview}
	case policy.OverrideSkipVerify:
		skipped, err := r.skipVerify(action, in)
		if err != nil {
			return domain.Action{}, err
		}
		action = skipped
	default:
		// Escalation is the lowest-priority override and stage-scoped: it
		// fires once the streak for this stage has reached the threshold
		// and another failure of the same stage arrives.
		if in.Outcome.Failure() && in.FailureStreak >= r.table.Threshold(in.Stage) {
			if tier, ok := r.table.NextTier(in.Stage); ok {
				action = domain.Action{Kind: domain.ActionEscalate, Worker: tier, ResetStreak: true}
			}
			// A stage with no higher tier keeps its base decision; the
			// group stays visible through its growing streak.
		}
	}

	if action.Kind == domain.ActionTerminal && action.Success && !in.CriteriaMet {
		return domain.Action{}, domain.NewCriteriaIncomplete(in.Stage, in.Outcome, in.GroupID)
	}
	if !in.Outcome.Failure() {
		action.ResetStreak = true
	}
	return action, nil
}

// skipVerify rewrites a hop into the verify stage as if verification had
// passed. A base decision that does not enter verify is left untouched.
func (r *Router) skipVerify(action domain.Action, in DecisionInput) (domain.Action, error) {
	if action.Worker != domain.StageVerify {
		return action, nil
	}
	rule, ok := r.table.Lookup(domain.StageVerify, domain.OutcomeTestsPassed)
	if !ok {
		return domain.Action{}, domain.NewUnmappedTransition(domain.StageVerify, domain.OutcomeTestsPassed, in.GroupID)
	}
	return actionFromRule(rule), nil
}

func actionFromRule(rule Rule) domain.Action {
	switch rule.Action {
	case "fanout":
		return domain.Action{
			Kind:   domain.ActionSpawnFanout,
			Worker: domain.Stage(rule.Next),
			Count:  rule.Count,
		}
	case "terminal":
		return domain.Action{
			Kind:    domain.ActionTerminal,
			Success: rule.Result == "success",
		}
	default:
		return domain.Action{
			Kind:   domain.ActionSpawn,
			Worker: domain.Stage(rule.Next),
		}
	}
}
