// Package router maps (stage, outcome) pairs to the next scheduling action.
package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/foreman/internal/domain"
)

// Rule is one transition table entry.
type Rule struct {
	Stage   string `yaml:"stage"`
	Outcome string `yaml:"outcome"`
	Action  string `yaml:"action"` // spawn | fanout | terminal
	Next    string `yaml:"next,omitempty"`
	Result  string `yaml:"result,omitempty"` // success | failure, terminal only
	Count   int    `yaml:"count,omitempty"`  // fanout width, 0 = max_parallel
}

// tableDoc is the on-disk shape of the versioned transition table document.
type tableDoc struct {
	Version             int               `yaml:"version"`
	EscalationThreshold int               `yaml:"escalation_threshold"`
	StageThresholds     map[string]int    `yaml:"stage_thresholds,omitempty"`
	Escalation          map[string]string `yaml:"escalation,omitempty"`
	Rules               []Rule            `yaml:"rules"`
}

type ruleKey struct {
	stage   domain.Stage
	outcome domain.Outcome
}

// Table is an immutable transition table snapshot, loaded once per session.
// Changing it is a configuration event, not a data mutation.
type Table struct {
	version             int
	escalationThreshold int
	stageThresholds     map[domain.Stage]int
	escalation          map[domain.Stage]domain.Stage
	rules               map[ruleKey]Rule
}

// Parse builds a Table from a YAML document, validating every stage and
// outcome identifier against the closed sets.
func Parse(data []byte) (*Table, error) {
	var doc tableDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transition table: %w", err)
	}
	if doc.Version < 1 {
		return nil, fmt.Errorf("transition table missing version")
	}
	if doc.EscalationThreshold < 1 {
		doc.EscalationThreshold = 2
	}

	t := &Table{
		version:             doc.Version,
		escalationThreshold: doc.EscalationThreshold,
		stageThresholds:     make(map[domain.Stage]int),
		escalation:          make(map[domain.Stage]domain.Stage),
		rules:               make(map[ruleKey]Rule),
	}

	for stage, threshold := range doc.StageThresholds {
		st, err := domain.ParseStage(stage)
		if err != nil {
			return nil, fmt.Errorf("stage_thresholds: %w", err)
		}
		if threshold < 1 {
			return nil, fmt.Errorf("stage_thresholds: threshold for %s must be positive", stage)
		}
		t.stageThresholds[st] = threshold
	}

	for from, to := range doc.Escalation {
		fromStage, err := domain.ParseStage(from)
		if err != nil {
			return nil, fmt.Errorf("escalation ladder: %w", err)
		}
		toStage, err := domain.ParseStage(to)
		if err != nil {
			return nil, fmt.Errorf("escalation ladder: %w", err)
		}
		t.escalation[fromStage] = toStage
	}

	for i, rule := range doc.Rules {
		stage, err := domain.ParseStage(rule.Stage)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		outcome, err := domain.ParseOutcome(rule.Outcome)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		switch rule.Action {
		case "spawn", "fanout":
			if _, err := domain.ParseStage(rule.Next); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		case "terminal":
			if rule.Result != "success" && rule.Result != "failure" {
				return nil, fmt.Errorf("rule %d: terminal result must be success or failure", i)
			}
		default:
			return nil, fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
		key := ruleKey{stage: stage, outcome: outcome}
		if _, dup := t.rules[key]; dup {
			return nil, fmt.Errorf("rule %d: duplicate entry for (%s, %s)", i, stage, outcome)
		}
		t.rules[key] = rule
	}
	return t, nil
}

// LoadFile reads a transition table document from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read transition table: %w", err)
	}
	return Parse(data)
}

// Default returns the compiled-in transition table.
func Default() *Table {
	t, err := Parse([]byte(defaultTableYAML))
	if err != nil {
		// The embedded document is covered by tests; a parse failure here is
		// a programming error.
		panic(fmt.Sprintf("invalid embedded transition table: %v", err))
	}
	return t
}

// Version returns the document version of the snapshot.
func (t *Table) Version() int { return t.version }

// Lookup returns the base rule for (stage, outcome), if mapped.
func (t *Table) Lookup(stage domain.Stage, outcome domain.Outcome) (Rule, bool) {
	rule, ok := t.rules[ruleKey{stage: stage, outcome: outcome}]
	return rule, ok
}

// Threshold returns the escalation threshold for a stage, falling back to
// the document default.
func (t *Table) Threshold(stage domain.Stage) int {
	if th, ok := t.stageThresholds[stage]; ok {
		return th
	}
	return t.escalationThreshold
}

// NextTier returns the escalation target for a stage. A stage with no entry
// is already at the top of its ladder.
func (t *Table) NextTier(stage domain.Stage) (domain.Stage, bool) {
	tier, ok := t.escalation[stage]
	return tier, ok
}

const defaultTableYAML = `
version: 1
escalation_threshold: 2
escalation:
  implement: senior_implement
  review: senior_review
rules:
  - {stage: plan, outcome: planned, action: fanout, next: implement}
  - {stage: plan, outcome: needs_replan, action: spawn, next: plan}
  - {stage: plan, outcome: failed, action: terminal, result: failure}
  - {stage: implement, outcome: completed, action: spawn, next: review}
  - {stage: implement, outcome: needs_review, action: spawn, next: review}
  - {stage: implement, outcome: needs_replan, action: spawn, next: plan}
  - {stage: implement, outcome: failed, action: spawn, next: implement}
  - {stage: senior_implement, outcome: completed, action: spawn, next: review}
  - {stage: senior_implement, outcome: needs_review, action: spawn, next: review}
  - {stage: senior_implement, outcome: failed, action: spawn, next: senior_implement}
  - {stage: review, outcome: approved, action: spawn, next: verify}
  - {stage: review, outcome: rejected, action: spawn, next: implement}
  - {stage: review, outcome: needs_replan, action: spawn, next: plan}
  - {stage: senior_review, outcome: approved, action: spawn, next: verify}
  - {stage: senior_review, outcome: rejected, action: spawn, next: implement}
  - {stage: verify, outcome: tests_passed, action: spawn, next: merge}
  - {stage: verify, outcome: tests_failed, action: spawn, next: implement}
  - {stage: merge, outcome: merged, action: terminal, result: success}
  - {stage: merge, outcome: failed, action: spawn, next: implement}
`
