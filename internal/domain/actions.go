package domain

// ActionKind enumerates what the router can tell the scheduler to do next.
type ActionKind string

const (
	ActionSpawn       ActionKind = "spawn"
	ActionSpawnFanout ActionKind = "spawn_fanout"
	ActionEscalate    ActionKind = "escalate"
	ActionTerminal    ActionKind = "terminal"
)

// Action is the router's decision for one (stage, outcome) step.
type Action struct {
	Kind ActionKind

	// Worker is the next stage for spawn and fanout actions, and the target
	// tier for escalate.
	Worker Stage

	// Count bounds fanout width. Zero means the configured max_parallel.
	Count int

	// ContextRefs lists package ids the next worker should receive.
	ContextRefs []string

	// Success distinguishes terminal outcomes.
	Success bool

	// ResetStreak tells the scheduler to zero the failure streak when it
	// applies this decision (escalation resets; any non-failure hop does too).
	ResetStreak bool
}
