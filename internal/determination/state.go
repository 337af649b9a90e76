package determination

// State is a step in a determination's lifecycle.
type State string

const (
	StateReceived      State = "RECEIVED"
	StateValidated     State = "VALIDATED"
	StateNormalized    State = "NORMALIZED"
	StateRuleMatched   State = "RULE_MATCHED"
	StateFallback      State = "FALLBACK"
	StateEscalated     State = "ESCALATED"
	StatePersisted     State = "PERSISTED"
	StateResponded     State = "RESPONDED"
	StateRejected      State = "REJECTED"
	StatePersistFailed State = "PERSIST_FAILED"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateResponded, StateRejected, StatePersistFailed:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateReceived:    {StateValidated, StateRejected},
	StateValidated:   {StateNormalized},
	StateNormalized:  {StateRuleMatched, StateFallback},
	StateRuleMatched: {StateEscalated, StatePersisted, StatePersistFailed},
	StateFallback:    {StateEscalated, StatePersisted, StatePersistFailed},
	StateEscalated:   {StatePersisted, StatePersistFailed},
	StatePersisted:   {StateResponded},
}

// CanTransition reports whether to may follow from.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decision paths reported in metrics and audit events.
const (
	PathRuleMatched = "rule_matched"
	PathEvaluator   = "evaluator"
	PathFallback    = "fallback"
)
