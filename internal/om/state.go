package om

// State tracks the lifecycle of an order.
type State uint16

const (
	StateUnknown State = iota
	StateReceived
	StateValidated
	StateRiskCheckPassed
	StateRiskBlocked
	StateRouted
	StateSent
	StateAcked
	StatePartFilled
	StateFilled
	StateCancelled
	StateRejected
	StateExpired
	StateFailed
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateValidated:
		return "VALIDATED"
	case StateRiskCheckPassed:
		return "RISK_CHECK_PASSED"
	case StateRiskBlocked:
		return "RISK_BLOCKED"
	case StateRouted:
		return "ROUTED"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StatePartFilled:
		return "PARTIAL_FILL"
	case StateFilled:
		return "FILLED"
	case StateCancelled:
		return "CANCELLED"
	case StateRejected:
		return "REJECTED"
	case StateExpired:
		return "EXPIRED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	switch s {
	case StateRiskBlocked, StateFilled, StateCancelled, StateRejected, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}
