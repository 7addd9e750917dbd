package health

import "strconv"

// State is the operational health state.
type State uint8

// Health states, from the best to the worst.
const (
	Green State = iota
	Amber
	Red
)

func (s State) String() string {
	switch s {
	case Green:
		return "GREEN"
	case Amber:
		return "AMBER"
	case Red:
		return "RED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Reason explains why the state is not green.
type Reason uint16

// Reasons.
const (
	ReasonOK Reason = iota
	ReasonStreamBacklog
	ReasonGapDetected
	ReasonFlushPending
	ReasonIndoubtMessages
	ReasonRequestsExpired
	ReasonRemoteUnreachable
	ReasonStoreUnavailable
	ReasonStreamBlocked
)

// orderedReasons ranks reasons within each state. Later entries are worse.
var orderedReasons = map[State][]Reason{
	Amber: {
		ReasonRequestsExpired,
		ReasonStreamBacklog,
		ReasonFlushPending,
		ReasonGapDetected,
		ReasonIndoubtMessages,
		ReasonRemoteUnreachable,
	},
	Red: {
		ReasonStreamBlocked,
		ReasonRemoteUnreachable,
		ReasonStoreUnavailable,
	},
}

func rank(state State, reason Reason) int {
	for i, r := range orderedReasons[state] {
		if r == reason {
			return i + 1
		}
	}
	return 0
}

// Health is the state reported by one leaf.
type Health struct {
	State   State
	Reason  Reason
	Inserts []string
}

// Worse returns true if h is worse than h2.
// States are compared first, equal states are compared by reason rank.
func (h Health) Worse(h2 Health) bool {
	if h.State != h2.State {
		return h.State > h2.State
	}
	return rank(h.State, h.Reason) > rank(h2.State, h2.Reason)
}
