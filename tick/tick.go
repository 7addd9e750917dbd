package tick

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Tick is the sequence number of a message within one stream.
type Tick uint64

// Max is the largest tick, used as "none" marker by the callers.
const Max Tick = math.MaxUint64

// State is the state of the tick range.
type State uint8

// Tick states.
const (
	// Unknown marks ticks known to exist but not received yet.
	Unknown State = iota
	Uncommitted
	Value
	Completed
	Requested
	Accepted
	Rejected
	Silence
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Uncommitted:
		return "Uncommitted"
	case Value:
		return "Value"
	case Completed:
		return "Completed"
	case Requested:
		return "Requested"
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	case Silence:
		return "Silence"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Done returns true for states contributing to the completed prefix.
func (s State) Done() bool {
	return s == Completed || s == Silence
}

var (
	// ErrInvalidTransition is returned when tick is not in the state required by the operation.
	ErrInvalidTransition = errors.New("invalid tick transition")

	// ErrNotFound is returned when tick has not been allocated yet.
	ErrNotFound = errors.New("tick not found")
)

// Range is the contiguous set of ticks sharing the same state.
type Range struct {
	Start Tick
	End   Tick
	State State
	Value any
}

// Contains checks if tick belongs to the range.
func (r Range) Contains(t Tick) bool {
	return t >= r.Start && t <= r.End
}

// Len returns the number of ticks in the range.
func (r Range) Len() uint64 {
	return uint64(r.End-r.Start) + 1
}
