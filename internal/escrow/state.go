package escrow

import "fmt"

// State is the lifecycle state of an escrow.
type State int32

const (
	StatePending State = iota
	StateReleased
	StateRefunded
	StateDisputed
	StateResolved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateReleased:
		return "Released"
	case StateRefunded:
		return "Refunded"
	case StateDisputed:
		return "Disputed"
	case StateResolved:
		return "Resolved"
	default:
		return "Unknown"
	}
}

var validTransitions = map[State][]State{
	StatePending: {
		StateReleased,
		StateRefunded,
		StateDisputed,
	},
	StateDisputed: {
		StateResolved,
	},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateRefunded || s == StateResolved
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for candidate := StatePending; candidate <= StateResolved; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("escrow: unknown state %q", text)
}

// DisputeState is the lifecycle state of a dispute.
type DisputeState int32

const (
	DisputeOpen DisputeState = iota
	DisputeResolved
	DisputeRejected
)

func (d DisputeState) String() string {
	switch d {
	case DisputeOpen:
		return "Open"
	case DisputeResolved:
		return "Resolved"
	case DisputeRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

func (d DisputeState) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DisputeState) UnmarshalText(text []byte) error {
	for candidate := DisputeOpen; candidate <= DisputeRejected; candidate++ {
		if candidate.String() == string(text) {
			*d = candidate
			return nil
		}
	}
	return fmt.Errorf("escrow: unknown dispute state %q", text)
}

// RefundPolicy selects when a buyer may refund a pending escrow.
type RefundPolicy int

const (
	// RefundAfterExpiry allows a refund only once the escrow has expired.
	RefundAfterExpiry RefundPolicy = iota
	// RefundAnytime allows the buyer to refund at any point before release.
	RefundAnytime
)

func (p RefundPolicy) String() string {
	switch p {
	case RefundAfterExpiry:
		return "after-expiry"
	case RefundAnytime:
		return "anytime"
	default:
		return "unknown"
	}
}

// ParseRefundPolicy parses "after-expiry" or "anytime".
func ParseRefundPolicy(s string) (RefundPolicy, error) {
	switch s {
	case "", "after-expiry":
		return RefundAfterExpiry, nil
	case "anytime":
		return RefundAnytime, nil
	default:
		return RefundAfterExpiry, fmt.Errorf("escrow: unknown refund policy %q", s)
	}
}
