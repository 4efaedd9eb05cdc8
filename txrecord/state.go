package txrecord

import (
	"encoding/json"
	"strings"
)

// State is the lifecycle state of a transaction record.
type State int

const (
	StateUnknown    State = iota // Fallback for unrecognized persisted values
	StatePending                 // Broadcast, not yet confirmed
	StateCompleted               // Confirmed successfully
	StateError                   // Confirmed but reverted
	StateFailed                  // Dropped or superseded
	StateCancelling              // A cancel replacement is in flight
	StateSpeedingUp              // A speed-up replacement is in flight
)

var stateNames = map[State]string{
	StateUnknown:    "unknown",
	StatePending:    "pending",
	StateCompleted:  "completed",
	StateError:      "error",
	StateFailed:     "failed",
	StateCancelling: "cancelling",
	StateSpeedingUp: "speedingUp",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState maps persisted text to a state. It never fails: anything it does
// not recognize becomes StateUnknown.
func ParseState(text string) State {
	text = strings.TrimSpace(text)
	for s, name := range stateNames {
		if strings.EqualFold(name, text) {
			return s
		}
	}
	return StateUnknown
}

// IsInFlight reports whether records in this state are still waiting on the
// network. In-flight records are never evicted.
func (s State) IsInFlight() bool {
	switch s {
	case StatePending, StateCancelling, StateSpeedingUp:
		return true
	default:
		return false
	}
}

// IsReplacing reports whether a replacement transaction has been issued for
// a record in this state.
func (s State) IsReplacing() bool {
	return s == StateCancelling || s == StateSpeedingUp
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	*s = ParseState(string(text))
	return nil
}

// UnmarshalJSON accepts any JSON value; non-string values decode to StateUnknown.
func (s *State) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		*s = StateUnknown
		return nil
	}
	*s = ParseState(text)
	return nil
}

// Type distinguishes normal transactions from the replacements created by
// cancel and speed-up.
type Type int

const (
	TypeNormal Type = iota
	TypeCancel
	TypeSpeedUp
)

func (t Type) String() string {
	switch t {
	case TypeCancel:
		return "cancel"
	case TypeSpeedUp:
		return "speedup"
	default:
		return "normal"
	}
}

// ParseType maps persisted text to a type, defaulting to TypeNormal.
func ParseType(text string) Type {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "cancel":
		return TypeCancel
	case "speedup":
		return TypeSpeedUp
	default:
		return TypeNormal
	}
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	*t = ParseType(string(text))
	return nil
}

// OperationKind is the kind of value movement a record performs.
type OperationKind int

const (
	OperationUnknown OperationKind = iota
	OperationTransfer
	OperationExchange
)

func (k OperationKind) String() string {
	switch k {
	case OperationTransfer:
		return "transfer"
	case OperationExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// ParseOperationKind maps persisted text to a kind, defaulting to OperationUnknown.
func ParseOperationKind(text string) OperationKind {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "transfer":
		return OperationTransfer
	case "exchange", "swap":
		return OperationExchange
	default:
		return OperationUnknown
	}
}

func (k OperationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *OperationKind) UnmarshalText(text []byte) error {
	*k = ParseOperationKind(string(text))
	return nil
}
