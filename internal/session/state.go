package session

type State int

const (
	StateCreated State = iota
	StateResumed
	StateActive
	StateInterrupted
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResumed:
		return "resumed"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateInvalid
}
