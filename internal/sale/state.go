package sale

import "fmt"

type State int

const (
	Init State = iota
	Active
	Paused
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Active:
		return "ACTIVE"
	case Paused:
		return "PAUSED"
	case Succeeded:
		return "SUCCEEDED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further issuance can happen in s.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// transitions lists every allowed state change.
var transitions = map[State][]State{
	Init:   {Active},
	Active: {Paused, Succeeded, Failed},
	Paused: {Active, Succeeded, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
