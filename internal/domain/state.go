package domain

// State is the lifecycle state of one item downloader.
type State string

const (
	StateNotStarted State = "not_started"
	StateStarted    State = "started"
	StateFinished   State = "finished"
	StateFailed     State = "failed"
	// StatePaused is declared for persisted records but nothing transitions into it.
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateNotStarted:
		return next == StateStarted
	case StateStarted:
		return next == StateFinished || next == StateFailed || next == StateCancelled
	default:
		return false
	}
}
