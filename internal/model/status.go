package model

// Status is a job state. Only SUBMITTED and RUNNING are active.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusRunning    Status = "RUNNING"
	StatusFinished   Status = "FINISHED"
	StatusFatalError Status = "FATAL_ERROR"
	StatusAborted    Status = "ABORTED"
)

var transitions = map[Status]map[Status]bool{
	StatusSubmitted: {
		StatusRunning:    true,
		StatusAborted:    true,
		StatusFatalError: true,
	},
	StatusRunning: {
		StatusFinished:   true,
		StatusFatalError: true,
		StatusAborted:    true,
	},
}

// Terminal reports whether no further transition may follow s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFatalError || s == StatusAborted
}

// CanTransitionTo reports whether next may be appended after s.
func (s Status) CanTransitionTo(next Status) bool {
	return transitions[s][next]
}

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusRunning, StatusFinished, StatusFatalError, StatusAborted:
		return true
	}
	return false
}
