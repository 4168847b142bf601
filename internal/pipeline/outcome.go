package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrRestartRequired signals a transport failure after bytes were written;
	// the whole transfer must be redone with a fresh session.
	ErrRestartRequired = errors.New("transfer must be restarted")
	// ErrAllCandidatesFailed means neither the primary nor any backup URL answered.
	ErrAllCandidatesFailed = errors.New("all urls failed")
)

// OutcomeKind enumerates how one transfer attempt ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryNextCandidate: this URL exhausted its retry budget before a
	// response was accepted; the next candidate should be tried.
	OutcomeRetryNextCandidate
	OutcomeRestartRequired
	OutcomeAllCandidatesExhausted
	// OutcomeFailed covers local failures (file I/O, cancellation) that no
	// amount of URL switching fixes.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryNextCandidate:
		return "retry_next_candidate"
	case OutcomeRestartRequired:
		return "restart_required"
	case OutcomeAllCandidatesExhausted:
		return "all_candidates_exhausted"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of Transfer.Run.
type Outcome struct {
	Kind    OutcomeKind
	URL     string
	Written int64
	Cause   error
}

// Err maps the outcome onto an error suitable for returning from a pipeline
// step. Success maps to nil.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeRestartRequired:
		return fmt.Errorf("%w: %s: %w", ErrRestartRequired, o.URL, o.Cause)
	case OutcomeAllCandidatesExhausted:
		return fmt.Errorf("%w: %w", ErrAllCandidatesFailed, o.Cause)
	case OutcomeRetryNextCandidate:
		return fmt.Errorf("%s: %w", o.URL, o.Cause)
	default:
		if o.Cause == nil {
			return errors.New("transfer failed")
		}
		return o.Cause
	}
}
