package conflict

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDuplicateConflict = errors.New("duplicate conflict")
	ErrUnknownConflict   = errors.New("unknown conflict")
	ErrUnknownOption     = errors.New("unknown option")
	ErrNotInvolved       = errors.New("agent not involved in conflict")
	ErrAlreadyResolved   = errors.New("conflict is not open")
	ErrNoConsensus       = errors.New("no consensus")
	ErrNoVotes           = errors.New("no votes cast")
	ErrValidation        = errors.New("invalid conflict request")
)

// DuplicateConflictError is returned when a conflict id is already in use.
type DuplicateConflictError struct {
	ID string
}

func (e *DuplicateConflictError) Error() string {
	return fmt.Sprintf("conflict %s already exists", e.ID)
}

func (e *DuplicateConflictError) Unwrap() error { return ErrDuplicateConflict }

// UnknownConflictError is returned when no conflict has the given id.
type UnknownConflictError struct {
	ID string
}

func (e *UnknownConflictError) Error() string {
	return fmt.Sprintf("conflict %s not found", e.ID)
}

func (e *UnknownConflictError) Unwrap() error { return ErrUnknownConflict }

// UnknownOptionError is returned for a vote on an option the conflict does not offer.
type UnknownOptionError struct {
	Conflict string
	Option   string
}

func (e *UnknownOptionError) Error() string {
	return fmt.Sprintf("conflict %s has no option %s", e.Conflict, e.Option)
}

func (e *UnknownOptionError) Unwrap() error { return ErrUnknownOption }

// NotInvolvedError is returned when an agent outside the conflict tries to vote.
type NotInvolvedError struct {
	Conflict string
	Agent    string
}

func (e *NotInvolvedError) Error() string {
	return fmt.Sprintf("agent %s is not involved in conflict %s", e.Agent, e.Conflict)
}

func (e *NotInvolvedError) Unwrap() error { return ErrNotInvolved }

// AlreadyResolvedError is returned for any change to a conflict that is no longer open.
type AlreadyResolvedError struct {
	Conflict string
	Status   Status
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("conflict %s is %s", e.Conflict, e.Status)
}

func (e *AlreadyResolvedError) Unwrap() error { return ErrAlreadyResolved }

// NoConsensusError is returned by the consensus strategy when the involved
// agents have not all voted for the same option.
type NoConsensusError struct {
	Conflict string
	Tally    map[string]int
	Missing  []string // Involved agents that have not voted
}

func (e *NoConsensusError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("conflict %s has no consensus: waiting on %s", e.Conflict, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("conflict %s has no consensus: votes split across %d options", e.Conflict, len(e.Tally))
}

func (e *NoConsensusError) Unwrap() error { return ErrNoConsensus }

// NoVotesError is returned by vote-driven strategies when nobody has voted.
type NoVotesError struct {
	Conflict string
	Strategy Strategy
}

func (e *NoVotesError) Error() string {
	return fmt.Sprintf("cannot resolve conflict %s by %s: no votes cast", e.Conflict, e.Strategy)
}

func (e *NoVotesError) Unwrap() error { return ErrNoVotes }

// ValidationError reports a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// isStateError reports whether a strategy failed only because of the votes
// cast so far, so another strategy may still succeed.
func isStateError(err error) bool {
	return errors.Is(err, ErrNoConsensus) || errors.Is(err, ErrNoVotes)
}
