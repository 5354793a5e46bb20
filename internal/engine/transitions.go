package engine

import (
	"fmt"

	"valeconecta/internal/domain"
)

var transitions = map[domain.Status][]domain.Status{
	domain.StatusOpen:            {domain.StatusEvaluating, domain.StatusCanceled},
	domain.StatusEvaluating:      {domain.StatusScheduled, domain.StatusCanceled},
	domain.StatusScheduled:       {domain.StatusInProgress, domain.StatusDisputed, domain.StatusCanceled},
	domain.StatusInProgress:      {domain.StatusCompleted, domain.StatusDisputed},
	domain.StatusCompleted:       {domain.StatusClientConfirmed, domain.StatusDisputed},
	domain.StatusClientConfirmed: {domain.StatusRated},
	domain.StatusDisputed:        {domain.StatusClientConfirmed, domain.StatusCanceled},
}

// Allowed reports whether from -> to is an edge of the lifecycle.
func Allowed(from, to domain.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable from s in one step.
func Next(s domain.Status) []domain.Status {
	return append([]domain.Status(nil), transitions[s]...)
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s domain.Status) bool { return len(transitions[s]) == 0 }

func ValidateTransition(from, to domain.Status) error {
	if !Allowed(from, to) {
		return &domain.TransitionError{From: from, To: to}
	}
	return nil
}

// requirePrecursor is ValidateTransition for client gates, where reaching
// the step from the wrong status is also a failed precondition.
func requirePrecursor(from, to domain.Status) error {
	if err := ValidateTransition(from, to); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrPreconditionFailed, err)
	}
	return nil
}

// requireStatus narrows requirePrecursor to a single origin, for targets
// that other operations also reach from elsewhere.
func requireStatus(from, want, to domain.Status) error {
	if from != want {
		return fmt.Errorf("%w: %w", domain.ErrPreconditionFailed, &domain.TransitionError{From: from, To: to})
	}
	return requirePrecursor(from, to)
}

// cancelable lists the statuses a party may cancel from. A disputed task
// is only closed through dispute resolution.
var cancelable = map[domain.Status]bool{
	domain.StatusOpen:       true,
	domain.StatusEvaluating: true,
	domain.StatusScheduled:  true,
}
