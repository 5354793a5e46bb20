package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrPreconditionFailed   = errors.New("precondition failed")
	ErrInvalidState         = errors.New("invalid escrow state")
	ErrInvalidRating        = fmt.Errorf("%w: rating must be between 1 and 5", ErrPreconditionFailed)
	ErrPaymentCaptureFailed = errors.New("payment capture failed")
	ErrPaymentReleaseFailed = errors.New("payment release failed")
	ErrPaymentRefundFailed  = errors.New("payment refund failed")
	ErrPersistenceFailed    = errors.New("persistence failed")
)

// TransitionError reports a status change with no edge in the table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AuthError reports a caller whose role or ownership does not allow the action.
type AuthError struct {
	ActorID string
	Role    Role
	Action  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("actor %s (%s) may not %s", e.ActorID, e.Role, e.Action)
}

func (e *AuthError) Unwrap() error { return ErrUnauthorized }

// Precondition wraps ErrPreconditionFailed with a reason.
func Precondition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPreconditionFailed, fmt.Sprintf(format, args...))
}

// Persistence marks a data store failure. Nil stays nil.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPersistenceFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
}

const (
	msgUnavailable = "Esta ação não está mais disponível para este serviço."
	msgForbidden   = "Você não tem permissão para realizar esta ação."
	msgPayment     = "O pagamento não pôde ser concluído, tente novamente."
	msgNotFound    = "Serviço não encontrado."
	msgRating      = "A avaliação deve ser de 1 a 5 estrelas."
	msgGeneric     = "Não foi possível concluir a operação, tente novamente."
)

// UserMessage maps an error to a pt-BR message safe to show to end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRating):
		return msgRating
	case errors.Is(err, ErrUnauthorized):
		return msgForbidden
	case errors.Is(err, ErrNotFound):
		return msgNotFound
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrPreconditionFailed):
		return msgUnavailable
	case errors.Is(err, ErrPaymentCaptureFailed),
		errors.Is(err, ErrPaymentReleaseFailed),
		errors.Is(err, ErrPaymentRefundFailed):
		return msgPayment
	default:
		return msgGeneric
	}
}
