package ledger

import (
	"errors"

	"github.com/billbatista/acasinha-purchases/money"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrValidation      = money.ErrValidation

	ErrNotLinkedToBalance = invalidArgument("the user must be one linked to this balance")
	ErrSelfBalance        = invalidArgument("a balance needs two different users")
)

// ValidationError reports input that violates a domain invariant. It matches
// ErrValidation with errors.Is.
type ValidationError = money.ValidationError

type argumentError struct {
	msg string
}

func (e *argumentError) Error() string { return e.msg }

func (e *argumentError) Is(target error) bool { return target == ErrInvalidArgument }

func invalidArgument(msg string) error {
	return &argumentError{msg: msg}
}
