package order

import (
	"errors"
	"fmt"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// InvalidStateTransitionError is returned when cancelling or executing an
// order that is no longer PENDING.
type InvalidStateTransitionError struct {
	OrderID string
	Current model.OrderStatus
	Target  model.OrderStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("order: cannot move order %s from %s to %s", e.OrderID, e.Current, e.Target)
}

// ValidationError is returned for malformed input. It is raised before the
// store is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
