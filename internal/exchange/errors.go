package exchange

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned when cancelling an order the venue no longer
// has open, typically because it already filled.
var ErrOrderNotFound = errors.New("order not found")

// TransientError is a network, timeout or rate-limit failure that may
// succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient venue error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectReason classifies why the venue refused an order.
type RejectReason string

const (
	RejectPrecision           RejectReason = "precision"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectUnsupportedType     RejectReason = "unsupported_type"
	RejectInvalid             RejectReason = "invalid"
)

// OrderRejectedError is a definitive refusal. Retrying the same request
// will not help; callers adapt the request instead.
type OrderRejectedError struct {
	Reason  RejectReason
	Message string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("order rejected (%s): %s", e.Reason, e.Message)
}

// Rejected builds an OrderRejectedError.
func Rejected(reason RejectReason, format string, args ...interface{}) error {
	return &OrderRejectedError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is an order rejection for reason. An empty
// reason matches any rejection.
func IsRejected(err error, reason RejectReason) bool {
	var re *OrderRejectedError
	if !errors.As(err, &re) {
		return false
	}
	return reason == "" || re.Reason == reason
}
