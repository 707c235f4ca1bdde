// Package errs defines the error kinds shared by the stream, tracking and
// delivery layers. Callers classify failures with the Is* helpers instead of
// matching on messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the system reacts to it.
type Kind int

const (
	KindTransient Kind = iota + 1
	KindSessionExpired
	KindMalformedData
	KindDelivery
	KindFatalConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient_transport"
	case KindSessionExpired:
		return "session_expired"
	case KindMalformedData:
		return "malformed_data"
	case KindDelivery:
		return "delivery"
	case KindFatalConfiguration:
		return "fatal_configuration"
	default:
		return "unknown"
	}
}

// Error carries a Kind together with the operation that failed and the
// underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient reports a connection drop, timeout or retryable upstream failure.
func Transient(op string, err error) error { return newError(KindTransient, op, err) }

// SessionExpired reports an invalid or expired session token.
func SessionExpired(op string, err error) error { return newError(KindSessionExpired, op, err) }

// Malformed reports an unparseable message or an update missing required fields.
func Malformed(op string, err error) error { return newError(KindMalformedData, op, err) }

// Delivery reports a notification sink failure.
func Delivery(op string, err error) error { return newError(KindDelivery, op, err) }

// FatalConfiguration reports configuration that prevents the process from starting.
func FatalConfiguration(op string, err error) error {
	return newError(KindFatalConfiguration, op, err)
}

// KindOf returns the kind of the first classified error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func IsTransient(err error) bool      { return KindOf(err) == KindTransient }
func IsSessionExpired(err error) bool { return KindOf(err) == KindSessionExpired }
func IsMalformed(err error) bool      { return KindOf(err) == KindMalformedData }
func IsDelivery(err error) bool       { return KindOf(err) == KindDelivery }
func IsFatal(err error) bool          { return KindOf(err) == KindFatalConfiguration }
