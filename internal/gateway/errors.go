package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// KindTransient failures are retried on the next cycle.
	KindTransient Kind = iota
	// KindFatal failures disable the account until the registry is reloaded.
	KindFatal
)

func (k Kind) String() string {
	if k == KindFatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified gateway failure.
type Error struct {
	Op      string
	Account string
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s [%s] %s: %v", e.Op, e.Account, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(op, account string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Account: account, Kind: KindTransient, Err: err}
}

// Fatal wraps err as an account-disabling failure.
func Fatal(op, account string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Account: account, Kind: KindFatal, Err: err}
}

// IsFatal reports whether err carries a fatal classification.
func IsFatal(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == KindFatal
}

// IsTransient reports whether err is retryable. Unclassified errors count
// as transient.
func IsTransient(err error) bool {
	return err != nil && !IsFatal(err)
}
